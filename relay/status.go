package relay

import (
	"context"

	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/protocol"
)

// Connection status notices from the relay. A notice naming our own client id is about the host's
// link; anything else is about one companion.

func (c *Conn) decodeStatus(ctx context.Context, env *protocol.Envelope) (*protocol.ClientStatus, bool) {
	var msg protocol.ClientStatus
	if err := env.Decode(&msg); err != nil || msg.ClientID == "" {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Msg("dropping malformed status notice")
		return nil, false
	}
	internal.SetMessageContextSender(ctx, msg.ClientID, string(env.Type))
	return &msg, true
}

func (c *Conn) onClientSuspended(ctx context.Context, env *protocol.Envelope) error {
	msg, ok := c.decodeStatus(ctx, env)
	if !ok {
		return nil
	}
	if msg.ClientID == c.opts.ClientID {
		if c.state == StatePlay {
			c.transition(StateSuspended, "host link suspended")
		}
		return nil
	}
	rc := c.roster.Get(msg.ClientID)
	if rc == nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("suspend notice for unknown client")
		return nil
	}
	if rc.Phase != StateSuspended {
		rc.suspendedFrom = rc.Phase
		rc.Phase = StateSuspended
		c.notifyClient(NotifyClientPhase, rc, "suspended")
	}
	if c.state == StatePlay && !c.roster.AnyInPhase(StatePlay) {
		c.transition(StateSuspended, "no companion in play")
	}
	return nil
}

func (c *Conn) onClientResumed(ctx context.Context, env *protocol.Envelope) error {
	msg, ok := c.decodeStatus(ctx, env)
	if !ok {
		return nil
	}
	if msg.ClientID != c.opts.ClientID {
		rc := c.roster.Get(msg.ClientID)
		if rc == nil {
			internal.DecorateLogger(ctx, c.logger.Warn()).Msg("resume notice for unknown client")
			return nil
		}
		if rc.Phase == StateSuspended {
			rc.Phase = rc.suspendedFrom
			if rc.Phase < StateJoined {
				rc.Phase = StatePlay
			}
			rc.LastActivity = c.now()
			c.notifyClient(NotifyClientPhase, rc, "resumed")
		}
	}
	if c.state == StateSuspended {
		c.transition(StatePlay, "resumed")
	}
	return nil
}

// CLIENT_LOST removes one companion. The connection only changes state if it was the last one.
func (c *Conn) onClientLost(ctx context.Context, env *protocol.Envelope) error {
	msg, ok := c.decodeStatus(ctx, env)
	if !ok {
		return nil
	}
	if msg.ClientID == c.opts.ClientID {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("relay reported our own client as lost")
		return nil
	}
	if !c.roster.Remove(msg.ClientID) {
		internal.DecorateLogger(ctx, c.logger.Debug()).Msg("lost notice for unknown client")
		return nil
	}
	c.notify(Notification{Kind: NotifyClientLost, ClientID: msg.ClientID, Reason: "lost"})
	c.fallBackIfEmpty()
	return nil
}
