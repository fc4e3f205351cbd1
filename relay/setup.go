package relay

import (
	"context"

	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/protocol"
)

// Setup phase requests. A client may keep issuing these from Play, e.g. to switch actor, but not
// before its hello was acknowledged.

func (c *Conn) onRequestPlayers(ctx context.Context, env *protocol.Envelope) error {
	rc := c.knownClient(ctx, env)
	if rc == nil {
		return nil
	}
	if err := requirePhase(rc, env, StateSetup, StatePlay); err != nil {
		return err
	}
	players, err := c.opts.Directory.Players(ctx)
	if err != nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Msg("failed to list players")
		return nil
	}
	c.send(rc.ID, protocol.MsgSendPlayers, protocol.Players{Players: players})
	return nil
}

func (c *Conn) onRequestActors(ctx context.Context, env *protocol.Envelope) error {
	rc := c.knownClient(ctx, env)
	if rc == nil {
		return nil
	}
	if err := requirePhase(rc, env, StateSetup, StatePlay); err != nil {
		return err
	}
	var msg protocol.RequestActors
	if err := env.Decode(&msg); err != nil {
		return err
	}
	actors, err := c.opts.Directory.ActorsFor(ctx, msg.PlayerID)
	if err != nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Str("player", msg.PlayerID).Msg("failed to list actors")
		return nil
	}
	c.send(rc.ID, protocol.MsgSendActors, protocol.Actors{PlayerID: msg.PlayerID, Actors: actors})
	return nil
}

// selectable reports whether a companion may request or select actorID.
func (c *Conn) selectable(actorID string) bool {
	return c.opts.Directory.HasActor(actorID) && c.opts.Actors.Eligible(actorID)
}

func (c *Conn) onRequestActor(ctx context.Context, env *protocol.Envelope) error {
	rc := c.knownClient(ctx, env)
	if rc == nil {
		return nil
	}
	if err := requirePhase(rc, env, StateSetup, StatePlay); err != nil {
		return err
	}
	var msg protocol.RequestActor
	if err := env.Decode(&msg); err != nil {
		return err
	}
	internal.SetMessageContextActor(ctx, msg.ActorID, c.roster.Len())
	if !c.selectable(msg.ActorID) {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("dropping request for unknown actor")
		return nil
	}
	snap, changed, err := c.opts.Actors.FullSync(ctx, msg.ActorID)
	if err != nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Msg("failed to extract actor")
		return nil
	}
	if len(changed) > 0 {
		for _, id := range c.roster.WatchingActor(msg.ActorID) {
			if id == rc.ID {
				continue
			}
			c.send(id, protocol.MsgActorUpdate, protocol.ActorUpdate{ActorID: msg.ActorID, Updates: changed})
		}
	}
	c.send(rc.ID, protocol.MsgSendActor, protocol.Actor{Actor: snap})
	return nil
}

// ACTOR_ACK with ready=true is the companion's final selection and moves it to Play. The first
// client to get there moves the connection to Play, which starts heartbeats.
func (c *Conn) onActorAck(ctx context.Context, env *protocol.Envelope) error {
	rc := c.knownClient(ctx, env)
	if rc == nil {
		return nil
	}
	if err := requirePhase(rc, env, StateSetup, StatePlay); err != nil {
		return err
	}
	var msg protocol.ActorAck
	if err := env.Decode(&msg); err != nil {
		return err
	}
	internal.SetMessageContextActor(ctx, msg.ActorID, c.roster.Len())
	if !msg.Ready {
		rc.ActorID = ""
		rc.Phase = StateSetup
		c.notifyClient(NotifyClientPhase, rc, "actor deselected")
		return nil
	}
	if !c.selectable(msg.ActorID) {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("dropping ACTOR_ACK for unknown actor")
		return nil
	}
	rc.ActorID = msg.ActorID
	rc.Phase = StatePlay
	c.notifyClient(NotifyClientPhase, rc, "actor selected")
	if c.state == StateSetup {
		c.transition(StatePlay, "actor selected by "+rc.ID)
	}
	return nil
}
