package relay

import (
	"context"
	"errors"

	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/protocol"
	"go.opentelemetry.io/otel/attribute"
)

type handlerFunc func(ctx context.Context, env *protocol.Envelope) error

func (c *Conn) onFrame(gen uint64, raw []byte) {
	if gen != c.gen {
		return
	}
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		c.logger.Warn().Err(err).Int("len", len(raw)).Msg("dropping unparseable message")
		return
	}
	c.metrics.received(env.Type)
	if env.To != "" && env.To != c.opts.ClientID {
		return
	}
	ctx := internal.MessageContext(c.ctx, c.code.String())
	internal.SetMessageContextSender(ctx, env.From, string(env.Type))
	ctx, task := internal.StartTask(ctx, "OnMessage", attribute.String("type", string(env.Type)))
	defer task.End()

	h := c.handlerFor(env.Type)
	if h == nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("ignoring unknown message type")
		return
	}
	if err := h(ctx, env); err != nil {
		c.handleError(ctx, env, err)
	}
}

// handlerFor routes by type tag: connection phase messages to the state machine, play requests to
// the action handler.
func (c *Conn) handlerFor(t protocol.MsgType) handlerFunc {
	switch t {
	case protocol.MsgAck:
		return c.onAck
	case protocol.MsgJoined:
		return c.onJoined
	case protocol.MsgResume:
		return c.onResume
	case protocol.MsgReset:
		return c.onReset
	case protocol.MsgHello:
		return c.onHello
	case protocol.MsgRequestState:
		return c.onRequestState
	case protocol.MsgRequestPlayers:
		return c.onRequestPlayers
	case protocol.MsgRequestActors:
		return c.onRequestActors
	case protocol.MsgRequestActor:
		return c.onRequestActor
	case protocol.MsgActorAck:
		return c.onActorAck
	case protocol.MsgClientSuspended:
		return c.onClientSuspended
	case protocol.MsgClientResumed:
		return c.onClientResumed
	case protocol.MsgClientLost:
		return c.onClientLost
	case protocol.MsgHeartbeat:
		return c.onHeartbeat
	case protocol.MsgPong:
		return c.onPong
	case protocol.MsgError:
		return c.onRemoteError
	case protocol.MsgSendState, protocol.MsgHelloAck, protocol.MsgDeny:
		return c.onInformational
	}
	if protocol.IsPlayAction(t) {
		return c.onAction
	}
	return nil
}

// handleError answers protocol errors caused by a known remote client with an ERROR message.
// Anything else is only logged.
func (c *Conn) handleError(ctx context.Context, env *protocol.Envelope, err error) {
	var perr *internal.ProtocolError
	switch {
	case errors.As(err, &perr):
	case errors.Is(err, protocol.ErrMalformedMessage):
		perr = &internal.ProtocolError{
			Code:          internal.CodeMalformedMessage,
			Message:       err.Error(),
			CurrentState:  c.state.String(),
			AttemptedType: string(env.Type),
		}
	default:
		internal.DecorateLogger(ctx, c.logger.Error()).Err(err).Msg("failed to handle message")
		return
	}
	internal.DecorateLogger(ctx, c.logger.Warn()).Err(perr).Msg("protocol error")
	if env.From == "" || c.roster.Get(env.From) == nil {
		return
	}
	c.send(env.From, protocol.MsgError, protocol.Error{
		ErrorCode:            perr.Code,
		Message:              perr.Message,
		CurrentState:         perr.CurrentState,
		AttemptedMessageType: protocol.MsgType(perr.AttemptedType),
	})
}

// knownClient returns the sender, or nil after logging if the sender is not in the roster. Such
// messages are stale or racy and are dropped without a reply.
func (c *Conn) knownClient(ctx context.Context, env *protocol.Envelope) *RemoteClient {
	rc := c.roster.Get(env.From)
	if rc == nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("dropping message from unknown client")
		return nil
	}
	rc.LastActivity = c.now()
	return rc
}

// requirePhase rejects a message from a client which has not reached one of the given phases.
func requirePhase(rc *RemoteClient, env *protocol.Envelope, phases ...State) error {
	for _, p := range phases {
		if rc.Phase == p {
			return nil
		}
	}
	return internal.InvalidTransitionError(rc.Phase.String(), string(env.Type))
}

func (c *Conn) onAction(ctx context.Context, env *protocol.Envelope) error {
	rc := c.knownClient(ctx, env)
	if rc == nil {
		return nil
	}
	if c.state != StatePlay {
		return internal.InvalidTransitionError(c.state.String(), string(env.Type))
	}
	if err := requirePhase(rc, env, StatePlay); err != nil {
		return err
	}
	if c.opts.Actions == nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("no action handler configured, dropping action")
		return nil
	}
	return c.opts.Actions.HandleAction(ctx, rc.copy(), env)
}

func (c *Conn) onRemoteError(ctx context.Context, env *protocol.Envelope) error {
	var msg protocol.Error
	if err := env.Decode(&msg); err != nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Msg("unparseable ERROR")
		return nil
	}
	internal.DecorateLogger(ctx, c.logger.Warn()).
		Str("code", msg.ErrorCode).
		Str("state", msg.CurrentState).
		Str("attempted", string(msg.AttemptedMessageType)).
		Msg("peer reported error: " + msg.Message)
	return nil
}

// Messages the host does not act on.
func (c *Conn) onInformational(ctx context.Context, env *protocol.Envelope) error {
	c.touch(env.From)
	internal.DecorateLogger(ctx, c.logger.Debug()).Msg("received")
	return nil
}
