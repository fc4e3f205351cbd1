// Package play runs companion play requests: it resolves each request against the host, performs
// the roll on a worker pool and replies ROLL_RESULT once the host has confirmed the roll in chat, or
// once the confirmation timeout passes.
package play

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tablelink/companion-sync/host"
	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/pubsub"
	"github.com/tablelink/companion-sync/relay"
	"github.com/tablelink/companion-sync/schema"
	"go.opentelemetry.io/otel/attribute"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Sender delivers messages to remote clients. relay.Conn implements it and may be called from any
// goroutine.
type Sender interface {
	Send(to string, typ protocol.MsgType, body any)
}

type Options struct {
	Resolver host.Resolver
	Executor host.RollExecutor
	// May be left nil and given to Attach instead.
	Sender Sender
	// How long to wait for the host to confirm a roll in chat.
	Timeout time.Duration
	Workers int
	// Optional
	Registerer prometheus.Registerer
}

// Handler implements relay.ActionHandler and the chat part of pubsub.HostListener.
type Handler struct {
	opts    Options
	pool    *internal.WorkerPool
	chat    *internal.Waiter[*pubsub.ChatMessage]
	ctx     context.Context
	latency *prometheus.HistogramVec
}

func NewHandler(opts Options) *Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	h := &Handler{
		opts: opts,
		pool: internal.NewWorkerPool(opts.Workers),
		chat: internal.NewWaiter[*pubsub.ChatMessage](),
		ctx:  context.Background(),
	}
	if opts.Registerer != nil {
		h.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "companion",
			Subsystem: "play",
			Name:      "action_duration_secs",
			Help:      "Time taken from receiving a play request to replying with its result.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"action", "confirmed"})
		opts.Registerer.MustRegister(h.latency)
	}
	return h
}

// Attach the sender to reply through. The relay connection is built with the handler as its action
// handler, so it can only be attached afterwards.
func (h *Handler) Attach(s Sender) {
	h.opts.Sender = s
}

// Start the workers. Work runs with ctx, so cancelling it abandons outstanding confirmations.
func (h *Handler) Start(ctx context.Context) {
	h.ctx = ctx
	h.pool.Start()
}

// Stop waits for in-flight actions to finish.
func (h *Handler) Stop() {
	h.pool.Stop()
	if h.latency != nil {
		h.opts.Registerer.Unregister(h.latency)
	}
}

func (h *Handler) HandleAction(ctx context.Context, client relay.RemoteClient, env *protocol.Envelope) error {
	start := time.Now()
	var req protocol.ActionRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.ActorID == "" {
		req.ActorID = client.ActorID
	}
	l := logger.With().Str("client", client.ID).Str("actor", req.ActorID).Str("type", string(env.Type)).Logger()
	if !client.HasFeature(schema.FeatureRolls) {
		h.fail(client.ID, env.Type, req, "rolls are not enabled for this client")
		return nil
	}

	spec, err := h.opts.Resolver.ResolveAction(ctx, env.Type, req)
	if errors.Is(err, host.ErrUnknownActor) {
		internal.DecorateLogger(ctx, l.Warn()).Err(err).Msg("dropping action for unknown actor")
		return nil
	}
	if err != nil {
		internal.DecorateLogger(ctx, l.Warn()).Err(err).Msg("cannot resolve action")
		h.fail(client.ID, env.Type, req, err.Error())
		return nil
	}
	// correlate on our own id: ids chosen by companions may collide
	spec.RequestID = uuid.NewString()
	reg := h.chat.Register(func(m *pubsub.ChatMessage) bool {
		return m.RequestID == spec.RequestID
	})
	queued := h.pool.TryQueue(func() {
		h.run(client.ID, req, spec, reg, start, l)
	})
	if !queued {
		reg.Cancel()
		l.Warn().Msg("action pool saturated, rejecting action")
		h.fail(client.ID, env.Type, req, "host is busy, try again")
	}
	return nil
}

func (h *Handler) run(clientID string, req protocol.ActionRequest, spec host.RollSpec, reg *internal.Registration[*pubsub.ChatMessage], start time.Time, l zerolog.Logger) {
	defer internal.ReportPanicsToSentry()
	ctx, span := internal.StartSpan(h.ctx, "PerformRoll", attribute.String("action", string(spec.Action)))
	defer span.End()

	out, err := h.opts.Executor.PerformRoll(ctx, spec)
	if err != nil {
		reg.Cancel()
		l.Warn().Err(err).Msg("roll failed")
		h.fail(clientID, spec.Action, req, err.Error())
		return
	}
	result := protocol.RollResult{
		RequestID: req.RequestID,
		ActorID:   spec.ActorID,
		Action:    spec.Action,
		Success:   true,
		Formula:   out.Formula,
		Total:     out.Total,
		Rolls:     out.Rolls,
		Mode:      out.Mode,
		Label:     spec.Label,
	}
	msg, confirmed := reg.Wait(ctx, h.opts.Timeout)
	if confirmed {
		result.ChatMessageID = msg.MessageID
	} else {
		internal.Logf(ctx, "play", "no chat confirmation within %s", h.opts.Timeout)
		l.Debug().Dur("timeout", h.opts.Timeout).Msg("roll was not confirmed in chat")
	}
	h.opts.Sender.Send(clientID, protocol.MsgRollResult, result)
	if h.latency != nil {
		confirmedLabel := "false"
		if confirmed {
			confirmedLabel = "true"
		}
		h.latency.WithLabelValues(string(spec.Action), confirmedLabel).Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) fail(clientID string, action protocol.MsgType, req protocol.ActionRequest, reason string) {
	h.opts.Sender.Send(clientID, protocol.MsgRollResult, protocol.RollResult{
		RequestID: req.RequestID,
		ActorID:   req.ActorID,
		Action:    action,
		Success:   false,
		Error:     reason,
		Mode:      req.Mode,
		Label:     req.Label,
	})
}

func (h *Handler) OnChatMessage(p *pubsub.ChatMessage) {
	if p.RequestID == "" {
		return
	}
	h.chat.Publish(p)
}

func (h *Handler) OnEntityChanged(p *pubsub.EntityChanged) {}

func (h *Handler) OnCombatChanged(p *pubsub.CombatChanged) {}

// Pending returns the number of actions waiting for a chat confirmation.
func (h *Handler) Pending() int {
	return h.chat.Pending()
}
