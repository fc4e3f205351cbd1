// Package relay implements the host side of one relay connection: the transport, the join and
// hello handshakes, per-companion phase tracking, heartbeats and reconnects.
//
// All state is owned by a single event loop goroutine started with Run. Every inbound frame, timer
// and API call is turned into a function posted to the loop and run to completion before the next
// one, so nothing below needs locking. Work which must wait, such as dialling or waiting for a roll
// to be confirmed, happens on other goroutines which post their result back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tablelink/companion-sync/delta"
	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/schema"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const eventBufferSize = 1024

var errNotConnected = errors.New("not connected to the relay")

// SessionStore persists the session code so it can be resumed after a restart.
type SessionStore interface {
	Save(ctx context.Context, code, clientID, lastState string) error
	Delete(ctx context.Context, code string) error
}

// Directory answers the setup phase questions about players and actors.
type Directory interface {
	Players(ctx context.Context) ([]protocol.Player, error)
	ActorsFor(ctx context.Context, playerID string) ([]protocol.ActorSummary, error)
	HasActor(actorID string) bool
}

// ActorSource produces the full snapshot sent in SEND_ACTOR. It is called on the event loop.
// changed is the difference from the snapshot last sent to watchers of the actor, which are told
// about it before the requester receives the full snapshot.
type ActorSource interface {
	// Eligible reports whether companions may select actorID. Ineligible actors are treated as
	// unknown.
	Eligible(actorID string) bool
	FullSync(ctx context.Context, actorID string) (snap schema.Snapshot, changed delta.Diff, err error)
}

// ActionHandler runs play actions. HandleAction is called on the event loop and must not block:
// long running work should be handed to another goroutine which replies with Conn.Send. A returned
// ProtocolError or malformed message error is answered with ERROR.
type ActionHandler interface {
	HandleAction(ctx context.Context, client RemoteClient, env *protocol.Envelope) error
}

type Options struct {
	// Stable id of this host, sent in JOIN and as `from` on everything else.
	ClientID   string
	Username   string
	AppVersion string
	Platform   string

	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	// Region => relay URL overrides.
	Endpoints map[string]string

	Dialer    Dialer
	Registry  *schema.Registry
	Directory Directory
	Actors    ActorSource
	// Optional
	Actions  ActionHandler
	Sessions SessionStore
	Metrics  *Metrics
}

// Status is a consistent view of the connection, taken between two events.
type Status struct {
	State       State
	SessionCode string
	Attempts    int
	Clients     []RemoteClient
	// Why the last transition happened.
	Reason string
}

type Conn struct {
	opts      Options
	enc       *protocol.Encoder
	metrics   *Metrics
	logger    zerolog.Logger
	afterFunc afterFuncer
	now       func() time.Time

	events chan func()
	done   chan struct{}

	// everything below is only touched on the event loop
	ctx            context.Context
	state          State
	highest        State
	reason         string
	code           protocol.SessionCode
	sock           Socket
	gen            uint64
	// a JOIN has been sent since the last connect
	announced      bool
	attempts       int
	reconnectTimer Timer
	heartbeatTimer Timer
	heartbeatGen   uint64
	roster         *Roster
	observers      []func(Notification)
}

func NewConn(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer()
	}
	if opts.Registry == nil {
		opts.Registry = schema.NewBuiltinRegistry()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	c := &Conn{
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("client", opts.ClientID).Logger(),
		afterFunc: realAfterFunc,
		now:       time.Now,
		events:    make(chan func(), eventBufferSize),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		roster:    NewRoster(),
	}
	c.enc = &protocol.Encoder{From: opts.ClientID, Now: func() time.Time { return c.now() }}
	return c
}

// Run the event loop until ctx is cancelled. The persisted session is kept on shutdown so the next
// process can resume it.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.done)
	c.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.events:
			c.runEvent(fn)
		}
	}
}

func (c *Conn) runEvent(fn func()) {
	defer internal.RecoverHandlerPanic(c.ctx, nil)
	fn()
}

// Post fn to run on the event loop. Returns false if the loop has stopped.
func (c *Conn) Post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (c *Conn) call(fn func()) bool {
	finished := make(chan struct{})
	if !c.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

// Connect validates the session code and starts joining it. A malformed code is the only error
// reported to the caller; everything after this point is reported through notifications.
func (c *Conn) Connect(sessionCode string) error {
	code, err := protocol.ParseSessionCode(sessionCode)
	if err != nil {
		return err
	}
	c.Post(func() { c.connect(code) })
	return nil
}

// Disconnect closes the transport, cancels any pending reconnect or heartbeat, forgets every remote
// client and deletes the persisted session.
func (c *Conn) Disconnect() {
	c.Post(func() {
		c.deleteSession()
		if c.state == StateDisconnected {
			return
		}
		c.toDisconnected("disconnected")
	})
}

func (c *Conn) Status() Status {
	var st Status
	c.call(func() {
		st = Status{
			State:       c.state,
			SessionCode: c.code.String(),
			Attempts:    c.attempts,
			Clients:     c.roster.Snapshot(),
			Reason:      c.reason,
		}
	})
	return st
}

// Send a message from any goroutine. An empty `to` broadcasts.
func (c *Conn) Send(to string, typ protocol.MsgType, body any) {
	c.Post(func() { c.send(to, typ, body) })
}

// SendNow sends immediately. Only call this on the event loop, e.g. from a function given to Post.
func (c *Conn) SendNow(to string, typ protocol.MsgType, body any) error {
	if c.sock == nil {
		return errNotConnected
	}
	b, err := c.enc.Encode(typ, to, body)
	if err != nil {
		return err
	}
	if err := c.sock.WriteMessage(b); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	c.metrics.sent(typ)
	return nil
}

// Watchers returns the clients in Play which selected actorID. Only call this on the event loop.
func (c *Conn) Watchers(actorID string) []string {
	return c.roster.WatchingActor(actorID)
}

// InPlay returns the clients currently in Play. Only call this on the event loop.
func (c *Conn) InPlay() []string {
	return c.roster.InPhase(StatePlay)
}

func (c *Conn) send(to string, typ protocol.MsgType, body any) {
	if err := c.SendNow(to, typ, body); err != nil {
		c.logger.Warn().Err(err).Str("type", string(typ)).Str("to", to).Msg("failed to send message")
	}
}

func (c *Conn) connect(code protocol.SessionCode) {
	if c.state != StateDisconnected {
		c.logger.Warn().Str("state", c.state.String()).Msg("already connected, ignoring connect")
		return
	}
	c.code = code
	c.logger = logger.With().Str("client", c.opts.ClientID).Str("session", code.String()).Logger()
	c.attempts = 0
	c.announced = false
	c.transition(StateJoining, "connecting")
	c.dial()
}

func (c *Conn) dial() {
	c.gen++
	gen := c.gen
	ctx := c.ctx
	url := c.code.Endpoint(c.opts.Endpoints)
	dialer := c.opts.Dialer
	go func() {
		defer internal.ReportPanicsToSentry()
		sock, err := dialer.Dial(ctx, url)
		if !c.Post(func() { c.onDialed(gen, sock, err) }) && sock != nil {
			sock.Close(protocol.CloseNormal, "shutting down")
		}
	}()
}

func (c *Conn) onDialed(gen uint64, sock Socket, err error) {
	if gen != c.gen {
		if sock != nil {
			sock.Close(protocol.CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to dial relay")
		c.onTransportClosed(gen, closeAbnormal, err.Error())
		return
	}
	c.sock = sock
	go c.readLoop(gen, sock)
	c.sendJoin()
}

// sendJoin announces us to the relay. Only the first JOIN after connect goes without `from`.
func (c *Conn) sendJoin() {
	join := protocol.Join{
		SessionCode: c.code.String(),
		ClientType:  protocol.ClientHost,
		ClientID:    c.opts.ClientID,
		ClientInfo: protocol.ClientInfo{
			Username:   c.opts.Username,
			AppVersion: c.opts.AppVersion,
			Platform:   c.opts.Platform,
		},
	}
	if c.announced {
		join.From = c.opts.ClientID
	}
	c.send("", protocol.MsgJoin, join)
	c.announced = true
}

func (c *Conn) readLoop(gen uint64, sock Socket) {
	defer internal.ReportPanicsToSentry()
	for {
		raw, err := sock.ReadMessage()
		if err != nil {
			code, text := closeDetails(err)
			c.Post(func() { c.onTransportClosed(gen, code, text) })
			return
		}
		if !c.Post(func() { c.onFrame(gen, raw) }) {
			return
		}
	}
}

func (c *Conn) onTransportClosed(gen uint64, code int, text string) {
	if gen != c.gen || c.state == StateDisconnected {
		return
	}
	if c.sock != nil {
		c.sock.Close(protocol.CloseNormal, "")
		c.sock = nil
	}
	outcome := protocol.ClassifyClose(code, text)
	c.logger.Info().Int("code", code).Str("text", text).Bool("terminal", outcome.Terminal).Msg("transport closed")
	if outcome.Terminal {
		if outcome.ForgetSession {
			c.deleteSession()
		}
		c.toDisconnected(outcome.Reason)
		return
	}
	c.scheduleReconnect(outcome.Reason)
}

// toDisconnected tears everything down. Pending timers and in-flight dials or reads become stale
// because the generation changes.
func (c *Conn) toDisconnected(reason string) {
	c.gen++
	stopTimer(&c.reconnectTimer)
	c.stopHeartbeat()
	if c.sock != nil {
		c.sock.Close(protocol.CloseNormal, reason)
		c.sock = nil
	}
	c.roster.Clear()
	c.attempts = 0
	c.transition(StateDisconnected, reason)
}

func (c *Conn) shutdown() {
	c.gen++
	stopTimer(&c.reconnectTimer)
	c.stopHeartbeat()
	if c.sock != nil {
		c.sock.Close(protocol.CloseNormal, "shutting down")
		c.sock = nil
	}
	c.metrics.Unregister()
}

func (c *Conn) transition(to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	allowed := canTransition(from, to)
	internal.Assert(fmt.Sprintf("transition %s -> %s is allowed", from, to), allowed)
	if !allowed {
		return
	}
	c.state = to
	c.reason = reason
	switch {
	case to == StateDisconnected:
		c.highest = StateDisconnected
	case to <= StatePlay && to > c.highest:
		c.highest = to
	}
	if from == StatePlay {
		c.stopHeartbeat()
	}
	if to == StatePlay {
		c.startHeartbeat()
	}
	c.metrics.setState(to)
	c.logger.Info().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("state transition")
	if to != StateDisconnected {
		c.saveSession()
	}
	c.notify(Notification{Kind: NotifyStateChanged, State: to, Previous: from, Reason: reason})
}

func (c *Conn) saveSession() {
	if c.opts.Sessions == nil || c.code.String() == "" {
		return
	}
	if err := c.opts.Sessions.Save(c.ctx, c.code.String(), c.opts.ClientID, c.state.String()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist session")
	}
}

func (c *Conn) deleteSession() {
	if c.opts.Sessions == nil || c.code.String() == "" {
		return
	}
	if err := c.opts.Sessions.Delete(c.ctx, c.code.String()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to delete session")
	}
}

// fallBackIfEmpty returns to Joined once the last companion has gone.
func (c *Conn) fallBackIfEmpty() {
	if c.roster.Len() == 0 && c.state > StateJoined && c.state <= StateSuspended {
		c.transition(StateJoined, "all companions left")
	}
}
