package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tablelink/companion-sync/delta"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/schema"
	"github.com/tidwall/gjson"
)

const waitTimeout = 2 * time.Second

type fakeSocket struct {
	inbound     chan []byte
	remoteClose chan *CloseError
	outbound    chan []byte
	localClosed chan struct{}
	mu          *sync.Mutex
	closed      bool
	closeCode   int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound:     make(chan []byte, 100),
		remoteClose: make(chan *CloseError, 1),
		outbound:    make(chan []byte, 100),
		localClosed: make(chan struct{}),
		mu:          &sync.Mutex{},
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case b := <-s.inbound:
		return b, nil
	case ce := <-s.remoteClose:
		return nil, ce
	case <-s.localClosed:
		return nil, &CloseError{Code: protocol.CloseNormal}
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.outbound <- data
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeCode = code
	close(s.localClosed)
	return nil
}

func (s *fakeSocket) isClosed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}

// closeFromRelay simulates the relay closing the connection with code.
func (s *fakeSocket) closeFromRelay(code int) {
	s.remoteClose <- &CloseError{Code: code, Text: "test"}
}

type fakeDialer struct {
	mu      *sync.Mutex
	fail    error
	dials   int
	urls    []string
	sockets chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{mu: &sync.Mutex{}, sockets: make(chan *fakeSocket, 10)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)
	if d.fail != nil {
		return nil, d.fail
	}
	s := newFakeSocket()
	d.sockets <- s
	return s, nil
}

func (d *fakeDialer) numDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// fakeClock records timers instead of running them. Tests fire them explicitly.
type fakeClock struct {
	mu     *sync.Mutex
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{mu: &sync.Mutex{}}
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// scheduled returns the duration of every timer ever created, in order.
func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		out = append(out, t.d)
	}
	return out
}

// fire waits for a pending timer of duration d and runs it.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		var found *fakeTimer
		for _, tm := range c.timers {
			if tm.d == d && !tm.stopped && !tm.fired {
				found = tm
				break
			}
		}
		if found != nil {
			found.fired = true
		}
		c.mu.Unlock()
		if found != nil {
			found.fn()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no pending timer for %v, pending: %v", d, c.pending())
}

type fakeSessions struct {
	mu      *sync.Mutex
	saved   map[string]string
	deleted []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{mu: &sync.Mutex{}, saved: make(map[string]string)}
}

func (s *fakeSessions) Save(ctx context.Context, code, clientID, lastState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[code] = lastState
	return nil
}

func (s *fakeSessions) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, code)
	s.deleted = append(s.deleted, code)
	return nil
}

func (s *fakeSessions) numDeleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deleted)
}

type fakeDirectory struct {
	actors map[string]bool
}

func (d *fakeDirectory) Players(ctx context.Context) ([]protocol.Player, error) {
	return []protocol.Player{{
		ID: "user-1", Name: "Alice", HasActors: true,
		Actors: []protocol.ActorRef{{Name: "Brunhild", ID: "actor-1"}},
	}}, nil
}

func (d *fakeDirectory) ActorsFor(ctx context.Context, playerID string) ([]protocol.ActorSummary, error) {
	return []protocol.ActorSummary{{ID: "actor-1", Name: "Brunhild", Class: "Fighter"}}, nil
}

func (d *fakeDirectory) HasActor(actorID string) bool {
	return d.actors[actorID]
}

type fakeActors struct {
	snap    schema.Snapshot
	changed delta.Diff
	// known to the directory but never synchronised, like npcs
	ineligible map[string]bool
}

func (a *fakeActors) Eligible(actorID string) bool {
	return !a.ineligible[actorID]
}

func (a *fakeActors) FullSync(ctx context.Context, actorID string) (schema.Snapshot, delta.Diff, error) {
	return a.snap, a.changed, nil
}

type fakeActions struct {
	calls chan *protocol.Envelope
}

func (a *fakeActions) HandleAction(ctx context.Context, client RemoteClient, env *protocol.Envelope) error {
	a.calls <- env
	return nil
}

// harness runs a Conn with fakes for everything outside it.
type harness struct {
	t        *testing.T
	conn     *Conn
	dialer   *fakeDialer
	clock    *fakeClock
	sessions *fakeSessions
	actors   *fakeActors
	actions  *fakeActions
	notes    chan Notification
}

func newHarness(t *testing.T, mutate func(o *Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		dialer:   newFakeDialer(),
		clock:    newFakeClock(),
		sessions: newFakeSessions(),
		actors:   &fakeActors{snap: schema.Snapshot{"schemaVersion": 2, "identity": map[string]any{"name": "Brunhild"}}},
		actions:  &fakeActions{calls: make(chan *protocol.Envelope, 10)},
		notes:    make(chan Notification, 100),
	}
	opts := Options{
		ClientID:             "host-1",
		AppVersion:           "1.0.0",
		HeartbeatInterval:    10 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   100 * time.Millisecond,
		Dialer:               h.dialer,
		Registry:             schema.NewBuiltinRegistry(),
		Directory:            &fakeDirectory{actors: map[string]bool{"actor-1": true, "actor-2": true}},
		Actors:               h.actors,
		Actions:              h.actions,
		Sessions:             h.sessions,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.conn = NewConn(opts)
	h.conn.afterFunc = h.clock.AfterFunc
	h.conn.Subscribe(func(n Notification) {
		select {
		case h.notes <- n:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.conn.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// connect joins code and returns the socket once JOIN has been sent.
func (h *harness) connect(code string) *fakeSocket {
	h.t.Helper()
	if err := h.conn.Connect(code); err != nil {
		h.t.Fatalf("Connect: %s", err)
	}
	s := h.nextSocket()
	join := h.expect(s, protocol.MsgJoin)
	if join.Get("sessionCode").Str != code {
		h.t.Fatalf("JOIN has wrong session code: %s", join.Raw)
	}
	if join.Get("from").Exists() {
		h.t.Fatalf("first JOIN carries from: %s", join.Raw)
	}
	return s
}

func (h *harness) nextSocket() *fakeSocket {
	h.t.Helper()
	select {
	case s := <-h.dialer.sockets:
		return s
	case <-time.After(waitTimeout):
		h.t.Fatalf("timed out waiting for dial")
	}
	return nil
}

// expect the next outbound message to be of type typ.
func (h *harness) expect(s *fakeSocket, typ protocol.MsgType) gjson.Result {
	h.t.Helper()
	select {
	case b := <-s.outbound:
		res := gjson.ParseBytes(b)
		if got := res.Get("type").Str; got != string(typ) {
			h.t.Fatalf("expected %s, got %s", typ, b)
		}
		return res
	case <-time.After(waitTimeout):
		h.t.Fatalf("timed out waiting for %s", typ)
	}
	return gjson.Result{}
}

func (h *harness) expectNothing(s *fakeSocket) {
	h.t.Helper()
	select {
	case b := <-s.outbound:
		h.t.Fatalf("expected no message, got %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

// push delivers a message from the relay or a companion.
func (h *harness) push(s *fakeSocket, from string, typ protocol.MsgType, body any) {
	h.t.Helper()
	enc := &protocol.Encoder{From: from}
	b, err := enc.Encode(typ, "", body)
	if err != nil {
		h.t.Fatalf("encode %s: %s", typ, err)
	}
	s.inbound <- b
}

func (h *harness) waitState(want State) Status {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	var st Status
	for time.Now().Before(deadline) {
		st = h.conn.Status()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for state %s, in %s (%s)", want, st.State, st.Reason)
	return st
}

func (h *harness) clientPhase(id string) State {
	h.t.Helper()
	for _, rc := range h.conn.Status().Clients {
		if rc.ID == id {
			return rc.Phase
		}
	}
	h.t.Fatalf("client %s not in roster", id)
	return StateDisconnected
}

func (h *harness) joinWith(s *fakeSocket, companions ...string) {
	h.t.Helper()
	clients := []protocol.ConnectedClient{{ClientID: "host-1", ClientType: protocol.ClientHost}}
	for _, id := range companions {
		clients = append(clients, protocol.ConnectedClient{ClientID: id, ClientType: protocol.ClientCompanion})
	}
	h.push(s, "", protocol.MsgJoined, protocol.Joined{SessionCode: h.conn.Status().SessionCode, ConnectedClients: clients})
	h.waitState(StateJoined)
}

func (h *harness) hello(s *fakeSocket, from string, version int, features ...string) {
	h.t.Helper()
	h.push(s, from, protocol.MsgHello, protocol.Hello{Capabilities: protocol.Capabilities{
		AppVersion: "2.0", SchemaVersion: version, Platform: "ios", SupportedFeatures: features,
	}})
}

// toSetup completes the hello exchange for companion id.
func (h *harness) toSetup(s *fakeSocket, id string) {
	h.t.Helper()
	h.hello(s, id, 2, schema.FeatureRolls)
	h.expect(s, protocol.MsgHello)
	h.expect(s, protocol.MsgHelloAck)
}

// toPlay selects actorID for companion id, which must be in Setup.
func (h *harness) toPlay(s *fakeSocket, id, actorID string) {
	h.t.Helper()
	h.push(s, id, protocol.MsgActorAck, protocol.ActorAck{ActorID: actorID, Ready: true})
	h.waitState(StatePlay)
}
