package play

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matrix-org/complement/must"
	"github.com/tablelink/companion-sync/host"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/pubsub"
	"github.com/tablelink/companion-sync/relay"
	"github.com/tablelink/companion-sync/schema"
)

const world = `{
	"players": [{"id": "p1", "name": "Alice"}],
	"actors": {
		"aria": {
			"owner": "p1", "kind": "character", "name": "Aria",
			"abilities": {"int": {"score": 16, "mod": 3}},
			"skills": {},
			"items": [{"id": "i1", "type": "consumable", "name": "Potion", "formula": "2d4+2", "uses": 0}]
		}
	}
}`

type sent struct {
	to   string
	typ  protocol.MsgType
	body any
}

type fakeSender struct {
	ch chan sent
}

func (s *fakeSender) Send(to string, typ protocol.MsgType, body any) {
	s.ch <- sent{to, typ, body}
}

// delivers chat messages straight back to the handler, like the host event bus does
type loopbackNotifier struct {
	h *Handler
}

func (n *loopbackNotifier) Notify(chanName string, p pubsub.Payload) error {
	if msg, ok := p.(*pubsub.ChatMessage); ok {
		n.h.OnChatMessage(msg)
	}
	return nil
}

func (n *loopbackNotifier) Close() error { return nil }

// an executor which never posts to chat
type silentExecutor struct {
	block chan struct{}
}

func (e *silentExecutor) PerformRoll(ctx context.Context, spec host.RollSpec) (host.RollOutcome, error) {
	if e.block != nil {
		<-e.block
	}
	return host.RollOutcome{Formula: spec.Formula, Total: 7, Rolls: []int{4}, Mode: spec.Mode}, nil
}

type failingExecutor struct{}

func (failingExecutor) PerformRoll(ctx context.Context, spec host.RollSpec) (host.RollOutcome, error) {
	return host.RollOutcome{}, errors.New("dice fell off the table")
}

var player = relay.RemoteClient{
	ID:       "phone-1",
	Phase:    relay.StatePlay,
	ActorID:  "aria",
	Features: []string{schema.FeatureRolls},
}

func envelope(t *testing.T, raw string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.ParseEnvelope([]byte(raw))
	must.NotError(t, "ParseEnvelope", err)
	return env
}

func newTestHandler(t *testing.T, exec host.RollExecutor, timeout time.Duration, workers int) (*Handler, *fakeSender) {
	t.Helper()
	n := &loopbackNotifier{}
	w, err := host.NewWorld([]byte(world), n, host.NewRoller(5))
	must.NotError(t, "NewWorld", err)
	if exec == nil {
		exec = w
	}
	sender := &fakeSender{ch: make(chan sent, 10)}
	h := NewHandler(Options{
		Resolver: w,
		Executor: exec,
		Sender:   sender,
		Timeout:  timeout,
		Workers:  workers,
	})
	n.h = h
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return h, sender
}

func (s *fakeSender) next(t *testing.T) sent {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a reply")
	}
	return sent{}
}

func (s *fakeSender) nothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-s.ch:
		t.Fatalf("unexpected reply %s %+v", m.typ, m.body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRollIsConfirmedInChat(t *testing.T) {
	h, sender := newTestHandler(t, nil, 2*time.Second, 2)
	env := envelope(t, `{"type":"REQUEST_ABILITY_CHECK","from":"phone-1","actorId":"aria","ability":"int","mode":"advantage","requestId":"abc"}`)
	must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))

	reply := sender.next(t)
	must.Equal(t, reply.to, "phone-1", "reply goes to the requester")
	must.Equal(t, reply.typ, protocol.MsgRollResult, "type")
	res := reply.body.(protocol.RollResult)
	must.Equal(t, res.Success, true, "success")
	must.Equal(t, res.RequestID, "abc", "the companion's request id is echoed")
	must.Equal(t, res.Formula, "1d20+3", "formula")
	must.Equal(t, res.Mode, protocol.ModeAdvantage, "mode")
	must.Equal(t, res.Label, "Intelligence check", "label")
	must.Equal(t, res.Total, res.Rolls[0]+3, "total")
	if res.ChatMessageID == "" {
		t.Fatalf("result has no chat message id")
	}
	must.Equal(t, h.Pending(), 0, "no registrations left behind")
}

func TestActorDefaultsToTheSelectedOne(t *testing.T) {
	h, sender := newTestHandler(t, nil, time.Second, 1)
	env := envelope(t, `{"type":"REQUEST_CUSTOM_ROLL","from":"phone-1","formula":"1d6"}`)
	must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))
	res := sender.next(t).body.(protocol.RollResult)
	must.Equal(t, res.Success, true, "success")
	must.Equal(t, res.ActorID, "aria", "actor")
	must.Equal(t, res.Label, "Custom roll", "label")
}

func TestUnconfirmedRollTimesOut(t *testing.T) {
	h, sender := newTestHandler(t, &silentExecutor{}, 20*time.Millisecond, 1)
	env := envelope(t, `{"type":"REQUEST_ABILITY_CHECK","from":"phone-1","actorId":"aria","ability":"int"}`)
	must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))
	res := sender.next(t).body.(protocol.RollResult)
	must.Equal(t, res.Success, true, "an unconfirmed roll still happened")
	must.Equal(t, res.Total, 7, "total")
	must.Equal(t, res.ChatMessageID, "", "no chat message")
	must.Equal(t, h.Pending(), 0, "registration removed on timeout")
}

func TestUnknownActorIsDropped(t *testing.T) {
	h, sender := newTestHandler(t, nil, time.Second, 1)
	env := envelope(t, `{"type":"REQUEST_ABILITY_CHECK","from":"phone-1","actorId":"dragon","ability":"int"}`)
	must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))
	sender.nothing(t)
	must.Equal(t, h.Pending(), 0, "nothing registered")
}

func TestUnresolvableTargetFails(t *testing.T) {
	h, sender := newTestHandler(t, nil, time.Second, 1)
	for _, raw := range []string{
		`{"type":"REQUEST_SKILL_CHECK","from":"phone-1","actorId":"aria","skill":"arcana","requestId":"r1"}`,
		`{"type":"REQUEST_ITEM_USE","from":"phone-1","actorId":"aria","itemId":"i1","requestId":"r1"}`,
	} {
		env := envelope(t, raw)
		must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))
		reply := sender.next(t)
		res := reply.body.(protocol.RollResult)
		must.Equal(t, res.Success, false, "failure")
		must.Equal(t, res.RequestID, "r1", "request id")
		must.Equal(t, res.Action, env.Type, "action")
		if res.Error == "" {
			t.Fatalf("failure without a reason")
		}
	}
}

func TestExecutorFailure(t *testing.T) {
	h, sender := newTestHandler(t, failingExecutor{}, time.Second, 1)
	env := envelope(t, `{"type":"REQUEST_ABILITY_CHECK","from":"phone-1","actorId":"aria","ability":"int"}`)
	must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))
	res := sender.next(t).body.(protocol.RollResult)
	must.Equal(t, res.Success, false, "failure")
	must.Equal(t, res.Error, "dice fell off the table", "reason")
	must.Equal(t, h.Pending(), 0, "registration cancelled")
}

func TestRollsFeatureRequired(t *testing.T) {
	h, sender := newTestHandler(t, nil, time.Second, 1)
	noRolls := player
	noRolls.Features = []string{schema.FeatureAbilities}
	env := envelope(t, `{"type":"REQUEST_ABILITY_CHECK","from":"phone-1","actorId":"aria","ability":"int"}`)
	must.NotError(t, "HandleAction", h.HandleAction(context.Background(), noRolls, env))
	res := sender.next(t).body.(protocol.RollResult)
	must.Equal(t, res.Success, false, "failure")
}

func TestMalformedRequest(t *testing.T) {
	h, sender := newTestHandler(t, nil, time.Second, 1)
	env := envelope(t, `{"type":"REQUEST_ABILITY_CHECK","from":"phone-1","actorId":7}`)
	err := h.HandleAction(context.Background(), player, env)
	if !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Fatalf("got %v want ErrMalformedMessage", err)
	}
	sender.nothing(t)
}

func TestSaturatedPoolRejects(t *testing.T) {
	block := make(chan struct{})
	h, sender := newTestHandler(t, &silentExecutor{block: block}, 10*time.Millisecond, 1)
	env := envelope(t, `{"type":"REQUEST_ABILITY_CHECK","from":"phone-1","actorId":"aria","ability":"int"}`)
	// one running, one queued, then the pool is full
	for i := 0; i < 2; i++ {
		must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))
	}
	var rejected int
	for i := 0; i < 3; i++ {
		must.NotError(t, "HandleAction", h.HandleAction(context.Background(), player, env))
	}
	for {
		select {
		case m := <-sender.ch:
			if !m.body.(protocol.RollResult).Success {
				rejected++
			}
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if rejected == 0 {
		t.Fatalf("no action was rejected while the pool was saturated")
	}
	close(block)
	for i := 0; i < 2; i++ {
		res := sender.next(t).body.(protocol.RollResult)
		must.Equal(t, res.Success, true, "queued actions complete")
	}
}
