package host

import (
	"errors"
	"testing"

	"github.com/matrix-org/complement/must"
	"github.com/tablelink/companion-sync/pubsub"
)

func combatEvents(n *recordingNotifier) []*pubsub.CombatChanged {
	var out []*pubsub.CombatChanged
	for _, p := range n.all() {
		if c, ok := p.(*pubsub.CombatChanged); ok {
			out = append(out, c)
		}
	}
	return out
}

func TestCombatTurnOrder(t *testing.T) {
	w, n := newTestWorld(t)
	must.NotError(t, "StartCombat", w.StartCombat([]string{"goblin", "borin", "aria"}))
	must.NotError(t, "NextTurn", w.NextTurn())
	must.NotError(t, "NextTurn", w.NextTurn())
	must.NotError(t, "NextTurn", w.NextTurn())
	must.NotError(t, "EndCombat", w.EndCombat())

	evs := combatEvents(n)
	must.Equal(t, len(evs), 5, "one event per change")
	type turn struct {
		event pubsub.CombatEvent
		round int
		actor string
	}
	want := []turn{
		{pubsub.CombatStarted, 1, "aria"},
		{pubsub.CombatAdvanced, 1, "borin"},
		{pubsub.CombatAdvanced, 1, "goblin"},
		{pubsub.CombatAdvanced, 2, "aria"},
		{pubsub.CombatEnded, 2, ""},
	}
	for i, w := range want {
		got := turn{evs[i].Event, evs[i].Round, evs[i].ActorID}
		if got != w {
			t.Errorf("event %d: got %+v want %+v", i, got, w)
		}
		must.Equal(t, evs[i].CombatID, evs[0].CombatID, "same combat id")
	}
	must.Equal(t, evs[0].CombatantName, "Aria", "combatant name")
}

func TestCombatErrors(t *testing.T) {
	w, _ := newTestWorld(t)
	if err := w.NextTurn(); !errors.Is(err, ErrNoCombat) {
		t.Fatalf("NextTurn outside combat: %v", err)
	}
	if err := w.EndCombat(); !errors.Is(err, ErrNoCombat) {
		t.Fatalf("EndCombat outside combat: %v", err)
	}
	if err := w.StartCombat(nil); err == nil {
		t.Fatalf("StartCombat with no combatants succeeded")
	}
	if err := w.StartCombat([]string{"nobody"}); !errors.Is(err, ErrUnknownActor) {
		t.Fatalf("StartCombat with an unknown actor: %v", err)
	}
	must.NotError(t, "StartCombat", w.StartCombat([]string{"aria"}))
	if err := w.StartCombat([]string{"borin"}); !errors.Is(err, ErrCombatActive) {
		t.Fatalf("second StartCombat: %v", err)
	}
}
