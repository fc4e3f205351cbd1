package host

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tablelink/companion-sync/pubsub"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
)

var (
	ErrCombatActive = errors.New("combat already in progress")
	ErrNoCombat     = errors.New("no combat in progress")
)

type encounter struct {
	id    string
	round int
	turn  int
	// actor ids in initiative order
	order []string
}

// StartCombat begins an encounter with the given actors, ordered by initiative, highest first.
// Ties go to the lower actor id.
func (w *World) StartCombat(actorIDs []string) error {
	if len(actorIDs) == 0 {
		return fmt.Errorf("StartCombat: no combatants")
	}
	w.mu.Lock()
	if w.combat != nil {
		w.mu.Unlock()
		return ErrCombatActive
	}
	initiative := make(map[string]int64, len(actorIDs))
	for _, id := range actorIDs {
		raw, ok := w.actors[id]
		if !ok {
			w.mu.Unlock()
			return fmt.Errorf("StartCombat %s: %w", id, ErrUnknownActor)
		}
		initiative[id] = actorInitiative(raw)
	}
	order := slices.Clone(actorIDs)
	slices.SortFunc(order, func(a, b string) int {
		if initiative[a] != initiative[b] {
			if initiative[a] > initiative[b] {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	order = slices.Compact(order)
	w.combat = &encounter{id: uuid.NewString(), round: 1, order: order}
	ev := w.combatEvent(pubsub.CombatStarted)
	w.mu.Unlock()
	return w.notifier.Notify(pubsub.ChanHost, ev)
}

// NextTurn moves to the next combatant, starting a new round after the last one.
func (w *World) NextTurn() error {
	w.mu.Lock()
	if w.combat == nil {
		w.mu.Unlock()
		return ErrNoCombat
	}
	w.combat.turn++
	if w.combat.turn >= len(w.combat.order) {
		w.combat.turn = 0
		w.combat.round++
	}
	ev := w.combatEvent(pubsub.CombatAdvanced)
	w.mu.Unlock()
	return w.notifier.Notify(pubsub.ChanHost, ev)
}

func (w *World) EndCombat() error {
	w.mu.Lock()
	if w.combat == nil {
		w.mu.Unlock()
		return ErrNoCombat
	}
	ev := w.combatEvent(pubsub.CombatEnded)
	ev.ActorID = ""
	ev.CombatantName = ""
	w.combat = nil
	w.mu.Unlock()
	return w.notifier.Notify(pubsub.ChanHost, ev)
}

// must hold w.mu
func (w *World) combatEvent(event pubsub.CombatEvent) *pubsub.CombatChanged {
	c := w.combat
	current := c.order[c.turn]
	return &pubsub.CombatChanged{
		Event:         event,
		CombatID:      c.id,
		Round:         c.round,
		Turn:          c.turn,
		ActorID:       current,
		CombatantName: actorName(w.actors[current]),
	}
}

func actorInitiative(raw []byte) int64 {
	return gjson.GetBytes(raw, "initiative").Int()
}

func actorName(raw []byte) string {
	return gjson.GetBytes(raw, "name").Str
}
