package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matrix-org/complement/must"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/pubsub"
	"github.com/tablelink/companion-sync/schema"
)

const testWorld = `{
	"players": [
		{"id": "gm", "name": "Game Master", "isGM": true},
		{"id": "p1", "name": "Alice"},
		{"id": "p2", "name": "Bob"}
	],
	"actors": {
		"aria": {
			"owner": "p1", "kind": "character", "name": "Aria", "class": "Wizard", "level": 3, "img": "aria.png",
			"hp": {"value": 18, "max": 22, "temp": 0}, "ac": 12, "speed": 30, "initiative": 2,
			"abilities": {
				"int": {"score": 16, "mod": 3, "save": 5},
				"dex": {"score": 8, "mod": -1}
			},
			"skills": {"arcana": {"ability": "int", "mod": 5}, "sleight_of_hand": {"ability": "dex", "mod": -1}},
			"items": [
				{"id": "w1", "type": "weapon", "name": "Dagger", "attack": 4, "damage": "1d4+2"},
				{"id": "s1", "type": "spell", "name": "Fire Bolt", "level": 0, "attack": 5, "damage": "1d10"},
				{"id": "s2", "type": "spell", "name": "Fireball", "level": 3, "damage": "8d6"},
				{"id": "i1", "type": "consumable", "name": "Potion of Healing", "formula": "2d4+2", "uses": 1}
			]
		},
		"goblin": {"owner": "gm", "kind": "npc", "name": "Goblin", "hp": {"value": 7, "max": 7}},
		"borin": {"owner": "p2", "kind": "character", "name": "Borin", "class": "Fighter"}
	}
}`

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []pubsub.Payload
}

func (n *recordingNotifier) Notify(chanName string, p pubsub.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) all() []pubsub.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pubsub.Payload(nil), n.payloads...)
}

func newTestWorld(t *testing.T) (*World, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	w, err := NewWorld([]byte(testWorld), n, NewRoller(3))
	must.NotError(t, "NewWorld", err)
	return w, n
}

func TestLoadWorld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	must.NotError(t, "WriteFile", os.WriteFile(path, []byte(testWorld), 0o600))
	w, err := LoadWorld(path, &recordingNotifier{}, NewRoller(1))
	must.NotError(t, "LoadWorld", err)
	must.Equal(t, w.HasActor("aria"), true, "aria loaded")

	_, err = LoadWorld(filepath.Join(t.TempDir(), "missing.json"), &recordingNotifier{}, NewRoller(1))
	if err == nil {
		t.Fatalf("LoadWorld of a missing file succeeded")
	}
	_, err = NewWorld([]byte(`{"actors":{"bad id":{}}}`), &recordingNotifier{}, NewRoller(1))
	if err == nil {
		t.Fatalf("NewWorld accepted an actor id with a space")
	}
	_, err = NewWorld([]byte(`{"actors":{"a":[1]}}`), &recordingNotifier{}, NewRoller(1))
	if err == nil {
		t.Fatalf("NewWorld accepted a non-object actor")
	}
}

func TestDirectory(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()

	players, err := w.Players(ctx)
	must.NotError(t, "Players", err)
	must.Equal(t, len(players), 3, "players")
	must.Equal(t, players[0].HasActors, false, "npcs are not listed for the GM")
	must.Equal(t, players[1].Actors[0].ID, "aria", "p1 owns aria")
	must.Equal(t, players[2].Actors[0].Name, "Borin", "p2 owns borin")

	mine, err := w.ActorsFor(ctx, "p1")
	must.NotError(t, "ActorsFor", err)
	must.Equal(t, len(mine), 1, "p1 actors")
	must.Equal(t, mine[0].Class, "Wizard", "class")
	must.Equal(t, mine[0].Image, "aria.png", "image")

	all, err := w.ActorsFor(ctx, "gm")
	must.NotError(t, "ActorsFor gm", err)
	must.Equal(t, len(all), 2, "the GM sees every character")

	_, err = w.ActorsFor(ctx, "nobody")
	if err == nil {
		t.Fatalf("ActorsFor unknown player succeeded")
	}

	owner, kind, ok := w.Owner("goblin")
	must.Equal(t, ok, true, "goblin exists")
	must.Equal(t, owner, "gm", "owner")
	must.Equal(t, kind, "npc", "kind")
	_, _, ok = w.Owner("dragon")
	must.Equal(t, ok, false, "dragon does not exist")
}

func TestExtractActorIsValid(t *testing.T) {
	w, _ := newTestWorld(t)
	reg := schema.NewBuiltinRegistry()
	for _, id := range []string{"aria", "borin"} {
		snap, err := w.ExtractActor(context.Background(), id)
		must.NotError(t, "ExtractActor "+id, err)
		v, ok := snap.Version()
		must.Equal(t, ok, true, "tagged")
		must.Equal(t, v, reg.Current(), "current version")
		res := reg.Validate(snap, reg.Current())
		must.Equal(t, res.Valid, true, "valid snapshot")
	}
	snap, _ := w.ExtractActor(context.Background(), "aria")
	must.Equal(t, len(snap[schema.FieldWeapons].([]any)), 1, "weapons")
	must.Equal(t, len(snap[schema.FieldSpells].([]any)), 2, "spells")
	must.Equal(t, len(snap[schema.FieldItems].([]any)), 1, "items")
	identity := snap[schema.FieldIdentity].(map[string]any)
	must.Equal(t, identity["name"], any("Aria"), "name")

	_, err := w.ExtractActor(context.Background(), "dragon")
	if !errors.Is(err, ErrUnknownActor) {
		t.Fatalf("ExtractActor unknown: got %v", err)
	}
}

func TestUpdateActorPublishes(t *testing.T) {
	w, n := newTestWorld(t)
	must.NotError(t, "UpdateActor", w.UpdateActor("aria", "hp.value", 10))
	payloads := n.all()
	must.Equal(t, len(payloads), 1, "payloads")
	ec, ok := payloads[0].(*pubsub.EntityChanged)
	must.Equal(t, ok, true, "EntityChanged")
	must.Equal(t, *ec, pubsub.EntityChanged{ActorID: "aria", OwnerID: "p1", Kind: KindCharacter}, "payload")

	snap, err := w.ExtractActor(context.Background(), "aria")
	must.NotError(t, "ExtractActor", err)
	hp := snap[schema.FieldCombat].(map[string]any)["hp"].(map[string]any)
	must.Equal(t, hp["value"], any(float64(10)), "hp updated")

	if err := w.UpdateActor("dragon", "hp.value", 1); !errors.Is(err, ErrUnknownActor) {
		t.Fatalf("UpdateActor unknown: got %v", err)
	}
}

func TestResolveAction(t *testing.T) {
	w, _ := newTestWorld(t)
	testCases := []struct {
		name    string
		action  protocol.MsgType
		req     protocol.ActionRequest
		formula string
		label   string
		err     error
	}{
		{
			name:    "ability check",
			action:  protocol.MsgRequestAbilityCheck,
			req:     protocol.ActionRequest{ActorID: "aria", Ability: "int"},
			formula: "1d20+3",
			label:   "Intelligence check",
		},
		{
			name:    "saving throw uses the save bonus",
			action:  protocol.MsgRequestSavingThrow,
			req:     protocol.ActionRequest{ActorID: "aria", Ability: "int"},
			formula: "1d20+5",
			label:   "Intelligence saving throw",
		},
		{
			name:    "saving throw falls back to the modifier",
			action:  protocol.MsgRequestSavingThrow,
			req:     protocol.ActionRequest{ActorID: "aria", Ability: "dex"},
			formula: "1d20-1",
			label:   "Dexterity saving throw",
		},
		{
			name:    "skill check",
			action:  protocol.MsgRequestSkillCheck,
			req:     protocol.ActionRequest{ActorID: "aria", Skill: "sleight_of_hand", Mode: protocol.ModeAdvantage},
			formula: "1d20-1",
			label:   "Sleight Of Hand check",
		},
		{
			name:    "weapon attack",
			action:  protocol.MsgRequestWeaponAttack,
			req:     protocol.ActionRequest{ActorID: "aria", WeaponID: "w1"},
			formula: "1d20+4",
			label:   "Dagger attack",
		},
		{
			name:    "attack spell",
			action:  protocol.MsgRequestSpellCast,
			req:     protocol.ActionRequest{ActorID: "aria", SpellID: "s1"},
			formula: "1d20+5",
			label:   "Fire Bolt",
		},
		{
			name:    "damage spell",
			action:  protocol.MsgRequestSpellCast,
			req:     protocol.ActionRequest{ActorID: "aria", SpellID: "s2", SpellLevel: 3},
			formula: "8d6",
			label:   "Fireball",
		},
		{
			name:    "item use",
			action:  protocol.MsgRequestItemUse,
			req:     protocol.ActionRequest{ActorID: "aria", ItemID: "i1"},
			formula: "2d4+2",
			label:   "Potion of Healing",
		},
		{
			name:    "custom roll with a label",
			action:  protocol.MsgRequestCustomRoll,
			req:     protocol.ActionRequest{ActorID: "aria", Formula: "3d6", Label: "Stats"},
			formula: "3d6",
			label:   "Stats",
		},
		{
			name:   "unknown actor",
			action: protocol.MsgRequestAbilityCheck,
			req:    protocol.ActionRequest{ActorID: "dragon", Ability: "str"},
			err:    ErrUnknownActor,
		},
		{
			name:   "ability the actor lacks",
			action: protocol.MsgRequestAbilityCheck,
			req:    protocol.ActionRequest{ActorID: "aria", Ability: "str"},
			err:    ErrUnknownTarget,
		},
		{
			name:   "unknown ability",
			action: protocol.MsgRequestAbilityCheck,
			req:    protocol.ActionRequest{ActorID: "aria", Ability: "luck"},
			err:    ErrUnknownTarget,
		},
		{
			name:   "weapon id which is a spell",
			action: protocol.MsgRequestWeaponAttack,
			req:    protocol.ActionRequest{ActorID: "aria", WeaponID: "s1"},
			err:    ErrUnknownTarget,
		},
		{
			name:   "query injection",
			action: protocol.MsgRequestWeaponAttack,
			req:    protocol.ActionRequest{ActorID: "aria", WeaponID: `w1")||#(id=="s1`},
			err:    ErrUnknownTarget,
		},
		{
			name:   "spell below its level",
			action: protocol.MsgRequestSpellCast,
			req:    protocol.ActionRequest{ActorID: "aria", SpellID: "s2", SpellLevel: 1},
			err:    ErrUnknownTarget,
		},
		{
			name:   "bad custom formula",
			action: protocol.MsgRequestCustomRoll,
			req:    protocol.ActionRequest{ActorID: "aria", Formula: "lots"},
			err:    ErrUnknownTarget,
		},
		{
			name:   "bad mode",
			action: protocol.MsgRequestSkillCheck,
			req:    protocol.ActionRequest{ActorID: "aria", Skill: "arcana", Mode: "lucky"},
			err:    ErrUnknownTarget,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := w.ResolveAction(context.Background(), tc.action, tc.req)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("got error %v want %v", err, tc.err)
				}
				return
			}
			must.NotError(t, "ResolveAction", err)
			must.Equal(t, spec.Formula, tc.formula, "formula")
			must.Equal(t, spec.Label, tc.label, "label")
			must.Equal(t, spec.Action, tc.action, "action")
			must.Equal(t, spec.Mode, tc.req.Mode.Normalize(), "mode")
		})
	}
}

func TestPerformRollPostsToChat(t *testing.T) {
	w, n := newTestWorld(t)
	ctx := context.Background()
	spec, err := w.ResolveAction(ctx, protocol.MsgRequestAbilityCheck, protocol.ActionRequest{
		ActorID: "aria", Ability: "int", RequestID: "req-1",
	})
	must.NotError(t, "ResolveAction", err)
	out, err := w.PerformRoll(ctx, spec)
	must.NotError(t, "PerformRoll", err)
	must.Equal(t, out.Total, out.Rolls[0]+3, "total")

	payloads := n.all()
	must.Equal(t, len(payloads), 1, "payloads")
	msg := payloads[0].(*pubsub.ChatMessage)
	must.Equal(t, msg.RequestID, "req-1", "request id")
	must.Equal(t, msg.ActorID, "aria", "actor")
	must.Equal(t, msg.Total, out.Total, "total")
	must.Equal(t, msg.Flavor, "Intelligence check", "flavor")
	if msg.MessageID == "" {
		t.Fatalf("chat message has no id")
	}
}

func TestPerformRollConsumesItems(t *testing.T) {
	w, n := newTestWorld(t)
	ctx := context.Background()
	req := protocol.ActionRequest{ActorID: "aria", ItemID: "i1"}
	spec, err := w.ResolveAction(ctx, protocol.MsgRequestItemUse, req)
	must.NotError(t, "ResolveAction", err)
	_, err = w.PerformRoll(ctx, spec)
	must.NotError(t, "PerformRoll", err)

	payloads := n.all()
	must.Equal(t, len(payloads), 2, "entity change then chat message")
	must.Equal(t, payloads[0].Type(), pubsub.EntityChanged{}.Type(), "first payload")
	must.Equal(t, payloads[1].Type(), pubsub.ChatMessage{}.Type(), "second payload")

	_, err = w.ResolveAction(ctx, protocol.MsgRequestItemUse, req)
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("using an empty item: got %v", err)
	}
}

func TestPerformRollHonoursCancellation(t *testing.T) {
	w, n := newTestWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.PerformRoll(ctx, RollSpec{ActorID: "aria", Formula: "1d20"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	must.Equal(t, len(n.all()), 0, "nothing posted")
}
