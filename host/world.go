package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/pubsub"
	"github.com/tablelink/companion-sync/schema"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/exp/slices"
)

// Item types in an actor's items list.
const (
	ItemWeapon     = "weapon"
	ItemSpell      = "spell"
	ItemConsumable = "consumable"
)

var abilityNames = map[string]string{
	"str": "Strength",
	"dex": "Dexterity",
	"con": "Constitution",
	"int": "Intelligence",
	"wis": "Wisdom",
	"cha": "Charisma",
}

// World is a small in-memory tabletop: players, and actors stored as raw JSON documents. It
// implements Directory, Extractor, Resolver and RollExecutor, and publishes EntityChanged,
// ChatMessage and CombatChanged payloads on pubsub.ChanHost the way an engine adapter would.
//
// Actor documents look like:
//
//	{"owner":"p1","kind":"character","name":"Aria","class":"Wizard","level":3,"img":"aria.png",
//	 "hp":{"value":18,"max":22,"temp":0},"ac":12,"speed":30,"initiative":2,
//	 "abilities":{"int":{"score":16,"mod":3,"save":5}},
//	 "skills":{"arcana":{"ability":"int","mod":5}},
//	 "items":[{"id":"w1","type":"weapon","name":"Dagger","attack":4,"damage":"1d4+2"},
//	          {"id":"s1","type":"spell","name":"Fire Bolt","level":0,"attack":5,"damage":"1d10"},
//	          {"id":"i1","type":"consumable","name":"Potion","formula":"2d4+2","uses":2}]}
type World struct {
	mu       *sync.RWMutex
	players  []worldPlayer
	order    []string
	actors   map[string][]byte
	notifier pubsub.Notifier
	roller   *Roller
	schemaV  schema.Version
	// nil outside of combat
	combat *encounter
}

type worldPlayer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	IsGM bool   `json:"isGM"`
}

type worldFile struct {
	Players []worldPlayer              `json:"players"`
	Actors  map[string]json.RawMessage `json:"actors"`
}

// LoadWorld reads a world file from disk.
func LoadWorld(path string, n pubsub.Notifier, roller *Roller) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadWorld: %w", err)
	}
	return NewWorld(data, n, roller)
}

// NewWorld parses a world document. Snapshots are tagged with the version of the builtin schemas.
func NewWorld(data []byte, n pubsub.Notifier, roller *Roller) (*World, error) {
	var wf worldFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("NewWorld: %w", err)
	}
	w := &World{
		mu:       &sync.RWMutex{},
		players:  wf.Players,
		actors:   make(map[string][]byte, len(wf.Actors)),
		notifier: n,
		roller:   roller,
		schemaV:  schema.NewBuiltinRegistry().Current(),
	}
	for id, raw := range wf.Actors {
		if !validIdent(id) {
			return nil, fmt.Errorf("NewWorld: invalid actor id %q", id)
		}
		if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
			return nil, fmt.Errorf("NewWorld: actor %s is not a JSON object", id)
		}
		w.actors[id] = raw
		w.order = append(w.order, id)
	}
	slices.Sort(w.order)
	return w, nil
}

// validIdent limits ids and names taken from requests to characters which are inert in gjson paths
// and queries.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (w *World) actor(id string) (gjson.Result, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	raw, ok := w.actors[id]
	if !ok {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(raw), true
}

func (w *World) HasActor(actorID string) bool {
	_, ok := w.actor(actorID)
	return ok
}

func (w *World) Owner(actorID string) (ownerID, kind string, ok bool) {
	a, ok := w.actor(actorID)
	if !ok {
		return "", "", false
	}
	return a.Get("owner").Str, a.Get("kind").Str, true
}

func (w *World) Players(ctx context.Context) ([]protocol.Player, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]protocol.Player, 0, len(w.players))
	for _, p := range w.players {
		player := protocol.Player{
			ID:     p.ID,
			Name:   p.Name,
			IsGM:   p.IsGM,
			Actors: []protocol.ActorRef{},
		}
		for _, id := range w.order {
			a := gjson.ParseBytes(w.actors[id])
			if a.Get("owner").Str != p.ID || a.Get("kind").Str != KindCharacter {
				continue
			}
			player.Actors = append(player.Actors, protocol.ActorRef{ID: id, Name: a.Get("name").Str})
		}
		player.HasActors = len(player.Actors) > 0
		out = append(out, player)
	}
	return out, nil
}

// ActorsFor lists the characters a player may pick. The GM may pick any of them.
func (w *World) ActorsFor(ctx context.Context, playerID string) ([]protocol.ActorSummary, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	isGM := false
	found := false
	for _, p := range w.players {
		if p.ID == playerID {
			found = true
			isGM = p.IsGM
		}
	}
	if !found {
		return nil, fmt.Errorf("ActorsFor: unknown player %q", playerID)
	}
	out := []protocol.ActorSummary{}
	for _, id := range w.order {
		a := gjson.ParseBytes(w.actors[id])
		if a.Get("kind").Str != KindCharacter || (!isGM && a.Get("owner").Str != playerID) {
			continue
		}
		out = append(out, protocol.ActorSummary{
			ID:    id,
			Name:  a.Get("name").Str,
			Class: a.Get("class").Str,
			Image: a.Get("img").Str,
		})
	}
	return out, nil
}

// ExtractActor builds the snapshot of an actor.
func (w *World) ExtractActor(ctx context.Context, actorID string) (schema.Snapshot, error) {
	a, ok := w.actor(actorID)
	if !ok {
		return nil, fmt.Errorf("ExtractActor %s: %w", actorID, ErrUnknownActor)
	}
	snap := schema.Snapshot{
		schema.VersionKey: int(w.schemaV),
		schema.FieldIdentity: map[string]any{
			"id":    actorID,
			"name":  a.Get("name").Str,
			"class": a.Get("class").Str,
			"level": a.Get("level").Int(),
			"img":   a.Get("img").Str,
			"owner": a.Get("owner").Str,
		},
		schema.FieldCombat: map[string]any{
			"hp":         valueOr(a.Get("hp"), map[string]any{}),
			"ac":         a.Get("ac").Int(),
			"speed":      a.Get("speed").Int(),
			"initiative": a.Get("initiative").Int(),
		},
		schema.FieldAbilities: valueOr(a.Get("abilities"), map[string]any{}),
		schema.FieldSkills:    valueOr(a.Get("skills"), map[string]any{}),
	}
	weapons, spells, items := []any{}, []any{}, []any{}
	a.Get("items").ForEach(func(_, item gjson.Result) bool {
		v := item.Value()
		switch item.Get("type").Str {
		case ItemWeapon:
			weapons = append(weapons, v)
		case ItemSpell:
			spells = append(spells, v)
		default:
			items = append(items, v)
		}
		return true
	})
	snap[schema.FieldWeapons] = weapons
	snap[schema.FieldSpells] = spells
	snap[schema.FieldItems] = items
	return snap, nil
}

// gjson.Value produces JSON-shaped maps and slices with float64 numbers, which is what the differ
// expects.
func valueOr(r gjson.Result, def any) any {
	if !r.Exists() {
		return def
	}
	return r.Value()
}

// UpdateActor sets a field of an actor document, e.g. "hp.value", and publishes the change.
func (w *World) UpdateActor(actorID, path string, value any) error {
	w.mu.Lock()
	raw, ok := w.actors[actorID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("UpdateActor %s: %w", actorID, ErrUnknownActor)
	}
	updated, err := sjson.SetBytes(raw, path, value)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("UpdateActor %s %s: %w", actorID, path, err)
	}
	w.actors[actorID] = updated
	a := gjson.ParseBytes(updated)
	w.mu.Unlock()
	return w.notifier.Notify(pubsub.ChanHost, &pubsub.EntityChanged{
		ActorID: actorID,
		OwnerID: a.Get("owner").Str,
		Kind:    a.Get("kind").Str,
	})
}

func (w *World) ResolveAction(ctx context.Context, action protocol.MsgType, req protocol.ActionRequest) (RollSpec, error) {
	a, ok := w.actor(req.ActorID)
	if !ok {
		return RollSpec{}, fmt.Errorf("%s: %w", req.ActorID, ErrUnknownActor)
	}
	if !req.Mode.Valid() {
		return RollSpec{}, fmt.Errorf("mode %q: %w", req.Mode, ErrUnknownTarget)
	}
	spec := RollSpec{
		RequestID: req.RequestID,
		ActorID:   req.ActorID,
		Action:    action,
		Mode:      req.Mode.Normalize(),
	}
	switch action {
	case protocol.MsgRequestAbilityCheck, protocol.MsgRequestSavingThrow:
		name, known := abilityNames[req.Ability]
		if !known {
			return RollSpec{}, fmt.Errorf("ability %q: %w", req.Ability, ErrUnknownTarget)
		}
		ab := a.Get("abilities." + req.Ability)
		if !ab.Exists() {
			return RollSpec{}, fmt.Errorf("ability %q: %w", req.Ability, ErrUnknownTarget)
		}
		if action == protocol.MsgRequestSavingThrow {
			mod := ab.Get("save")
			if !mod.Exists() {
				mod = ab.Get("mod")
			}
			spec.Formula = d20(mod.Int())
			spec.Label = name + " saving throw"
		} else {
			spec.Formula = d20(ab.Get("mod").Int())
			spec.Label = name + " check"
		}
	case protocol.MsgRequestSkillCheck:
		if !validIdent(req.Skill) {
			return RollSpec{}, fmt.Errorf("skill %q: %w", req.Skill, ErrUnknownTarget)
		}
		sk := a.Get("skills." + req.Skill)
		if !sk.Exists() {
			return RollSpec{}, fmt.Errorf("skill %q: %w", req.Skill, ErrUnknownTarget)
		}
		spec.Formula = d20(sk.Get("mod").Int())
		spec.Label = titleCase(req.Skill) + " check"
	case protocol.MsgRequestWeaponAttack:
		item, err := findItem(a, req.WeaponID, ItemWeapon)
		if err != nil {
			return RollSpec{}, err
		}
		spec.Formula = d20(item.Get("attack").Int())
		spec.Label = item.Get("name").Str + " attack"
	case protocol.MsgRequestSpellCast:
		item, err := findItem(a, req.SpellID, ItemSpell)
		if err != nil {
			return RollSpec{}, err
		}
		level := item.Get("level").Int()
		if req.SpellLevel > 0 && int64(req.SpellLevel) < level {
			return RollSpec{}, fmt.Errorf("%s cannot be cast at level %d: %w", req.SpellID, req.SpellLevel, ErrUnknownTarget)
		}
		switch {
		case item.Get("attack").Exists():
			spec.Formula = d20(item.Get("attack").Int())
		case item.Get("damage").Exists():
			spec.Formula = item.Get("damage").Str
		default:
			return RollSpec{}, fmt.Errorf("spell %s has nothing to roll: %w", req.SpellID, ErrUnknownTarget)
		}
		spec.Label = item.Get("name").Str
	case protocol.MsgRequestItemUse:
		item, err := findItem(a, req.ItemID, ItemConsumable)
		if err != nil {
			return RollSpec{}, err
		}
		if uses := item.Get("uses"); uses.Exists() && uses.Int() <= 0 {
			return RollSpec{}, fmt.Errorf("item %s has no uses left: %w", req.ItemID, ErrUnknownTarget)
		}
		spec.Formula = item.Get("formula").Str
		spec.Label = item.Get("name").Str
		spec.ConsumeItemID = req.ItemID
	case protocol.MsgRequestCustomRoll:
		spec.Formula = req.Formula
		spec.Label = req.Label
		if spec.Label == "" {
			spec.Label = "Custom roll"
		}
	default:
		return RollSpec{}, fmt.Errorf("%s is not a roll: %w", action, ErrUnknownTarget)
	}
	if req.Label != "" {
		spec.Label = req.Label
	}
	if _, err := ParseFormula(spec.Formula); err != nil {
		return RollSpec{}, fmt.Errorf("%w: %s", ErrUnknownTarget, err)
	}
	return spec, nil
}

func findItem(a gjson.Result, id, typ string) (gjson.Result, error) {
	if !validIdent(id) {
		return gjson.Result{}, fmt.Errorf("%s %q: %w", typ, id, ErrUnknownTarget)
	}
	item := a.Get(`items.#(id=="` + id + `")`)
	if !item.Exists() || item.Get("type").Str != typ {
		return gjson.Result{}, fmt.Errorf("%s %q: %w", typ, id, ErrUnknownTarget)
	}
	return item, nil
}

func d20(mod int64) string {
	if mod < 0 {
		return fmt.Sprintf("1d20%d", mod)
	}
	return fmt.Sprintf("1d20+%d", mod)
}

func titleCase(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' })
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// PerformRoll rolls the RollSpec, spends a use of the consumed item if any, and posts the result to
// chat. The chat message carries the RequestID of the RollSpec.
func (w *World) PerformRoll(ctx context.Context, spec RollSpec) (RollOutcome, error) {
	if err := ctx.Err(); err != nil {
		return RollOutcome{}, err
	}
	f, err := ParseFormula(spec.Formula)
	if err != nil {
		return RollOutcome{}, err
	}
	out := w.roller.Roll(f, spec.Mode)
	if spec.ConsumeItemID != "" {
		if err := w.consume(spec.ActorID, spec.ConsumeItemID); err != nil {
			return RollOutcome{}, err
		}
	}
	err = w.notifier.Notify(pubsub.ChanHost, &pubsub.ChatMessage{
		MessageID: uuid.NewString(),
		ActorID:   spec.ActorID,
		RequestID: spec.RequestID,
		Flavor:    spec.Label,
		Total:     out.Total,
	})
	if err != nil {
		logger.Warn().Err(err).Str("actor", spec.ActorID).Msg("failed to post roll to chat")
	}
	return out, nil
}

func (w *World) consume(actorID, itemID string) error {
	a, ok := w.actor(actorID)
	if !ok {
		return fmt.Errorf("consume: %w", ErrUnknownActor)
	}
	idx := -1
	uses := int64(0)
	hasUses := false
	for i, item := range a.Get("items").Array() {
		if item.Get("id").Str == itemID {
			idx = i
			u := item.Get("uses")
			hasUses = u.Exists()
			uses = u.Int()
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("consume %s: %w", itemID, ErrUnknownTarget)
	}
	if !hasUses {
		return nil
	}
	if uses <= 0 {
		return fmt.Errorf("item %s has no uses left: %w", itemID, ErrUnknownTarget)
	}
	return w.UpdateActor(actorID, fmt.Sprintf("items.%d.uses", idx), uses-1)
}
