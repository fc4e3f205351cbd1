// Package syncer keeps companions up to date with the actors they watch. It listens for host entity
// changes, extracts snapshots and sends either the full snapshot or the difference from the snapshot
// it last sent. It also relays combat turns.
//
// Everything which touches the last-sent cache runs on the relay event loop, either because the
// relay called it (FullSync) or because it was posted there.
package syncer

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/tablelink/companion-sync/delta"
	"github.com/tablelink/companion-sync/host"
	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/pubsub"
	"github.com/tablelink/companion-sync/schema"
	"go.opentelemetry.io/otel/attribute"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Conn is the part of relay.Conn the syncer needs. Everything but Post must only be called on the
// event loop.
type Conn interface {
	Post(fn func()) bool
	SendNow(to string, typ protocol.MsgType, body any) error
	Watchers(actorID string) []string
	InPlay() []string
}

// Owners looks up who owns an actor. host.World implements it.
type Owners interface {
	Owner(actorID string) (ownerID, kind string, ok bool)
}

type Options struct {
	// The local user. Only characters this user owns are synchronised, or every character when the
	// user is the GM.
	UserID   string
	UserIsGM bool

	Owners    Owners
	Extractor host.Extractor
	Registry  *schema.Registry
}

type Syncer struct {
	opts Options
	conn Conn
	ctx  context.Context

	// loop only
	lastSent map[string]schema.Snapshot
}

func New(opts Options) *Syncer {
	if opts.Registry == nil {
		opts.Registry = schema.NewBuiltinRegistry()
	}
	return &Syncer{
		opts:     opts,
		ctx:      context.Background(),
		lastSent: make(map[string]schema.Snapshot),
	}
}

// Attach the connection to send through. The connection is built with the syncer as its actor
// source, so this happens after both exist and before any events flow.
func (s *Syncer) Attach(conn Conn) {
	s.conn = conn
}

// Eligible implements relay.ActorSource. Only eligible actors ever receive updates, so companions
// may not select any other.
func (s *Syncer) Eligible(actorID string) bool {
	ownerID, kind, ok := s.opts.Owners.Owner(actorID)
	return ok && s.eligible(ownerID, kind)
}

func (s *Syncer) eligible(ownerID, kind string) bool {
	if kind != host.KindCharacter {
		return false
	}
	return s.opts.UserIsGM || ownerID == s.opts.UserID
}

// OnEntityChanged is called by the host event bus.
func (s *Syncer) OnEntityChanged(p *pubsub.EntityChanged) {
	if !s.eligible(p.OwnerID, p.Kind) {
		return
	}
	actorID := p.ActorID
	s.conn.Post(func() {
		ctx, task := internal.StartTask(s.ctx, "ActorChanged", attribute.String("actor", actorID))
		defer task.End()
		s.onActorChanged(ctx, actorID)
	})
}

func (s *Syncer) OnChatMessage(p *pubsub.ChatMessage) {}

// OnCombatChanged is called by the host event bus.
func (s *Syncer) OnCombatChanged(p *pubsub.CombatChanged) {
	ev := *p
	s.conn.Post(func() {
		s.onCombat(ev)
	})
}

func (s *Syncer) extract(ctx context.Context, actorID string) (schema.Snapshot, error) {
	snap, err := s.opts.Extractor.ExtractActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	res := s.opts.Registry.Validate(snap, s.opts.Registry.Current())
	if !res.Valid {
		return nil, fmt.Errorf("snapshot of %s is invalid: %v", actorID, res.Errors)
	}
	if len(res.Warnings) > 0 {
		logger.Debug().Str("actor", actorID).Strs("warnings", res.Warnings).Msg("snapshot validation warnings")
	}
	return snap, nil
}

// remember replaces the last-sent snapshot and returns the one it replaced.
func (s *Syncer) remember(actorID string, snap schema.Snapshot) (prev schema.Snapshot, had bool) {
	prev, had = s.lastSent[actorID]
	s.lastSent[actorID] = snap
	return prev, had
}

func (s *Syncer) onActorChanged(ctx context.Context, actorID string) {
	snap, err := s.extract(ctx, actorID)
	if err != nil {
		logger.Warn().Err(err).Str("actor", actorID).Msg("cannot sync actor")
		return
	}
	prev, had := s.remember(actorID, snap)
	watchers := s.conn.Watchers(actorID)
	if len(watchers) == 0 {
		return
	}
	if !had {
		internal.Logf(ctx, "sync", "full sync of %s to %d clients", actorID, len(watchers))
		s.sendTo(watchers, protocol.MsgActorSync, protocol.ActorSync{ActorID: actorID, Actor: snap})
		return
	}
	d := delta.Compute(prev, snap)
	if len(d) == 0 {
		return
	}
	internal.Logf(ctx, "sync", "%d changes to %s for %d clients", len(d), actorID, len(watchers))
	s.sendTo(watchers, protocol.MsgActorUpdate, protocol.ActorUpdate{ActorID: actorID, Updates: d})
}

// FullSync implements relay.ActorSource. The returned diff is the change since the snapshot last
// sent for this actor, empty if none was. Actors which are not Eligible are reported as unknown.
func (s *Syncer) FullSync(ctx context.Context, actorID string) (schema.Snapshot, delta.Diff, error) {
	if !s.Eligible(actorID) {
		return nil, nil, fmt.Errorf("%s is not synchronised for %s: %w", actorID, s.opts.UserID, host.ErrUnknownActor)
	}
	snap, err := s.extract(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}
	prev, had := s.remember(actorID, snap)
	if !had {
		return snap, nil, nil
	}
	return snap, delta.Compute(prev, snap), nil
}

func (s *Syncer) onCombat(ev pubsub.CombatChanged) {
	body := protocol.Combat{
		CombatID:      ev.CombatID,
		Round:         ev.Round,
		Turn:          ev.Turn,
		ActorID:       ev.ActorID,
		CombatantName: ev.CombatantName,
	}
	var typ protocol.MsgType
	switch ev.Event {
	case pubsub.CombatStarted:
		typ = protocol.MsgCombatStart
	case pubsub.CombatAdvanced:
		typ = protocol.MsgCombatNext
	case pubsub.CombatEnded:
		typ = protocol.MsgCombatEnd
	default:
		logger.Warn().Str("event", string(ev.Event)).Msg("unknown combat event")
		return
	}
	s.sendTo(s.conn.InPlay(), typ, body)
	if ev.Event != pubsub.CombatEnded && ev.ActorID != "" {
		s.sendTo(s.conn.Watchers(ev.ActorID), protocol.MsgCombatYourTurn, body)
	}
}

func (s *Syncer) sendTo(clients []string, typ protocol.MsgType, body any) {
	for _, id := range clients {
		if err := s.conn.SendNow(id, typ, body); err != nil {
			logger.Warn().Err(err).Str("to", id).Str("type", string(typ)).Msg("failed to send")
		}
	}
}
