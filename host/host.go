// Package host is the boundary between the sync core and the tabletop engine. The core only sees
// the narrow capability interfaces declared here; World is the bundled implementation, backed by a
// JSON description of players and actors.
package host

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/schema"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// The kind of actor which companions may control.
const KindCharacter = "character"

var (
	// ErrUnknownActor means the referenced actor does not exist. Requests naming one are dropped.
	ErrUnknownActor = errors.New("unknown actor")
	// ErrUnknownTarget means the actor exists but the ability, skill or item does not, or cannot be
	// used right now. It is reported back to the requester.
	ErrUnknownTarget = errors.New("unknown action target")
)

// Extractor produces the snapshot of one actor, tagged with the current schema version.
type Extractor interface {
	ExtractActor(ctx context.Context, actorID string) (schema.Snapshot, error)
}

// RollSpec is a fully resolved roll: everything the executor needs, nothing it has to look up.
type RollSpec struct {
	RequestID string
	ActorID   string
	Action    protocol.MsgType
	Label     string
	Formula   string
	Mode      protocol.RollMode
	// Item whose remaining uses go down by one when the roll is made.
	ConsumeItemID string
}

// RollOutcome is what the executor rolled. The confirmation that it reached the chat log arrives
// separately as a pubsub.ChatMessage carrying the same RequestID.
type RollOutcome struct {
	Formula string
	Total   int
	// Kept dice, in formula order.
	Rolls []int
	// d20s discarded by advantage or disadvantage.
	Dropped []int
	Mode    protocol.RollMode
}

// RollExecutor performs rolls.
type RollExecutor interface {
	PerformRoll(ctx context.Context, spec RollSpec) (RollOutcome, error)
}

// Resolver turns a play request into a roll. It returns an error wrapping ErrUnknownActor or
// ErrUnknownTarget when the request cannot be resolved.
type Resolver interface {
	ResolveAction(ctx context.Context, action protocol.MsgType, req protocol.ActionRequest) (RollSpec, error)
}

// Directory answers questions about who owns what.
type Directory interface {
	Players(ctx context.Context) ([]protocol.Player, error)
	ActorsFor(ctx context.Context, playerID string) ([]protocol.ActorSummary, error)
	HasActor(actorID string) bool
	// Owner returns the owning user and the kind of an actor.
	Owner(actorID string) (ownerID, kind string, ok bool)
}
