// Package schema is the single arbiter of snapshot compatibility. Every other package treats a
// schema version as an opaque ordered token and asks the Registry.
package schema

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// Version identifies a snapshot schema. Versions are totally ordered by integer value.
type Version int

var (
	ErrMissingVersionTag = errors.New("snapshot has no schema version tag")
	ErrUnknownVersion    = errors.New("unknown schema version")
	ErrNoMigrationPath   = errors.New("no migration path")
)

// MigrateFunc upgrades a snapshot from the previous registered version to the version of the
// Definition it belongs to. It receives a private copy and may modify it in place.
type MigrateFunc func(s Snapshot) (Snapshot, error)

// Definition describes one schema version. Definitions are immutable once registered.
type Definition struct {
	Version  Version
	Name     string
	Features []string
	// Top-level fields a snapshot of this version must have.
	Required []string
	// Migration from the immediately preceding registered version, nil if there is none.
	Migrate MigrateFunc
}

// HandshakeMetadata is advertised to remote clients in HELLO.
type HandshakeMetadata struct {
	CurrentVersion    Version   `json:"currentVersion"`
	Name              string    `json:"name"`
	Features          []string  `json:"features"`
	SupportedVersions []Version `json:"supportedVersions"`
	CanMigrateFrom    []Version `json:"canMigrateFrom"`
}

// Registry is a read-only table of schema definitions. It is safe for concurrent use because
// nothing can modify it after NewRegistry returns.
type Registry struct {
	defs  []Definition // sorted by Version
	index map[Version]int
}

// NewRegistry builds a registry. Definitions may be given in any order but versions must be unique.
// The highest version is the current one.
func NewRegistry(defs ...Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("NewRegistry: at least one definition is required")
	}
	sorted := make([]Definition, len(defs))
	for i, d := range defs {
		d.Features = slices.Clone(d.Features)
		d.Required = slices.Clone(d.Required)
		sorted[i] = d
	}
	slices.SortFunc(sorted, func(a, b Definition) int {
		return int(a.Version) - int(b.Version)
	})
	index := make(map[Version]int, len(sorted))
	for i, d := range sorted {
		if _, exists := index[d.Version]; exists {
			return nil, fmt.Errorf("NewRegistry: duplicate version %d", d.Version)
		}
		index[d.Version] = i
	}
	return &Registry{
		defs:  sorted,
		index: index,
	}, nil
}

// Current returns the highest registered version.
func (r *Registry) Current() Version {
	return r.defs[len(r.defs)-1].Version
}

// Schema returns the definition for a version.
func (r *Registry) Schema(v Version) (Definition, bool) {
	i, ok := r.index[v]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Versions returns every registered version in order.
func (r *Registry) Versions() []Version {
	out := make([]Version, len(r.defs))
	for i := range r.defs {
		out[i] = r.defs[i].Version
	}
	return out
}

// HasFeature returns false if the version is unknown.
func (r *Registry) HasFeature(feature string, v Version) bool {
	def, ok := r.Schema(v)
	if !ok {
		return false
	}
	return slices.Contains(def.Features, feature)
}

// CanMigrate reports whether every version after from, up to and including to, defines a migration.
func (r *Registry) CanMigrate(from, to Version) bool {
	fromIdx, ok := r.index[from]
	if !ok {
		return false
	}
	toIdx, ok := r.index[to]
	if !ok {
		return false
	}
	if fromIdx >= toIdx {
		return false
	}
	for i := fromIdx + 1; i <= toIdx; i++ {
		if r.defs[i].Migrate == nil {
			return false
		}
	}
	return true
}

// Migrate upgrades a snapshot to target, stamping each intermediate version as it goes. The input
// is never modified and a partially migrated value is never returned.
func (r *Registry) Migrate(s Snapshot, target Version) (Snapshot, error) {
	from, ok := s.Version()
	if !ok {
		return nil, ErrMissingVersionTag
	}
	fromIdx, ok := r.index[from]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, from)
	}
	toIdx, ok := r.index[target]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, target)
	}
	if fromIdx >= toIdx {
		return nil, fmt.Errorf("%w: %d is not older than %d", ErrNoMigrationPath, from, target)
	}
	work := s.Clone()
	for i := fromIdx + 1; i <= toIdx; i++ {
		def := r.defs[i]
		if def.Migrate == nil {
			return nil, fmt.Errorf("%w: version %d has no migration from %d", ErrNoMigrationPath, def.Version, r.defs[i-1].Version)
		}
		next, err := def.Migrate(work)
		if err != nil {
			return nil, fmt.Errorf("migrate to version %d: %w", def.Version, err)
		}
		if next == nil {
			next = Snapshot{}
		}
		next[VersionKey] = int(def.Version)
		work = next
	}
	return work, nil
}

// HandshakeMetadata describes the current version and what this registry can accept.
func (r *Registry) HandshakeMetadata() HandshakeMetadata {
	current := r.defs[len(r.defs)-1]
	meta := HandshakeMetadata{
		CurrentVersion:    current.Version,
		Name:              current.Name,
		Features:          slices.Clone(current.Features),
		SupportedVersions: r.Versions(),
		CanMigrateFrom:    []Version{},
	}
	for _, d := range r.defs[:len(r.defs)-1] {
		if r.CanMigrate(d.Version, current.Version) {
			meta.CanMigrateFrom = append(meta.CanMigrateFrom, d.Version)
		}
	}
	return meta
}
