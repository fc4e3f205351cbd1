package relay

import (
	"time"

	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/schema"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// RemoteClient is one companion device known to the connection.
type RemoteClient struct {
	ID            string
	Type          protocol.ClientType
	Info          protocol.ClientInfo
	Phase         State
	SchemaVersion schema.Version
	Features      []string
	// The actor the companion selected with ACTOR_ACK, if any.
	ActorID      string
	LastActivity time.Time

	// the phase to return to when a suspended client resumes
	suspendedFrom State
}

// HasFeature reports whether the feature was enabled for this client during the hello exchange.
func (rc *RemoteClient) HasFeature(f string) bool {
	return slices.Contains(rc.Features, f)
}

func (rc *RemoteClient) copy() RemoteClient {
	c := *rc
	c.Features = slices.Clone(rc.Features)
	return c
}

// Roster is the set of remote clients. It is only ever touched on the connection's event loop.
type Roster struct {
	clients map[string]*RemoteClient
}

func NewRoster() *Roster {
	return &Roster{clients: make(map[string]*RemoteClient)}
}

func (r *Roster) Get(id string) *RemoteClient {
	return r.clients[id]
}

// Add a client, or return the existing one with the same id.
func (r *Roster) Add(id string, typ protocol.ClientType, info protocol.ClientInfo, now time.Time) *RemoteClient {
	if rc, ok := r.clients[id]; ok {
		rc.Info = info
		rc.LastActivity = now
		return rc
	}
	rc := &RemoteClient{
		ID:           id,
		Type:         typ,
		Info:         info,
		Phase:        StateJoined,
		LastActivity: now,
	}
	r.clients[id] = rc
	return rc
}

func (r *Roster) Remove(id string) bool {
	_, ok := r.clients[id]
	delete(r.clients, id)
	return ok
}

func (r *Roster) Len() int {
	return len(r.clients)
}

func (r *Roster) Clear() {
	r.clients = make(map[string]*RemoteClient)
}

// Keep only the clients with the given ids, returning the ids which were removed.
func (r *Roster) Retain(ids map[string]bool) []string {
	var removed []string
	for id := range r.clients {
		if !ids[id] {
			removed = append(removed, id)
			delete(r.clients, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// AnyInPhase reports whether at least one client is in phase p.
func (r *Roster) AnyInPhase(p State) bool {
	for _, rc := range r.clients {
		if rc.Phase == p {
			return true
		}
	}
	return false
}

// WatchingActor returns the ids of clients in Play which selected actorID, sorted.
func (r *Roster) WatchingActor(actorID string) []string {
	var ids []string
	for id, rc := range r.clients {
		if rc.ActorID == actorID && (rc.Phase == StatePlay || rc.Phase == StateSuspended) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// InPhase returns the ids of clients in phase p, sorted.
func (r *Roster) InPhase(p State) []string {
	var ids []string
	for id, rc := range r.clients {
		if rc.Phase == p {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns copies of every client sorted by id. Copies can be handed to other goroutines.
func (r *Roster) Snapshot() []RemoteClient {
	ids := maps.Keys(r.clients)
	slices.Sort(ids)
	out := make([]RemoteClient, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.clients[id].copy())
	}
	return out
}
