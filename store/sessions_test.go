package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matrix-org/complement/must"
	"github.com/tablelink/companion-sync/testutils"
)

func openTestSessions(t *testing.T, path string, ttl time.Duration) *Sessions {
	t.Helper()
	s, err := Open("sqlite", path, ttl)
	must.NotError(t, "Open", err)
	return s
}

func countRows(t *testing.T, s *Sessions) int {
	t.Helper()
	var n int
	must.NotError(t, "count", s.db.Get(&n, `SELECT COUNT(*) FROM companion_sessions`))
	return n
}

func TestSaveLatestDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestSessions(t, filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
	defer s.Close()

	latest, err := s.Latest(ctx)
	must.NotError(t, "Latest", err)
	if latest != nil {
		t.Fatalf("Latest on an empty table: %+v", latest)
	}

	must.NotError(t, "Save", s.Save(ctx, "NYC-ABC-123", "host-1", "Joining"))
	time.Sleep(2 * time.Millisecond)
	must.NotError(t, "Save", s.Save(ctx, "LON-DEF-456", "host-1", "Joined"))
	must.NotError(t, "Save again", s.Save(ctx, "LON-DEF-456", "host-1", "Play"))
	must.Equal(t, countRows(t, s), 2, "one row per session")

	latest, err = s.Latest(ctx)
	must.NotError(t, "Latest", err)
	must.Equal(t, latest.Code, "LON-DEF-456", "most recent session")
	must.Equal(t, latest.ClientID, "host-1", "client id")
	must.Equal(t, latest.Resume.LastState, "Play", "last state")
	must.Equal(t, latest.Resume.SavedAt, latest.UpdatedAt.UnixMilli(), "saved at")

	cached := s.Get("NYC-ABC-123")
	if cached == nil {
		t.Fatalf("Get returned nil for a saved session")
	}
	must.Equal(t, cached.Resume.LastState, "Joining", "cached state")

	must.NotError(t, "Delete", s.Delete(ctx, "LON-DEF-456"))
	must.NotError(t, "Delete unknown", s.Delete(ctx, "SYD-XXX-000"))
	if s.Get("LON-DEF-456") != nil {
		t.Fatalf("deleted session still cached")
	}
	latest, err = s.Latest(ctx)
	must.NotError(t, "Latest", err)
	must.Equal(t, latest.Code, "NYC-ABC-123", "remaining session")
}

func TestSessionsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s := openTestSessions(t, path, time.Hour)
	must.NotError(t, "Save", s.Save(ctx, "FRA-AAA-111", "host-9", "Setup"))
	must.NotError(t, "Close", s.Close())

	s = openTestSessions(t, path, time.Hour)
	defer s.Close()
	latest, err := s.Latest(ctx)
	must.NotError(t, "Latest", err)
	must.Equal(t, latest.ClientID, "host-9", "client id survives")
	if s.Get("FRA-AAA-111") == nil {
		t.Fatalf("session not loaded into the cache")
	}
}

func TestExpiredSessionsRemovedOnOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s := openTestSessions(t, path, time.Hour)
	must.NotError(t, "Save", s.Save(ctx, "SGP-BBB-222", "host-1", "Play"))
	must.NotError(t, "Close", s.Close())

	time.Sleep(20 * time.Millisecond)
	s = openTestSessions(t, path, 10*time.Millisecond)
	defer s.Close()
	must.Equal(t, countRows(t, s), 0, "expired row deleted")
	latest, err := s.Latest(ctx)
	must.NotError(t, "Latest", err)
	if latest != nil {
		t.Fatalf("expired session returned: %+v", latest)
	}
}

func TestSessionsExpire(t *testing.T) {
	ctx := context.Background()
	s := openTestSessions(t, filepath.Join(t.TempDir(), "sessions.db"), 100*time.Millisecond)
	defer s.Close()
	must.NotError(t, "Save", s.Save(ctx, "SFO-CCC-333", "host-1", "Joined"))
	must.Equal(t, countRows(t, s), 1, "saved")

	deadline := time.Now().Add(5 * time.Second)
	for countRows(t, s) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expired session row was never deleted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if s.Get("SFO-CCC-333") != nil {
		t.Fatalf("expired session still cached")
	}
}

func TestPostgresSessions(t *testing.T) {
	ctx := context.Background()
	dsn := testutils.PostgresDSN(t, "companion_sync_test")
	s, err := Open("postgres", dsn, time.Hour)
	must.NotError(t, "Open", err)
	defer s.Close()
	_, err = s.db.Exec(`DELETE FROM companion_sessions`)
	must.NotError(t, "truncate", err)

	must.NotError(t, "Save", s.Save(ctx, "NYC-PGS-001", "host-1", "Joining"))
	must.NotError(t, "Save again", s.Save(ctx, "NYC-PGS-001", "host-2", "Play"))
	latest, err := s.Latest(ctx)
	must.NotError(t, "Latest", err)
	must.Equal(t, latest.ClientID, "host-2", "upserted client id")
	must.Equal(t, latest.Resume.LastState, "Play", "upserted state")
	must.NotError(t, "Delete", s.Delete(ctx, "NYC-PGS-001"))
	must.Equal(t, countRows(t, s), 0, "deleted")
}
