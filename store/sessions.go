// Package store persists the relay session so that a restarted host can rejoin it. Sessions live
// for a fixed TTL after they were last saved; an in-memory TTL cache mirrors the table and deletes
// rows as they expire.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/tablelink/companion-sync/sqlutil"
	_ "modernc.org/sqlite"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

//go:embed migrations
var migrationsFS embed.FS

// goose keeps its configuration in package globals
var gooseMu sync.Mutex

// ResumeState is stored cbor encoded alongside the session code.
type ResumeState struct {
	// Connection state when the session was last saved.
	LastState string `cbor:"s"`
	// Unix milliseconds.
	SavedAt int64 `cbor:"t"`
}

type Session struct {
	Code      string
	ClientID  string
	Resume    ResumeState
	UpdatedAt time.Time
}

type sessionRow struct {
	Code      string `db:"code"`
	ClientID  string `db:"client_id"`
	Resume    []byte `db:"resume"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r sessionRow) session() (Session, error) {
	var rs ResumeState
	if err := cbor.Unmarshal(r.Resume, &rs); err != nil {
		return Session{}, fmt.Errorf("decode resume state of %s: %w", r.Code, err)
	}
	return Session{
		Code:      r.Code,
		ClientID:  r.ClientID,
		Resume:    rs,
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}, nil
}

// Sessions implements relay.SessionStore.
type Sessions struct {
	db    *sqlx.DB
	ttl   time.Duration
	cache *ttlcache.Cache[string, Session]
	now   func() time.Time
}

// Open connects to the database and prepares the sessions table. driver is "sqlite" or "postgres".
func Open(driver, dsn string, ttl time.Duration) (*Sessions, error) {
	if driver == "sqlite" {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY between the pool's connections
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	s, err := NewSessions(db, driver, ttl)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSessions runs migrations on db and loads the sessions which have not expired.
func NewSessions(db *sqlx.DB, driver string, ttl time.Duration) (*Sessions, error) {
	if err := migrate(db, driver); err != nil {
		return nil, err
	}
	s := &Sessions{
		db:  db,
		ttl: ttl,
		now: time.Now,
		cache: ttlcache.New[string, Session](
			ttlcache.WithTTL[string, Session](ttl),
			ttlcache.WithDisableTouchOnHit[string, Session](),
		),
	}
	s.cache.OnEviction(s.onEviction)
	if err := s.load(context.Background()); err != nil {
		return nil, err
	}
	go s.cache.Start()
	return s, nil
}

func migrate(db *sqlx.DB, driver string) error {
	dialect := driver
	if driver == "sqlite" {
		dialect = "sqlite3"
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations/"+driver); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	return nil
}

// load deletes expired rows and caches the rest with their remaining lifetime.
func (s *Sessions) load(ctx context.Context) error {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	var rows []sessionRow
	err := sqlutil.WithTransaction(ctx, s.db, func(txn *sqlx.Tx) error {
		res, err := txn.ExecContext(ctx, s.db.Rebind(`DELETE FROM companion_sessions WHERE updated_at <= ?`), cutoff)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logger.Info().Int64("count", n).Msg("removed expired sessions")
		}
		return txn.SelectContext(ctx, &rows, `SELECT code, client_id, resume, updated_at FROM companion_sessions`)
	})
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	for _, row := range rows {
		sess, err := row.session()
		if err != nil {
			logger.Warn().Err(err).Msg("skipping undecodable session")
			continue
		}
		remaining := sess.UpdatedAt.Add(s.ttl).Sub(s.now())
		if remaining <= 0 {
			continue
		}
		s.cache.Set(sess.Code, sess, remaining)
	}
	return nil
}

func (s *Sessions) onEviction(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Session]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	// a save may have raced with the expiry, only remove the row this item mirrored
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM companion_sessions WHERE code = ? AND updated_at <= ?`),
		item.Key(), item.Value().UpdatedAt.UnixMilli(),
	)
	if err != nil {
		logger.Warn().Err(err).Str("session", item.Key()).Msg("failed to delete expired session")
		return
	}
	logger.Info().Str("session", item.Key()).Msg("session expired")
}

// Save the session, restarting its TTL.
func (s *Sessions) Save(ctx context.Context, code, clientID, lastState string) error {
	now := s.now()
	rs := ResumeState{LastState: lastState, SavedAt: now.UnixMilli()}
	blob, err := cbor.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode resume state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
	INSERT INTO companion_sessions(code, client_id, resume, updated_at) VALUES(?, ?, ?, ?)
	ON CONFLICT (code) DO UPDATE SET client_id = excluded.client_id, resume = excluded.resume, updated_at = excluded.updated_at`),
		code, clientID, blob, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", code, err)
	}
	s.cache.Set(code, Session{
		Code:      code,
		ClientID:  clientID,
		Resume:    rs,
		UpdatedAt: time.UnixMilli(now.UnixMilli()),
	}, ttlcache.DefaultTTL)
	return nil
}

// Delete forgets the session. Deleting an unknown session is not an error.
func (s *Sessions) Delete(ctx context.Context, code string) error {
	s.cache.Delete(code)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM companion_sessions WHERE code = ?`), code)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", code, err)
	}
	return nil
}

// Get returns a session which has not expired, or nil.
func (s *Sessions) Get(code string) *Session {
	item := s.cache.Get(code)
	if item == nil || item.IsExpired() {
		return nil
	}
	sess := item.Value()
	return &sess
}

// Latest returns the most recently saved session which has not expired, or nil.
func (s *Sessions) Latest(ctx context.Context) (*Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
	SELECT code, client_id, resume, updated_at FROM companion_sessions
	WHERE updated_at > ? ORDER BY updated_at DESC LIMIT 1`), s.now().Add(-s.ttl).UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	sess, err := row.session()
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Close stops expiring sessions and closes the database.
func (s *Sessions) Close() error {
	s.cache.Stop()
	return s.db.Close()
}
