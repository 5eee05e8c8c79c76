// Package sqlite contains the SQLite implementation of the storage interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/stratosmedia/stratostrack/internal/errs"
	"github.com/stratosmedia/stratostrack/internal/model"
	"github.com/stratosmedia/stratostrack/migrations"
)

// Store persists tracker state in a single SQLite file.
type Store struct{ db *sql.DB }

// Open opens (creating if necessary) the store at path, applies pragmas and
// runs all pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for testing. MaxOpenConns(1) keeps all
// queries on the same in-memory database; t.Cleanup closes it.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sqlite.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatalf("sqlite.OpenMemory: dialect: %v", err)
	}
	if err := goose.Up(db, "."); err != nil {
		t.Fatalf("sqlite.OpenMemory: migrate: %v", err)
	}

	s := &Store{db: db}
	t.Cleanup(func() { s.Close() })
	return s
}

// Visitor loads the durable visitor identity.
func (s *Store) Visitor(ctx context.Context) (*model.VisitorIdentity, error) {
	const q = `SELECT visitor_id FROM visitor WHERE id = 1`
	var raw string
	if err := s.db.QueryRowContext(ctx, q).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.FromString(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: corrupt visitor_id: %w", err)
	}
	return &model.VisitorIdentity{VisitorID: id}, nil
}

// SaveVisitor persists the visitor identity.
func (s *Store) SaveVisitor(ctx context.Context, v *model.VisitorIdentity) error {
	const q = `INSERT INTO visitor (id, visitor_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET visitor_id = excluded.visitor_id`
	_, err := s.db.ExecContext(ctx, q, v.VisitorID.String())
	return err
}

// Session loads the stored session record, expired or not.
func (s *Store) Session(ctx context.Context) (*model.Session, error) {
	const q = `SELECT session_id, created_at, last_activity_at, page_views FROM session WHERE id = 1`
	var (
		raw                 string
		createdNS, activeNS int64
		pageViews           uint64
	)
	if err := s.db.QueryRowContext(ctx, q).Scan(&raw, &createdNS, &activeNS, &pageViews); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.FromString(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: corrupt session_id: %w", err)
	}
	return &model.Session{
		SessionID:      id,
		CreatedAt:      time.Unix(0, createdNS),
		LastActivityAt: time.Unix(0, activeNS),
		PageViews:      pageViews,
	}, nil
}

// SaveSession persists (replacing) the session record.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	const q = `INSERT INTO session (id, session_id, created_at, last_activity_at, page_views)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			created_at = excluded.created_at,
			last_activity_at = excluded.last_activity_at,
			page_views = excluded.page_views`
	_, err := s.db.ExecContext(ctx, q,
		sess.SessionID.String(),
		sess.CreatedAt.UnixNano(),
		sess.LastActivityAt.UnixNano(),
		sess.PageViews,
	)
	return err
}

// Consent loads the persisted consent preference.
func (s *Store) Consent(ctx context.Context) (model.ConsentState, error) {
	const q = `SELECT state FROM consent WHERE id = 1`
	var state int
	if err := s.db.QueryRowContext(ctx, q).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConsentUnknown, errs.ErrNotFound
		}
		return model.ConsentUnknown, err
	}
	return model.ConsentState(state), nil
}

// SaveConsent persists the consent preference.
func (s *Store) SaveConsent(ctx context.Context, state model.ConsentState) error {
	const q = `INSERT INTO consent (id, state) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state`
	_, err := s.db.ExecContext(ctx, q, int(state))
	return err
}

// Clear removes visitor and session records; the consent row survives.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM visitor`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM session`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
