// Package identity resolves the durable visitor identity and the rolling session.
package identity

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/stratosmedia/stratostrack/internal/errs"
	"github.com/stratosmedia/stratostrack/internal/model"
	"github.com/stratosmedia/stratostrack/internal/storage"
)

// Clock returns the current time; injected for deterministic tests.
type Clock func() time.Time

// Store owns the visitor and session records. Storage failures are swallowed:
// identifiers degrade to process-local values so telemetry never blocks the
// host page.
type Store struct {
	mu      sync.Mutex
	storage storage.Store
	log     *zap.Logger
	now     Clock

	visitor *model.VisitorIdentity // cached; also the degraded-mode record
	session *model.Session
}

// New constructs the identity store over the given backend.
func New(st storage.Store, log *zap.Logger, now Clock) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{storage: st, log: log, now: now}
}

// VisitorID returns the durable visitor identifier, minting and persisting a
// new one when absent. It never fails: on storage errors a process-local id
// is returned and tracking stays best-effort for this page load.
func (s *Store) VisitorID(ctx context.Context) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.visitor != nil {
		return s.visitor.VisitorID
	}

	v, err := s.storage.Visitor(ctx)
	switch {
	case err == nil:
		s.visitor = v
		return v.VisitorID
	case !errors.Is(err, errs.ErrNotFound):
		s.log.Warn("visitor load failed", zap.Error(err))
	}

	s.visitor = &model.VisitorIdentity{VisitorID: s.newID()}
	if err := s.storage.SaveVisitor(ctx, s.visitor); err != nil {
		s.log.Warn("visitor save failed", zap.Error(err))
	}
	return s.visitor.VisitorID
}

// SessionID resolves the session for a page view: a live session is extended
// (activity bumped, page view counted), an absent or expired one is replaced
// with a fresh record.
func (s *Store) SessionID(ctx context.Context) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := s.loadSessionLocked(ctx)
	if sess != nil && !sess.Expired(now) {
		sess.LastActivityAt = now
		sess.PageViews++
	} else {
		sess = &model.Session{SessionID: s.newID(), CreatedAt: now, LastActivityAt: now}
	}
	s.session = sess
	s.persistSessionLocked(ctx, sess)
	return sess.SessionID
}

// CurrentSessionID resolves the session without extending its activity;
// only page views bump the activity clock. A missing or expired session is
// still replaced so every envelope carries a valid id.
func (s *Store) CurrentSessionID(ctx context.Context) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := s.loadSessionLocked(ctx)
	if sess == nil || sess.Expired(now) {
		sess = &model.Session{SessionID: s.newID(), CreatedAt: now, LastActivityAt: now}
		s.session = sess
		s.persistSessionLocked(ctx, sess)
	}
	return sess.SessionID
}

// SessionSnapshot returns a copy of the current session record, if any.
func (s *Store) SessionSnapshot(ctx context.Context) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.loadSessionLocked(ctx)
	if sess == nil {
		return model.Session{}, false
	}
	return *sess, true
}

// IsNewVisitor reports whether the current session started within the
// attribution window and carries at most one page view.
func (s *Store) IsNewVisitor(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.loadSessionLocked(ctx)
	if sess == nil {
		return true
	}
	return s.now().Sub(sess.CreatedAt) <= model.NewVisitorWindow && sess.PageViews <= 1
}

// ClearAll purges the visitor identity and session from storage and from the
// in-process cache. Used only on consent revocation.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.visitor = nil
	s.session = nil
	if err := s.storage.Clear(ctx); err != nil {
		s.log.Warn("identity purge failed", zap.Error(err))
	}
}

// loadSessionLocked prefers the in-process session (authoritative within one
// page load) and falls back to storage. Returns nil when nothing usable exists.
func (s *Store) loadSessionLocked(ctx context.Context) *model.Session {
	if s.session != nil {
		return s.session
	}
	sess, err := s.storage.Session(ctx)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.log.Warn("session load failed", zap.Error(err))
		}
		return nil
	}
	s.session = sess
	return sess
}

func (s *Store) persistSessionLocked(ctx context.Context, sess *model.Session) {
	if err := s.storage.SaveSession(ctx, sess); err != nil {
		s.log.Warn("session save failed", zap.Error(err))
	}
}

// newID mints a v4 UUID. If the random source is unusable it degrades to a
// name-based id derived from the clock so identifier creation cannot fail.
func (s *Store) newID() uuid.UUID {
	id, err := uuid.NewV4()
	if err == nil {
		return id
	}
	s.log.Error("uuid generation failed", zap.Error(err))
	return uuid.NewV5(uuid.NamespaceOID, strconv.FormatInt(s.now().UnixNano(), 10))
}
