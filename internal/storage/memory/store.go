// Package memory provides an in-process Store used when durable storage is
// unavailable. State lives only for the current process, which matches the
// degraded "best-effort for this page load" contract.
package memory

import (
	"context"
	"sync"

	"github.com/stratosmedia/stratostrack/internal/errs"
	"github.com/stratosmedia/stratostrack/internal/model"
)

// Store is a single-record in-memory twin of the sqlite store.
type Store struct {
	mu         sync.Mutex
	visitor    *model.VisitorIdentity
	session    *model.Session
	consent    model.ConsentState
	hasConsent bool
}

// New returns an empty in-memory store.
func New() *Store { return &Store{} }

func (s *Store) Visitor(ctx context.Context) (*model.VisitorIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visitor == nil {
		return nil, errs.ErrNotFound
	}
	v := *s.visitor
	return &v, nil
}

func (s *Store) SaveVisitor(ctx context.Context, v *model.VisitorIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.visitor = &cp
	return nil
}

func (s *Store) Session(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errs.ErrNotFound
	}
	sess := *s.session
	return &sess, nil
}

func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.session = &cp
	return nil
}

func (s *Store) Consent(ctx context.Context) (model.ConsentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasConsent {
		return model.ConsentUnknown, errs.ErrNotFound
	}
	return s.consent, nil
}

func (s *Store) SaveConsent(ctx context.Context, state model.ConsentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consent = state
	s.hasConsent = true
	return nil
}

// Clear drops visitor and session; the consent preference survives.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visitor = nil
	s.session = nil
	return nil
}

func (s *Store) Close() error { return nil }
