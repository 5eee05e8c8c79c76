// Package storage defines client-side persistence interfaces implemented by concrete backends.
package storage

import (
	"context"

	"github.com/stratosmedia/stratostrack/internal/model"
)

// Store persists the tracker's visitor identity, rolling session, and
// consent preference. Implementations must be safe for concurrent use.
//
// Missing records are reported as errs.ErrNotFound. Callers treat every
// other error as a degraded-storage condition, never as a fatal one.
type Store interface {
	// Visitor loads the durable visitor identity.
	Visitor(ctx context.Context) (*model.VisitorIdentity, error)
	// SaveVisitor persists the visitor identity.
	SaveVisitor(ctx context.Context, v *model.VisitorIdentity) error

	// Session loads the stored session record, expired or not.
	Session(ctx context.Context) (*model.Session, error)
	// SaveSession persists (replacing) the session record.
	SaveSession(ctx context.Context, s *model.Session) error

	// Consent loads the persisted consent preference.
	Consent(ctx context.Context) (model.ConsentState, error)
	// SaveConsent persists the consent preference.
	SaveConsent(ctx context.Context, state model.ConsentState) error

	// Clear removes visitor and session records. The consent preference
	// itself survives so a denial outlives the purge it triggers.
	Clear(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
