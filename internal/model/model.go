// Package model defines domain entities shared by the tracker services.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// SessionTimeout is the inactivity window after which a stored session is
// replaced rather than extended.
const SessionTimeout = 30 * time.Minute

// NewVisitorWindow bounds how recently a session must have been created for
// the visitor to count as new. First-touch attribution only, not identity.
const NewVisitorWindow = 10 * time.Second

// VisitorIdentity is the durable client-level identity surviving across
// sessions. Created once, never mutated afterwards.
type VisitorIdentity struct {
	VisitorID uuid.UUID
}

// Session is a bounded sequence of activity. Extended on page views,
// replaced after SessionTimeout of inactivity.
type Session struct {
	SessionID      uuid.UUID
	CreatedAt      time.Time
	LastActivityAt time.Time // invariant: >= CreatedAt
	PageViews      uint64
}

// Expired reports whether the session passed the inactivity timeout at now.
func (s Session) Expired(now time.Time) bool {
	return now.Sub(s.LastActivityAt) > SessionTimeout
}

// ConsentState is the state of the analytics consent category.
type ConsentState int

const (
	// ConsentUnknown means no preference was recorded; treated as
	// non-collecting (fail-closed).
	ConsentUnknown ConsentState = iota
	// ConsentGranted permits collection.
	ConsentGranted
	// ConsentDenied halts collection and purges stored identifiers.
	ConsentDenied
)

func (c ConsentState) String() string {
	switch c {
	case ConsentGranted:
		return "granted"
	case ConsentDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ConsentSignal is the externally broadcast consent-change payload.
// Only the analytics category is consumed here.
type ConsentSignal struct {
	Analytics bool `json:"analytics"`
	Marketing bool `json:"marketing"`
}

// EventEnvelope is the canonical normalized event record sent to the
// collector. Immutable once built; one envelope per tracked occurrence.
type EventEnvelope struct {
	EventType  string         `json:"event_type"`
	SessionID  uuid.UUID      `json:"session_id"`
	VisitorID  uuid.UUID      `json:"visitor_id"`
	PageURL    string         `json:"page_url"`
	PageTitle  string         `json:"page_title"`
	Referrer   string         `json:"referrer,omitempty"`
	PropertyID string         `json:"property_id,omitempty"`
	ArticleID  string         `json:"article_id,omitempty"`
	EventData  map[string]any `json:"event_data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// FavouriteAction is the intended direction of a favourite toggle.
type FavouriteAction string

const (
	ActionFavourite   FavouriteAction = "favourite"
	ActionUnfavourite FavouriteAction = "unfavourite"
)

// FavouriteRequest describes a toggle intent sent to the collector.
type FavouriteRequest struct {
	VisitorID  uuid.UUID       `json:"visitor_id"`
	SessionID  uuid.UUID       `json:"session_id"`
	PropertyID string          `json:"property_id"`
	Action     FavouriteAction `json:"action"`
	Source     string          `json:"source,omitempty"`
}

// FavouriteResult is the server-confirmed state after a toggle.
type FavouriteResult struct {
	IsFavourited bool `json:"is_favourited"`
}

// FavouritesList is the saved favourites for a visitor.
type FavouritesList struct {
	Favourites []string `json:"favourites"`
	Count      int      `json:"count"`
}
