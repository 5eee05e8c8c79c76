// Package envelope builds the canonical wire envelope for tracked events.
package envelope

import (
	"context"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/stratosmedia/stratostrack/internal/model"
)

// utmKeys are the attribution query parameters lifted from the page URL.
var utmKeys = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"}

// PageContext carries the page metadata captured for every event.
type PageContext struct {
	URL      string
	Title    string
	Referrer string
}

// Identity supplies visitor and session identifiers. Resolution may mutate
// session state as a side effect (see internal/identity).
type Identity interface {
	VisitorID(ctx context.Context) uuid.UUID
	CurrentSessionID(ctx context.Context) uuid.UUID
}

// Builder normalizes arbitrary payload shapes into model.EventEnvelope.
// No network or storage I/O of its own; deterministic except for the clock
// and the identity lookups.
type Builder struct {
	ids Identity
	now func() time.Time
}

// NewBuilder constructs a Builder.
func NewBuilder(ids Identity, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{ids: ids, now: now}
}

// Build assembles an envelope. property_id and article_id are promoted from
// extra to top-level fields for collector-side indexing; UTM parameters are
// lifted from the page URL into event_data without overriding caller keys.
func (b *Builder) Build(ctx context.Context, eventType string, page PageContext, extra map[string]any) model.EventEnvelope {
	data := make(map[string]any, len(extra)+len(utmKeys))
	for k, v := range extra {
		data[k] = v
	}

	env := model.EventEnvelope{
		EventType: eventType,
		SessionID: b.ids.CurrentSessionID(ctx),
		VisitorID: b.ids.VisitorID(ctx),
		PageURL:   page.URL,
		PageTitle: page.Title,
		Referrer:  page.Referrer,
		CreatedAt: b.now(),
	}
	env.PropertyID = promote(data, "property_id")
	env.ArticleID = promote(data, "article_id")

	for k, v := range utmParams(page.URL) {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}
	if len(data) > 0 {
		env.EventData = data
	}
	return env
}

// promote moves a string-valued key from event data to a top-level field.
func promote(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return ""
	}
	delete(data, key)
	return s
}

// utmParams extracts attribution parameters from a page URL. A malformed
// URL yields nothing; attribution is best-effort.
func utmParams(pageURL string) map[string]string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	q := u.Query()
	var out map[string]string
	for _, k := range utmKeys {
		if v := q.Get(k); v != "" {
			if out == nil {
				out = make(map[string]string, len(utmKeys))
			}
			out[k] = v
		}
	}
	return out
}
