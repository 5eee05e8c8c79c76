// Package tracker wires identity, consent, delivery and the domain trackers
// together and exposes the public embedding contract.
package tracker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/stratosmedia/stratostrack/internal/config"
	"github.com/stratosmedia/stratostrack/internal/consent"
	"github.com/stratosmedia/stratostrack/internal/delivery"
	"github.com/stratosmedia/stratostrack/internal/envelope"
	"github.com/stratosmedia/stratostrack/internal/identity"
	"github.com/stratosmedia/stratostrack/internal/model"
	"github.com/stratosmedia/stratostrack/internal/storage"
	"github.com/stratosmedia/stratostrack/internal/storage/memory"
	"github.com/stratosmedia/stratostrack/internal/storage/sqlite"
	"github.com/stratosmedia/stratostrack/internal/track"
)

// Tracker is the embedding contract for page scripts, forms and widgets.
// It is an explicit injected object with its own lifecycle, not an ambient
// global; hosts typically hold a single well-known instance.
type Tracker struct {
	cfg    *config.Config
	log    *zap.Logger
	store  storage.Store
	ids    *identity.Store
	gate   *consent.Gate
	client *delivery.Client
	queue  *delivery.Queue
	svc    *track.Service

	httpc *http.Client
	now   func() time.Time

	mu          sync.Mutex
	initialized bool
	page        envelope.PageContext
	metrics     track.Metrics
}

// Option customises tracker construction.
type Option func(*Tracker)

// WithLogger injects a logger; the default is a silent nop.
func WithLogger(log *zap.Logger) Option { return func(t *Tracker) { t.log = log } }

// WithStore injects a pre-opened store (tests, custom backends).
func WithStore(st storage.Store) Option { return func(t *Tracker) { t.store = st } }

// WithHTTPClient injects the HTTP client used for collector calls.
func WithHTTPClient(c *http.Client) Option { return func(t *Tracker) { t.httpc = c } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New builds a tracker from cfg. The durable store is opened here; if it
// cannot be, the tracker degrades to in-memory state rather than failing —
// only configuration errors are returned.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Tracker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}

	if t.store == nil {
		st, err := sqlite.Open(ctx, cfg.StoragePath)
		if err != nil {
			t.log.Warn("durable store unavailable; tracking is best-effort for this run", zap.Error(err))
			t.store = memory.New()
		} else {
			t.store = st
		}
	}

	t.ids = identity.New(t.store, t.log, identity.Clock(t.now))
	t.gate = consent.New(ctx, t.store, t.ids, cfg.Disabled, t.log)
	t.client = delivery.NewClient(cfg, t.httpc, t.log)
	t.queue = delivery.NewQueue(t.client, cfg.RetryBaseDelay, cfg.RetryMaxDelay, t.log)

	builder := envelope.NewBuilder(t.ids, t.now)
	t.svc = track.New(t.gate, t.ids, builder, t.queue, t.client, t.client, t.log, track.Options{
		PropertyDwellMin: cfg.PropertyDwellMin,
		ArticleDwellMin:  cfg.ArticleDwellMin,
		BeaconDisabled:   cfg.DisableBeacon,
		Now:              t.now,
	})
	return t, nil
}

// Init records the page context, installs the consent subscription and fires
// the initial page view — immediately when consent is already granted,
// otherwise deferred until the grant arrives. A second call is a no-op.
func (t *Tracker) Init(ctx context.Context, page envelope.PageContext, m track.Metrics) {
	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		t.log.Debug("init: already initialized")
		return
	}
	t.initialized = true
	t.page = page
	t.metrics = m
	t.mu.Unlock()

	t.gate.Subscribe(func(state model.ConsentState) {
		if state == model.ConsentGranted {
			t.svc.TrackPageView(context.Background(), t.currentPage(), t.currentMetrics())
		}
	})

	if t.gate.CanTrack() {
		t.svc.TrackPageView(ctx, page, m)
	}
}

// SetConsent applies a manual consent override for the analytics category.
func (t *Tracker) SetConsent(ctx context.Context, granted bool) {
	t.gate.Set(ctx, granted)
}

// ApplyConsentSignal consumes an externally broadcast consent change.
func (t *Tracker) ApplyConsentSignal(ctx context.Context, sig model.ConsentSignal) {
	t.gate.Apply(ctx, sig)
}

// TrackEvent queues a generic event against the current page.
func (t *Tracker) TrackEvent(ctx context.Context, eventType string, data map[string]any) {
	t.svc.TrackEvent(ctx, eventType, t.currentPage(), data)
}

// TrackPageView records an additional page view (e.g. virtual navigation).
func (t *Tracker) TrackPageView(ctx context.Context) {
	t.svc.TrackPageView(ctx, t.currentPage(), t.currentMetrics())
}

// TrackPropertyView records a listing view and starts its dwell clock.
func (t *Tracker) TrackPropertyView(ctx context.Context, propertyID string, data map[string]any) {
	t.svc.TrackPropertyView(ctx, propertyID, t.currentPage(), data)
}

// TrackArticleView records a blog view and starts its dwell clock.
func (t *Tracker) TrackArticleView(ctx context.Context, articleID string, data map[string]any) {
	t.svc.TrackArticleView(ctx, articleID, t.currentPage(), data)
}

// SetupPropertyDurationTracking arms dwell-time reporting for a listing
// without emitting a view event.
func (t *Tracker) SetupPropertyDurationTracking(propertyID string) {
	t.svc.SetupPropertyDuration(propertyID, t.currentPage())
}

// SetupArticleDurationTracking arms dwell-time reporting for an article.
func (t *Tracker) SetupArticleDurationTracking(articleID string) {
	t.svc.SetupArticleDuration(articleID, t.currentPage())
}

// TrackSearch queues a search submission.
func (t *Tracker) TrackSearch(ctx context.Context, criteria map[string]any) {
	t.svc.TrackSearch(ctx, t.currentPage(), criteria)
}

// TrackFilterChange queues a filter adjustment.
func (t *Tracker) TrackFilterChange(ctx context.Context, name string, value any) {
	t.svc.TrackFilterChange(ctx, t.currentPage(), name, value)
}

// TrackCTAClick queues a call-to-action click.
func (t *Tracker) TrackCTAClick(ctx context.Context, label string) {
	t.svc.TrackCTAClick(ctx, t.currentPage(), label)
}

// TrackPhoneClick queues a phone-number click.
func (t *Tracker) TrackPhoneClick(ctx context.Context, number string) {
	t.svc.TrackPhoneClick(ctx, t.currentPage(), number)
}

// TrackEmailClick queues an email-link click.
func (t *Tracker) TrackEmailClick(ctx context.Context, address string) {
	t.svc.TrackEmailClick(ctx, t.currentPage(), address)
}

// TrackShare queues a share interaction.
func (t *Tracker) TrackShare(ctx context.Context, channel string) {
	t.svc.TrackShare(ctx, t.currentPage(), channel)
}

// ToggleFavourite flips a listing's favourite state and returns the
// server-confirmed result (last known state on failure).
func (t *Tracker) ToggleFavourite(ctx context.Context, propertyID, source string) bool {
	return t.svc.ToggleFavourite(ctx, propertyID, source)
}

// GetFavourites returns the visitor's saved listings.
func (t *Tracker) GetFavourites(ctx context.Context) model.FavouritesList {
	return t.svc.Favourites(ctx)
}

// SessionID exposes the current session identifier.
func (t *Tracker) SessionID(ctx context.Context) uuid.UUID {
	return t.ids.CurrentSessionID(ctx)
}

// VisitorID exposes the durable visitor identifier.
func (t *Tracker) VisitorID(ctx context.Context) uuid.UUID {
	return t.ids.VisitorID(ctx)
}

// PageHide, VisibilityHidden and BeforeUnload all funnel into the same
// idempotent teardown: dwell durations and the page-exit signal go out once,
// whichever signal the host forwards first.
func (t *Tracker) PageHide(ctx context.Context)         { t.teardown(ctx) }
func (t *Tracker) VisibilityHidden(ctx context.Context) { t.teardown(ctx) }
func (t *Tracker) BeforeUnload(ctx context.Context)     { t.teardown(ctx) }

// Scroll forwards the page's scroll position as a percentage.
func (t *Tracker) Scroll(ctx context.Context, percent int) {
	t.svc.TrackScrollDepth(ctx, t.currentPage(), percent)
}

func (t *Tracker) teardown(ctx context.Context) {
	t.svc.ReportDurations(ctx)
	t.svc.ReportPageExit(ctx, t.currentPage())
}

// Close flushes the delivery queue best-effort and releases the store.
func (t *Tracker) Close(ctx context.Context) {
	t.queue.Close(ctx)
	if err := t.store.Close(); err != nil {
		t.log.Warn("store close failed", zap.Error(err))
	}
}

func (t *Tracker) currentPage() envelope.PageContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page
}

func (t *Tracker) currentMetrics() track.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
