// Package track implements the typed domain trackers layered on the
// delivery engine. Every entry point passes the consent gate first and
// no-ops — no queueing, no buffering — when collection is not permitted.
package track

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/stratosmedia/stratostrack/internal/envelope"
	"github.com/stratosmedia/stratostrack/internal/model"
)

// Event types on the collector wire.
const (
	EventPageView         = "page_view"
	EventPageExit         = "page_exit"
	EventPropertyView     = "property_view"
	EventPropertyDuration = "property_view_duration"
	EventArticleView      = "blog_view"
	EventArticleDuration  = "blog_read_duration"
	EventScrollDepth      = "blog_scroll_depth"
	EventSearch           = "search"
	EventFilterChange     = "filter_change"
	EventCTAClick         = "cta_click"
	EventPhoneClick       = "phone_click"
	EventEmailClick       = "email_click"
	EventShare            = "share"
)

// ScrollMilestones are the forward-progress thresholds reported per page.
var ScrollMilestones = [4]int{25, 50, 75, 100}

// Gate answers whether collection may proceed.
type Gate interface {
	CanTrack() bool
}

// Identity resolves visitor/session identifiers and session metadata.
type Identity interface {
	VisitorID(ctx context.Context) uuid.UUID
	SessionID(ctx context.Context) uuid.UUID
	CurrentSessionID(ctx context.Context) uuid.UUID
	IsNewVisitor(ctx context.Context) bool
	SessionSnapshot(ctx context.Context) (model.Session, bool)
}

// Queuer is the ordered retrying delivery path.
type Queuer interface {
	Enqueue(env model.EventEnvelope)
}

// ExitSender is the best-effort reliable-exit delivery path.
type ExitSender interface {
	SendBeacon(env model.EventEnvelope)
}

// FavouritesClient talks to the collector's favourites endpoints.
type FavouritesClient interface {
	ToggleFavourite(ctx context.Context, fr model.FavouriteRequest) (bool, error)
	Favourites(ctx context.Context, visitorID uuid.UUID) (model.FavouritesList, error)
}

// Metrics are the viewport/screen dimensions captured with page views.
type Metrics struct {
	ViewportWidth  int
	ViewportHeight int
	ScreenWidth    int
	ScreenHeight   int
}

// dwell pairs a content view with its eventual duration report.
type dwell struct {
	eventType string
	idKey     string
	id        string
	page      envelope.PageContext
	start     time.Time
	min       time.Duration
	reported  bool
}

// Service is the tracker suite for one page load.
type Service struct {
	gate    Gate
	ids     Identity
	builder *envelope.Builder
	queue   Queuer
	exit    ExitSender
	fav     FavouritesClient
	log     *zap.Logger
	now     func() time.Time

	propertyDwellMin time.Duration
	articleDwellMin  time.Duration
	beaconDisabled   bool

	mu           sync.Mutex
	loadedAt     time.Time
	dwells       map[string]*dwell
	scrollFired  map[int]bool
	favState     map[string]bool
	exitReported bool
}

// Options tune thresholds and delivery for a Service.
type Options struct {
	PropertyDwellMin time.Duration // default 3s
	ArticleDwellMin  time.Duration // default 5s
	BeaconDisabled   bool          // route exit events via the queue instead
	Now              func() time.Time
}

// New constructs the tracker service. The page-load clock starts now.
func New(gate Gate, ids Identity, builder *envelope.Builder, queue Queuer, exit ExitSender, fav FavouritesClient, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PropertyDwellMin <= 0 {
		opts.PropertyDwellMin = 3 * time.Second
	}
	if opts.ArticleDwellMin <= 0 {
		opts.ArticleDwellMin = 5 * time.Second
	}
	return &Service{
		gate:             gate,
		ids:              ids,
		builder:          builder,
		queue:            queue,
		exit:             exit,
		fav:              fav,
		log:              log,
		now:              opts.Now,
		propertyDwellMin: opts.PropertyDwellMin,
		articleDwellMin:  opts.ArticleDwellMin,
		beaconDisabled:   opts.BeaconDisabled,
		loadedAt:         opts.Now(),
		dwells:           make(map[string]*dwell),
		scrollFired:      make(map[int]bool),
		favState:         make(map[string]bool),
	}
}

// TrackEvent queues a generic interaction event.
func (s *Service) TrackEvent(ctx context.Context, eventType string, page envelope.PageContext, extra map[string]any) {
	if !s.gate.CanTrack() {
		return
	}
	s.queue.Enqueue(s.builder.Build(ctx, eventType, page, extra))
}

// TrackPageView records a page view. This is the only operation that extends
// session activity.
func (s *Service) TrackPageView(ctx context.Context, page envelope.PageContext, m Metrics) {
	if !s.gate.CanTrack() {
		return
	}
	// bump the session before building so the envelope carries the extended
	// session; Build's read-only resolution then sees the same record
	s.ids.SessionID(ctx)
	extra := map[string]any{
		"viewport_width":  m.ViewportWidth,
		"viewport_height": m.ViewportHeight,
		"screen_width":    m.ScreenWidth,
		"screen_height":   m.ScreenHeight,
		"new_visitor":     s.ids.IsNewVisitor(ctx),
	}
	s.queue.Enqueue(s.builder.Build(ctx, EventPageView, page, extra))
}

// TrackPropertyView queues a listing view and starts its dwell clock.
func (s *Service) TrackPropertyView(ctx context.Context, propertyID string, page envelope.PageContext, extra map[string]any) {
	if !s.gate.CanTrack() {
		return
	}
	data := withID(extra, "property_id", propertyID)
	s.queue.Enqueue(s.builder.Build(ctx, EventPropertyView, page, data))
	s.SetupPropertyDuration(propertyID, page)
}

// TrackArticleView queues a blog/article view and starts its dwell clock.
func (s *Service) TrackArticleView(ctx context.Context, articleID string, page envelope.PageContext, extra map[string]any) {
	if !s.gate.CanTrack() {
		return
	}
	data := withID(extra, "article_id", articleID)
	s.queue.Enqueue(s.builder.Build(ctx, EventArticleView, page, data))
	s.SetupArticleDuration(articleID, page)
}

// SetupPropertyDuration registers dwell-time tracking for a listing. Safe to
// call more than once; the first registration wins.
func (s *Service) SetupPropertyDuration(propertyID string, page envelope.PageContext) {
	if !s.gate.CanTrack() {
		return
	}
	s.registerDwell(EventPropertyDuration, "property_id", propertyID, page, s.propertyDwellMin)
}

// SetupArticleDuration registers dwell-time tracking for an article.
func (s *Service) SetupArticleDuration(articleID string, page envelope.PageContext) {
	if !s.gate.CanTrack() {
		return
	}
	s.registerDwell(EventArticleDuration, "article_id", articleID, page, s.articleDwellMin)
}

func (s *Service) registerDwell(eventType, idKey, id string, page envelope.PageContext, min time.Duration) {
	key := eventType + ":" + id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dwells[key]; exists {
		return
	}
	s.dwells[key] = &dwell{
		eventType: eventType,
		idKey:     idKey,
		id:        id,
		page:      page,
		start:     s.now(),
		min:       min,
	}
}

// ReportDurations sends every unreported dwell duration over the exit path.
// All teardown signals funnel here; each dwell reports exactly once per page
// no matter which signal arrives first, and views shorter than their
// threshold are suppressed entirely.
func (s *Service) ReportDurations(ctx context.Context) {
	if !s.gate.CanTrack() {
		return
	}

	now := s.now()
	var due []*dwell
	s.mu.Lock()
	for _, d := range s.dwells {
		if d.reported {
			continue
		}
		d.reported = true
		if now.Sub(d.start) < d.min {
			continue // bounce; no event at all
		}
		due = append(due, d)
	}
	s.mu.Unlock()

	for _, d := range due {
		extra := map[string]any{
			d.idKey:            d.id,
			"duration_seconds": now.Sub(d.start).Seconds(),
		}
		s.sendExit(s.builder.Build(ctx, d.eventType, d.page, extra))
	}
}

// ReportPageExit emits the time-on-page signal once per page via the exit
// path, suppressed for loads shorter than the property dwell threshold.
func (s *Service) ReportPageExit(ctx context.Context, page envelope.PageContext) {
	if !s.gate.CanTrack() {
		return
	}

	s.mu.Lock()
	if s.exitReported {
		s.mu.Unlock()
		return
	}
	s.exitReported = true
	loadedAt := s.loadedAt
	s.mu.Unlock()

	now := s.now()
	onPage := now.Sub(loadedAt)
	if onPage < s.propertyDwellMin {
		return
	}

	extra := map[string]any{"time_on_page_seconds": onPage.Seconds()}
	if sess, ok := s.ids.SessionSnapshot(ctx); ok {
		extra["session_duration_seconds"] = now.Sub(sess.CreatedAt).Seconds()
		extra["session_page_views"] = sess.PageViews
	}
	s.sendExit(s.builder.Build(ctx, EventPageExit, page, extra))
}

// TrackScrollDepth reports forward progress through the scroll milestones.
// Each milestone fires at most once per page and only when newly crossed;
// scrolling back up never fires anything.
func (s *Service) TrackScrollDepth(ctx context.Context, page envelope.PageContext, percent int) {
	if !s.gate.CanTrack() {
		return
	}

	var crossed []int
	s.mu.Lock()
	for _, m := range ScrollMilestones {
		if percent >= m && !s.scrollFired[m] {
			s.scrollFired[m] = true
			crossed = append(crossed, m)
		}
	}
	s.mu.Unlock()

	for _, m := range crossed {
		s.queue.Enqueue(s.builder.Build(ctx, EventScrollDepth, page, map[string]any{
			"depth_percent": m,
		}))
	}
}

// ToggleFavourite flips a listing's favourite state via a read-then-write
// round trip and returns the server-confirmed state, not the locally
// computed one. On failure the last known state is returned so the UI never
// shows an indeterminate value.
func (s *Service) ToggleFavourite(ctx context.Context, propertyID, source string) bool {
	s.mu.Lock()
	last := s.favState[propertyID]
	s.mu.Unlock()

	if !s.gate.CanTrack() {
		return last
	}

	action := model.ActionFavourite
	if last {
		action = model.ActionUnfavourite
	}
	confirmed, err := s.fav.ToggleFavourite(ctx, model.FavouriteRequest{
		VisitorID:  s.ids.VisitorID(ctx),
		SessionID:  s.ids.CurrentSessionID(ctx),
		PropertyID: propertyID,
		Action:     action,
		Source:     source,
	})
	if err != nil {
		s.log.Warn("favourite toggle failed",
			zap.String("property_id", propertyID),
			zap.Error(err),
		)
		return last
	}

	s.mu.Lock()
	s.favState[propertyID] = confirmed
	s.mu.Unlock()
	return confirmed
}

// Favourites fetches the visitor's saved listings and primes the local
// last-known favourite state.
func (s *Service) Favourites(ctx context.Context) model.FavouritesList {
	if !s.gate.CanTrack() {
		return model.FavouritesList{}
	}

	list, err := s.fav.Favourites(ctx, s.ids.VisitorID(ctx))
	if err != nil {
		s.log.Warn("favourites fetch failed", zap.Error(err))
		return model.FavouritesList{}
	}

	s.mu.Lock()
	for _, id := range list.Favourites {
		s.favState[id] = true
	}
	s.mu.Unlock()
	return list
}

// TrackSearch queues a search submission.
func (s *Service) TrackSearch(ctx context.Context, page envelope.PageContext, criteria map[string]any) {
	s.TrackEvent(ctx, EventSearch, page, criteria)
}

// TrackFilterChange queues a single filter adjustment.
func (s *Service) TrackFilterChange(ctx context.Context, page envelope.PageContext, name string, value any) {
	s.TrackEvent(ctx, EventFilterChange, page, map[string]any{
		"filter_name":  name,
		"filter_value": value,
	})
}

// TrackCTAClick queues a call-to-action click.
func (s *Service) TrackCTAClick(ctx context.Context, page envelope.PageContext, label string) {
	s.TrackEvent(ctx, EventCTAClick, page, map[string]any{"cta_label": label})
}

// TrackPhoneClick queues a phone-number click.
func (s *Service) TrackPhoneClick(ctx context.Context, page envelope.PageContext, number string) {
	s.TrackEvent(ctx, EventPhoneClick, page, map[string]any{"phone_number": number})
}

// TrackEmailClick queues an email-link click.
func (s *Service) TrackEmailClick(ctx context.Context, page envelope.PageContext, address string) {
	s.TrackEvent(ctx, EventEmailClick, page, map[string]any{"email_address": address})
}

// TrackShare queues a share interaction.
func (s *Service) TrackShare(ctx context.Context, page envelope.PageContext, channel string) {
	s.TrackEvent(ctx, EventShare, page, map[string]any{"share_channel": channel})
}

// sendExit routes exit events to the beacon, or to the queue when the
// beacon transport is unavailable (best-effort fallback).
func (s *Service) sendExit(env model.EventEnvelope) {
	if s.beaconDisabled || s.exit == nil {
		s.queue.Enqueue(env)
		return
	}
	s.exit.SendBeacon(env)
}

// withID copies extra and sets the id key, so Build can promote it.
func withID(extra map[string]any, key, id string) map[string]any {
	data := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		data[k] = v
	}
	data[key] = id
	return data
}
