package track

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/stratosmedia/stratostrack/internal/envelope"
	"github.com/stratosmedia/stratostrack/internal/model"
)

type fakeGate struct{ allow bool }

func (f *fakeGate) CanTrack() bool { return f.allow }

type fakeIdentity struct {
	visitor      uuid.UUID
	session      uuid.UUID
	sessionCalls int
	sess         model.Session
}

func (f *fakeIdentity) VisitorID(context.Context) uuid.UUID { return f.visitor }
func (f *fakeIdentity) SessionID(context.Context) uuid.UUID {
	f.sessionCalls++
	return f.session
}
func (f *fakeIdentity) CurrentSessionID(context.Context) uuid.UUID { return f.session }
func (f *fakeIdentity) IsNewVisitor(context.Context) bool          { return true }
func (f *fakeIdentity) SessionSnapshot(context.Context) (model.Session, bool) {
	return f.sess, true
}

type fakeQueue struct {
	mu     sync.Mutex
	events []model.EventEnvelope
}

func (f *fakeQueue) Enqueue(env model.EventEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, env)
}

func (f *fakeQueue) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeExit struct {
	mu     sync.Mutex
	events []model.EventEnvelope
}

func (f *fakeExit) SendBeacon(env model.EventEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, env)
}

type fakeFav struct {
	state map[string]bool
	list  model.FavouritesList
	err   error
	calls []model.FavouriteRequest
}

func (f *fakeFav) ToggleFavourite(_ context.Context, fr model.FavouriteRequest) (bool, error) {
	f.calls = append(f.calls, fr)
	if f.err != nil {
		return false, f.err
	}
	if f.state == nil {
		f.state = make(map[string]bool)
	}
	f.state[fr.PropertyID] = fr.Action == model.ActionFavourite
	return f.state[fr.PropertyID], nil
}

func (f *fakeFav) Favourites(context.Context, uuid.UUID) (model.FavouritesList, error) {
	if f.err != nil {
		return model.FavouritesList{}, f.err
	}
	return f.list, nil
}

type harness struct {
	svc   *Service
	gate  *fakeGate
	ids   *fakeIdentity
	queue *fakeQueue
	exit  *fakeExit
	fav   *fakeFav
	clock *time.Time
}

func (h *harness) advance(d time.Duration) { *h.clock = h.clock.Add(d) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &at
	ids := &fakeIdentity{
		visitor: uuid.Must(uuid.NewV4()),
		session: uuid.Must(uuid.NewV4()),
		sess:    model.Session{CreatedAt: at.Add(-2 * time.Minute), PageViews: 3},
	}
	gate := &fakeGate{allow: true}
	queue := &fakeQueue{}
	exit := &fakeExit{}
	fav := &fakeFav{}
	now := func() time.Time { return *clock }
	svc := New(gate, ids, envelope.NewBuilder(ids, now), queue, exit, fav, nil, Options{
		PropertyDwellMin: 3 * time.Second,
		ArticleDwellMin:  5 * time.Second,
		Now:              now,
	})
	return &harness{svc: svc, gate: gate, ids: ids, queue: queue, exit: exit, fav: fav, clock: clock}
}

func page() envelope.PageContext {
	return envelope.PageContext{URL: "https://www.example.com/listings/1", Title: "Listing"}
}

func TestDeniedConsent_NoSideEffects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.gate.allow = false

	h.svc.TrackPageView(ctx, page(), Metrics{})
	h.svc.TrackPropertyView(ctx, "p1", page(), nil)
	h.svc.TrackScrollDepth(ctx, page(), 100)
	h.svc.TrackSearch(ctx, page(), map[string]any{"q": "x"})
	h.svc.ReportDurations(ctx)
	h.svc.ReportPageExit(ctx, page())

	if len(h.queue.events) != 0 || len(h.exit.events) != 0 {
		t.Fatalf("denied consent produced events: queue=%d exit=%d", len(h.queue.events), len(h.exit.events))
	}
	if h.ids.sessionCalls != 0 {
		t.Fatalf("denied consent extended the session")
	}
}

func TestTrackPageView_BumpsSessionAndCarriesMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.svc.TrackPageView(ctx, page(), Metrics{ViewportWidth: 390, ViewportHeight: 844, ScreenWidth: 390, ScreenHeight: 844})

	if h.ids.sessionCalls != 1 {
		t.Fatalf("page view must extend the session exactly once, got %d", h.ids.sessionCalls)
	}
	if len(h.queue.events) != 1 || h.queue.events[0].EventType != EventPageView {
		t.Fatalf("unexpected queue contents: %v", h.queue.types())
	}
	data := h.queue.events[0].EventData
	if data["viewport_width"] != 390 {
		t.Fatalf("viewport not captured: %v", data)
	}
	if data["new_visitor"] != true {
		t.Fatalf("new_visitor flag missing: %v", data)
	}
}

func TestPropertyDwell_SuppressedUnderThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.svc.TrackPropertyView(ctx, "p1", page(), nil)
	h.advance(2900 * time.Millisecond) // just under the 3s threshold
	h.svc.ReportDurations(ctx)

	for _, e := range h.exit.events {
		if e.EventType == EventPropertyDuration {
			t.Fatalf("sub-threshold dwell was reported")
		}
	}

	// the dwell is consumed: a longer stay afterwards must not resurrect it
	h.advance(time.Minute)
	h.svc.ReportDurations(ctx)
	for _, e := range h.exit.events {
		if e.EventType == EventPropertyDuration {
			t.Fatalf("consumed dwell reported on second teardown")
		}
	}
}

func TestPropertyDwell_ReportedOverThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.svc.TrackPropertyView(ctx, "p1", page(), nil)
	h.advance(3100 * time.Millisecond)
	h.svc.ReportDurations(ctx)

	var got *model.EventEnvelope
	for i := range h.exit.events {
		if h.exit.events[i].EventType == EventPropertyDuration {
			got = &h.exit.events[i]
		}
	}
	if got == nil {
		t.Fatalf("dwell over threshold not reported: %v", h.exit.events)
	}
	if got.PropertyID != "p1" {
		t.Fatalf("property id not promoted: %+v", got)
	}
	if secs := got.EventData["duration_seconds"].(float64); secs < 3.0 || secs > 3.2 {
		t.Fatalf("duration off: %v", secs)
	}

	// repeated teardown signals must not duplicate the report
	h.svc.ReportDurations(ctx)
	h.svc.ReportDurations(ctx)
	count := 0
	for _, e := range h.exit.events {
		if e.EventType == EventPropertyDuration {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("dwell reported %d times", count)
	}
}

func TestArticleDwell_UsesItsOwnThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.svc.TrackArticleView(ctx, "a1", page(), nil)
	h.advance(4 * time.Second) // over property min, under article min
	h.svc.ReportDurations(ctx)

	for _, e := range h.exit.events {
		if e.EventType == EventArticleDuration {
			t.Fatalf("article dwell under its 5s threshold was reported")
		}
	}
}

func TestScrollDepth_ForwardOnlyAtMostOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.svc.TrackScrollDepth(ctx, page(), 80)
	h.svc.TrackScrollDepth(ctx, page(), 30) // scrolling back up
	h.svc.TrackScrollDepth(ctx, page(), 90) // nothing newly crossed

	var depths []int
	for _, e := range h.queue.events {
		if e.EventType == EventScrollDepth {
			depths = append(depths, e.EventData["depth_percent"].(int))
		}
	}
	want := []int{25, 50, 75}
	if len(depths) != len(want) {
		t.Fatalf("milestones fired: %v, want %v", depths, want)
	}
	for i := range want {
		if depths[i] != want[i] {
			t.Fatalf("milestones fired: %v, want %v", depths, want)
		}
	}
}

func TestPageExit_OncePerPageWithSessionContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.advance(10 * time.Second)
	h.svc.ReportPageExit(ctx, page())
	h.svc.ReportPageExit(ctx, page())

	count := 0
	var env model.EventEnvelope
	for _, e := range h.exit.events {
		if e.EventType == EventPageExit {
			count++
			env = e
		}
	}
	if count != 1 {
		t.Fatalf("page exit fired %d times", count)
	}
	if secs := env.EventData["time_on_page_seconds"].(float64); secs != 10 {
		t.Fatalf("time on page: %v", secs)
	}
	if _, ok := env.EventData["session_duration_seconds"]; !ok {
		t.Fatalf("session duration missing: %v", env.EventData)
	}
}

func TestPageExit_SuppressedForBounces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.advance(time.Second)
	h.svc.ReportPageExit(ctx, page())
	if len(h.exit.events) != 0 {
		t.Fatalf("bounce produced a page exit")
	}
}

func TestExitEvents_FallBackToQueueWithoutBeacon(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &at
	now := func() time.Time { return *clock }
	ids := &fakeIdentity{visitor: uuid.Must(uuid.NewV4()), session: uuid.Must(uuid.NewV4())}
	queue := &fakeQueue{}
	svc := New(&fakeGate{allow: true}, ids, envelope.NewBuilder(ids, now), queue, &fakeExit{}, &fakeFav{}, nil, Options{
		BeaconDisabled: true,
		Now:            now,
	})

	*clock = clock.Add(10 * time.Second)
	svc.ReportPageExit(ctx, page())

	found := false
	for _, e := range queue.types() {
		if e == EventPageExit {
			found = true
		}
	}
	if !found {
		t.Fatalf("exit event not routed to the queue: %v", queue.types())
	}
}

func TestToggleFavourite_ServerConfirmedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	if got := h.svc.ToggleFavourite(ctx, "p1", "listing_page"); !got {
		t.Fatalf("first toggle should favourite")
	}
	if h.fav.calls[0].Action != model.ActionFavourite {
		t.Fatalf("first toggle action: %v", h.fav.calls[0].Action)
	}

	if got := h.svc.ToggleFavourite(ctx, "p1", "listing_page"); got {
		t.Fatalf("second toggle should unfavourite")
	}
	if h.fav.calls[1].Action != model.ActionUnfavourite {
		t.Fatalf("second toggle action: %v", h.fav.calls[1].Action)
	}
}

func TestToggleFavourite_FailureReturnsLastKnown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	if got := h.svc.ToggleFavourite(ctx, "p1", "listing_page"); !got {
		t.Fatalf("setup toggle failed")
	}

	h.fav.err = errors.New("collector down")
	if got := h.svc.ToggleFavourite(ctx, "p1", "listing_page"); !got {
		t.Fatalf("failed toggle must return last known state (favourited)")
	}
}

func TestFavourites_PrimesLocalState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.fav.list = model.FavouritesList{Favourites: []string{"p7"}, Count: 1}

	list := h.svc.Favourites(ctx)
	if list.Count != 1 {
		t.Fatalf("favourites list: %+v", list)
	}

	// p7 is now known-favourited, so a toggle sends unfavourite
	h.svc.ToggleFavourite(ctx, "p7", "favourites_page")
	if h.fav.calls[0].Action != model.ActionUnfavourite {
		t.Fatalf("primed state ignored: %v", h.fav.calls[0].Action)
	}
}

func TestOneShotEvents_CarryTheirPayloadKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.svc.TrackSearch(ctx, page(), map[string]any{"suburb": "Richmond"})
	h.svc.TrackFilterChange(ctx, page(), "bedrooms", 3)
	h.svc.TrackCTAClick(ctx, page(), "book-inspection")
	h.svc.TrackPhoneClick(ctx, page(), "+61 3 0000 0000")
	h.svc.TrackEmailClick(ctx, page(), "agent@example.com")
	h.svc.TrackShare(ctx, page(), "whatsapp")

	types := h.queue.types()
	want := []string{EventSearch, EventFilterChange, EventCTAClick, EventPhoneClick, EventEmailClick, EventShare}
	if len(types) != len(want) {
		t.Fatalf("events: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events: %v, want %v", types, want)
		}
	}
	if h.queue.events[1].EventData["filter_name"] != "bedrooms" {
		t.Fatalf("filter payload: %v", h.queue.events[1].EventData)
	}
}
