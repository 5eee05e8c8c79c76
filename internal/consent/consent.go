// Package consent implements the analytics consent gate.
//
// The gate is the single choke point for collection: every tracker operation
// checks CanTrack first and no-ops when it reports false, so a revocation
// leaves zero residual side effects.
package consent

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/stratosmedia/stratostrack/internal/errs"
	"github.com/stratosmedia/stratostrack/internal/model"
	"github.com/stratosmedia/stratostrack/internal/storage"
)

// Purger clears stored identifiers when consent is withdrawn.
type Purger interface {
	ClearAll(ctx context.Context)
}

// Gate holds the tri-state analytics consent and notifies subscribers on
// transitions. Unknown is treated as non-collecting.
type Gate struct {
	mu       sync.Mutex
	state    model.ConsentState
	disabled bool
	subs     []func(model.ConsentState)

	storage storage.Store
	purger  Purger
	log     *zap.Logger
}

// New reads the persisted consent preference synchronously; an absent or
// unreadable preference leaves the gate at Unknown (fail-closed). disabled
// switches collection off globally regardless of consent.
func New(ctx context.Context, st storage.Store, purger Purger, disabled bool, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gate{state: model.ConsentUnknown, disabled: disabled, storage: st, purger: purger, log: log}

	state, err := st.Consent(ctx)
	switch {
	case err == nil:
		g.state = state
	case !errors.Is(err, errs.ErrNotFound):
		log.Warn("consent preference unreadable", zap.Error(err))
	}
	return g
}

// CanTrack reports whether collection may proceed right now.
func (g *Gate) CanTrack() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.disabled && g.state == model.ConsentGranted
}

// State returns the current consent state.
func (g *Gate) State() model.ConsentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Subscribe registers fn to run after every state transition. Subscribers
// are invoked outside the gate's lock, in registration order.
func (g *Gate) Subscribe(fn func(model.ConsentState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, fn)
}

// Apply consumes an externally broadcast consent-change signal. Only the
// analytics category matters here.
func (g *Gate) Apply(ctx context.Context, sig model.ConsentSignal) {
	g.Set(ctx, sig.Analytics)
}

// Set transitions the gate. Moving away from Granted purges stored
// identifiers before subscribers run; moving to Granted persists the
// preference and lets subscribers re-start collection.
func (g *Gate) Set(ctx context.Context, granted bool) {
	next := model.ConsentDenied
	if granted {
		next = model.ConsentGranted
	}

	g.mu.Lock()
	prev := g.state
	if next == prev {
		g.mu.Unlock()
		return
	}
	g.state = next
	subs := make([]func(model.ConsentState), len(g.subs))
	copy(subs, g.subs)
	g.mu.Unlock()

	if err := g.storage.SaveConsent(ctx, next); err != nil {
		g.log.Warn("consent save failed", zap.Error(err))
	}
	if prev == model.ConsentGranted && next != model.ConsentGranted {
		g.purger.ClearAll(ctx)
	}
	g.log.Info("consent changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
	)
	for _, fn := range subs {
		fn(next)
	}
}
