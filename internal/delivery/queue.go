package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/stratosmedia/stratostrack/internal/model"
)

// Sender delivers a single envelope; the queue treats any returned error as
// transient and retries.
type Sender interface {
	PostEvent(ctx context.Context, env model.EventEnvelope) error
}

// Queue is the ordered retrying delivery path. A single drain loop sends
// entries strictly sequentially so per-session order is preserved and at
// most one attempt is ever in flight. A failed send parks the entry back at
// the head of the queue; the next enqueue or a backoff timer restarts the
// drain.
type Queue struct {
	mu         sync.Mutex
	entries    []model.EventEnvelope
	inFlight   bool
	closed     bool
	backoff    retry.Backoff
	retryTimer *time.Timer

	sender    Sender
	baseDelay time.Duration
	maxDelay  time.Duration
	log       *zap.Logger
	wg        sync.WaitGroup
}

// NewQueue constructs the queue. Retries back off exponentially from
// baseDelay up to maxDelay and continue for as long as the process lives.
func NewQueue(sender Sender, baseDelay, maxDelay time.Duration, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		sender:    sender,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		log:       log,
	}
	q.backoff = q.newBackoff()
	return q
}

func (q *Queue) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(q.maxDelay, retry.NewExponential(q.baseDelay))
}

// Enqueue appends env and starts a drain unless one is already in flight.
// After Close it is a silent no-op.
func (q *Queue) Enqueue(env model.EventEnvelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.entries = append(q.entries, env)
	q.startDrainLocked()
}

// Kick restarts the drain if entries are pending and none is in flight.
// Wired to the retry timer; also safe to call manually.
func (q *Queue) Kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startDrainLocked()
}

// Len reports the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// startDrainLocked is the non-reentrancy guard: a drain already in flight is
// never doubled.
func (q *Queue) startDrainLocked() {
	if q.inFlight || q.closed || len(q.entries) == 0 {
		return
	}
	q.inFlight = true
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.entries) == 0 {
			q.inFlight = false
			q.mu.Unlock()
			return
		}
		env := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		err := q.sender.PostEvent(context.Background(), env)
		if err == nil {
			q.mu.Lock()
			q.backoff = q.newBackoff()
			q.mu.Unlock()
			continue
		}

		// Park the failed entry back at the head so order survives the
		// retry, then stop draining until the timer or an enqueue kicks.
		q.mu.Lock()
		q.entries = append([]model.EventEnvelope{env}, q.entries...)
		q.inFlight = false
		delay, _ := q.backoff.Next()
		closed := q.closed
		if !closed {
			if q.retryTimer != nil {
				q.retryTimer.Stop()
			}
			q.retryTimer = time.AfterFunc(delay, q.Kick)
		}
		q.mu.Unlock()

		q.log.Warn("event delivery failed; queue parked",
			zap.String("event_type", env.EventType),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		return
	}
}

// Close stops retries, waits for any in-flight drain, and makes one final
// synchronous best-effort pass over whatever is still queued. Entries that
// fail on that pass are dropped — the page is going away.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	for i, env := range pending {
		if err := q.sender.PostEvent(ctx, env); err != nil {
			q.log.Warn("final flush aborted",
				zap.Int("dropped", len(pending)-i),
				zap.Error(err),
			)
			return
		}
	}
}
