package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stratosmedia/stratostrack/internal/model"
)

// fakeSender records deliveries and fails each event type a configured
// number of times before succeeding.
type fakeSender struct {
	mu        sync.Mutex
	failures  map[string]int
	delivered []string
	attempts  int
	inFlight  int
	maxSeen   int
	block     chan struct{} // when set, sends park here until closed
}

var _ Sender = (*fakeSender)(nil)

func (f *fakeSender) PostEvent(_ context.Context, env model.EventEnvelope) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.attempts++
	if f.failures[env.EventType] > 0 {
		f.failures[env.EventType]--
		return errors.New("transient collector failure")
	}
	f.delivered = append(f.delivered, env.EventType)
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func (f *fakeSender) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func env(eventType string) model.EventEnvelope {
	return model.EventEnvelope{EventType: eventType}
}

func TestQueue_DeliversInOrder(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	q := NewQueue(sender, time.Millisecond, 10*time.Millisecond, nil)

	q.Enqueue(env("e1"))
	q.Enqueue(env("e2"))
	q.Enqueue(env("e3"))

	waitFor(t, func() bool { return len(sender.snapshot()) == 3 })
	got := sender.snapshot()
	if got[0] != "e1" || got[1] != "e2" || got[2] != "e3" {
		t.Fatalf("order broken: %v", got)
	}
}

func TestQueue_RetryPreservesFIFO(t *testing.T) {
	t.Parallel()
	// e1 and e2 each fail once and succeed on retry; the collector must see
	// e1, e2, e3 exactly once each, in order.
	sender := &fakeSender{failures: map[string]int{"e1": 1, "e2": 1}}
	q := NewQueue(sender, time.Millisecond, 10*time.Millisecond, nil)

	q.Enqueue(env("e1"))
	q.Enqueue(env("e2"))
	q.Enqueue(env("e3"))

	waitFor(t, func() bool { return len(sender.snapshot()) == 3 })
	got := sender.snapshot()
	if got[0] != "e1" || got[1] != "e2" || got[2] != "e3" {
		t.Fatalf("order broken after retries: %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty, %d left", q.Len())
	}
}

func TestQueue_SingleAttemptInFlight(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	sender := &fakeSender{block: block}
	q := NewQueue(sender, time.Millisecond, 10*time.Millisecond, nil)

	for i := 0; i < 5; i++ {
		q.Enqueue(env("e"))
	}
	// give the drain a chance to (incorrectly) go wide
	time.Sleep(50 * time.Millisecond)
	close(block)

	waitFor(t, func() bool { return len(sender.snapshot()) == 5 })

	sender.mu.Lock()
	maxSeen := sender.maxSeen
	sender.mu.Unlock()
	if maxSeen != 1 {
		t.Fatalf("drain went concurrent: %d attempts in flight", maxSeen)
	}
}

func TestQueue_TimerRestartsDrain(t *testing.T) {
	t.Parallel()
	// everything fails twice; only the backoff timer can restart the drain
	sender := &fakeSender{failures: map[string]int{"e1": 2}}
	q := NewQueue(sender, time.Millisecond, 5*time.Millisecond, nil)

	q.Enqueue(env("e1"))

	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
}

func TestQueue_CloseFlushesPending(t *testing.T) {
	t.Parallel()
	// e1 fails twice: once on the initial drain, once on the drain kicked by
	// the second enqueue; the hour-long retry timer then never fires, so only
	// Close's final pass can deliver.
	sender := &fakeSender{failures: map[string]int{"e1": 2}}
	q := NewQueue(sender, time.Hour, time.Hour, nil)

	q.Enqueue(env("e1"))
	waitFor(t, func() bool { return sender.attemptCount() == 1 })
	q.Enqueue(env("e2"))
	waitFor(t, func() bool { return sender.attemptCount() == 2 && q.Len() == 2 })

	q.Close(context.Background())
	got := sender.snapshot()
	if len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Fatalf("final flush incomplete: %v", got)
	}

	q.Enqueue(env("late"))
	if q.Len() != 0 {
		t.Fatalf("enqueue after close should be a no-op")
	}
}
