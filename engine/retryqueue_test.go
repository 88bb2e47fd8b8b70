package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pawsync/reminderengine/engine/store"
)

// flakyNotifier fails the first N Schedule calls, then succeeds.
type flakyNotifier struct {
	failuresLeft int
	scheduled    int
	permission   bool
}

func newFlakyNotifier(failures int) *flakyNotifier {
	return &flakyNotifier{failuresLeft: failures, permission: true}
}

func (f *flakyNotifier) Schedule(fireAt time.Time, content NotificationContent) (string, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", fmt.Errorf("network timeout")
	}
	f.scheduled++
	return fmt.Sprintf("os-%d", f.scheduled), nil
}
func (f *flakyNotifier) Cancel(string) error           { return nil }
func (f *flakyNotifier) CancelAll() error               { return nil }
func (f *flakyNotifier) OutstandingCount() (int, error) { return 0, nil }
func (f *flakyNotifier) HasPermission() bool            { return f.permission }
func (f *flakyNotifier) RequestPermission() bool        { f.permission = true; return true }

func TestRetryQueueExponentialBackoffThenSuccess(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	notifier := newFlakyNotifier(1) // the Enqueue below stands in for the original failure
	kv := store.NewMemoryStore()
	tracker := NewDeliveryTracker(kv, clock, nil)
	cfg := RetryConfig{Enabled: true, MaxAttempts: 5, InitialDelayMinutes: 5, BackoffMultiplier: 2, MaxDelayHours: 24, RetryTimeoutHours: 72}
	rq := NewRetryQueue(kv, clock, notifier, tracker, cfg)

	instance := FiringInstance{
		SpecID: SpecID{Kind: KindTask, EntityID: "t-1"},
		Kind:   KindTask,
		FireAt: clock.Now().Add(time.Hour),
	}
	rq.Enqueue(instance, "network timeout")

	if rq.Len() != 1 {
		t.Fatalf("expected 1 pending retry entry, got %d", rq.Len())
	}

	// Nothing is due yet.
	succ, evicted, reattempted := rq.ProcessDue(ctx)
	if succ != 0 || evicted != 0 || reattempted != 0 {
		t.Fatalf("expected no due entries before the first backoff elapses")
	}

	clock.Advance(6 * time.Minute) // past the 5-minute initial delay
	succ, evicted, reattempted = rq.ProcessDue(ctx)
	if succ != 0 || evicted != 0 || reattempted != 1 {
		t.Fatalf("expected one reattempt (still flaky): succ=%d evicted=%d reattempted=%d", succ, evicted, reattempted)
	}

	clock.Advance(11 * time.Minute) // past the doubled 10-minute backoff
	succ, evicted, reattempted = rq.ProcessDue(ctx)
	if succ != 1 || evicted != 0 {
		t.Fatalf("expected the second reattempt to succeed: succ=%d evicted=%d reattempted=%d", succ, evicted, reattempted)
	}
	if rq.Len() != 0 {
		t.Fatalf("expected the queue to be empty after success, got %d", rq.Len())
	}
}

func TestRetryQueueEvictsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	notifier := newFlakyNotifier(100) // always fails
	kv := store.NewMemoryStore()
	tracker := NewDeliveryTracker(kv, clock, nil)
	cfg := RetryConfig{Enabled: true, MaxAttempts: 2, InitialDelayMinutes: 5, BackoffMultiplier: 2, MaxDelayHours: 24, RetryTimeoutHours: 72}
	rq := NewRetryQueue(kv, clock, notifier, tracker, cfg)

	instance := FiringInstance{SpecID: SpecID{Kind: KindTask, EntityID: "t-2"}, Kind: KindTask, FireAt: clock.Now().Add(time.Hour)}
	rq.Enqueue(instance, "server error")

	clock.Advance(6 * time.Minute)
	rq.ProcessDue(ctx) // attempt 1, fails, re-enqueued

	clock.Advance(11 * time.Minute)
	_, evicted, _ := rq.ProcessDue(ctx) // attempt 2, fails, hits MaxAttempts
	if evicted != 1 {
		t.Fatalf("expected eviction after MaxAttempts, got evicted=%d", evicted)
	}
	if rq.Len() != 0 {
		t.Fatalf("expected queue empty after eviction, got %d", rq.Len())
	}
}

func TestRetryQueueEvictsAfterTimeout(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	notifier := newFlakyNotifier(100)
	kv := store.NewMemoryStore()
	tracker := NewDeliveryTracker(kv, clock, nil)
	cfg := RetryConfig{Enabled: true, MaxAttempts: 100, InitialDelayMinutes: 5, BackoffMultiplier: 2, MaxDelayHours: 1, RetryTimeoutHours: 1}
	rq := NewRetryQueue(kv, clock, notifier, tracker, cfg)

	instance := FiringInstance{SpecID: SpecID{Kind: KindTask, EntityID: "t-3"}, Kind: KindTask, FireAt: clock.Now().Add(time.Hour)}
	rq.Enqueue(instance, "network timeout")

	clock.Advance(2 * time.Hour) // past RetryTimeoutHours
	_, evicted, _ := rq.ProcessDue(ctx)
	if evicted != 1 {
		t.Fatalf("expected eviction after retry timeout elapsed, got evicted=%d", evicted)
	}
}

func TestRetryQueueEnqueueDedupsByOriginalOSID(t *testing.T) {
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	notifier := newFlakyNotifier(100)
	kv := store.NewMemoryStore()
	tracker := NewDeliveryTracker(kv, clock, nil)
	cfg := RetryConfig{Enabled: true, MaxAttempts: 5, InitialDelayMinutes: 5, BackoffMultiplier: 2, MaxDelayHours: 24, RetryTimeoutHours: 72}
	rq := NewRetryQueue(kv, clock, notifier, tracker, cfg)

	instance := FiringInstance{SpecID: SpecID{Kind: KindTask, EntityID: "t-5"}, Kind: KindTask, FireAt: clock.Now().Add(time.Hour)}
	rq.Enqueue(instance, "network timeout")
	if rq.Len() != 1 {
		t.Fatalf("expected 1 entry after the first enqueue, got %d", rq.Len())
	}

	// The same item failing admission again before its retry comes due
	// must update the existing entry, not create a second one.
	rq.Enqueue(instance, "server error")
	if rq.Len() != 1 {
		t.Fatalf("expected the duplicate enqueue to dedup, got %d entries", rq.Len())
	}

	var entry *RetryEntry
	for _, e := range rq.byID {
		entry = e
	}
	if entry.Attempts != 1 {
		t.Fatalf("expected attempts to increment on dedup, got %d", entry.Attempts)
	}
	if len(entry.FailureReasons) != 2 || entry.FailureReasons[1] != "server error" {
		t.Fatalf("expected both failure reasons recorded, got %+v", entry.FailureReasons)
	}
}

func TestRetryQueueDisabledNeverEnqueues(t *testing.T) {
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	notifier := newFlakyNotifier(0)
	kv := store.NewMemoryStore()
	tracker := NewDeliveryTracker(kv, clock, nil)
	rq := NewRetryQueue(kv, clock, notifier, tracker, RetryConfig{Enabled: false})

	rq.Enqueue(FiringInstance{SpecID: SpecID{Kind: KindTask, EntityID: "t-4"}}, "network timeout")
	if rq.Len() != 0 {
		t.Fatalf("expected no entries enqueued when retries are disabled")
	}
}
