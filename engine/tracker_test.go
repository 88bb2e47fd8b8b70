package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pawsync/reminderengine/engine/store"
)

func TestDeliveryTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	tracker := NewDeliveryTracker(store.NewMemoryStore(), clock, nil)

	tracker.onScheduled(DeliveryLogEntry{OSID: "os-1", Kind: KindTask, Status: StatusScheduled, Timestamp: clock.Now()})

	if ok := tracker.OnDelivered(ctx, "os-1"); !ok {
		t.Fatalf("expected scheduled -> delivered transition to succeed")
	}

	stats := tracker.Stats(ctx)
	if stats.TotalScheduled != 1 || stats.TotalDelivered != 1 {
		t.Fatalf("unexpected stats after delivery: %+v", stats)
	}
	if stats.DeliveryRate != 1 {
		t.Fatalf("expected deliveryRate=1, got %f", stats.DeliveryRate)
	}

	if ok := tracker.OnInteracted(ctx, "os-1"); !ok {
		t.Fatalf("expected delivered -> interacted transition to succeed")
	}
	stats = tracker.Stats(ctx)
	if stats.TotalInteracted != 1 || stats.InteractionRate != 1 {
		t.Fatalf("unexpected stats after interaction: %+v", stats)
	}
}

func TestDeliveryTrackerRejectsOutOfOrderTransition(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	tracker := NewDeliveryTracker(store.NewMemoryStore(), clock, nil)

	tracker.onScheduled(DeliveryLogEntry{OSID: "os-2", Kind: KindTask, Status: StatusScheduled, Timestamp: clock.Now()})
	if ok := tracker.OnCancelled(ctx, "os-2"); !ok {
		t.Fatalf("expected scheduled -> cancelled to succeed")
	}
	// A cancelled entry is terminal; a later "delivered" event must not move it.
	if ok := tracker.OnDelivered(ctx, "os-2"); ok {
		t.Fatalf("expected cancelled -> delivered to be rejected")
	}

	stats := tracker.Stats(ctx)
	if stats.TotalCancelled != 1 || stats.TotalDelivered != 0 {
		t.Fatalf("cancelled status should not have been overwritten: %+v", stats)
	}
}

type stubRetryQueue struct {
	enqueued []FiringInstance
}

func (s *stubRetryQueue) Enqueue(instance FiringInstance, reason string) {
	s.enqueued = append(s.enqueued, instance)
}

func TestDeliveryTrackerEnqueuesOnlyRetryableFailures(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	stub := &stubRetryQueue{}
	tracker := NewDeliveryTracker(store.NewMemoryStore(), clock, stub)

	instance := FiringInstance{SpecID: SpecID{Kind: KindTask, EntityID: "t-1"}, Kind: KindTask, FireAt: clock.Now().Add(time.Hour)}

	tracker.onScheduleFailed(instance, "permission denied", false)
	if len(stub.enqueued) != 0 {
		t.Fatalf("did not expect a non-retryable failure to be enqueued for retry")
	}

	tracker.onScheduleFailed(instance, "network timeout", true)
	if len(stub.enqueued) != 1 {
		t.Fatalf("expected a retryable failure to be enqueued for retry")
	}

	stats := tracker.Stats(ctx)
	if stats.TotalFailed != 2 {
		t.Fatalf("expected both failures logged, got %+v", stats)
	}
}

func TestDeliveryStatsRatesStayInUnitRange(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00"))
	tracker := NewDeliveryTracker(store.NewMemoryStore(), clock, nil)

	for i := 0; i < 5; i++ {
		osID := "os-" + string(rune('a'+i))
		tracker.onScheduled(DeliveryLogEntry{OSID: osID, Kind: KindTask, Status: StatusScheduled, Timestamp: clock.Now()})
		if i%2 == 0 {
			tracker.OnDelivered(ctx, osID)
		}
	}

	stats := tracker.Stats(ctx)
	if stats.DeliveryRate < 0 || stats.DeliveryRate > 1 {
		t.Fatalf("deliveryRate out of [0,1]: %f", stats.DeliveryRate)
	}
	if stats.InteractionRate < 0 || stats.InteractionRate > 1 {
		t.Fatalf("interactionRate out of [0,1]: %f", stats.InteractionRate)
	}
}
