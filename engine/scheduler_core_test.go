package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pawsync/reminderengine/engine/scheduler"
	"github.com/pawsync/reminderengine/engine/store"
)

// recordingNotifier schedules successfully unless a FireAt falls in
// failAt, in which case it returns a configurable error.
type recordingNotifier struct {
	scheduled  []time.Time
	cancelled  []string
	failAt     map[time.Time]error
	nextID     int
	permission bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failAt: make(map[time.Time]error), permission: true}
}

func (n *recordingNotifier) Schedule(fireAt time.Time, content NotificationContent) (string, error) {
	if err, ok := n.failAt[fireAt]; ok {
		return "", err
	}
	n.scheduled = append(n.scheduled, fireAt)
	n.nextID++
	return fmt.Sprintf("os-%d", n.nextID), nil
}
func (n *recordingNotifier) Cancel(osID string) error {
	n.cancelled = append(n.cancelled, osID)
	return nil
}
func (n *recordingNotifier) CancelAll() error               { return nil }
func (n *recordingNotifier) OutstandingCount() (int, error) { return len(n.scheduled), nil }
func (n *recordingNotifier) HasPermission() bool            { return n.permission }
func (n *recordingNotifier) RequestPermission() bool        { n.permission = true; return true }

// stubSink captures the side effects ScheduleSpec reports to a schedulingSink.
type stubSink struct {
	scheduled []DeliveryLogEntry
	failed    []struct {
		instance  FiringInstance
		reason    string
		retryable bool
	}
	cancelled []string
}

func (s *stubSink) onScheduled(entry DeliveryLogEntry) {
	s.scheduled = append(s.scheduled, entry)
}

func (s *stubSink) onScheduleFailed(instance FiringInstance, reason string, retryable bool) {
	s.failed = append(s.failed, struct {
		instance  FiringInstance
		reason    string
		retryable bool
	}{instance, reason, retryable})
}

func (s *stubSink) onCancelled(ctx context.Context, osID string) {
	s.cancelled = append(s.cancelled, osID)
}

func newTestSchedulerCore(clock Clock, notifier Notifier, sink schedulingSink) (*SchedulerCore, *shadowIndex) {
	kv := store.NewMemoryStore()
	shadow := newShadowIndex(kv)
	mat := NewMaterializer(DefaultMaterializerConfig(), clock)
	breaker := scheduler.NewCircuitBreaker(3)
	return NewSchedulerCore(clock, notifier, shadow, mat, breaker, sink), shadow
}

func TestScheduleSpecSchedulesAllInstances(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	notifier := newRecordingNotifier()
	sink := &stubSink{}
	core, shadow := newTestSchedulerCore(clock, notifier, sink)

	spec := ReminderSpec{
		Kind:        KindTask,
		EntityID:    "task-1",
		ScheduledAt: now.Add(2 * time.Hour),
		LeadTimes:   []int{60, 15},
	}

	result, err := core.ScheduleSpec(ctx, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Requested != 2 || result.Scheduled != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(sink.scheduled) != 2 {
		t.Fatalf("expected 2 onScheduled callbacks, got %d", len(sink.scheduled))
	}
	if shadow.count(ctx, KindTask) != 2 {
		t.Fatalf("expected 2 shadow records persisted, got %d", shadow.count(ctx, KindTask))
	}
}

func TestScheduleSpecCancelsPreviousSchedule(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	notifier := newRecordingNotifier()
	sink := &stubSink{}
	core, shadow := newTestSchedulerCore(clock, notifier, sink)

	spec := ReminderSpec{Kind: KindTask, EntityID: "task-1", ScheduledAt: now.Add(2 * time.Hour), LeadTimes: []int{60}}
	if _, err := core.ScheduleSpec(ctx, spec); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if shadow.count(ctx, KindTask) != 1 {
		t.Fatalf("expected 1 record after first schedule")
	}

	// Re-scheduling the same entity must cancel the old OS notification
	// before materializing the new set.
	spec.LeadTimes = []int{60, 30}
	if _, err := core.ScheduleSpec(ctx, spec); err != nil {
		t.Fatalf("second schedule: %v", err)
	}
	if len(notifier.cancelled) != 1 {
		t.Fatalf("expected the first schedule's OS notification to be cancelled, got %d cancels", len(notifier.cancelled))
	}
	if len(sink.cancelled) != 1 || sink.cancelled[0] != notifier.cancelled[0] {
		t.Fatalf("expected the cancelled osId to be reported to the sink, got %+v", sink.cancelled)
	}
	if shadow.count(ctx, KindTask) != 2 {
		t.Fatalf("expected 2 records after re-schedule, got %d", shadow.count(ctx, KindTask))
	}
}

func TestScheduleSpecFailureGoesToSinkAsRetryable(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	notifier := newRecordingNotifier()
	sink := &stubSink{}
	core, _ := newTestSchedulerCore(clock, notifier, sink)

	fireAt := now.Add(45 * time.Minute) // the 15-min lead for a 1h-out task
	notifier.failAt[fireAt] = fmt.Errorf("network timeout")

	spec := ReminderSpec{Kind: KindTask, EntityID: "task-2", ScheduledAt: now.Add(time.Hour), LeadTimes: []int{15}}
	result, err := core.ScheduleSpec(ctx, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed != 1 || result.Scheduled != 0 {
		t.Fatalf("expected the single instance to fail: %+v", result)
	}
	if len(sink.failed) != 1 || !sink.failed[0].retryable {
		t.Fatalf("expected a retryable failure recorded, got %+v", sink.failed)
	}
}

func TestScheduleSpecNonRetryableFailureNotMarkedRetryable(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	notifier := newRecordingNotifier()
	sink := &stubSink{}
	core, _ := newTestSchedulerCore(clock, notifier, sink)

	fireAt := now.Add(45 * time.Minute)
	notifier.failAt[fireAt] = ErrPermissionDenied

	spec := ReminderSpec{Kind: KindTask, EntityID: "task-3", ScheduledAt: now.Add(time.Hour), LeadTimes: []int{15}}
	if _, err := core.ScheduleSpec(ctx, spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.failed) != 1 || sink.failed[0].retryable {
		t.Fatalf("expected a non-retryable failure recorded, got %+v", sink.failed)
	}
}

func TestScheduleSpecCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	notifier := newRecordingNotifier()
	sink := &stubSink{}
	core, _ := newTestSchedulerCore(clock, notifier, sink)

	// A task with 4 lead instances, all of which the
	// notifier rejects, should trip the breaker (threshold 3) partway
	// through and fail the remaining instances via the open breaker.
	spec := ReminderSpec{
		Kind:       KindTask,
		EntityID:   "task-4",
		ScheduledAt: now.Add(5 * time.Hour),
		LeadTimes:  []int{240, 180, 120, 60},
	}
	for _, lead := range spec.LeadTimes {
		fireAt := spec.ScheduledAt.Add(-time.Duration(lead) * time.Minute)
		notifier.failAt[fireAt] = fmt.Errorf("server error")
	}

	result, err := core.ScheduleSpec(ctx, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed != 4 {
		t.Fatalf("expected all 4 instances to end up failed, got %+v", result)
	}
	breakerOpenFailures := 0
	for _, f := range sink.failed {
		if f.reason == "circuit breaker open" {
			breakerOpenFailures++
		}
	}
	if breakerOpenFailures == 0 {
		t.Fatalf("expected at least one instance to be short-circuited by the open breaker")
	}
}

func TestCancelSpecAllCancelsEveryRecordOfKind(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	notifier := newRecordingNotifier()
	sink := &stubSink{}
	core, shadow := newTestSchedulerCore(clock, notifier, sink)

	for _, id := range []string{"task-a", "task-b"} {
		spec := ReminderSpec{Kind: KindTask, EntityID: id, ScheduledAt: now.Add(time.Hour), LeadTimes: []int{30}}
		if _, err := core.ScheduleSpec(ctx, spec); err != nil {
			t.Fatalf("schedule %s: %v", id, err)
		}
	}
	if shadow.count(ctx, KindTask) != 2 {
		t.Fatalf("expected 2 records scheduled before cancelAll")
	}

	if err := core.CancelSpec(ctx, KindTask, "all"); err != nil {
		t.Fatalf("cancelAll: %v", err)
	}
	if shadow.count(ctx, KindTask) != 0 {
		t.Fatalf("expected 0 records after cancelAll, got %d", shadow.count(ctx, KindTask))
	}
	if len(notifier.cancelled) != 2 {
		t.Fatalf("expected both OS notifications cancelled, got %d", len(notifier.cancelled))
	}
	if len(sink.cancelled) != 2 {
		t.Fatalf("expected both cancellations reported to the sink, got %d", len(sink.cancelled))
	}
}

func TestRescheduleAllProcessesInStableOrder(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	notifier := newRecordingNotifier()
	core, _ := newTestSchedulerCore(clock, notifier, nil)

	specs := []ReminderSpec{
		{Kind: KindTask, EntityID: "z-task", ScheduledAt: now.Add(time.Hour), LeadTimes: []int{15}},
		{Kind: KindMeal, EntityID: "a-meal", At: now.Add(time.Hour), LeadTime: 10},
		{Kind: KindTask, EntityID: "a-task", ScheduledAt: now.Add(time.Hour), LeadTimes: []int{15}},
	}

	results := core.RescheduleAll(ctx, specs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// Stable order is (kind, entityID) ascending: meal < task, then "a-task" < "z-task".
	if results[0].SpecID.Kind != KindMeal {
		t.Fatalf("expected meal first, got %+v", results[0].SpecID)
	}
	if results[1].SpecID.EntityID != "a-task" || results[2].SpecID.EntityID != "z-task" {
		t.Fatalf("expected task entities sorted ascending, got %+v then %+v", results[1].SpecID, results[2].SpecID)
	}
}
