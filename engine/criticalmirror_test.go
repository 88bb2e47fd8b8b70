package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pawsync/reminderengine/engine/store"
)

// fakeRemoteScheduler lets tests control whether ScheduleNotification
// succeeds and records what was sent/cancelled.
type fakeRemoteScheduler struct {
	fail      bool
	nextID    int
	scheduled []CriticalMirrorRecord
	cancelled []string
}

func (f *fakeRemoteScheduler) ScheduleNotification(ctx context.Context, rec CriticalMirrorRecord) (string, error) {
	if f.fail {
		return "", fmt.Errorf("remote scheduler unavailable")
	}
	f.nextID++
	f.scheduled = append(f.scheduled, rec)
	return fmt.Sprintf("ticket-%d", f.nextID), nil
}
func (f *fakeRemoteScheduler) SendImmediateNotification(ctx context.Context, rec CriticalMirrorRecord) error {
	return nil
}
func (f *fakeRemoteScheduler) CancelNotification(ctx context.Context, ticketID string) error {
	f.cancelled = append(f.cancelled, ticketID)
	return nil
}
func (f *fakeRemoteScheduler) GetNotificationStats(ctx context.Context, userID string) (RemoteNotificationStats, error) {
	return RemoteNotificationStats{}, nil
}

func activeMedSpec(entityID string, petID string) ReminderSpec {
	return ReminderSpec{
		Kind:             KindMedication,
		EntityID:         entityID,
		PetID:            petID,
		Status:           MedicationActive,
		RemindersEnabled: true,
	}
}

func highPriorityTaskSpec(entityID string) ReminderSpec {
	return ReminderSpec{
		Kind:             KindTask,
		EntityID:         entityID,
		Priority:         "high",
		RemindersEnabled: true,
	}
}

func TestCriticalMirrorRefreshMirrorsNearTermMedication(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	remote := &fakeRemoteScheduler{}
	cm := NewCriticalMirror(store.NewMemoryStore(), clock, remote, "user-1", "push-token-1")

	spec := activeMedSpec("med-1", "pet-1")
	id := specID(spec)
	instances := map[SpecID][]FiringInstance{
		id: {{SpecID: id, Kind: KindMedication, Role: RoleDose, FireAt: now.Add(2 * time.Hour)}},
	}

	if err := cm.Refresh(ctx, []ReminderSpec{spec}, instances); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	records := cm.Records(ctx)
	if len(records) != 1 {
		t.Fatalf("expected 1 mirrored record, got %d", len(records))
	}
	if records[0].Priority != PriorityCritical {
		t.Fatalf("expected critical priority, got %s", records[0].Priority)
	}
	if records[0].MaxNotifications != 3 {
		t.Fatalf("expected maxNotifications=3 for a medication, got %d", records[0].MaxNotifications)
	}
	if !records[0].Mirrored {
		t.Fatalf("expected the record to be marked mirrored")
	}
	if len(remote.scheduled) != 1 {
		t.Fatalf("expected exactly one remote schedule call")
	}
}

func TestCriticalMirrorTaskMaxNotificationsIsTwo(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	remote := &fakeRemoteScheduler{}
	cm := NewCriticalMirror(store.NewMemoryStore(), clock, remote, "user-1", "push-token-1")

	spec := highPriorityTaskSpec("task-1")
	id := specID(spec)
	instances := map[SpecID][]FiringInstance{
		id: {{SpecID: id, Kind: KindTask, Role: RoleLead, FireAt: now.Add(time.Hour)}},
	}

	if err := cm.Refresh(ctx, []ReminderSpec{spec}, instances); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	records := cm.Records(ctx)
	if len(records) != 1 || records[0].MaxNotifications != 2 {
		t.Fatalf("expected maxNotifications=2 for a task, got %+v", records)
	}
}

func TestCriticalMirrorIgnoresInstancesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	remote := &fakeRemoteScheduler{}
	cm := NewCriticalMirror(store.NewMemoryStore(), clock, remote, "user-1", "push-token-1")

	spec := activeMedSpec("med-2", "pet-1")
	id := specID(spec)
	instances := map[SpecID][]FiringInstance{
		id: {{SpecID: id, Kind: KindMedication, Role: RoleDose, FireAt: now.Add(48 * time.Hour)}},
	}

	if err := cm.Refresh(ctx, []ReminderSpec{spec}, instances); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(cm.Records(ctx)) != 0 {
		t.Fatalf("did not expect a record scheduled 48h out (window is 24h)")
	}
}

func TestCriticalMirrorIgnoresNonCriticalCandidates(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	remote := &fakeRemoteScheduler{}
	cm := NewCriticalMirror(store.NewMemoryStore(), clock, remote, "user-1", "push-token-1")

	// A low-priority task is not a critical candidate at all.
	spec := ReminderSpec{Kind: KindTask, EntityID: "task-low", Priority: "low", RemindersEnabled: true}
	id := specID(spec)
	instances := map[SpecID][]FiringInstance{
		id: {{SpecID: id, Kind: KindTask, Role: RoleLead, FireAt: now.Add(time.Hour)}},
	}

	if err := cm.Refresh(ctx, []ReminderSpec{spec}, instances); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(cm.Records(ctx)) != 0 {
		t.Fatalf("did not expect a low-priority task to be mirrored")
	}
}

func TestCriticalMirrorDropsNoLongerWantedAndCancelsRemote(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	remote := &fakeRemoteScheduler{}
	cm := NewCriticalMirror(store.NewMemoryStore(), clock, remote, "user-1", "push-token-1")

	spec := activeMedSpec("med-3", "pet-1")
	id := specID(spec)
	instances := map[SpecID][]FiringInstance{
		id: {{SpecID: id, Kind: KindMedication, Role: RoleDose, FireAt: now.Add(2 * time.Hour)}},
	}
	if err := cm.Refresh(ctx, []ReminderSpec{spec}, instances); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if len(cm.Records(ctx)) != 1 {
		t.Fatalf("expected 1 record after first refresh")
	}

	// Second refresh: the medication no longer has any near-term instance.
	if err := cm.Refresh(ctx, []ReminderSpec{spec}, map[SpecID][]FiringInstance{}); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if len(cm.Records(ctx)) != 0 {
		t.Fatalf("expected the stale record to be dropped")
	}
	if len(remote.cancelled) != 1 {
		t.Fatalf("expected the remote ticket to be cancelled, got %d cancels", len(remote.cancelled))
	}
}

func TestCriticalMirrorRetryUnsyncedRecovers(t *testing.T) {
	ctx := context.Background()
	now := mustParse(t, "2006-01-02 15:04", "2026-03-01 08:00")
	clock := NewManualClock(now)
	remote := &fakeRemoteScheduler{fail: true}
	cm := NewCriticalMirror(store.NewMemoryStore(), clock, remote, "user-1", "push-token-1")

	spec := activeMedSpec("med-4", "pet-1")
	id := specID(spec)
	instances := map[SpecID][]FiringInstance{
		id: {{SpecID: id, Kind: KindMedication, Role: RoleDose, FireAt: now.Add(2 * time.Hour)}},
	}
	if err := cm.Refresh(ctx, []ReminderSpec{spec}, instances); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	records := cm.Records(ctx)
	if len(records) != 1 || records[0].Mirrored {
		t.Fatalf("expected an unsynced record after a failed remote call, got %+v", records)
	}

	remote.fail = false
	succeeded, err := cm.RetryUnsynced(ctx)
	if err != nil {
		t.Fatalf("retryUnsynced: %v", err)
	}
	if succeeded != 1 {
		t.Fatalf("expected 1 record to recover, got %d", succeeded)
	}
	records = cm.Records(ctx)
	if !records[0].Mirrored {
		t.Fatalf("expected the record to be mirrored after retry")
	}
}
