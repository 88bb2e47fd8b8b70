package engine

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/pawsync/reminderengine/engine/observability"
	"github.com/pawsync/reminderengine/engine/store"
)

// restartGap is how large a jump between consecutive sentinel writes
// has to be before it is treated as a device restart rather than
// normal process idle time.
const restartGap = 6 * time.Hour

// foregroundResyncGap is the smaller gap used on app-foreground entry:
// even without a full restart, being backgrounded this long means the
// shadow index may have drifted from what the OS actually has queued.
const foregroundResyncGap = 5 * time.Minute

// healthCheckDriftThreshold triggers a full rescheduleAll when the
// shadow index has shrunk to less than this fraction of the expected
// scheduled count.
const healthCheckDriftThreshold = 0.8

// allKinds enumerates the five ReminderSpec variants, used to sweep
// every kind-scoped shadow index during a full rescheduleAll.
var allKinds = []Kind{KindTask, KindMedication, KindMeal, KindInventoryAlert, KindHealthFollowup}

// ResilienceSupervisor is the Resilience Supervisor (C11): restart
// detection, foreground/background lifecycle hooks, and a periodic
// health check that self-heals shadow-index drift.
type ResilienceSupervisor struct {
	kv       store.KVStore
	clock    Clock
	domain   DomainReader
	mat      *Materializer
	core     *SchedulerCore
	shadow   *shadowIndex
	tracker  *DeliveryTracker
	retry    *RetryQueue
	critical *CriticalMirror

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewResilienceSupervisor wires the Resilience Supervisor.
func NewResilienceSupervisor(kv store.KVStore, clock Clock, domain DomainReader, mat *Materializer, core *SchedulerCore, shadow *shadowIndex, tracker *DeliveryTracker, retry *RetryQueue, critical *CriticalMirror) *ResilienceSupervisor {
	return &ResilienceSupervisor{
		kv: kv, clock: clock, domain: domain, mat: mat, core: core,
		shadow: shadow, tracker: tracker, retry: retry, critical: critical,
	}
}

type sentinel struct {
	LastSeen time.Time
}

func (r *ResilienceSupervisor) readSentinel(ctx context.Context) (time.Time, bool) {
	raw, err := r.kv.Get(ctx, store.KeyRestartSentinel)
	if err != nil {
		return time.Time{}, false
	}
	var s sentinel
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	return s.LastSeen, true
}

func (r *ResilienceSupervisor) writeSentinel(ctx context.Context, at time.Time) error {
	raw, err := json.Marshal(sentinel{LastSeen: at})
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, store.KeyRestartSentinel, raw)
}

// Initialize runs the startup sequence: detect a device restart by
// comparing the persisted sentinel to now, and unconditionally
// refresh the sentinel for the next run. A detected restart forces a
// full rescheduleAll, since the shadow index cannot be trusted to
// reflect what survived the restart. A first run (no sentinel yet) is
// not reported as a restart but also runs a full rescheduleAll, so the
// domain's current specs get scheduled.
func (r *ResilienceSupervisor) Initialize(ctx context.Context) (restartDetected bool, err error) {
	last, had := r.readSentinel(ctx)
	now := r.clock.Now()

	if had && now.Sub(last) > restartGap {
		restartDetected = true
		observability.RestartsDetected.Inc()
	}

	if err := r.writeSentinel(ctx, now); err != nil {
		return restartDetected, err
	}

	if restartDetected || !had {
		if _, rerr := r.RescheduleAll(ctx); rerr != nil {
			return restartDetected, rerr
		}
	}
	return restartDetected, nil
}

// OnForegroundEntry is called when the host app returns to the
// foreground. If the app was backgrounded longer than
// foregroundResyncGap, it resyncs the shadow index and refreshes the
// Critical Mirror; otherwise it is a no-op, since a short background
// window cannot have drifted meaningfully.
func (r *ResilienceSupervisor) OnForegroundEntry(ctx context.Context) error {
	last, had := r.readSentinel(ctx)
	now := r.clock.Now()
	if err := r.writeSentinel(ctx, now); err != nil {
		return err
	}

	if had && now.Sub(last) < foregroundResyncGap {
		return nil
	}

	// RescheduleAll already refreshes the Critical Mirror as its final step.
	_, err := r.RescheduleAll(ctx)
	return err
}

// OnBackgroundEntry is called when the host app is backgrounded. It
// refreshes the Critical Mirror so near-term reminders have a backup
// channel while the process may be suspended or killed.
func (r *ResilienceSupervisor) OnBackgroundEntry(ctx context.Context) error {
	return r.refreshCriticalMirror(ctx)
}

func (r *ResilienceSupervisor) specsAndInstances(ctx context.Context) ([]ReminderSpec, map[SpecID][]FiringInstance, error) {
	specs, err := specsFromDomain(r.domain)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[SpecID][]FiringInstance, len(specs))
	for _, spec := range specs {
		mr := r.mat.Materialize(spec)
		byID[specID(spec)] = mr.Instances
	}
	return specs, byID, nil
}

func (r *ResilienceSupervisor) refreshCriticalMirror(ctx context.Context) error {
	specs, instances, err := r.specsAndInstances(ctx)
	if err != nil {
		return err
	}
	return r.critical.Refresh(ctx, specs, instances)
}

// RescheduleAll implements the full rescheduleAll() operation: cancel
// every OS notification and clear every kind-scoped shadow index
// (including entities the domain readers no longer report, e.g.
// deleted/disabled/discontinued), re-derive every ReminderSpec from
// the domain readers, schedule all of them, refresh the Critical
// Mirror against the new instance set, and drain the retry queue.
func (r *ResilienceSupervisor) RescheduleAll(ctx context.Context) ([]ScheduleResult, error) {
	for _, kind := range allKinds {
		if err := r.core.CancelSpec(ctx, kind, "all"); err != nil {
			return nil, err
		}
	}

	specs, instances, err := r.specsAndInstances(ctx)
	if err != nil {
		return nil, err
	}

	results := r.core.RescheduleAll(ctx, specs)

	// specsAndInstances materialized against the pre-schedule state;
	// re-materialize is unnecessary since ScheduleSpec's output already
	// reflects what the Scheduler Core just asked the Platform Notifier
	// to schedule, which is what the Critical Mirror needs to mirror.
	if err := r.critical.Refresh(ctx, specs, instances); err != nil {
		return results, err
	}

	if r.retry != nil {
		r.retry.ProcessDue(ctx)
	}

	return results, nil
}

// ProcessBackgroundNotifications runs the periodic OS-wake task:
// reconcile expired medications, reattempt every due retry-queue entry
// (evicting those past their attempt or age limit), and re-send to the
// remote scheduler every CriticalMirror record it has not yet
// acknowledged. It does not re-notify past-due CriticalMirror records
// (NotificationCount and LastNotifiedAt are not updated here), and it
// does not GC the delivery log; the Delivery Tracker does that on its
// own every 100th write.
func (r *ResilienceSupervisor) ProcessBackgroundNotifications(ctx context.Context) error {
	if _, err := r.domain.ReconcileExpiredMedications(r.clock.Now()); err != nil {
		return err
	}

	if r.retry != nil {
		r.retry.ProcessDue(ctx)
	}

	if _, err := r.critical.RetryUnsynced(ctx); err != nil {
		return err
	}

	return nil
}

// expectedScheduledCount estimates how many ShadowRecords the system
// should currently hold, per spec.md §4.6: doses-per-day * 3 for every
// active medication, plus ~2 per pending task due within 3 days.
func (r *ResilienceSupervisor) expectedScheduledCount() (int, error) {
	meds, err := r.domain.ListActiveMedications()
	if err != nil {
		return 0, err
	}
	tasks, err := r.domain.ListPendingTasks(3)
	if err != nil {
		return 0, err
	}

	expected := 0
	for _, m := range meds {
		if m.Status != MedicationActive || !m.RemindersEnabled {
			continue
		}
		expected += int(math.Ceil(dosesPerDay(m.Frequency) * 3))
	}
	expected += len(tasks) * 2
	return expected, nil
}

// RunHealthCheck is the hourly periodic health check (active app
// only, per spec.md §4.6): it compares the shadow index size to the
// expected scheduled count and forces a rescheduleAll if it has
// drifted below healthCheckDriftThreshold.
func (r *ResilienceSupervisor) RunHealthCheck(ctx context.Context) error {
	expected, err := r.expectedScheduledCount()
	if err != nil {
		return err
	}

	actual := 0
	for _, kind := range allKinds {
		actual += r.shadow.count(ctx, kind)
	}

	var ratio float64
	if expected > 0 {
		ratio = float64(actual) / float64(expected)
	} else {
		ratio = 1
	}
	observability.HealthCheckDrift.Set(ratio)

	if expected > 0 && ratio < healthCheckDriftThreshold {
		if _, err := r.RescheduleAll(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Start registers a ticking background loop running
// ProcessBackgroundNotifications every interval (spec.md §2's "min
// interval ~15 min" for C4's periodic wake) until the returned stop
// func is called or ctx is cancelled. It is the in-process stand-in
// for the host platform's background-task scheduler.
func (r *ResilienceSupervisor) Start(ctx context.Context, interval time.Duration) (stop func()) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return func() {}
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				_ = r.ProcessBackgroundNotifications(ctx)
			}
		}
	}()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.running {
			close(r.stopCh)
			r.running = false
		}
	}
}
