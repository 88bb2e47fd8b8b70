package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pawsync/reminderengine/engine/observability"
	"github.com/pawsync/reminderengine/engine/store"
)

// retryEnqueuer lets the Delivery Tracker hand a failed scheduling
// attempt to the Retry Queue without importing it directly.
type retryEnqueuer interface {
	Enqueue(instance FiringInstance, reason string)
}

// maxDeliveryLogAge bounds how long individual DeliveryLogEntry rows
// are kept; older ones are GC'd opportunistically.
const maxDeliveryLogAge = 7 * 24 * time.Hour

// validTransitions enumerates the DeliveryStatus lifecycle: scheduled
// is the only entry state, and interacted/cancelled/failed are all
// terminal. Out-of-order events (e.g. "delivered" after "cancelled")
// are logged but do not move the status backward.
var validTransitions = map[DeliveryStatus]map[DeliveryStatus]bool{
	StatusScheduled: {StatusDelivered: true, StatusFailed: true, StatusCancelled: true},
	StatusDelivered: {StatusInteracted: true},
}

// DeliveryTracker is the Delivery Tracker (C9): an append-only log of
// every notification's lifecycle plus the recomputed DeliveryStats
// projection.
type DeliveryTracker struct {
	kv    store.KVStore
	clock Clock
	retry retryEnqueuer

	mu      sync.Mutex
	writes  int
	byOSID  map[string]*DeliveryLogEntry
	entries []*DeliveryLogEntry
	stats   DeliveryStats
	loaded  bool
}

// NewDeliveryTracker creates a DeliveryTracker. retry may be nil during
// bring-up; onScheduleFailed then only logs, without enqueuing a retry.
func NewDeliveryTracker(kv store.KVStore, clock Clock, retry retryEnqueuer) *DeliveryTracker {
	return &DeliveryTracker{kv: kv, clock: clock, retry: retry, byOSID: make(map[string]*DeliveryLogEntry)}
}

// SetRetryQueue wires the Retry Queue after construction, breaking the
// constructor cycle between DeliveryTracker and RetryQueue (each needs
// the other).
func (t *DeliveryTracker) SetRetryQueue(retry retryEnqueuer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retry = retry
}

// persistedLog is the on-disk shape of the delivery log.
type persistedLog struct {
	Entries []*DeliveryLogEntry
}

func (t *DeliveryTracker) ensureLoaded(ctx context.Context) {
	if t.loaded {
		return
	}
	t.loaded = true

	raw, err := t.kv.Get(ctx, store.KeyDeliveryLog)
	if err != nil {
		return // ErrNotFound or a degraded KV: start from an empty log.
	}
	var log persistedLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return
	}
	for _, e := range log.Entries {
		t.entries = append(t.entries, e)
		t.byOSID[e.OSID] = e
	}
	t.recomputeStats()
}

func (t *DeliveryTracker) persist(ctx context.Context) error {
	raw, err := json.Marshal(persistedLog{Entries: t.entries})
	if err != nil {
		return err
	}
	return t.kv.Put(ctx, store.KeyDeliveryLog, raw)
}

// onScheduled records a new scheduled-status entry. Part of schedulingSink.
func (t *DeliveryTracker) onScheduled(entry DeliveryLogEntry) {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded(ctx)

	e := entry
	cp := &e
	t.entries = append(t.entries, cp)
	t.byOSID[cp.OSID] = cp
	t.recomputeStats()
	t.maybeGC()
	_ = t.persist(ctx)
}

// unscheduledOSID synthesizes a stable identifier for a FiringInstance
// that never received a real OS-assigned notification ID, so repeated
// failures for the same (kind, entityId, fireAt) correlate across the
// Delivery Tracker's log and the Retry Queue's originalOsId.
func unscheduledOSID(instance FiringInstance) string {
	return fmt.Sprintf("unscheduled-%s-%s-%d", instance.SpecID.Kind, instance.SpecID.EntityID, instance.FireAt.Unix())
}

// onScheduleFailed records a failure for an instance that never got an
// OSID and, if the failure is retryable and a retry queue is wired,
// hands it off for reattempt. Part of schedulingSink.
func (t *DeliveryTracker) onScheduleFailed(instance FiringInstance, reason string, retryable bool) {
	ctx := context.Background()
	t.mu.Lock()
	e := &DeliveryLogEntry{
		OSID:          unscheduledOSID(instance),
		Kind:          instance.Kind,
		Status:        StatusFailed,
		Timestamp:     t.clock.Now(),
		ScheduledFor:  instance.FireAt,
		FailureReason: reason,
	}
	t.ensureLoaded(ctx)
	t.entries = append(t.entries, e)
	t.stats.TotalFailed++
	t.recomputeStats()
	t.maybeGC()
	_ = t.persist(ctx)
	t.mu.Unlock()

	if retryable && t.retry != nil {
		t.retry.Enqueue(instance, reason)
	}
}

// transition moves osID to newStatus, applying the lifecycle rules in
// validTransitions. Out-of-order or repeated events are logged and not
// applied: the returned bool reports whether the status actually
// advanced.
func (t *DeliveryTracker) transition(ctx context.Context, osID string, newStatus DeliveryStatus, at time.Time, meta map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded(ctx)

	e, ok := t.byOSID[osID]
	if !ok {
		// Unknown OSID: record a standalone entry so the event is not lost.
		e = &DeliveryLogEntry{OSID: osID, Status: StatusScheduled, Timestamp: at}
		t.entries = append(t.entries, e)
		t.byOSID[osID] = e
	}

	allowed := validTransitions[e.Status]
	if !allowed[newStatus] {
		log.Printf("delivery tracker: rejected transition %s -> %s for %s", e.Status, newStatus, osID)
		return false
	}

	e.Status = newStatus
	switch newStatus {
	case StatusDelivered:
		e.DeliveredAt = at
	case StatusFailed:
		if v, ok := meta["reason"]; ok {
			e.FailureReason = v
		}
	}
	if meta != nil {
		e.Meta = meta
	}

	t.recomputeStats()
	t.maybeGC()
	_ = t.persist(ctx)
	return true
}

// OnDelivered records a successful delivery.
func (t *DeliveryTracker) OnDelivered(ctx context.Context, osID string) bool {
	return t.transition(ctx, osID, StatusDelivered, t.clock.Now(), nil)
}

// OnFailed records a delivery failure for an already-scheduled OSID.
func (t *DeliveryTracker) OnFailed(ctx context.Context, osID, reason string) bool {
	return t.transition(ctx, osID, StatusFailed, t.clock.Now(), map[string]string{"reason": reason})
}

// OnCancelled records a cancellation.
func (t *DeliveryTracker) OnCancelled(ctx context.Context, osID string) bool {
	return t.transition(ctx, osID, StatusCancelled, t.clock.Now(), nil)
}

// onCancelled records a cancellation triggered by the Scheduler Core's
// cancel path (re-schedule, explicit cancel, or cancelAll). Part of
// schedulingSink.
func (t *DeliveryTracker) onCancelled(ctx context.Context, osID string) {
	t.OnCancelled(ctx, osID)
}

// OnInteracted records a user tap/interaction with a delivered notification.
func (t *DeliveryTracker) OnInteracted(ctx context.Context, osID string) bool {
	return t.transition(ctx, osID, StatusInteracted, t.clock.Now(), nil)
}

// onScheduleFailedTerminal logs a RetryEntry's final eviction from the
// retry queue as a terminal failure, once retries are exhausted or the
// retry timeout has elapsed.
func (t *DeliveryTracker) onScheduleFailedTerminal(entry *RetryEntry, reason string) {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded(ctx)

	e := &DeliveryLogEntry{
		OSID:          fmt.Sprintf("retry-exhausted-%s", entry.ID),
		Kind:          entry.Kind,
		Status:        StatusFailed,
		Timestamp:     t.clock.Now(),
		ScheduledFor:  entry.OriginalFireAt,
		FailureReason: reason,
	}
	t.entries = append(t.entries, e)
	t.recomputeStats()
	t.maybeGC()
	_ = t.persist(ctx)
}

// Stats returns the current DeliveryStats projection.
func (t *DeliveryTracker) Stats(ctx context.Context) DeliveryStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded(ctx)
	return t.stats
}

func (t *DeliveryTracker) recomputeStats() {
	var s DeliveryStats
	for _, e := range t.entries {
		s.TotalScheduled++
		switch e.Status {
		case StatusDelivered:
			s.TotalDelivered++
		case StatusFailed:
			s.TotalFailed++
		case StatusCancelled:
			s.TotalCancelled++
		case StatusInteracted:
			s.TotalDelivered++ // interacted implies delivered
			s.TotalInteracted++
		}
	}
	if s.TotalScheduled > 0 {
		s.DeliveryRate = float64(s.TotalDelivered) / float64(s.TotalScheduled)
	}
	if s.TotalDelivered > 0 {
		s.InteractionRate = float64(s.TotalInteracted) / float64(s.TotalDelivered)
	}
	s.LastUpdatedAt = t.clock.Now()
	t.stats = s

	observability.DeliveryRate.Set(s.DeliveryRate)
	observability.InteractionRate.Set(s.InteractionRate)
}

// maybeGC drops log entries older than maxDeliveryLogAge, checked
// every 100th write so GC cost is amortized rather than paid per call.
func (t *DeliveryTracker) maybeGC() {
	t.writes++
	if t.writes%100 != 0 {
		return
	}
	cutoff := t.clock.Now().Add(-maxDeliveryLogAge)
	kept := t.entries[:0:0]
	for _, e := range t.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		} else {
			delete(t.byOSID, e.OSID)
		}
	}
	t.entries = kept
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Timestamp.Before(t.entries[j].Timestamp) })
}
