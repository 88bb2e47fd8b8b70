package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pawsync/reminderengine/engine/observability"
	"github.com/pawsync/reminderengine/engine/scheduler"
	"github.com/pawsync/reminderengine/engine/store"
)

// RetryQueue is the Retry Queue (C10): scheduling attempts the
// Platform Notifier rejected are held here and reattempted with
// exponential backoff, up to RetryConfig.MaxAttempts or until
// RetryConfig.RetryTimeoutHours has elapsed since the original
// failure, whichever comes first.
type RetryQueue struct {
	kv       store.KVStore
	clock    Clock
	notifier Notifier
	tracker  *DeliveryTracker
	cfg      RetryConfig

	mu    sync.Mutex
	q     *scheduler.TimeQueue
	byID  map[string]*RetryEntry
	next  int
}

// NewRetryQueue creates a RetryQueue. It does not load persisted state
// until LoadState is called, mirroring the other components' explicit
// lifecycle (spec.md §9).
func NewRetryQueue(kv store.KVStore, clock Clock, notifier Notifier, tracker *DeliveryTracker, cfg RetryConfig) *RetryQueue {
	return &RetryQueue{
		kv:       kv,
		clock:    clock,
		notifier: notifier,
		tracker:  tracker,
		cfg:      cfg,
		q:        scheduler.NewTimeQueue(),
		byID:     make(map[string]*RetryEntry),
	}
}

type persistedRetryQueue struct {
	Entries []*RetryEntry
}

// LoadState restores the retry queue from the KV store. Call once during
// Engine.Initialize.
func (r *RetryQueue) LoadState(ctx context.Context) error {
	raw, err := r.kv.Get(ctx, store.KeyRetryQueue)
	if err != nil {
		return nil // ErrNotFound: start empty.
	}
	var p persistedRetryQueue
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range p.Entries {
		r.q.Push(e)
		r.byID[e.ID] = e
	}
	return nil
}

func (r *RetryQueue) persist(ctx context.Context) error {
	entries := make([]*RetryEntry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	raw, err := json.Marshal(persistedRetryQueue{Entries: entries})
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, store.KeyRetryQueue, raw)
}

// Enqueue admits a failed FiringInstance into the retry queue. A no-op
// if retries are disabled. If a RetryEntry already exists for this
// instance's originalOsId (the same item failed scheduling again
// before its pending retry came due), that entry is updated in place
// instead of minting a duplicate: attempts increments, the new failure
// reason is appended, and nextAttemptAt is recomputed with the same
// doubling backoff ProcessDue uses. Satisfies retryEnqueuer for
// DeliveryTracker.
func (r *RetryQueue) Enqueue(instance FiringInstance, reason string) {
	if !r.cfg.Enabled {
		return
	}

	originalOSID := unscheduledOSID(instance)
	now := r.clock.Now()

	r.mu.Lock()
	for _, existing := range r.byID {
		if existing.OriginalOSID != originalOSID {
			continue
		}
		existing.Attempts++
		existing.LastAttemptAt = now
		existing.FailureReasons = append(existing.FailureReasons, reason)
		existing.Backoff = existing.Backoff * time.Duration(r.cfg.BackoffMultiplier)
		if existing.Backoff > r.maxDelay() {
			existing.Backoff = r.maxDelay()
		}
		existing.NextAttemptAt = now.Add(existing.Backoff)

		// The heap doesn't support an in-place key update; rebuild it
		// from its current contents so the mutated due time re-sorts.
		items := r.q.Drain()
		for _, item := range items {
			r.q.Push(item)
		}

		ctx := context.Background()
		_ = r.persist(ctx)
		r.mu.Unlock()
		observability.RetryQueueSize.Set(float64(r.Len()))
		return
	}

	r.next++
	id := fmt.Sprintf("retry-%d", r.next)
	delay := time.Duration(r.cfg.InitialDelayMinutes) * time.Minute

	entry := &RetryEntry{
		ID:             id,
		OriginalOSID:   originalOSID,
		Kind:           instance.SpecID.Kind,
		SpecID:         instance.SpecID,
		Content:        instance.Content,
		OriginalFireAt: instance.FireAt,
		Attempts:       0,
		MaxAttempts:    r.cfg.MaxAttempts,
		NextAttemptAt:  now.Add(delay),
		Backoff:        delay,
		CreatedAt:      now,
		FailureReasons: []string{reason},
	}
	r.q.Push(entry)
	r.byID[id] = entry
	ctx := context.Background()
	_ = r.persist(ctx)
	r.mu.Unlock()

	observability.RetryQueueSize.Set(float64(r.Len()))
}

// Len reports the current queue size.
func (r *RetryQueue) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Status reports a RetryQueueStatus snapshot for stats().
func (r *RetryQueue) Status() RetryQueueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := RetryQueueStatus{Enabled: r.cfg.Enabled, PendingCount: len(r.byID)}
	for _, e := range r.byID {
		if status.OldestEntry.IsZero() || e.CreatedAt.Before(status.OldestEntry) {
			status.OldestEntry = e.CreatedAt
		}
	}
	return status
}

// maxDelay caps exponential backoff at RetryConfig.MaxDelayHours.
func (r *RetryQueue) maxDelay() time.Duration {
	return time.Duration(r.cfg.MaxDelayHours) * time.Hour
}

// retryTimeout is how long an entry is retried before being evicted
// as permanently failed.
func (r *RetryQueue) retryTimeout() time.Duration {
	return time.Duration(r.cfg.RetryTimeoutHours) * time.Hour
}

// ProcessDue pops every entry whose NextAttemptAt has arrived and
// attempts to reschedule it through the Platform Notifier. Entries
// that exceed MaxAttempts or RetryTimeoutHours are evicted and logged
// as a terminal failure; entries that fail again are re-enqueued with
// a doubled backoff, capped at MaxDelayHours.
func (r *RetryQueue) ProcessDue(ctx context.Context) (succeeded, evicted, reattempted int) {
	now := r.clock.Now()
	r.mu.Lock()
	due := r.q.PopDue(now)
	r.mu.Unlock()

	for _, item := range due {
		entry := item.(*RetryEntry)
		r.processOne(ctx, entry, now, &succeeded, &evicted, &reattempted)
	}

	observability.RetryQueueSize.Set(float64(r.Len()))
	ctx2 := context.Background()
	r.mu.Lock()
	_ = r.persist(ctx2)
	r.mu.Unlock()
	return
}

func (r *RetryQueue) processOne(ctx context.Context, entry *RetryEntry, now time.Time, succeeded, evicted, reattempted *int) {
	if now.Sub(entry.CreatedAt) > r.retryTimeout() {
		r.evict(entry, "retry timeout exceeded")
		*evicted++
		return
	}

	osID, err := r.notifier.Schedule(entry.OriginalFireAt, entry.Content)
	entry.Attempts++
	entry.LastAttemptAt = now

	if err == nil {
		r.mu.Lock()
		delete(r.byID, entry.ID)
		r.mu.Unlock()
		if r.tracker != nil {
			r.tracker.onScheduled(DeliveryLogEntry{
				OSID:         osID,
				Kind:         entry.Kind,
				Status:       StatusScheduled,
				Timestamp:    now,
				ScheduledFor: entry.OriginalFireAt,
			})
		}
		*succeeded++
		return
	}

	entry.FailureReasons = append(entry.FailureReasons, err.Error())
	if entry.Attempts >= entry.MaxAttempts {
		r.evict(entry, "max attempts exceeded")
		*evicted++
		return
	}

	entry.Backoff = entry.Backoff * time.Duration(r.cfg.BackoffMultiplier)
	if entry.Backoff > r.maxDelay() {
		entry.Backoff = r.maxDelay()
	}
	entry.NextAttemptAt = now.Add(entry.Backoff)

	r.mu.Lock()
	r.q.Push(entry)
	r.mu.Unlock()
	*reattempted++
}

func (r *RetryQueue) evict(entry *RetryEntry, reason string) {
	r.mu.Lock()
	delete(r.byID, entry.ID)
	r.mu.Unlock()

	if r.tracker != nil {
		r.tracker.onScheduleFailedTerminal(entry, reason)
	}
}
