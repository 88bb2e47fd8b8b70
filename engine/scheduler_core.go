package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/pawsync/reminderengine/engine/observability"
	"github.com/pawsync/reminderengine/engine/scheduler"
)

// schedulingSink receives the side effects of a scheduleSpec run: the
// Delivery Tracker records each attempt, the Retry Queue picks up
// instances the Platform Notifier rejected.
type schedulingSink interface {
	onScheduled(entry DeliveryLogEntry)
	onScheduleFailed(instance FiringInstance, reason string, retryable bool)
	onCancelled(ctx context.Context, osID string)
}

// SchedulerCore is the Scheduler Core (C8): it turns a ReminderSpec
// into a set of scheduled OS notifications, replacing whatever that
// spec's entity had scheduled before.
type SchedulerCore struct {
	clock    Clock
	notifier Notifier
	shadow   *shadowIndex
	mat      *Materializer
	breaker  *scheduler.CircuitBreaker
	sink     schedulingSink
}

// NewSchedulerCore wires the Scheduler Core. sink may be nil during
// early bring-up (its hooks are then no-ops).
func NewSchedulerCore(clock Clock, notifier Notifier, shadow *shadowIndex, mat *Materializer, breaker *scheduler.CircuitBreaker, sink schedulingSink) *SchedulerCore {
	if breaker == nil {
		breaker = scheduler.NewCircuitBreaker(5)
	}
	return &SchedulerCore{clock: clock, notifier: notifier, shadow: shadow, mat: mat, breaker: breaker, sink: sink}
}

// ScheduleResult summarizes the outcome of one scheduleSpec call.
type ScheduleResult struct {
	SpecID          SpecID
	Requested       int
	Scheduled       int
	Failed          int
	Truncated       bool
	TruncatedToZero bool
}

// ScheduleSpec cancels whatever is currently scheduled for spec's
// entity, re-materializes its firing instances, and asks the Platform
// Notifier to schedule each one. A notifier failure on one instance
// does not abort the rest; it is handed to the sink for the retry
// queue to pick up. Scheduling stops accepting new OS calls while the
// circuit breaker is open, treating every remaining instance as failed
// so the retry queue backstops them instead of hammering a notifier
// that is already failing.
func (s *SchedulerCore) ScheduleSpec(ctx context.Context, spec ReminderSpec) (ScheduleResult, error) {
	id := specID(spec)
	result := ScheduleResult{SpecID: id}

	if err := s.cancelLocked(ctx, id); err != nil {
		return result, fmt.Errorf("cancel existing schedule for %s/%s: %w", id.Kind, id.EntityID, err)
	}

	mr := s.mat.Materialize(spec)
	result.Requested = len(mr.Instances)
	result.Truncated = mr.Truncated
	result.TruncatedToZero = mr.TruncatedToZero

	newRecords := make([]ShadowRecord, 0, len(mr.Instances))
	for _, instance := range mr.Instances {
		if !s.breaker.Allow() {
			s.failInstance(instance, "circuit breaker open", true)
			result.Failed++
			continue
		}

		osID, err := s.notifier.Schedule(instance.FireAt, instance.Content)
		if err != nil {
			s.breaker.RecordFailure()
			s.failInstance(instance, err.Error(), Retryable(err))
			result.Failed++
			continue
		}
		s.breaker.RecordSuccess()
		result.Scheduled++

		rec := ShadowRecord{
			OSID:     osID,
			SpecID:   id,
			SpecKind: id.Kind,
			FireAt:   instance.FireAt,
			Content:  instance.Content,
		}
		newRecords = append(newRecords, rec)

		if s.sink != nil {
			s.sink.onScheduled(DeliveryLogEntry{
				OSID:         osID,
				Kind:         id.Kind,
				Status:       StatusScheduled,
				Timestamp:    s.clock.Now(),
				ScheduledFor: instance.FireAt,
			})
		}
	}

	observability.SchedulingDecisions.WithLabelValues(string(id.Kind), "scheduled").Add(float64(result.Scheduled))
	observability.SchedulingDecisions.WithLabelValues(string(id.Kind), "failed").Add(float64(result.Failed))
	observability.NotifierCircuitState.Set(float64(s.breaker.State()))
	if result.Truncated {
		observability.MaterializerTruncations.WithLabelValues(string(id.Kind)).Inc()
	}

	if err := s.persistRecords(ctx, id, newRecords); err != nil {
		return result, fmt.Errorf("persist shadow index for %s/%s: %w", id.Kind, id.EntityID, err)
	}
	observability.ShadowIndexSize.WithLabelValues(string(id.Kind)).Set(float64(s.shadow.count(ctx, id.Kind)))

	return result, nil
}

func (s *SchedulerCore) failInstance(instance FiringInstance, reason string, retryable bool) {
	if s.sink != nil {
		s.sink.onScheduleFailed(instance, reason, retryable)
	}
}

// CancelSpec cancels every OS notification currently scheduled for
// (kind, entityID) and removes its shadow records. entityID == "all"
// cancels every record of that kind (spec.md §4.1's cancelAll sentinel).
func (s *SchedulerCore) CancelSpec(ctx context.Context, kind Kind, entityID string) error {
	if entityID == "all" {
		return s.cancelAllOfKind(ctx, kind)
	}
	return s.cancelLocked(ctx, SpecID{Kind: kind, EntityID: entityID})
}

func (s *SchedulerCore) cancelLocked(ctx context.Context, id SpecID) error {
	existing := s.shadow.recordsFor(ctx, id.Kind, id.EntityID)
	for _, rec := range existing {
		_ = s.notifier.Cancel(rec.OSID) // best-effort; shadow entry is removed regardless
		if s.sink != nil {
			s.sink.onCancelled(ctx, rec.OSID)
		}
	}
	return s.shadow.withKind(ctx, id.Kind, func(m map[string][]ShadowRecord) (map[string][]ShadowRecord, error) {
		delete(m, id.EntityID)
		return m, nil
	})
}

func (s *SchedulerCore) cancelAllOfKind(ctx context.Context, kind Kind) error {
	for _, rec := range s.shadow.allRecords(ctx, kind) {
		_ = s.notifier.Cancel(rec.OSID)
		if s.sink != nil {
			s.sink.onCancelled(ctx, rec.OSID)
		}
	}
	return s.shadow.withKind(ctx, kind, func(m map[string][]ShadowRecord) (map[string][]ShadowRecord, error) {
		return make(map[string][]ShadowRecord), nil
	})
}

func (s *SchedulerCore) persistRecords(ctx context.Context, id SpecID, records []ShadowRecord) error {
	return s.shadow.withKind(ctx, id.Kind, func(m map[string][]ShadowRecord) (map[string][]ShadowRecord, error) {
		if len(records) == 0 {
			delete(m, id.EntityID)
		} else {
			m[id.EntityID] = records
		}
		return m, nil
	})
}

// RescheduleAll re-runs ScheduleSpec for every spec the domain readers
// currently report, used by the Resilience Supervisor after a drift
// detection or a remote-scheduler resync. Specs are processed in a
// stable order (kind, then entityID) so reruns are reproducible.
func (s *SchedulerCore) RescheduleAll(ctx context.Context, specs []ReminderSpec) []ScheduleResult {
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Kind != specs[j].Kind {
			return specs[i].Kind < specs[j].Kind
		}
		return specs[i].EntityID < specs[j].EntityID
	})

	results := make([]ScheduleResult, 0, len(specs))
	for _, spec := range specs {
		r, err := s.ScheduleSpec(ctx, spec)
		if err != nil {
			r.Failed = r.Requested
		}
		results = append(results, r)
	}
	return results
}
