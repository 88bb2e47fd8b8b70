package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pawsync/reminderengine/engine/observability"
	"github.com/pawsync/reminderengine/engine/store"
)

// criticalMirrorWindow is how far ahead a reminder must be due to be
// eligible for mirroring to the remote backup channel.
const criticalMirrorWindow = 24 * time.Hour

// CriticalMirror is the Critical-Reminder Mirror (C12): it selects
// near-term, high-priority medications and tasks and hands them to the
// Remote Scheduler Client so they still fire if local scheduling
// fails entirely (device off, app killed, OS quota exhausted).
type CriticalMirror struct {
	kv        store.KVStore
	clock     Clock
	remote    RemoteScheduler
	userID    string
	pushToken string

	mu      sync.Mutex
	records map[string]*CriticalMirrorRecord
	loaded  bool
}

// NewCriticalMirror creates a CriticalMirror. userID/pushToken identify
// the signed-in device/session to the remote scheduler (spec.md §5's
// global process-wide push token), carried on every mirrored record.
func NewCriticalMirror(kv store.KVStore, clock Clock, remote RemoteScheduler, userID, pushToken string) *CriticalMirror {
	return &CriticalMirror{kv: kv, clock: clock, remote: remote, userID: userID, pushToken: pushToken, records: make(map[string]*CriticalMirrorRecord)}
}

// RemoteStats fetches the remote scheduler's notification-activity
// view for the current user, for the ops surface.
func (c *CriticalMirror) RemoteStats(ctx context.Context) (RemoteNotificationStats, error) {
	return c.remote.GetNotificationStats(ctx, c.userID)
}

type persistedCriticalMirror struct {
	Records []*CriticalMirrorRecord
}

func (c *CriticalMirror) ensureLoaded(ctx context.Context) {
	if c.loaded {
		return
	}
	c.loaded = true

	raw, err := c.kv.Get(ctx, store.KeyCriticalBackup)
	if err != nil {
		return
	}
	var p persistedCriticalMirror
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	for _, r := range p.Records {
		c.records[r.ID] = r
	}
}

func (c *CriticalMirror) persist(ctx context.Context) error {
	recs := make([]*CriticalMirrorRecord, 0, len(c.records))
	for _, r := range c.records {
		recs = append(recs, r)
	}
	raw, err := json.Marshal(persistedCriticalMirror{Records: recs})
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, store.KeyCriticalBackup, raw)
}

// isCriticalCandidate reports whether a spec's priority/kind makes it
// eligible for mirroring at all, independent of timing.
func isCriticalCandidate(spec ReminderSpec) bool {
	switch spec.Kind {
	case KindMedication:
		return spec.Status == MedicationActive && spec.RemindersEnabled
	case KindTask:
		return spec.Priority == "high" && spec.RemindersEnabled
	default:
		return false
	}
}

// Refresh re-selects the set of near-term critical reminders from the
// given specs/instances and mirrors any newly-eligible ones to the
// remote scheduler. Instances already mirrored and still pending are
// left untouched; instances no longer near-term or no longer present
// are dropped and, if already mirrored, cancelled remotely.
func (c *CriticalMirror) Refresh(ctx context.Context, specs []ReminderSpec, instancesBySpec map[SpecID][]FiringInstance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded(ctx)

	now := c.clock.Now()
	horizon := now.Add(criticalMirrorWindow)

	wanted := make(map[string]CriticalMirrorRecord)
	for _, spec := range specs {
		if !isCriticalCandidate(spec) {
			continue
		}
		for _, inst := range instancesBySpec[specID(spec)] {
			if inst.FireAt.After(horizon) {
				continue
			}
			id := fmt.Sprintf("%s/%s/%d", inst.SpecID.Kind, inst.SpecID.EntityID, inst.FireAt.Unix())
			maxNotifications := 2
			if spec.Kind == KindMedication {
				maxNotifications = 3
			}
			wanted[id] = CriticalMirrorRecord{
				ID:               id,
				Kind:             inst.SpecID.Kind,
				EntityID:         inst.SpecID.EntityID,
				PetID:            spec.PetID,
				ScheduledFor:     inst.FireAt,
				Priority:         PriorityCritical,
				Content:          inst.Content,
				UserID:           c.userID,
				PushToken:        c.pushToken,
				MaxNotifications: maxNotifications,
			}
		}
	}

	for id, w := range wanted {
		if _, ok := c.records[id]; ok {
			continue
		}
		rec := w
		ticketID, err := c.remote.ScheduleNotification(ctx, rec)
		if err != nil {
			rec.Mirrored = false
		} else {
			rec.Mirrored = true
			rec.RemoteTicketID = ticketID
		}
		c.records[id] = &rec
	}

	for id, rec := range c.records {
		if _, stillWanted := wanted[id]; stillWanted {
			continue
		}
		if rec.Mirrored {
			_ = c.remote.CancelNotification(ctx, rec.RemoteTicketID)
		}
		delete(c.records, id)
	}

	unsynced := 0
	for _, rec := range c.records {
		if !rec.Mirrored {
			unsynced++
		}
	}
	observability.CriticalMirrorUnsynced.Set(float64(unsynced))

	return c.persist(ctx)
}

// RetryUnsynced re-attempts ScheduleNotification for every record that
// failed to mirror on a previous Refresh, used by the Resilience
// Supervisor's periodic sweep.
func (c *CriticalMirror) RetryUnsynced(ctx context.Context) (succeeded int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded(ctx)

	for _, rec := range c.records {
		if rec.Mirrored {
			continue
		}
		ticketID, serr := c.remote.ScheduleNotification(ctx, *rec)
		if serr != nil {
			continue
		}
		rec.Mirrored = true
		rec.RemoteTicketID = ticketID
		succeeded++
	}

	if succeeded > 0 {
		if perr := c.persist(ctx); perr != nil {
			return succeeded, perr
		}
	}
	return succeeded, nil
}

// Records returns a snapshot of every record the mirror currently
// holds, whether or not the remote scheduler has acknowledged it,
// sorted by ScheduledFor, for the ops surface.
func (c *CriticalMirror) Records(ctx context.Context) []CriticalMirrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded(ctx)

	out := make([]CriticalMirrorRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out
}
