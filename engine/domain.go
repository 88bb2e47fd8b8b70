package engine

import (
	"sync"
	"time"
)

// Medication mirrors the subset of a pet's medication record the
// engine needs to materialize and reconcile reminders.
type Medication struct {
	ID        string
	PetID     string
	Name      string
	Dosage    string
	StartDate time.Time
	EndDate   time.Time
	Indefinite bool
	Frequency Frequency
	SpecificTimes []string
	LeadTime  int
	Status    MedicationStatus
	RemindersEnabled bool
}

// Task mirrors a scheduled one-off or recurring pet-care task.
type Task struct {
	ID          string
	PetID       string
	Title       string
	ScheduledAt time.Time
	LeadTimes   []int
	Priority    string
	Enabled     bool
}

// Meal mirrors a scheduled feeding.
type Meal struct {
	ID       string
	PetID    string
	At       time.Time
	LeadTime int
	Enabled  bool
}

// InventoryItem mirrors a trackable pet-care supply.
type InventoryItem struct {
	ID                string
	PetID             string
	Name              string
	CurrentAmount     float64
	LowStockThreshold float64
	DaysRemaining     int
}

// HealthFollowup mirrors a scheduled vet follow-up.
type HealthFollowup struct {
	ID           string
	PetID        string
	Title        string
	FollowUpAt   time.Time
	FollowupType string
	Completed    bool
}

// DomainReader is the Domain Readers contract (C6): the engine's only
// window into the host application's actual pet-care data. The List
// methods take no "now" argument, so each implementation decides what
// "now" is (MemoryDomainReader uses wall time); only
// ReconcileExpiredMedications receives now from the engine's Clock.
type DomainReader interface {
	ListActiveMedications() ([]Medication, error)
	ListPendingTasks(withinDays int) ([]Task, error)
	ListUpcomingMeals(withinDays int) ([]Meal, error)
	ListLowStockItems() ([]InventoryItem, error)
	ListPendingHealthFollowups(withinDays int) ([]HealthFollowup, error)

	// ReconcileExpiredMedications flips medications whose EndDate has
	// passed to MedicationCompleted and returns how many were updated.
	ReconcileExpiredMedications(now time.Time) (int, error)
}

// specsFromDomain converts every domain entity the host reports into
// the flat ReminderSpec shape the Materializer and Scheduler Core
// operate on. Disabled entities and entities with reminders turned off
// are omitted entirely, matching spec.md §4's "nothing to schedule" case.
func specsFromDomain(r DomainReader) ([]ReminderSpec, error) {
	var specs []ReminderSpec

	meds, err := r.ListActiveMedications()
	if err != nil {
		return nil, err
	}
	for _, m := range meds {
		if !m.RemindersEnabled || m.Status != MedicationActive {
			continue
		}
		specs = append(specs, ReminderSpec{
			Kind:          KindMedication,
			EntityID:      m.ID,
			PetID:         m.PetID,
			Enabled:       true,
			RemindersEnabled: true,
			StartDate:     m.StartDate,
			EndDate:       m.EndDate,
			Indefinite:    m.Indefinite,
			Frequency:     m.Frequency,
			SpecificTimes: m.SpecificTimes,
			LeadTime:      m.LeadTime,
			Dosage:        m.Dosage,
			Status:        m.Status,
		})
	}

	tasks, err := r.ListPendingTasks(365)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		specs = append(specs, ReminderSpec{
			Kind:        KindTask,
			EntityID:    t.ID,
			PetID:       t.PetID,
			Enabled:     true,
			RemindersEnabled: true,
			ScheduledAt: t.ScheduledAt,
			LeadTimes:   t.LeadTimes,
			Priority:    t.Priority,
		})
	}

	meals, err := r.ListUpcomingMeals(30)
	if err != nil {
		return nil, err
	}
	for _, m := range meals {
		if !m.Enabled {
			continue
		}
		specs = append(specs, ReminderSpec{
			Kind:     KindMeal,
			EntityID: m.ID,
			PetID:    m.PetID,
			Enabled:  true,
			At:       m.At,
			LeadTime: m.LeadTime,
		})
	}

	items, err := r.ListLowStockItems()
	if err != nil {
		return nil, err
	}
	for _, i := range items {
		specs = append(specs, ReminderSpec{
			Kind:              KindInventoryAlert,
			EntityID:          i.ID,
			PetID:             i.PetID,
			Enabled:           true,
			CurrentAmount:     i.CurrentAmount,
			LowStockThreshold: i.LowStockThreshold,
			DaysRemaining:     i.DaysRemaining,
		})
	}

	followups, err := r.ListPendingHealthFollowups(90)
	if err != nil {
		return nil, err
	}
	for _, f := range followups {
		if f.Completed {
			continue
		}
		specs = append(specs, ReminderSpec{
			Kind:         KindHealthFollowup,
			EntityID:     f.ID,
			PetID:        f.PetID,
			Enabled:      true,
			FollowUpAt:   f.FollowUpAt,
			FollowupType: f.FollowupType,
			Title:        f.Title,
			Completed:    f.Completed,
		})
	}

	return specs, nil
}

// MemoryDomainReader is a reference DomainReader backed by in-process
// slices, useful for tests and for running the engine standalone
// without a real pet-care application behind it.
type MemoryDomainReader struct {
	mu         sync.Mutex
	Medications []Medication
	Tasks       []Task
	Meals       []Meal
	Inventory   []InventoryItem
	Followups   []HealthFollowup
}

// NewMemoryDomainReader creates an empty MemoryDomainReader.
func NewMemoryDomainReader() *MemoryDomainReader {
	return &MemoryDomainReader{}
}

func (r *MemoryDomainReader) ListActiveMedications() ([]Medication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Medication, 0, len(r.Medications))
	for _, m := range r.Medications {
		if m.Status == MedicationActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryDomainReader) ListPendingTasks(withinDays int) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Duration(withinDays) * 24 * time.Hour
	out := make([]Task, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		if time.Until(t.ScheduledAt) <= cutoff {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryDomainReader) ListUpcomingMeals(withinDays int) ([]Meal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Duration(withinDays) * 24 * time.Hour
	out := make([]Meal, 0, len(r.Meals))
	for _, m := range r.Meals {
		if time.Until(m.At) <= cutoff {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryDomainReader) ListLowStockItems() ([]InventoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InventoryItem, 0, len(r.Inventory))
	for _, i := range r.Inventory {
		if i.CurrentAmount <= i.LowStockThreshold {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *MemoryDomainReader) ListPendingHealthFollowups(withinDays int) ([]HealthFollowup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Duration(withinDays) * 24 * time.Hour
	out := make([]HealthFollowup, 0, len(r.Followups))
	for _, f := range r.Followups {
		if !f.Completed && time.Until(f.FollowUpAt) <= cutoff {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *MemoryDomainReader) ReconcileExpiredMedications(now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i := range r.Medications {
		m := &r.Medications[i]
		if m.Status == MedicationActive && !m.Indefinite && !m.EndDate.IsZero() && m.EndDate.Before(now) {
			m.Status = MedicationCompleted
			count++
		}
	}
	return count, nil
}
