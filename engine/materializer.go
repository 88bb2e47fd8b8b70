package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaterializerConfig holds the forward-expansion knobs from spec.md §6.
type MaterializerConfig struct {
	HorizonDays    int
	MaxPerSpec     int
	WakeAnchor     string // "HH:MM"
	SleepAnchor    string // "HH:MM"
	Location       *time.Location
}

// DefaultMaterializerConfig mirrors spec.md §6's defaults.
func DefaultMaterializerConfig() MaterializerConfig {
	return MaterializerConfig{
		HorizonDays: 3,
		MaxPerSpec:  50,
		WakeAnchor:  "08:00",
		SleepAnchor: "22:00",
		Location:    time.Local,
	}
}

// Materializer expands a ReminderSpec into a finite, sorted list of
// FiringInstances (C7). A single Materializer instance is stateless
// aside from configuration and the Clock it is bound to at
// construction, which it reads on every call so tests can drive it
// deterministically.
type Materializer struct {
	cfg   MaterializerConfig
	clock Clock
}

// NewMaterializer creates a Materializer bound to clock.
func NewMaterializer(cfg MaterializerConfig, clock Clock) *Materializer {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxPerSpec <= 0 {
		cfg.MaxPerSpec = 50
	}
	return &Materializer{cfg: cfg, clock: clock}
}

// MaterializeResult is the output of Materialize: the sorted instance
// list plus whether quota truncation occurred, for the caller to log.
type MaterializeResult struct {
	Instances       []FiringInstance
	Truncated       bool
	TruncatedToZero bool
	AppliedHorizon  int
}

// Materialize dispatches to the per-kind expansion policy.
func (m *Materializer) Materialize(spec ReminderSpec) MaterializeResult {
	now := m.clock.Now()

	var instances []FiringInstance
	result := MaterializeResult{AppliedHorizon: m.cfg.HorizonDays}

	switch spec.Kind {
	case KindTask:
		instances = m.materializeTask(spec, now)
	case KindMeal:
		instances = m.materializeMeal(spec, now)
	case KindMedication:
		result = m.materializeMedication(spec, now)
		instances = result.Instances
	case KindInventoryAlert:
		instances = m.materializeInventoryAlert(spec, now)
	case KindHealthFollowup:
		instances = m.materializeHealthFollowup(spec, now)
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].FireAt.Before(instances[j].FireAt) })
	result.Instances = instances
	return result
}

func specID(spec ReminderSpec) SpecID { return SpecID{Kind: spec.Kind, EntityID: spec.EntityID} }

func (m *Materializer) materializeTask(spec ReminderSpec, now time.Time) []FiringInstance {
	var out []FiringInstance
	for _, lead := range spec.LeadTimes {
		fireAt := spec.ScheduledAt.Add(-time.Duration(lead) * time.Minute)
		if fireAt.After(now) {
			out = append(out, FiringInstance{
				SpecID: specID(spec),
				Kind:   KindTask,
				Role:   RoleLead,
				FireAt: fireAt,
				Content: NotificationContent{
					Title: "Upcoming task",
					Body:  fmt.Sprintf("Due in %d minutes", lead),
					Data:  map[string]string{"type": "task_reminder", "taskId": spec.EntityID, "petId": spec.PetID},
				},
			})
		}
	}
	return out
}

func (m *Materializer) materializeMeal(spec ReminderSpec, now time.Time) []FiringInstance {
	var out []FiringInstance
	if spec.LeadTime > 0 {
		leadAt := spec.At.Add(-time.Duration(spec.LeadTime) * time.Minute)
		if leadAt.After(now) {
			out = append(out, FiringInstance{
				SpecID: specID(spec),
				Kind:   KindMeal,
				Role:   RoleLead,
				FireAt: leadAt,
				Content: NotificationContent{
					Title: "Mealtime coming up",
					Body:  fmt.Sprintf("In %d minutes", spec.LeadTime),
					Data:  map[string]string{"type": "meal_reminder", "mealId": spec.EntityID, "petId": spec.PetID},
				},
			})
		}
	}
	if spec.At.After(now) {
		out = append(out, FiringInstance{
			SpecID: specID(spec),
			Kind:   KindMeal,
			Role:   RoleDose,
			FireAt: spec.At,
			Content: NotificationContent{
				Title: "Mealtime",
				Body:  "Time to feed",
				Data:  map[string]string{"type": "meal_reminder", "mealId": spec.EntityID, "petId": spec.PetID},
			},
		})
	}
	return out
}

func (m *Materializer) materializeInventoryAlert(spec ReminderSpec, now time.Time) []FiringInstance {
	out := []FiringInstance{{
		SpecID: specID(spec),
		Kind:   KindInventoryAlert,
		Role:   RoleDose,
		FireAt: now.Add(time.Second), // "immediate", kept strictly future per invariant
		Content: NotificationContent{
			Title: "Running low on supplies",
			Body:  "Check your food tracker",
			Data:  map[string]string{"type": "inventory_alert", "foodItemId": spec.EntityID, "petId": spec.PetID},
		},
	}}

	if spec.DaysRemaining <= 2 {
		tomorrow := now.AddDate(0, 0, 1)
		urgentAt := atLocalTime(tomorrow, "09:00", m.cfg.Location)
		out = append(out, FiringInstance{
			SpecID: specID(spec),
			Kind:   KindInventoryAlert,
			Role:   RoleUrgent,
			FireAt: urgentAt,
			Content: NotificationContent{
				Title: "Urgent: supplies almost gone",
				Body:  "Restock soon",
				Data:  map[string]string{"type": "inventory_alert", "foodItemId": spec.EntityID, "petId": spec.PetID},
			},
		})
	}
	return out
}

func (m *Materializer) materializeHealthFollowup(spec ReminderSpec, now time.Time) []FiringInstance {
	var out []FiringInstance

	dayBefore := spec.FollowUpAt.AddDate(0, 0, -1)
	reminderAt := atLocalTime(dayBefore, "18:00", m.cfg.Location)
	if reminderAt.After(now) {
		out = append(out, FiringInstance{
			SpecID: specID(spec),
			Kind:   KindHealthFollowup,
			Role:   RoleReminder,
			FireAt: reminderAt,
			Content: NotificationContent{
				Title: "Health follow-up tomorrow",
				Body:  spec.Title,
				Data:  map[string]string{"type": "health_followup", "healthRecordId": spec.EntityID, "petId": spec.PetID},
			},
		})
	}

	doseAt := atLocalTime(spec.FollowUpAt, "09:00", m.cfg.Location)
	if doseAt.After(now) {
		out = append(out, FiringInstance{
			SpecID: specID(spec),
			Kind:   KindHealthFollowup,
			Role:   RoleDose,
			FireAt: doseAt,
			Content: NotificationContent{
				Title: "Health follow-up today",
				Body:  spec.Title,
				Data:  map[string]string{"type": "health_followup", "healthRecordId": spec.EntityID, "petId": spec.PetID},
			},
		})
	}
	return out
}

// materializeMedication is the central case: quota-truncating horizon
// expansion of a recurring dosing schedule.
func (m *Materializer) materializeMedication(spec ReminderSpec, now time.Time) MaterializeResult {
	maxHorizon := m.cfg.HorizonDays
	if maxHorizon <= 0 {
		maxHorizon = 3
	}

	for h := maxHorizon; h > 0; h-- {
		instances := m.expandMedicationWindow(spec, now, h)
		if len(instances) <= m.cfg.MaxPerSpec {
			return MaterializeResult{
				Instances:      instances,
				Truncated:      h < maxHorizon,
				AppliedHorizon: h,
			}
		}
	}

	// Even a one-day horizon overflows the quota: the horizon drops to
	// zero and nothing is emitted, deferring entirely to the next
	// resilience sweep rather than partially truncating a day.
	return MaterializeResult{
		Instances:       nil,
		Truncated:       true,
		TruncatedToZero: true,
		AppliedHorizon:  0,
	}
}

func (m *Materializer) expandMedicationWindow(spec ReminderSpec, now time.Time, horizonDays int) []FiringInstance {
	endDate := spec.EndDate
	if spec.Indefinite || endDate.IsZero() {
		endDate = now.AddDate(10, 0, 0) // effectively unbounded
	}

	windowStart := spec.StartDate
	if now.After(windowStart) {
		windowStart = now
	}

	horizonEnd := now.AddDate(0, 0, horizonDays)
	windowEnd := endDate
	if horizonEnd.Before(windowEnd) {
		windowEnd = horizonEnd
	}

	if windowStart.After(windowEnd) {
		return nil
	}

	dosesPerDay := dosesPerDay(spec.Frequency)
	if dosesPerDay <= 0 {
		return nil
	}

	var out []FiringInstance
	startDay := truncateToDay(windowStart, m.cfg.Location)
	endDay := truncateToDay(windowEnd, m.cfg.Location)

	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		if !medicationDayIncluded(spec, day, dosesPerDay) {
			continue
		}

		times := medicationTimesOfDay(spec, dosesPerDay, m.cfg)
		for _, tod := range times {
			fireAt := atLocalTime(day, tod, m.cfg.Location)
			if fireAt.Before(windowStart) || fireAt.After(windowEnd) {
				continue
			}

			if spec.LeadTime > 0 {
				leadAt := fireAt.Add(-time.Duration(spec.LeadTime) * time.Minute)
				if leadAt.After(now) {
					out = append(out, FiringInstance{
						SpecID: specID(spec),
						Kind:   KindMedication,
						Role:   RoleLead,
						FireAt: leadAt,
						Content: NotificationContent{
							Title: "Medication coming up",
							Body:  fmt.Sprintf("%s in %d minutes", spec.Dosage, spec.LeadTime),
							Data:  map[string]string{"type": "medication_reminder", "medicationId": spec.EntityID, "petId": spec.PetID},
						},
					})
				}
			}

			if fireAt.After(now) {
				out = append(out, FiringInstance{
					SpecID: specID(spec),
					Kind:   KindMedication,
					Role:   RoleDose,
					FireAt: fireAt,
					Content: NotificationContent{
						Title: "Time for medication",
						Body:  spec.Dosage,
						Data:  map[string]string{"type": "medication_reminder", "medicationId": spec.EntityID, "petId": spec.PetID},
					},
				})
			}
		}
	}
	return out
}

// dosesPerDay converts a Frequency into a per-day dose count.
func dosesPerDay(f Frequency) float64 {
	switch f.Period {
	case PeriodDay:
		return f.Times
	case PeriodWeek:
		return f.Times / 7
	case PeriodMonth:
		return f.Times / 30
	default:
		return f.Times
	}
}

// medicationDayIncluded decides whether `day` is a dosing day for spec.
func medicationDayIncluded(spec ReminderSpec, day time.Time, dosesPerDay float64) bool {
	switch spec.Frequency.Period {
	case PeriodDay:
		return true
	case PeriodWeek:
		if spec.Frequency.Times < 1 {
			// Sub-weekly: every ceil(1/times)-th day from start.
			k := int(math.Ceil(1 / spec.Frequency.Times))
			if k <= 0 {
				k = 1
			}
			daysFromStart := daysBetween(spec.StartDate, day)
			return daysFromStart%k == 0
		}
		return day.Weekday() == spec.StartDate.Weekday()
	case PeriodMonth:
		return day.Day() == spec.StartDate.Day()
	default:
		return true
	}
}

func daysBetween(a, b time.Time) int {
	a = truncateToDay(a, a.Location())
	b = truncateToDay(b, b.Location())
	return int(b.Sub(a).Hours() / 24)
}

// medicationTimesOfDay returns the "HH:MM" set for a dosing day:
// spec.SpecificTimes verbatim if given, else dosesPerDay points spread
// linearly between the wake and sleep anchors.
func medicationTimesOfDay(spec ReminderSpec, dosesPerDay float64, cfg MaterializerConfig) []string {
	if len(spec.SpecificTimes) > 0 {
		return spec.SpecificTimes
	}

	n := int(math.Ceil(dosesPerDay))
	if n <= 0 {
		n = 1
	}
	wakeMin := parseHHMM(cfg.WakeAnchor)
	sleepMin := parseHHMM(cfg.SleepAnchor)

	times := make([]string, 0, n)
	if n == 1 {
		times = append(times, formatHHMM(wakeMin))
		return times
	}
	step := float64(sleepMin-wakeMin) / float64(n-1)
	for i := 0; i < n; i++ {
		times = append(times, formatHHMM(wakeMin+int(math.Round(step*float64(i)))))
	}
	return times
}

func parseHHMM(s string) int {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	mi, _ := strconv.Atoi(parts[1])
	return h*60 + mi
}

func formatHHMM(totalMinutes int) string {
	if totalMinutes < 0 {
		totalMinutes = 0
	}
	h := (totalMinutes / 60) % 24
	mi := totalMinutes % 60
	return fmt.Sprintf("%02d:%02d", h, mi)
}

func truncateToDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func atLocalTime(day time.Time, hhmm string, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	day = day.In(loc)
	minutes := parseHHMM(hhmm)
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, loc)
}
