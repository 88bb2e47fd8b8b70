// Package engine implements the reliable reminder delivery engine:
// the Materializer, Scheduler Core, Resilience Supervisor, Delivery
// Tracker, and Retry Queue described for a pet-care application's
// notification subsystem.
package engine

import "time"

// Kind discriminates the five ReminderSpec variants.
type Kind string

const (
	KindTask           Kind = "task"
	KindMedication     Kind = "medication"
	KindMeal           Kind = "meal"
	KindInventoryAlert Kind = "inventoryAlert"
	KindHealthFollowup Kind = "healthFollowup"
)

// Period is a medication frequency period.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// MedicationStatus tracks a medication's lifecycle.
type MedicationStatus string

const (
	MedicationActive       MedicationStatus = "active"
	MedicationCompleted    MedicationStatus = "completed"
	MedicationDiscontinued MedicationStatus = "discontinued"
)

// Frequency describes how often a medication is taken.
type Frequency struct {
	Times  float64 // doses per Period; below 1 with PeriodWeek, every ceil(1/Times)-th day from StartDate is a dosing day
	Period Period
}

// ReminderSpec is a tagged union over the five reminder kinds. Only
// the fields relevant to Kind are populated; Go has no sum types, so
// this mirrors spec.md's "tagged variants over inheritance" directive
// with a single flat struct rather than a class-per-kind hierarchy.
type ReminderSpec struct {
	Kind     Kind
	EntityID string
	PetID    string
	Enabled  bool

	RemindersEnabled bool // part of ReminderSettings, flattened

	// task
	ScheduledAt time.Time
	LeadTimes   []int // minutes before ScheduledAt, in any order (instances are sorted by FireAt)
	Priority    string

	// medication
	StartDate     time.Time
	EndDate       time.Time // zero value means indefinite
	Indefinite    bool
	Frequency     Frequency
	SpecificTimes []string // "HH:MM", 24h
	LeadTime      int       // minutes before each dose
	Dosage        string
	Status        MedicationStatus

	// meal
	At time.Time
	// LeadTime reused for meal's lead time

	// inventoryAlert
	CurrentAmount     float64
	LowStockThreshold float64
	DaysRemaining     int

	// healthFollowup
	FollowUpAt       time.Time
	FollowupType     string
	Title            string
	Completed        bool
}

// SpecID is the (kind, entityId) key ShadowRecords and retries are
// grouped by.
type SpecID struct {
	Kind     Kind
	EntityID string
}

// Role describes why a FiringInstance exists.
type Role string

const (
	RoleLead    Role = "lead"
	RoleDose    Role = "dose"
	RoleReminder Role = "reminder"
	RoleUrgent  Role = "urgent"
)

// NotificationContent is what the Platform Notifier actually displays.
type NotificationContent struct {
	Title string
	Body  string
	Data  map[string]string
}

// FiringInstance is one concrete moment the Materializer wants a
// notification delivered at. Invariant: FireAt > now at emission time.
type FiringInstance struct {
	SpecID  SpecID
	Kind    Kind
	Role    Role
	FireAt  time.Time
	Content NotificationContent
}

// ShadowRecord is the engine's persisted mirror of what it has asked
// the Platform Notifier to schedule.
type ShadowRecord struct {
	OSID     string
	SpecID   SpecID
	SpecKind Kind
	FireAt   time.Time
	Content  NotificationContent
}

// DeliveryStatus is the lifecycle state of one OSID's notification.
type DeliveryStatus string

const (
	StatusScheduled  DeliveryStatus = "scheduled"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
	StatusCancelled  DeliveryStatus = "cancelled"
	StatusInteracted DeliveryStatus = "interacted"
)

// DeliveryLogEntry is one append-only record of a scheduling/delivery
// lifecycle event.
type DeliveryLogEntry struct {
	OSID          string
	Kind          Kind
	Status        DeliveryStatus
	Timestamp     time.Time
	ScheduledFor  time.Time
	DeliveredAt   time.Time
	FailureReason string
	Meta          map[string]string
}

// DeliveryStats is the projection recomputed on every DeliveryTracker mutation.
type DeliveryStats struct {
	TotalScheduled  int
	TotalDelivered  int
	TotalFailed     int
	TotalCancelled  int
	TotalInteracted int
	DeliveryRate    float64
	InteractionRate float64
	LastUpdatedAt   time.Time
}

// RetryConfig controls the exponential-backoff retry queue.
type RetryConfig struct {
	Enabled             bool
	MaxAttempts         int
	InitialDelayMinutes int
	BackoffMultiplier   float64
	MaxDelayHours       int
	RetryTimeoutHours   int
}

// DefaultRetryConfig mirrors spec.md §4.5's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:             true,
		MaxAttempts:         3,
		InitialDelayMinutes: 5,
		BackoffMultiplier:   2,
		MaxDelayHours:       24,
		RetryTimeoutHours:   72,
	}
}

// RetryEntry is a failed scheduling attempt awaiting reattempt.
type RetryEntry struct {
	ID             string
	OriginalOSID   string
	Kind           Kind
	SpecID         SpecID
	Content        NotificationContent
	OriginalFireAt time.Time
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  time.Time
	Backoff        time.Duration
	CreatedAt      time.Time
	LastAttemptAt  time.Time
	FailureReasons []string
}

// DueAt satisfies engine/scheduler.TimeItem so RetryEntry can live in a TimeQueue.
func (r *RetryEntry) DueAt() time.Time { return r.NextAttemptAt }

// RetryQueueStatus is a snapshot of the retry queue for stats().
type RetryQueueStatus struct {
	Enabled      bool
	PendingCount int
	OldestEntry  time.Time
}

// Priority for critical-mirror selection.
type Priority string

const (
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// CriticalMirrorRecord is a near-term high-priority reminder mirrored
// to the server-side backup channel.
type CriticalMirrorRecord struct {
	ID                string
	Kind              Kind
	EntityID          string
	PetID             string
	ScheduledFor      time.Time
	Priority          Priority
	Content           NotificationContent
	UserID            string
	PushToken         string
	NotificationCount int
	MaxNotifications  int
	LastNotifiedAt    time.Time
	Mirrored          bool // acknowledged by the remote scheduler
	RemoteTicketID    string
}

// RemoteNotificationStats is the remote scheduler's view of a user's
// notification activity, returned by GetNotificationStats.
type RemoteNotificationStats struct {
	Pending int
	Sent    int
	Failed  int
	Total   int
}

// PushToken identifies the device/session for the remote scheduler.
type PushToken struct {
	Token         string
	Platform      string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// DeepLinkIntent is what onNotificationTap resolves a payload to.
type DeepLinkIntent struct {
	Screen string
	Params map[string]string
}

// NotificationTapPayload is the data bundle the OS hands back on tap.
type NotificationTapPayload struct {
	Type          string
	OSID          string
	MedicationID  string
	TaskID        string
	MealID        string
	FoodItemID    string
	HealthRecordID string
	PetID         string
}
