package engine

import "context"

// ScheduleTask schedules (or re-schedules) a task's lead-time reminders.
func (e *Engine) ScheduleTask(ctx context.Context, t Task) (ScheduleResult, error) {
	return e.core.ScheduleSpec(ctx, ReminderSpec{
		Kind: KindTask, EntityID: t.ID, PetID: t.PetID, Enabled: t.Enabled,
		RemindersEnabled: true, ScheduledAt: t.ScheduledAt, LeadTimes: t.LeadTimes, Priority: t.Priority,
	})
}

// ScheduleMedication schedules (or re-schedules) a medication's dose reminders.
func (e *Engine) ScheduleMedication(ctx context.Context, m Medication) (ScheduleResult, error) {
	return e.core.ScheduleSpec(ctx, ReminderSpec{
		Kind: KindMedication, EntityID: m.ID, PetID: m.PetID, Enabled: m.Status == MedicationActive,
		RemindersEnabled: m.RemindersEnabled, StartDate: m.StartDate, EndDate: m.EndDate, Indefinite: m.Indefinite,
		Frequency: m.Frequency, SpecificTimes: m.SpecificTimes, LeadTime: m.LeadTime, Dosage: m.Dosage, Status: m.Status,
	})
}

// ScheduleMeal schedules (or re-schedules) a meal's lead/dose reminders.
func (e *Engine) ScheduleMeal(ctx context.Context, m Meal) (ScheduleResult, error) {
	return e.core.ScheduleSpec(ctx, ReminderSpec{
		Kind: KindMeal, EntityID: m.ID, PetID: m.PetID, Enabled: m.Enabled,
		RemindersEnabled: true, At: m.At, LeadTime: m.LeadTime,
	})
}

// ScheduleInventoryAlert schedules (or re-schedules) a low-stock alert.
func (e *Engine) ScheduleInventoryAlert(ctx context.Context, i InventoryItem) (ScheduleResult, error) {
	return e.core.ScheduleSpec(ctx, ReminderSpec{
		Kind: KindInventoryAlert, EntityID: i.ID, PetID: i.PetID, Enabled: true,
		RemindersEnabled: true, CurrentAmount: i.CurrentAmount, LowStockThreshold: i.LowStockThreshold, DaysRemaining: i.DaysRemaining,
	})
}

// ScheduleHealthFollowup schedules (or re-schedules) a vet follow-up reminder.
func (e *Engine) ScheduleHealthFollowup(ctx context.Context, f HealthFollowup) (ScheduleResult, error) {
	return e.core.ScheduleSpec(ctx, ReminderSpec{
		Kind: KindHealthFollowup, EntityID: f.ID, PetID: f.PetID, Enabled: !f.Completed,
		RemindersEnabled: true, FollowUpAt: f.FollowUpAt, FollowupType: f.FollowupType, Title: f.Title, Completed: f.Completed,
	})
}

// Cancel cancels every ShadowRecord for (kind, entityID). entityID may
// be "all" to cancel every record of that kind.
func (e *Engine) Cancel(ctx context.Context, kind Kind, entityID string) error {
	return e.core.CancelSpec(ctx, kind, entityID)
}

// RescheduleAll re-derives every ReminderSpec from the domain readers
// and reschedules them all, used after a detected drift or on demand
// from the host app.
func (e *Engine) RescheduleAll(ctx context.Context) ([]ScheduleResult, error) {
	return e.resilience.RescheduleAll(ctx)
}

// Stats returns the current DeliveryStats and RetryQueueStatus.
func (e *Engine) Stats(ctx context.Context) (DeliveryStats, RetryQueueStatus) {
	return e.tracker.Stats(ctx), e.retry.Status()
}

// HasPermission reports whether the Platform Notifier currently has
// notification permission.
func (e *Engine) HasPermission() bool {
	return e.notifier.HasPermission()
}

// RequestPermission asks the Platform Notifier to request permission,
// returning the resulting grant state.
func (e *Engine) RequestPermission() bool {
	return e.notifier.RequestPermission()
}

// OnForegroundEntry delegates to the Resilience Supervisor.
func (e *Engine) OnForegroundEntry(ctx context.Context) error {
	return e.resilience.OnForegroundEntry(ctx)
}

// OnBackgroundEntry delegates to the Resilience Supervisor.
func (e *Engine) OnBackgroundEntry(ctx context.Context) error {
	return e.resilience.OnBackgroundEntry(ctx)
}

// OnNotificationTap records the tap as an interaction and resolves the
// payload to a deep-link intent for the host app to navigate to.
func (e *Engine) OnNotificationTap(ctx context.Context, payload NotificationTapPayload) DeepLinkIntent {
	e.tracker.OnInteracted(ctx, payload.OSID)
	return deepLinkFor(payload)
}

func deepLinkFor(p NotificationTapPayload) DeepLinkIntent {
	switch Kind(p.Type) {
	case KindTask:
		return DeepLinkIntent{Screen: "Schedule", Params: map[string]string{"taskId": p.TaskID, "petId": p.PetID}}
	case KindMedication:
		return DeepLinkIntent{Screen: "Health", Params: map[string]string{"tab": "medications", "medicationId": p.MedicationID, "petId": p.PetID}}
	case KindMeal:
		return DeepLinkIntent{Screen: "Feeding", Params: map[string]string{"mealId": p.MealID, "petId": p.PetID}}
	case KindInventoryAlert:
		return DeepLinkIntent{Screen: "FoodTracker", Params: map[string]string{"foodItemId": p.FoodItemID, "petId": p.PetID}}
	case KindHealthFollowup:
		return DeepLinkIntent{Screen: "Health", Params: map[string]string{"tab": "health-records", "healthRecordId": p.HealthRecordID, "petId": p.PetID}}
	default:
		return DeepLinkIntent{Screen: "Home"}
	}
}

// CriticalMirrorRecords exposes the current Critical Mirror state for
// the ops surface.
func (e *Engine) CriticalMirrorRecords(ctx context.Context) []CriticalMirrorRecord {
	return e.critical.Records(ctx)
}

// RemoteNotificationStats fetches the Remote Scheduler's view of the
// current user's notification activity (C5's getNotificationStats).
func (e *Engine) RemoteNotificationStats(ctx context.Context) (RemoteNotificationStats, error) {
	return e.critical.RemoteStats(ctx)
}
