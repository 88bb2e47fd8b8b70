package engine

import "time"

// DeliveryIncidentReport aggregates everything known about a
// notification that failed to deliver, for surfacing on the ops
// dashboard or attaching to a support ticket.
type DeliveryIncidentReport struct {
	OSID           string
	SpecID         SpecID
	ScheduledFor   time.Time
	FailureReasons []string
	RetryAttempts  int
	NextAttemptAt  time.Time
	CircuitOpen    bool
	CapturedAt     time.Time
}

// CaptureIncident builds a DeliveryIncidentReport for osID by
// correlating the Delivery Tracker's log entry with any matching entry
// still live in the Retry Queue.
func CaptureIncident(clock Clock, tracker *DeliveryTracker, retry *RetryQueue, osID string) DeliveryIncidentReport {
	report := DeliveryIncidentReport{OSID: osID, CapturedAt: clock.Now()}

	tracker.mu.Lock()
	if e, ok := tracker.byOSID[osID]; ok {
		report.ScheduledFor = e.ScheduledFor
		if e.FailureReason != "" {
			report.FailureReasons = append(report.FailureReasons, e.FailureReason)
		}
	}
	tracker.mu.Unlock()

	if retry != nil {
		retry.mu.Lock()
		for _, entry := range retry.byID {
			if entry.OriginalOSID == osID {
				report.SpecID = entry.SpecID
				report.RetryAttempts = entry.Attempts
				report.NextAttemptAt = entry.NextAttemptAt
				report.FailureReasons = append(report.FailureReasons, entry.FailureReasons...)
			}
		}
		retry.mu.Unlock()
	}

	return report
}
