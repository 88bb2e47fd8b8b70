package engine

import (
	"fmt"
	"sync"
	"time"
)

// Notifier is the Platform Notifier contract (C3): a thin capability
// abstraction over the OS scheduled-notification facility. The engine
// never assumes guaranteed delivery through this interface — every
// scheduled notification is tracked via the Delivery Tracker and
// backstopped by the Critical Mirror.
type Notifier interface {
	// Schedule asks the OS to deliver content at fireAt. A zero fireAt
	// means "now". Returns the OS-assigned id.
	Schedule(fireAt time.Time, content NotificationContent) (osID string, err error)
	Cancel(osID string) error
	CancelAll() error
	OutstandingCount() (int, error)
	HasPermission() bool
	RequestPermission() bool
}

// LocalNotifier is an in-process stand-in for the OS notification
// facility. Each fire delay is computed against its Clock, but the
// firing itself runs on a wall-time timer (time.AfterFunc), so with a
// ManualClock a notification fires after the real elapsed delay, not
// when the clock is advanced. Production builds of a host app
// substitute a real platform binding here; this implementation is
// also sufficient for a headless companion-service deployment where
// "delivery" means handing off to the Remote Scheduler Client.
type LocalNotifier struct {
	mu          sync.Mutex
	clock       Clock
	permission  bool
	scheduled   map[string]time.Time
	nextID      int
	onFire      func(osID string, content NotificationContent)
}

// NewLocalNotifier creates a LocalNotifier. onFire, if non-nil, is
// invoked (synchronously, from a background goroutine) when a
// scheduled instant is reached; pass nil to just track state.
func NewLocalNotifier(clock Clock, permission bool, onFire func(string, NotificationContent)) *LocalNotifier {
	return &LocalNotifier{
		clock:      clock,
		permission: permission,
		scheduled:  make(map[string]time.Time),
		onFire:     onFire,
	}
}

func (n *LocalNotifier) Schedule(fireAt time.Time, content NotificationContent) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.permission {
		return "", ErrPermissionDenied
	}

	n.nextID++
	osID := fmt.Sprintf("local-%d", n.nextID)
	n.scheduled[osID] = fireAt

	if n.onFire != nil {
		delay := fireAt.Sub(n.clock.Now())
		if delay < 0 {
			delay = 0
		}
		time.AfterFunc(delay, func() {
			n.mu.Lock()
			_, stillScheduled := n.scheduled[osID]
			delete(n.scheduled, osID)
			n.mu.Unlock()
			if stillScheduled {
				n.onFire(osID, content)
			}
		})
	}

	return osID, nil
}

func (n *LocalNotifier) Cancel(osID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.scheduled, osID)
	return nil
}

func (n *LocalNotifier) CancelAll() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scheduled = make(map[string]time.Time)
	return nil
}

func (n *LocalNotifier) OutstandingCount() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.scheduled), nil
}

func (n *LocalNotifier) HasPermission() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

func (n *LocalNotifier) RequestPermission() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.permission = true
	return n.permission
}
