package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pawsync/reminderengine/engine/scheduler"
	"github.com/pawsync/reminderengine/engine/store"
)

// backgroundWakeInterval mirrors C4's "min interval ~15 min" OS wake
// cadence.
const backgroundWakeInterval = 15 * time.Minute

const healthCheckInterval = time.Hour

// Config bundles everything the Engine needs at construction time. It
// is an explicit, constructed object per spec.md §9: nothing here is
// built lazily off a package-level singleton.
type Config struct {
	KV              store.KVStore
	Clock           Clock // nil defaults to SystemClock{}
	Notifier        Notifier
	Domain          DomainReader
	Remote          RemoteScheduler // nil disables the Critical Mirror's remote handoff
	UserID          string          // identifies the signed-in user to the Remote Scheduler
	PushToken       string          // the device's current push token (spec.md §5 global state)
	Materializer    MaterializerConfig
	Retry           RetryConfig
	CircuitBreakerFailureThreshold int // 0 uses the CircuitBreaker default
}

// Engine is the assembled reminder delivery system: every component
// (C1-C13) wired together behind the Public API in api.go.
type Engine struct {
	clock    Clock
	kv       store.KVStore
	notifier Notifier
	domain   DomainReader
	remote   RemoteScheduler

	mat        *Materializer
	shadow     *shadowIndex
	tracker    *DeliveryTracker
	retry      *RetryQueue
	core       *SchedulerCore
	critical   *CriticalMirror
	resilience *ResilienceSupervisor

	stopBackground func()
	stopHealth     func()
}

// New assembles an Engine from cfg but does not start any background
// activity or touch the KV store; call Initialize for that.
func New(cfg Config) (*Engine, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("engine: Config.KV is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("engine: Config.Notifier is required")
	}
	if cfg.Domain == nil {
		return nil, fmt.Errorf("engine: Config.Domain is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	remote := cfg.Remote
	if remote == nil {
		remote = noopRemoteScheduler{}
	}

	mat := NewMaterializer(cfg.Materializer, clock)
	shadow := newShadowIndex(cfg.KV)
	breaker := scheduler.NewCircuitBreaker(cfg.CircuitBreakerFailureThreshold)

	retryCfg := cfg.Retry
	if retryCfg == (RetryConfig{}) {
		retryCfg = DefaultRetryConfig()
	}

	tracker := NewDeliveryTracker(cfg.KV, clock, nil)
	retryQueue := NewRetryQueue(cfg.KV, clock, cfg.Notifier, tracker, retryCfg)
	tracker.SetRetryQueue(retryQueue)

	core := NewSchedulerCore(clock, cfg.Notifier, shadow, mat, breaker, tracker)
	critical := NewCriticalMirror(cfg.KV, clock, remote, cfg.UserID, cfg.PushToken)
	resilience := NewResilienceSupervisor(cfg.KV, clock, cfg.Domain, mat, core, shadow, tracker, retryQueue, critical)

	return &Engine{
		clock:      clock,
		kv:         cfg.KV,
		notifier:   cfg.Notifier,
		domain:     cfg.Domain,
		remote:     remote,
		mat:        mat,
		shadow:     shadow,
		tracker:    tracker,
		retry:      retryQueue,
		core:       core,
		critical:   critical,
		resilience: resilience,
	}, nil
}

// Initialize loads persisted state, runs restart detection (a detected
// restart, or a first run with no restart sentinel yet, triggers a full
// rescheduleAll), and starts the periodic background
// wake and hourly health-check loops. Call once per process lifetime.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.retry.LoadState(ctx); err != nil {
		return fmt.Errorf("engine: load retry queue state: %w", err)
	}

	if _, err := e.resilience.Initialize(ctx); err != nil {
		return fmt.Errorf("engine: restart detection: %w", err)
	}

	e.stopBackground = e.resilience.Start(ctx, backgroundWakeInterval)
	e.stopHealth = e.startHealthCheckLoop(ctx)

	return nil
}

func (e *Engine) startHealthCheckLoop(ctx context.Context) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				_ = e.resilience.RunHealthCheck(ctx)
			}
		}
	}()
	return func() { close(stopCh) }
}

// Cleanup stops all background activity. The Engine's persisted state
// remains intact for the next Initialize call.
func (e *Engine) Cleanup() {
	if e.stopBackground != nil {
		e.stopBackground()
	}
	if e.stopHealth != nil {
		e.stopHealth()
	}
}

// noopRemoteScheduler is used when no remote backend is configured:
// the Critical Mirror still runs, but every record stays unsynced.
type noopRemoteScheduler struct{}

func (noopRemoteScheduler) ScheduleNotification(context.Context, CriticalMirrorRecord) (string, error) {
	return "", fmt.Errorf("engine: no remote scheduler configured")
}
func (noopRemoteScheduler) SendImmediateNotification(context.Context, CriticalMirrorRecord) error {
	return fmt.Errorf("engine: no remote scheduler configured")
}
func (noopRemoteScheduler) CancelNotification(context.Context, string) error { return nil }
func (noopRemoteScheduler) GetNotificationStats(context.Context, string) (RemoteNotificationStats, error) {
	return RemoteNotificationStats{}, nil
}
