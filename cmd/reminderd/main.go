package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pawsync/reminderengine/engine"
	"github.com/pawsync/reminderengine/engine/idempotency"
	"github.com/pawsync/reminderengine/engine/store"
)

// newKVStore picks a KVStore backend from REMINDERD_KV_BACKEND
// ("memory", "redis", "postgres"), defaulting to "memory" for a
// single-device/dev deployment.
func newKVStore(ctx context.Context) (store.KVStore, error) {
	switch backend := os.Getenv("REMINDERD_KV_BACKEND"); backend {
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		log.Printf("using redis kv store at %s", addr)
		return store.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0)
	case "postgres":
		connString := os.Getenv("DATABASE_URL")
		if connString == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for REMINDERD_KV_BACKEND=postgres")
		}
		log.Printf("using postgres kv store")
		return store.NewPostgresStore(ctx, connString)
	case "", "memory":
		log.Printf("using in-memory kv store (state does not survive a restart)")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown REMINDERD_KV_BACKEND %q", backend)
	}
}

func newRemoteScheduler() engine.RemoteScheduler {
	baseURL := os.Getenv("REMOTE_SCHEDULER_URL")
	if baseURL == "" {
		log.Printf("REMOTE_SCHEDULER_URL not set, critical-reminder mirror will stay unsynced")
		return nil
	}
	token := os.Getenv("REMOTE_SCHEDULER_TOKEN")
	return engine.NewHTTPRemoteScheduler(baseURL, token, 5, 10)
}

func main() {
	ctx := context.Background()

	kv, err := newKVStore(ctx)
	if err != nil {
		log.Fatalf("failed to initialize kv store: %v", err)
	}
	defer kv.Close()

	clock := engine.SystemClock{}
	notifier := engine.NewLocalNotifier(clock, true, func(osID string, content engine.NotificationContent) {
		log.Printf("notification fired: osId=%s title=%q", osID, content.Title)
	})
	domain := engine.NewMemoryDomainReader()

	eng, err := engine.New(engine.Config{
		KV:           kv,
		Clock:        clock,
		Notifier:     notifier,
		Domain:       domain,
		Remote:       newRemoteScheduler(),
		UserID:       os.Getenv("REMINDERD_USER_ID"),
		PushToken:    os.Getenv("REMINDERD_PUSH_TOKEN"),
		Materializer: engine.DefaultMaterializerConfig(),
		Retry:        engine.DefaultRetryConfig(),
	})
	if err != nil {
		log.Fatalf("failed to assemble engine: %v", err)
	}

	if err := eng.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	defer eng.Cleanup()

	hub := NewMetricsHub(eng)
	go hub.Run(ctx)

	srv := &opsServer{eng: eng, hub: hub, idempotent: idempotency.NewStore(kv, 24*time.Hour, nil)}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", srv.handleStats)
	mux.HandleFunc("/critical-mirror", srv.handleCriticalMirror)
	mux.HandleFunc("/reschedule-all", srv.handleRescheduleAll)
	mux.HandleFunc("/notification-tap", srv.handleNotificationTap)
	mux.HandleFunc("/stream", srv.handleStream)
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("REMINDERD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("reminderd listening on %s", addr)
	log.Fatal(httpServer.ListenAndServe())
}
