package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pawsync/reminderengine/engine"
	"github.com/pawsync/reminderengine/engine/idempotency"
)

// opsServer exposes the engine's internal state for the ops dashboard.
// It carries no authentication of its own: deployments that expose it
// beyond a trusted network must front it with their own auth layer.
type opsServer struct {
	eng        *engine.Engine
	hub        *MetricsHub
	idempotent *idempotency.Store
}

// idempotencyKeyHeader is the header a caller sets to make a POST safe
// to retry: the same key replays the first response instead of
// re-running the handler.
const idempotencyKeyHeader = "Idempotency-Key"

// withIdempotency replays a cached response for a previously seen
// Idempotency-Key instead of re-running fn, and caches fn's response
// under that key otherwise. A request without the header always runs
// fn directly.
func (s *opsServer) withIdempotency(w http.ResponseWriter, r *http.Request, fn func(w http.ResponseWriter, r *http.Request)) {
	key := r.Header.Get(idempotencyKeyHeader)
	if key == "" || s.idempotent == nil {
		fn(w, r)
		return
	}

	if cached, ok := s.idempotent.Get(r.Context(), key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.StatusCode)
		w.Write(cached.Body)
		return
	}

	rec := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
	fn(rec, r)
	s.idempotent.Set(r.Context(), key, idempotency.Response{StatusCode: rec.status, Body: rec.body.Bytes()})
}

// statusCapturingWriter buffers a handler's response so it can be
// cached alongside its status code, while still writing through to
// the real ResponseWriter for the current request.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *opsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	delivery, retry := s.eng.Stats(r.Context())
	resp := map[string]interface{}{"delivery": delivery, "retryQueue": retry}
	if remoteStats, err := s.eng.RemoteNotificationStats(r.Context()); err == nil {
		resp["remote"] = remoteStats
	}
	writeJSON(w, resp)
}

func (s *opsServer) handleCriticalMirror(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.eng.CriticalMirrorRecords(r.Context()))
}

// handleRescheduleAll triggers a full rescheduleAll(). It is wrapped in
// withIdempotency so a client retrying a timed-out call (rescheduleAll
// can take a while against a large domain) doesn't tear down and
// re-schedule every OS notification a second time.
func (s *opsServer) handleRescheduleAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.withIdempotency(w, r, func(w http.ResponseWriter, r *http.Request) {
		results, err := s.eng.RescheduleAll(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, results)
	})
}

// handleNotificationTap receives the OS's notification-tap callback
// and returns the resolved deep-link intent for the host app. Wrapped
// in withIdempotency since the OS may redeliver the same tap callback
// after a process restart.
func (s *opsServer) handleNotificationTap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload engine.NotificationTapPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	s.withIdempotency(w, r, func(w http.ResponseWriter, r *http.Request) {
		intent := s.eng.OnNotificationTap(r.Context(), payload)
		writeJSON(w, intent)
	})
}

func (s *opsServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	s.hub.Register(conn)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
