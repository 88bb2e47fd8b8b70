package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pawsync/reminderengine/engine"
)

const maxWSConnections = 200

// liveSnapshot is what each websocket subscriber receives once a second.
type liveSnapshot struct {
	Delivery engine.DeliveryStats      `json:"delivery"`
	Retry    engine.RetryQueueStatus   `json:"retry"`
	Critical []engine.CriticalMirrorRecord `json:"critical"`
}

// MetricsHub broadcasts a live snapshot of the engine's delivery,
// retry-queue, and critical-mirror state to every connected ops
// dashboard client. Single broadcaster pattern prevents one ticker per
// connection.
type MetricsHub struct {
	eng        *engine.Engine
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewMetricsHub creates a hub that reads state from eng.
func NewMetricsHub(eng *engine.Engine) *MetricsHub {
	return &MetricsHub{
		eng:        eng,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main loop; it returns when ctx is cancelled.
func (h *MetricsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("ops dashboard client connected, total %d", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *MetricsHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	delivery, retry := h.eng.Stats(ctx)
	snapshot := liveSnapshot{
		Delivery: delivery,
		Retry:    retry,
		Critical: h.eng.CriticalMirrorRecords(ctx),
	}

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("websocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *MetricsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *MetricsHub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *MetricsHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected clients.
func (h *MetricsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
