// Package ws implements the Server-Sent Events hub that streams activity and
// chat to operators, scoped by organization.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/comms"
)

// Event types sent to clients.
const (
	EventConnected = "connected"
	EventActivity  = "activity"
	EventMessage   = "message"
)

// Event is a typed real-time event broadcast to connected clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// client represents a single SSE connection.
type client struct {
	orgID string
	ch    chan []byte
}

// Hub manages SSE client connections and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Record implements activity.Recorder by broadcasting e to its
// organization. It never fails.
func (h *Hub) Record(_ context.Context, e *activity.Entry) error {
	h.Broadcast(e.OrgID, Event{Type: EventActivity, Payload: e})
	return nil
}

// OnMessage is a comms.Handler that forwards chat to the message's
// organization.
func (h *Hub) OnMessage(_ context.Context, m *comms.Message) {
	h.Broadcast(m.OrgID, Event{Type: EventMessage, Payload: m})
}

// Broadcast sends an event to every client of orgID.
func (h *Hub) Broadcast(orgID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.orgID != orgID {
			continue
		}
		select {
		case c.ch <- data:
		default:
			// Drop event if client is slow
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeSSE streams orgID's events until the request ends.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, orgID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &client{orgID: orgID, ch: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	fmt.Fprintf(w, "data: {\"type\":%q}\n\n", EventConnected) //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-c.ch:
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
