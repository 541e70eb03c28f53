// Package events implements a Server-Sent Events (SSE) hub that streams task
// changes to the owning user's connected clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoCodeAlone/tempo/comms"
)

// Event is a typed real-time event sent to connected clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// client represents a single SSE connection.
type client struct {
	userID string
	ch     chan []byte
}

// Hub manages SSE client connections grouped by user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // userID -> connections
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

// Send delivers an event to every connection of userID. Slow clients drop
// events rather than block the sender.
func (h *Hub) Send(userID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("hub send marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.ch <- data:
		default:
			h.logger.Debug("sse client slow, event dropped", "user_id", userID, "type", event.Type)
		}
	}
}

// Relay is a comms.Handler that forwards bus messages to their owner.
func (h *Hub) Relay(_ context.Context, msg *comms.Message) error {
	h.Send(msg.UserID, Event{Type: string(msg.Type), Payload: msg})
	return nil
}

// Connections returns the number of open streams for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.ch)
}

// ServeSSE streams userID's events until the request context ends.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := &client{userID: userID, ch: make(chan []byte, 64)}
	h.add(c)
	defer h.remove(c)

	// Send connected event
	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
