// Package notify broadcasts queue and sync status to foreground instances.
//
// Each connected foreground instance holds one server-sent-events stream;
// every broadcast goes to all of them so any open tab can render the
// queued/synced banner.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Message types emitted toward foreground instances.
const (
	TypeSyncQueued   = "SYNC_QUEUED"
	TypeSyncComplete = "SYNC_COMPLETE"
	TypeClientsClaim = "CLIENTS_CLAIM"
)

// Message is one broadcast envelope.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// QueuedPayload announces a newly queued mutation.
type QueuedPayload struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	Timestamp int64  `json:"timestamp"`
}

// SyncCompletePayload summarizes one sync pass.
type SyncCompletePayload struct {
	Processed int `json:"processed"`
	Remaining int `json:"remaining"`
}

// ClaimPayload announces an activation takeover.
type ClaimPayload struct {
	Version string `json:"version"`
}

// clientBuffer bounds the per-client queue; a stalled client drops messages
// rather than blocking the broadcaster.
const clientBuffer = 16

// Hub fans broadcast messages out to subscribed foreground instances.
type Hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]chan Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]chan Message)}
}

// Subscribe registers a new client and returns its id and message channel.
func (h *Hub) Subscribe() (uuid.UUID, <-chan Message) {
	id := uuid.New()
	ch := make(chan Message, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	ch, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// ClientCount returns the number of connected foreground instances.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast delivers the message to every connected client. Clients whose
// buffers are full miss the message; status messages are advisory.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			log.Printf("notify: client %s buffer full, dropping %s", id, msg.Type)
		}
	}
}

// ServeHTTP streams broadcast messages to one foreground instance as
// server-sent events until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("notify: marshal %s: %v", msg.Type, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
