package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/fetch"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
)

// writeSnapshot relays a captured upstream response verbatim.
func writeSnapshot(w http.ResponseWriter, snap *fetch.Snapshot) {
	copyHeader(w.Header(), snap.Header)
	w.WriteHeader(snap.Status)
	if len(snap.Body) > 0 {
		_, _ = w.Write(snap.Body)
	}
}

// writeEntry replays a stored cache entry.
func writeEntry(w http.ResponseWriter, entry storage.CacheEntry) {
	copyHeader(w.Header(), entry.Header)
	w.WriteHeader(entry.Status)
	if len(entry.Body) > 0 {
		_, _ = w.Write(entry.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSONError emits a structured gateway-synthesized error. The body
// shape is distinguishable from origin responses so the foreground app can
// tell a gateway verdict from an upstream one.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}}); err != nil {
		log.Printf("proxy: encode error body: %v", err)
	}
}

type queuedAck struct {
	Queued    bool   `json:"queued"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	Timestamp int64  `json:"timestamp"`
}

// writeQueuedAck returns the optimistic acknowledgment for a queued write
// so the caller is not blocked on connectivity.
func writeQueuedAck(w http.ResponseWriter, mutation storage.QueuedMutation) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(queuedAck{
		Queued:    true,
		URL:       mutation.URL,
		Method:    mutation.Method,
		Timestamp: mutation.Timestamp,
	}); err != nil {
		log.Printf("proxy: encode queued ack: %v", err)
	}
}

// writeBodyError maps a body-read failure to a client-facing status. Bodies
// over the buffer cap are refused outright rather than forwarded truncated.
func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "bad request body", http.StatusBadRequest)
}

func writeBadGateway(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, "upstream unreachable\n")
}
