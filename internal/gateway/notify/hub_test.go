package notify

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	hub := NewHub()

	id1, ch1 := hub.Subscribe()
	id2, ch2 := hub.Subscribe()
	defer hub.Unsubscribe(id1)
	defer hub.Unsubscribe(id2)

	hub.Broadcast(Message{Type: TypeSyncComplete, Payload: SyncCompletePayload{Processed: 2, Remaining: 1}})

	for i, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Type != TypeSyncComplete {
				t.Fatalf("subscriber %d type = %q, want SYNC_COMPLETE", i, msg.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive broadcast", i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()

	id, ch := hub.Subscribe()
	hub.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("client count = %d, want 0", hub.ClientCount())
	}

	// Broadcasting with no clients must not panic.
	hub.Broadcast(Message{Type: TypeSyncQueued})
}

func TestBroadcastDropsWhenClientStalls(t *testing.T) {
	hub := NewHub()
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)

	// Overfill the buffer without draining; extra messages are dropped, not blocking.
	for i := 0; i < clientBuffer+8; i++ {
		hub.Broadcast(Message{Type: TypeSyncQueued, Payload: QueuedPayload{Timestamp: int64(i)}})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != clientBuffer {
				t.Fatalf("received = %d, want %d", received, clientBuffer)
			}
			return
		}
	}
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	hub := NewHub()

	req := httptest.NewRequest("GET", "/gateway/events", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		hub.ServeHTTP(rec, req)
		close(done)
	}()

	// Wait for the subscription before broadcasting.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	hub.Broadcast(Message{Type: TypeSyncQueued, Payload: QueuedPayload{URL: "/api/reviews", Method: "POST", Timestamp: 42}})

	// Give the handler a moment to flush, then terminate the stream.
	time.Sleep(20 * time.Millisecond)
	h := hub
	h.mu.Lock()
	for id := range h.clients {
		ch := h.clients[id]
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()
	<-done

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(rec.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if dataLine == "" {
		t.Fatalf("no data line in stream: %q", rec.Body.String())
	}

	var msg struct {
		Type    string        `json:"type"`
		Payload QueuedPayload `json:"payload"`
	}
	if err := json.Unmarshal([]byte(dataLine), &msg); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if msg.Type != TypeSyncQueued {
		t.Fatalf("type = %q, want SYNC_QUEUED", msg.Type)
	}
	if msg.Payload.URL != "/api/reviews" || msg.Payload.Method != "POST" || msg.Payload.Timestamp != 42 {
		t.Fatalf("payload = %+v", msg.Payload)
	}
}
