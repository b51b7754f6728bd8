// Package syncer drains the mutation queue once connectivity returns.
package syncer

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/fetch"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/notify"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
)

// Queue is the slice of gateway storage the coordinator needs: full read
// and full replace, nothing entry-wise.
type Queue interface {
	ListMutations(ctx context.Context) ([]storage.QueuedMutation, error)
	ReplaceMutations(ctx context.Context, mutations []storage.QueuedMutation) error
}

// Replayer reissues a serialized mutation against the origin.
type Replayer interface {
	Do(ctx context.Context, method, key string, header http.Header, body []byte) (*fetch.Snapshot, error)
}

// Result summarizes one sync pass. It is never persisted.
type Result struct {
	Processed int
	Remaining int
}

// Coordinator replays queued mutations in FIFO order and rewrites the queue
// with the retryable remainder. Passes are mutually exclusive; two
// overlapping read-replay-rewrite sequences could interleave and silently
// drop entries.
type Coordinator struct {
	queue    Queue
	replayer Replayer
	hub      *notify.Hub
	tracer   trace.Tracer

	mu sync.Mutex
}

// NewCoordinator wires a coordinator. The hub may be nil in tests.
func NewCoordinator(queue Queue, replayer Replayer, hub *notify.Hub) *Coordinator {
	return &Coordinator{
		queue:    queue,
		replayer: replayer,
		hub:      hub,
		tracer:   otel.Tracer("gateway/syncer"),
	}
}

// Sync runs one full replay pass over the queue.
//
// Each entry is replayed exactly as serialized. A transport failure or a
// server error keeps the entry; any other outcome, client errors included,
// drops it — retrying a 4xx cannot change the result and one bad entry must
// not block later independent entries. The queue is rewritten once, after
// the whole pass.
func (c *Coordinator) Sync(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "syncer.pass")
	defer span.End()

	mutations, err := c.queue.ListMutations(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read mutation queue: %w", err)
	}
	if len(mutations) == 0 {
		return Result{}, nil
	}

	var retained []storage.QueuedMutation
	processed := 0
	for _, mutation := range mutations {
		if err := ctx.Err(); err != nil {
			// Interrupted pass: leave the durable queue untouched so the
			// next signal retries the full pre-pass set.
			return Result{}, err
		}

		var body []byte
		if mutation.Body != nil {
			body = []byte(*mutation.Body)
		}
		snap, err := c.replayer.Do(ctx, mutation.Method, mutation.URL, mutation.Header, body)
		if err != nil || snap.ServerError() {
			retained = append(retained, mutation)
			continue
		}
		if !snap.OK() {
			// Terminal client error: dropped with no per-caller callback,
			// visible only in the aggregate broadcast.
			log.Printf("syncer: dropping %s %s after status %d", mutation.Method, mutation.URL, snap.Status)
		}
		processed++
	}

	if err := c.queue.ReplaceMutations(ctx, retained); err != nil {
		return Result{}, fmt.Errorf("rewrite mutation queue: %w", err)
	}

	result := Result{Processed: processed, Remaining: len(retained)}
	span.SetAttributes(
		attribute.Int("sync.processed", result.Processed),
		attribute.Int("sync.remaining", result.Remaining),
	)

	if c.hub != nil {
		c.hub.Broadcast(notify.Message{
			Type:    notify.TypeSyncComplete,
			Payload: notify.SyncCompletePayload(result),
		})
	}
	return result, nil
}
