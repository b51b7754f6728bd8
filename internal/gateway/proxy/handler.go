// Package proxy intercepts application requests and applies the caching
// strategy chosen by the router.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/fetch"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/notify"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/routing"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
	gwerrors "github.com/israasaleh/flashcard-gateway/internal/platform/errors"
)

// maxRequestBody caps how much of a request body is buffered for forwarding
// and queuing. Larger bodies are rejected outright; truncating a payload
// and forwarding the rest would corrupt the write silently.
const maxRequestBody = 1 << 20

// errBodyTooLarge marks a request body over maxRequestBody.
var errBodyTooLarge = errors.New("request body exceeds buffer limit")

// cacheStatusHeader reports cache involvement to the foreground app.
const cacheStatusHeader = "X-Gateway-Cache"

// CacheStore is the slice of gateway storage the strategies need.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, partition, cacheKey string) (storage.CacheEntry, bool, error)
	PutCacheEntry(ctx context.Context, entry storage.CacheEntry) error
}

// MutationAppender appends one failed write to the durable queue.
type MutationAppender interface {
	AppendMutation(ctx context.Context, mutation storage.QueuedMutation) (storage.QueuedMutation, error)
}

// Armer schedules a sync attempt once a mutation has been queued.
type Armer interface {
	Arm()
}

// PartitionProvider yields the partition set requests are served against.
// The set can change at activation time, so it is consulted per request.
type PartitionProvider interface {
	Partitions() (static, api, offline string)
}

// Config carries the strategy inputs for one deployment.
type Config struct {
	Rules             routing.Rules
	FallbackKey       string
	WhitelistPrefixes []string
}

// Handler is the request-interception entry point. It classifies every
// request and dispatches to the matching strategy; it holds no global
// state beyond its injected collaborators.
type Handler struct {
	cfg        Config
	fetcher    *fetch.Client
	cache      CacheStore
	queue      MutationAppender
	partitions PartitionProvider
	hub        *notify.Hub
	probe      Armer
	tracer     trace.Tracer
	clock      func() time.Time

	refreshGroup singleflight.Group
}

// NewHandler wires the strategy dispatcher. The hub and probe may be nil
// in tests; broadcasts and arming become no-ops.
func NewHandler(cfg Config, fetcher *fetch.Client, cache CacheStore, queue MutationAppender, partitions PartitionProvider, hub *notify.Hub, probe Armer) (*Handler, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("mutation queue is required")
	}
	if partitions == nil {
		return nil, fmt.Errorf("partition provider is required")
	}
	if cfg.FallbackKey == "" {
		cfg.FallbackKey = "/offline.html"
	}
	if cfg.Rules.OriginHost == "" {
		cfg.Rules.OriginHost = fetcher.OriginHost()
	}
	return &Handler{
		cfg:        cfg,
		fetcher:    fetcher,
		cache:      cache,
		queue:      queue,
		partitions: partitions,
		hub:        hub,
		probe:      probe,
		tracer:     otel.Tracer("gateway/proxy"),
		clock:      time.Now,
	}, nil
}

// ServeHTTP classifies the request and dispatches to exactly one strategy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class := routing.Classify(r, h.cfg.Rules)

	ctx, span := h.tracer.Start(r.Context(), "proxy.handle",
		trace.WithAttributes(
			attribute.String("gateway.class", class.String()),
			attribute.String("gateway.key", routing.CacheKey(r)),
		))
	defer span.End()
	r = r.WithContext(ctx)

	switch class {
	case routing.ClassPassThrough:
		h.servePassThrough(w, r)
	case routing.ClassNavigation:
		h.serveNavigation(w, r)
	case routing.ClassAPIWrite:
		h.serveMutation(w, r)
	case routing.ClassAPIRead:
		h.serveAPIRead(w, r)
	case routing.ClassStaticAsset:
		h.serveStatic(w, r)
	}
}

// servePassThrough forwards the request untouched and relays the outcome,
// caching nothing.
func (h *Handler) servePassThrough(w http.ResponseWriter, r *http.Request) {
	key := routing.CacheKey(r)
	if r.URL != nil && r.URL.Host != "" {
		// Cross-origin: forward to the absolute URL as addressed.
		key = r.URL.String()
	}
	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	snap, err := h.fetcher.Do(r.Context(), r.Method, key, r.Header, body)
	if err != nil {
		writeBadGateway(w)
		return
	}
	writeSnapshot(w, snap)
}

// serveStatic is cache-first with background refresh: a warm entry is
// served immediately and unconditionally refreshed off the request path.
// A cold miss that cannot reach the network is a terminal 404 — absence of
// a static asset means the resource genuinely does not exist, so no
// offline substitute applies.
func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request) {
	key := routing.CacheKey(r)
	staticPartition, _, _ := h.partitions.Partitions()

	entry, found, err := h.cache.GetCacheEntry(r.Context(), staticPartition, key)
	if err != nil {
		log.Printf("proxy: static cache read %s: %v", key, err)
	}
	if found {
		w.Header().Set(cacheStatusHeader, "HIT")
		writeEntry(w, entry)
		h.refreshStatic(staticPartition, key)
		return
	}

	snap, err := h.fetcher.Get(r.Context(), key)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "not found\n")
		return
	}
	if snap.OK() {
		h.storeSnapshot(r.Context(), staticPartition, key, snap)
	}
	w.Header().Set(cacheStatusHeader, "MISS")
	writeSnapshot(w, snap)
}

// refreshStatic refetches one static asset off the request path and
// overwrites the cached entry on success. Concurrent hits on the same key
// collapse into a single refresh.
func (h *Handler) refreshStatic(partition, key string) {
	go func() {
		_, _, _ = h.refreshGroup.Do(partition+"\x00"+key, func() (any, error) {
			ctx := context.Background()
			snap, err := h.fetcher.Get(ctx, key)
			if err != nil || !snap.OK() {
				return nil, err
			}
			h.storeSnapshot(ctx, partition, key, snap)
			return nil, nil
		})
	}()
}

// serveAPIRead is network-first: a reachable origin always wins and
// refreshes the cache; an unreachable one falls back to the last snapshot.
func (h *Handler) serveAPIRead(w http.ResponseWriter, r *http.Request) {
	key := routing.CacheKey(r)
	_, apiPartition, _ := h.partitions.Partitions()

	snap, err := h.fetcher.Do(r.Context(), r.Method, key, r.Header, nil)
	if err == nil {
		if snap.OK() {
			h.storeSnapshot(r.Context(), apiPartition, key, snap)
		}
		writeSnapshot(w, snap)
		return
	}

	entry, found, cacheErr := h.cache.GetCacheEntry(r.Context(), apiPartition, key)
	if cacheErr != nil {
		log.Printf("proxy: api cache read %s: %v", key, cacheErr)
	}
	if found {
		w.Header().Set(cacheStatusHeader, "STALE")
		writeEntry(w, entry)
		return
	}
	writeJSONError(w, http.StatusServiceUnavailable, string(gwerrors.CodeCacheNotCached), "offline and no cached copy")
}

// serveNavigation walks the three-tier fallback chain. The caller always
// gets something renderable: the live page, the exact cached page, the
// offline fallback page, or a minimal plain-text notice.
func (h *Handler) serveNavigation(w http.ResponseWriter, r *http.Request) {
	key := routing.CacheKey(r)
	staticPartition, _, offlinePartition := h.partitions.Partitions()

	snap, err := h.fetcher.Do(r.Context(), r.Method, key, r.Header, nil)
	if err == nil {
		if snap.OK() {
			h.storeSnapshot(r.Context(), staticPartition, key, snap)
		}
		writeSnapshot(w, snap)
		return
	}

	entry, found, cacheErr := h.cache.GetCacheEntry(r.Context(), staticPartition, key)
	if cacheErr != nil {
		log.Printf("proxy: navigation cache read %s: %v", key, cacheErr)
	}
	if found {
		w.Header().Set(cacheStatusHeader, "STALE")
		writeEntry(w, entry)
		return
	}

	fallback, found, cacheErr := h.cache.GetCacheEntry(r.Context(), offlinePartition, h.cfg.FallbackKey)
	if cacheErr != nil {
		log.Printf("proxy: offline fallback read: %v", cacheErr)
	}
	if found {
		w.Header().Set(cacheStatusHeader, "FALLBACK")
		writeEntry(w, fallback)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, "offline: this page is not available\n")
}

// serveMutation attempts direct delivery and falls back to the durable
// queue. HTTP responses, error statuses included, are relayed verbatim —
// the gateway does not interpret the write's own semantics. Only a
// transport-level failure on a whitelisted path queues; unknown endpoints
// fail closed because blind queue-and-replay risks duplicated or lost
// side effects.
func (h *Handler) serveMutation(w http.ResponseWriter, r *http.Request) {
	key := routing.CacheKey(r)

	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	snap, err := h.fetcher.Do(r.Context(), r.Method, key, r.Header, body)
	if err == nil {
		writeSnapshot(w, snap)
		return
	}

	if !matchesWhitelist(r.URL.Path, h.cfg.WhitelistPrefixes) {
		writeJSONError(w, http.StatusServiceUnavailable, string(gwerrors.CodeMutationNotQueueable), "offline and path is not queueable")
		return
	}

	mutation := storage.QueuedMutation{
		URL:       key,
		Method:    r.Method,
		Header:    r.Header.Clone(),
		Timestamp: h.clock().UTC().UnixMilli(),
	}
	if len(body) > 0 {
		text := string(body)
		mutation.Body = &text
	}

	stored, err := h.queue.AppendMutation(r.Context(), mutation)
	if err != nil {
		log.Printf("proxy: queue mutation %s %s: %v", r.Method, key, err)
		writeJSONError(w, http.StatusServiceUnavailable, string(gwerrors.CodeMutationQueueFailed), "offline and the queue rejected the write")
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(notify.Message{
			Type: notify.TypeSyncQueued,
			Payload: notify.QueuedPayload{
				URL:       stored.URL,
				Method:    stored.Method,
				Timestamp: stored.Timestamp,
			},
		})
	}
	if h.probe != nil {
		h.probe.Arm()
	}

	writeQueuedAck(w, stored)
}

func (h *Handler) storeSnapshot(ctx context.Context, partition, key string, snap *fetch.Snapshot) {
	err := h.cache.PutCacheEntry(ctx, storage.CacheEntry{
		Partition: partition,
		CacheKey:  key,
		Status:    snap.Status,
		Header:    snap.Header,
		Body:      snap.Body,
		StoredAt:  h.clock().UTC(),
	})
	if err != nil {
		log.Printf("proxy: cache write %s %s: %v", partition, key, err)
	}
}

func matchesWhitelist(urlPath string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(urlPath, prefix) {
			return true
		}
	}
	return false
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBody {
		return nil, errBodyTooLarge
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}
