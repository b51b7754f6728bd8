// Package lifecycle drives the install / waiting / active state machine of
// one gateway deployment version.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/fetch"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/notify"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
	gwerrors "github.com/israasaleh/flashcard-gateway/internal/platform/errors"
)

// State is the lifecycle position of this gateway instance.
type State int

const (
	// StateNew means Install has not completed yet.
	StateNew State = iota
	// StateWaiting means install finished but another version is still
	// active; this instance serves only after an explicit takeover.
	StateWaiting
	// StateActive means this version owns the caches and the clients.
	StateActive
)

// String names the state for the status endpoint.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// Partitions names the three cache partitions of one deployment version.
type Partitions struct {
	Static  string
	API     string
	Offline string
}

// PartitionsFor derives the partition set for a version. The version suffix
// isolates every role, so a version bump never shares entries with its
// predecessor.
func PartitionsFor(version string) Partitions {
	return Partitions{
		Static:  "static-" + version,
		API:     "api-" + version,
		Offline: "offline-" + version,
	}
}

// Fetcher pulls shell resources from the origin during install.
type Fetcher interface {
	Get(ctx context.Context, key string) (*fetch.Snapshot, error)
}

// Store is the slice of gateway storage the lifecycle needs.
type Store interface {
	PutCacheEntry(ctx context.Context, entry storage.CacheEntry) error
	PutCacheEntries(ctx context.Context, entries []storage.CacheEntry) error
	ListPartitions(ctx context.Context) ([]string, error)
	DeletePartition(ctx context.Context, partition string) error
	GetActiveVersion(ctx context.Context) (string, bool, error)
	SetActiveVersion(ctx context.Context, version string) error
}

// Config names the deployment version and what to pre-cache for it.
// Partition names are derived from the version via PartitionsFor.
type Config struct {
	Version string
	// ShellResources are pre-cached into the static partition atomically.
	ShellResources []string
	// FallbackKey is the offline page pre-cached into its own partition.
	FallbackKey string
}

// Manager installs and activates one deployment version.
type Manager struct {
	cfg        Config
	partitions Partitions
	store      Store
	fetcher    Fetcher
	hub        *notify.Hub
	clock      func() time.Time

	mu    sync.Mutex
	state State
	// serving is the partition set requests are answered from. While this
	// version waits it stays on the previously active version's set.
	serving Partitions
}

// NewManager wires a lifecycle manager. The hub may be nil in tests.
func NewManager(cfg Config, store Store, fetcher Fetcher, hub *notify.Hub) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Version == "" {
		return nil, gwerrors.New(gwerrors.CodeLifecycleBadVersion, "deployment version is required")
	}
	if cfg.FallbackKey == "" {
		cfg.FallbackKey = "/offline.html"
	}
	partitions := PartitionsFor(cfg.Version)
	return &Manager{
		cfg:        cfg,
		partitions: partitions,
		store:      store,
		fetcher:    fetcher,
		hub:        hub,
		clock:      time.Now,
		serving:    partitions,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version returns the deployment version this manager installs.
func (m *Manager) Version() string {
	return m.cfg.Version
}

// CanonicalPartitions is the partition set for the current version; only
// these survive activation.
func (m *Manager) CanonicalPartitions() []string {
	return []string{m.partitions.Static, m.partitions.API, m.partitions.Offline}
}

// ServingPartitions returns the partition set requests are served against:
// the previously active version's set while this one waits, its own set
// once active.
func (m *Manager) ServingPartitions() Partitions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serving
}

// Install pre-populates the static partition with the full shell resource
// list in one atomic batch — a single failed fetch aborts the install with
// nothing written — then separately pre-caches the offline fallback page.
// Install never activates; takeover is a separate, explicit step.
func (m *Manager) Install(ctx context.Context) error {
	entries := make([]storage.CacheEntry, 0, len(m.cfg.ShellResources))
	for _, key := range m.cfg.ShellResources {
		snap, err := m.fetcher.Get(ctx, key)
		if err != nil {
			return gwerrors.Wrap(gwerrors.CodeInstallIncomplete, "fetch shell resource "+key, err)
		}
		if !snap.OK() {
			return gwerrors.WithMetadata(gwerrors.CodeInstallIncomplete, "shell resource "+key+" not available",
				map[string]string{"status": fmt.Sprint(snap.Status)})
		}
		entries = append(entries, storage.CacheEntry{
			Partition: m.partitions.Static,
			CacheKey:  key,
			Status:    snap.Status,
			Header:    snap.Header,
			Body:      snap.Body,
			StoredAt:  m.clock().UTC(),
		})
	}
	if err := m.store.PutCacheEntries(ctx, entries); err != nil {
		return gwerrors.Wrap(gwerrors.CodeInstallIncomplete, "store shell resources", err)
	}

	snap, err := m.fetcher.Get(ctx, m.cfg.FallbackKey)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeInstallIncomplete, "fetch offline fallback", err)
	}
	if snap.OK() {
		if err := m.store.PutCacheEntry(ctx, storage.CacheEntry{
			Partition: m.partitions.Offline,
			CacheKey:  m.cfg.FallbackKey,
			Status:    snap.Status,
			Header:    snap.Header,
			Body:      snap.Body,
			StoredAt:  m.clock().UTC(),
		}); err != nil {
			return gwerrors.Wrap(gwerrors.CodeInstallIncomplete, "store offline fallback", err)
		}
	} else {
		// A missing fallback page degrades the navigation chain but does
		// not block the install.
		log.Printf("lifecycle: offline fallback %s returned %d, skipping", m.cfg.FallbackKey, snap.Status)
	}

	m.mu.Lock()
	if m.state == StateNew {
		m.state = StateWaiting
	}
	m.mu.Unlock()
	return nil
}

// Activate purges every partition outside the canonical set, records this
// version as active, and claims all connected foreground instances so
// subsequent requests route through the new logic immediately. Activating
// again with an unchanged canonical set deletes nothing.
func (m *Manager) Activate(ctx context.Context) error {
	canonical := make(map[string]bool, 3)
	for _, name := range m.CanonicalPartitions() {
		canonical[name] = true
	}

	partitions, err := m.store.ListPartitions(ctx)
	if err != nil {
		return fmt.Errorf("enumerate partitions: %w", err)
	}
	for _, name := range partitions {
		if canonical[name] {
			continue
		}
		if err := m.store.DeletePartition(ctx, name); err != nil {
			return fmt.Errorf("purge partition %s: %w", name, err)
		}
		log.Printf("lifecycle: purged stale partition %s", name)
	}

	if err := m.store.SetActiveVersion(ctx, m.cfg.Version); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = StateActive
	m.serving = m.partitions
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Broadcast(notify.Message{
			Type:    notify.TypeClientsClaim,
			Payload: notify.ClaimPayload{Version: m.cfg.Version},
		})
	}
	return nil
}

// SkipWaiting forces activation of a waiting instance. It is the handler
// for the foreground {type:"SKIP_WAITING"} control message.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	if m.State() != StateWaiting {
		return gwerrors.New(gwerrors.CodeActivateNotWaiting, "no update is waiting for activation")
	}
	return m.Activate(ctx)
}

// Startup runs install and decides whether to take over immediately.
//
// First deployment (no recorded active version) and restarts of the
// already-active version activate right away. A version change leaves the
// instance waiting so a content swap cannot happen mid-session — serving
// continues from the previous version's partitions until the foreground
// app sends SKIP_WAITING.
//
// A restart of the already-active version does not depend on the origin:
// when install cannot reach it and the durable partitions are populated,
// the instance activates from those warm caches. An installed version
// serves from cache without reinstalling.
func (m *Manager) Startup(ctx context.Context) error {
	active, found, err := m.store.GetActiveVersion(ctx)
	if err != nil {
		return err
	}

	if installErr := m.Install(ctx); installErr != nil {
		if !found || active != m.cfg.Version || !m.installed(ctx) {
			return installErr
		}
		log.Printf("lifecycle: reinstall of %s failed (%v), serving from existing caches", m.cfg.Version, installErr)
		return m.Activate(ctx)
	}

	if !found || active == m.cfg.Version {
		return m.Activate(ctx)
	}

	m.mu.Lock()
	m.serving = PartitionsFor(active)
	m.mu.Unlock()
	log.Printf("lifecycle: version %s installed, waiting to replace %s", m.cfg.Version, active)
	return nil
}

// installed reports whether a previous run committed this version's static
// partition.
func (m *Manager) installed(ctx context.Context) bool {
	partitions, err := m.store.ListPartitions(ctx)
	if err != nil {
		return false
	}
	for _, name := range partitions {
		if name == m.partitions.Static {
			return true
		}
	}
	return false
}
