package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/fetch"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/notify"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage/sqlite"
	gwerrors "github.com/israasaleh/flashcard-gateway/internal/platform/errors"
)

func storageEntry(partition, key string) storage.CacheEntry {
	return storage.CacheEntry{Partition: partition, CacheKey: key, Status: 200, Body: []byte("seed")}
}

func testManagerConfig() Config {
	return Config{
		Version:        "v1",
		ShellResources: []string{"/", "/app.js", "/styles.css", "/manifest.json"},
		FallbackKey:    "/offline.html",
	}
}

// offlineManager builds a manager whose upstream no longer listens.
func offlineManager(t *testing.T, cfg Config, store Store) *Manager {
	t.Helper()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	client, err := fetch.NewClient(dead.URL, nil)
	if err != nil {
		t.Fatalf("offline client: %v", err)
	}
	manager, err := NewManager(cfg, store, client, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func shellServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("resource:" + r.URL.Path))
	}))
	t.Cleanup(server.Close)
	return server
}

func newManager(t *testing.T, cfg Config, store Store, upstream *httptest.Server, hub *notify.Hub) *Manager {
	t.Helper()
	client, err := fetch.NewClient(upstream.URL, upstream.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	manager, err := NewManager(cfg, store, client, hub)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func TestInstallPreCachesShellAndFallback(t *testing.T) {
	store := openStore(t)
	manager := newManager(t, testManagerConfig(), store, shellServer(t), nil)
	ctx := context.Background()

	if err := manager.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if manager.State() != StateWaiting {
		t.Fatalf("state = %s, want waiting", manager.State())
	}

	for _, key := range testManagerConfig().ShellResources {
		entry, found, err := store.GetCacheEntry(ctx, "static-v1", key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !found {
			t.Fatalf("shell resource %s not pre-cached", key)
		}
		if string(entry.Body) != "resource:"+key {
			t.Fatalf("body for %s = %q", key, entry.Body)
		}
	}

	if _, found, _ := store.GetCacheEntry(ctx, "offline-v1", "/offline.html"); !found {
		t.Fatal("offline fallback not pre-cached")
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	store := openStore(t)
	manager := newManager(t, testManagerConfig(), store, upstream, nil)
	ctx := context.Background()

	err := manager.Install(ctx)
	if err == nil {
		t.Fatal("expected install to fail on missing shell resource")
	}
	if !errors.Is(err, gwerrors.New(gwerrors.CodeInstallIncomplete, "")) {
		t.Fatalf("error = %v, want INSTALL_INCOMPLETE", err)
	}
	if manager.State() != StateNew {
		t.Fatalf("state = %s, want new", manager.State())
	}

	// The partial batch must not have been committed.
	if _, found, _ := store.GetCacheEntry(ctx, "static-v1", "/"); found {
		t.Fatal("failed install must store nothing")
	}
}

func TestActivatePurgesStalePartitionsOnly(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// Leftovers from a previous deployment version.
	seedEntry := func(partition, key string) {
		t.Helper()
		if err := store.PutCacheEntry(ctx, storageEntry(partition, key)); err != nil {
			t.Fatalf("seed %s: %v", partition, err)
		}
	}
	seedEntry("static-v0", "/")
	seedEntry("api-v0", "/api/cards")
	seedEntry("static-v1", "/")

	hub := notify.NewHub()
	id, events := hub.Subscribe()
	defer hub.Unsubscribe(id)

	manager := newManager(t, testManagerConfig(), store, shellServer(t), hub)
	if err := manager.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if manager.State() != StateActive {
		t.Fatalf("state = %s, want active", manager.State())
	}

	partitions, err := store.ListPartitions(ctx)
	if err != nil {
		t.Fatalf("list partitions: %v", err)
	}
	for _, name := range partitions {
		if name == "static-v0" || name == "api-v0" {
			t.Fatalf("stale partition %s survived activation", name)
		}
	}
	if _, found, _ := store.GetCacheEntry(ctx, "static-v1", "/"); !found {
		t.Fatal("canonical partition content must survive activation")
	}

	version, found, err := store.GetActiveVersion(ctx)
	if err != nil || !found || version != "v1" {
		t.Fatalf("active version = %q %v %v, want v1", version, found, err)
	}

	select {
	case msg := <-events:
		if msg.Type != notify.TypeClientsClaim {
			t.Fatalf("broadcast = %q, want CLIENTS_CLAIM", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected CLIENTS_CLAIM broadcast")
	}
}

func TestActivateTwiceDeletesNothingSecondTime(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	manager := newManager(t, testManagerConfig(), store, shellServer(t), nil)

	if err := manager.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := manager.Activate(ctx); err != nil {
		t.Fatalf("first activate: %v", err)
	}

	before, err := store.ListPartitions(ctx)
	if err != nil {
		t.Fatalf("list partitions: %v", err)
	}

	if err := manager.Activate(ctx); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	after, err := store.ListPartitions(ctx)
	if err != nil {
		t.Fatalf("list partitions after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("partitions changed on idempotent activation: %v -> %v", before, after)
	}
}

func TestStartupActivatesFreshDeployment(t *testing.T) {
	store := openStore(t)
	manager := newManager(t, testManagerConfig(), store, shellServer(t), nil)

	if err := manager.Startup(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if manager.State() != StateActive {
		t.Fatalf("state = %s, want active on first deployment", manager.State())
	}
}

func TestStartupWaitsOnVersionChange(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.SetActiveVersion(ctx, "v0"); err != nil {
		t.Fatalf("seed active version: %v", err)
	}

	manager := newManager(t, testManagerConfig(), store, shellServer(t), nil)
	if err := manager.Startup(ctx); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if manager.State() != StateWaiting {
		t.Fatalf("state = %s, want waiting while v0 is active", manager.State())
	}

	// The foreground app approves the takeover.
	if err := manager.SkipWaiting(ctx); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if manager.State() != StateActive {
		t.Fatalf("state = %s, want active after SKIP_WAITING", manager.State())
	}
	version, _, err := store.GetActiveVersion(ctx)
	if err != nil {
		t.Fatalf("get active version: %v", err)
	}
	if version != "v1" {
		t.Fatalf("active version = %q, want v1", version)
	}
}

func TestSkipWaitingRejectedWhenNotWaiting(t *testing.T) {
	store := openStore(t)
	manager := newManager(t, testManagerConfig(), store, shellServer(t), nil)
	ctx := context.Background()

	if err := manager.Startup(ctx); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if manager.State() != StateActive {
		t.Fatalf("state = %s, want active", manager.State())
	}

	err := manager.SkipWaiting(ctx)
	if !errors.Is(err, gwerrors.New(gwerrors.CodeActivateNotWaiting, "")) {
		t.Fatalf("skip waiting error = %v, want %s", err, gwerrors.CodeActivateNotWaiting)
	}
}

func TestPartitionsForIsolatesVersions(t *testing.T) {
	got := PartitionsFor("v2")
	want := Partitions{Static: "static-v2", API: "api-v2", Offline: "offline-v2"}
	if got != want {
		t.Fatalf("partitions = %+v, want %+v", got, want)
	}
	if PartitionsFor("v1") == PartitionsFor("v2") {
		t.Fatal("partition sets must differ across versions")
	}
}

func TestStartupOfflineRestartServesWarmCaches(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// First boot with the origin reachable installs and activates v1.
	first := newManager(t, testManagerConfig(), store, shellServer(t), nil)
	if err := first.Startup(ctx); err != nil {
		t.Fatalf("first startup: %v", err)
	}

	// Restart of the same version with the origin down must come up on the
	// durable caches instead of exiting.
	second := offlineManager(t, testManagerConfig(), store)
	if err := second.Startup(ctx); err != nil {
		t.Fatalf("offline restart startup: %v", err)
	}
	if second.State() != StateActive {
		t.Fatalf("state = %s, want active after offline restart", second.State())
	}
	if _, found, _ := store.GetCacheEntry(ctx, "static-v1", "/app.js"); !found {
		t.Fatal("warm shell cache must survive the offline restart")
	}
}

func TestStartupOfflineFirstBootStillFails(t *testing.T) {
	store := openStore(t)
	manager := offlineManager(t, testManagerConfig(), store)

	err := manager.Startup(context.Background())
	if !errors.Is(err, gwerrors.New(gwerrors.CodeInstallIncomplete, "")) {
		t.Fatalf("error = %v, want INSTALL_INCOMPLETE with nothing to fall back on", err)
	}
}

func TestWaitingServesPreviousVersionPartitions(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.SetActiveVersion(ctx, "v0"); err != nil {
		t.Fatalf("seed active version: %v", err)
	}

	manager := newManager(t, testManagerConfig(), store, shellServer(t), nil)
	if err := manager.Startup(ctx); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if manager.State() != StateWaiting {
		t.Fatalf("state = %s, want waiting", manager.State())
	}
	if got := manager.ServingPartitions(); got != PartitionsFor("v0") {
		t.Fatalf("serving = %+v, want v0 set while waiting", got)
	}

	if err := manager.SkipWaiting(ctx); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if got := manager.ServingPartitions(); got != PartitionsFor("v1") {
		t.Fatalf("serving = %+v, want v1 set after activation", got)
	}
}
