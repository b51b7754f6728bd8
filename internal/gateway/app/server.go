// Package app wires the gateway runtime: storage, origin client,
// lifecycle, sync loop, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/fetch"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/lifecycle"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/notify"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/proxy"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/routing"
	gatewaysqlite "github.com/israasaleh/flashcard-gateway/internal/gateway/storage/sqlite"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/syncer"
	"github.com/israasaleh/flashcard-gateway/internal/platform/timeouts"
)

// RuntimeConfig controls gateway startup, dependencies, and caching
// behavior.
type RuntimeConfig struct {
	Addr                 string
	OriginURL            string
	DBPath               string
	CacheVersion         string
	APIPrefixes          []string
	WritePrefixes        []string
	ShellResources       []string
	FallbackPath         string
	HealthPath           string
	ProbeInitialInterval time.Duration
	ProbeMaxInterval     time.Duration
	ProbeRetryDelay      time.Duration
}

const (
	defaultGatewayAddr = ":8787"
	defaultGatewayDB   = "data/gateway.db"
	defaultVersion     = "v1"
)

// servingPartitions adapts the lifecycle manager's per-request serving set
// to the proxy's provider interface.
type servingPartitions struct {
	manager *lifecycle.Manager
}

func (p servingPartitions) Partitions() (string, string, string) {
	set := p.manager.ServingPartitions()
	return set.Static, set.API, set.Offline
}

// Run starts the gateway runtime and serves until context cancellation.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.OriginURL) == "" {
		return fmt.Errorf("origin URL is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultGatewayAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultGatewayDB
	}
	if strings.TrimSpace(cfg.CacheVersion) == "" {
		cfg.CacheVersion = defaultVersion
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create gateway storage dir: %w", err)
		}
	}

	store, err := gatewaysqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open gateway sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close gateway sqlite store: %v", closeErr)
		}
	}()

	fetcher, err := fetch.NewClient(cfg.OriginURL, &http.Client{Timeout: timeouts.Upstream})
	if err != nil {
		return fmt.Errorf("build origin client: %w", err)
	}

	hub := notify.NewHub()
	coordinator := syncer.NewCoordinator(store, fetcher, hub)
	probe := syncer.NewProbe(fetcher, coordinator, syncer.ProbeConfig{
		HealthPath:      cfg.HealthPath,
		InitialInterval: cfg.ProbeInitialInterval,
		MaxInterval:     cfg.ProbeMaxInterval,
		RetryDelay:      cfg.ProbeRetryDelay,
	})

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Version:        cfg.CacheVersion,
		ShellResources: cfg.ShellResources,
		FallbackKey:    cfg.FallbackPath,
	}, store, fetcher, hub)
	if err != nil {
		return fmt.Errorf("build lifecycle manager: %w", err)
	}
	if err := manager.Startup(ctx); err != nil {
		return fmt.Errorf("gateway startup: %w", err)
	}

	handler, err := proxy.NewHandler(proxy.Config{
		Rules: routing.Rules{
			OriginHost:  fetcher.OriginHost(),
			APIPrefixes: cfg.APIPrefixes,
			StaticPaths: cfg.ShellResources,
		},
		FallbackKey:       cfg.FallbackPath,
		WhitelistPrefixes: cfg.WritePrefixes,
	}, fetcher, store, store, servingPartitions{manager: manager}, hub, probe)
	if err != nil {
		return fmt.Errorf("build proxy handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/gateway/events", hub)
	mux.Handle("/gateway/control", newControlHandler(manager, probe))
	mux.Handle("/gateway/status", newStatusHandler(manager, store, hub))
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	// Mutations left over from a previous run still need replaying.
	if pending, countErr := store.CountMutations(ctx); countErr != nil {
		log.Printf("count queued mutations: %v", countErr)
	} else if pending > 0 {
		log.Printf("resuming with %d queued mutations", pending)
		probe.Arm()
	}

	probeCtx, stopProbe := context.WithCancel(ctx)
	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		if probeErr := probe.Run(probeCtx); probeErr != nil && !errors.Is(probeErr, context.Canceled) {
			log.Printf("sync probe stopped: %v", probeErr)
		}
	}()

	serveErr := make(chan error, 1)
	log.Printf("gateway listening on %s, origin %s, version %s", cfg.Addr, cfg.OriginURL, cfg.CacheVersion)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		stopProbe()
		<-probeDone
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		stopProbe()
		<-probeDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
