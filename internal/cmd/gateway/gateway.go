// Package gateway parses gateway command flags and launches the gateway
// runtime.
package gateway

import (
	"context"
	"flag"
	"strings"
	"time"

	gatewayapp "github.com/israasaleh/flashcard-gateway/internal/gateway/app"
	entrypoint "github.com/israasaleh/flashcard-gateway/internal/platform/cmd"
)

// Config holds gateway command configuration.
type Config struct {
	Addr                 string        `env:"FLASHCARD_GATEWAY_ADDR" envDefault:":8787"`
	OriginURL            string        `env:"FLASHCARD_GATEWAY_ORIGIN_URL"`
	DBPath               string        `env:"FLASHCARD_GATEWAY_DB_PATH" envDefault:"data/gateway.db"`
	CacheVersion         string        `env:"FLASHCARD_GATEWAY_CACHE_VERSION" envDefault:"v1"`
	APIPrefixes          string        `env:"FLASHCARD_GATEWAY_API_PREFIXES" envDefault:"/api/"`
	WritePrefixes        string        `env:"FLASHCARD_GATEWAY_WRITE_PREFIXES" envDefault:"/api/reviews,/api/cards"`
	ShellResources       string        `env:"FLASHCARD_GATEWAY_SHELL_RESOURCES" envDefault:"/,/app.js,/styles.css,/manifest.json"`
	FallbackPath         string        `env:"FLASHCARD_GATEWAY_FALLBACK_PATH" envDefault:"/offline.html"`
	HealthPath           string        `env:"FLASHCARD_GATEWAY_HEALTH_PATH" envDefault:"/api/health"`
	ProbeInitialInterval time.Duration `env:"FLASHCARD_GATEWAY_PROBE_INITIAL_INTERVAL" envDefault:"2s"`
	ProbeMaxInterval     time.Duration `env:"FLASHCARD_GATEWAY_PROBE_MAX_INTERVAL" envDefault:"1m"`
	ProbeRetryDelay      time.Duration `env:"FLASHCARD_GATEWAY_PROBE_RETRY_DELAY" envDefault:"30s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The gateway HTTP listen address")
	fs.StringVar(&cfg.OriginURL, "origin-url", cfg.OriginURL, "The upstream origin server base URL")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The gateway SQLite database path")
	fs.StringVar(&cfg.CacheVersion, "cache-version", cfg.CacheVersion, "Deployment version used to name cache partitions")
	fs.StringVar(&cfg.APIPrefixes, "api-prefixes", cfg.APIPrefixes, "Comma-separated path prefixes routed as API traffic")
	fs.StringVar(&cfg.WritePrefixes, "write-prefixes", cfg.WritePrefixes, "Comma-separated prefixes whose writes queue while offline")
	fs.StringVar(&cfg.ShellResources, "shell-resources", cfg.ShellResources, "Comma-separated app shell paths pre-cached at install")
	fs.StringVar(&cfg.FallbackPath, "fallback-path", cfg.FallbackPath, "Offline fallback page path")
	fs.StringVar(&cfg.HealthPath, "health-path", cfg.HealthPath, "Origin path probed to detect connectivity restoration")
	fs.DurationVar(&cfg.ProbeInitialInterval, "probe-initial-interval", cfg.ProbeInitialInterval, "Initial connectivity probe backoff")
	fs.DurationVar(&cfg.ProbeMaxInterval, "probe-max-interval", cfg.ProbeMaxInterval, "Maximum connectivity probe backoff")
	fs.DurationVar(&cfg.ProbeRetryDelay, "probe-retry-delay", cfg.ProbeRetryDelay, "Delay before retrying a partially failed sync pass")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList turns a comma-separated flag value into trimmed entries.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// Run starts the gateway runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, func(context.Context) error {
		return gatewayapp.Run(ctx, gatewayapp.RuntimeConfig{
			Addr:                 cfg.Addr,
			OriginURL:            cfg.OriginURL,
			DBPath:               cfg.DBPath,
			CacheVersion:         cfg.CacheVersion,
			APIPrefixes:          splitList(cfg.APIPrefixes),
			WritePrefixes:        splitList(cfg.WritePrefixes),
			ShellResources:       splitList(cfg.ShellResources),
			FallbackPath:         cfg.FallbackPath,
			HealthPath:           cfg.HealthPath,
			ProbeInitialInterval: cfg.ProbeInitialInterval,
			ProbeMaxInterval:     cfg.ProbeMaxInterval,
			ProbeRetryDelay:      cfg.ProbeRetryDelay,
		})
	})
}
