// Package timeouts defines shared timeout constants used across the
// gateway runtime. Centralizing these values prevents drift between
// the proxy, syncer, and server layers and makes the durations
// discoverable.
package timeouts

import "time"

// Upstream caps the time allowed for a single proxied request to the
// origin server, including connection setup and body read.
const Upstream = 30 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
