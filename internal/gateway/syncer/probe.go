package syncer

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Prober checks origin reachability; a nil error means reachable.
type Prober interface {
	Probe(ctx context.Context, path string) error
}

// ProbeConfig tunes the connectivity-restoration probe.
type ProbeConfig struct {
	// HealthPath is the origin path probed with HEAD requests.
	HealthPath string
	// InitialInterval seeds the exponential backoff between probes.
	InitialInterval time.Duration
	// MaxInterval caps the backoff between probes.
	MaxInterval time.Duration
	// RetryDelay is the pause before re-arming when a pass leaves remainders.
	RetryDelay time.Duration
}

func (c ProbeConfig) withDefaults() ProbeConfig {
	if c.HealthPath == "" {
		c.HealthPath = "/api/health"
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 2 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	return c
}

// Probe turns "the network is back" into sync passes. The hosting platform's
// signal is rendered as a probe loop: armed whenever a mutation is queued,
// it polls the origin with exponential backoff until a probe lands, then
// triggers the coordinator. A pass that leaves remainders re-arms itself.
type Probe struct {
	prober      Prober
	coordinator *Coordinator
	cfg         ProbeConfig
	arm         chan struct{}
}

// NewProbe wires a connectivity probe against the coordinator.
func NewProbe(prober Prober, coordinator *Coordinator, cfg ProbeConfig) *Probe {
	return &Probe{
		prober:      prober,
		coordinator: coordinator,
		cfg:         cfg.withDefaults(),
		arm:         make(chan struct{}, 1),
	}
}

// Arm schedules a sync attempt. Safe to call from any goroutine; repeated
// calls while armed coalesce into one.
func (p *Probe) Arm() {
	select {
	case p.arm <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done, waiting for arm signals and draining the
// queue whenever the origin becomes reachable again.
func (p *Probe) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.arm:
		}

		if err := p.awaitReachable(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("syncer: connectivity probe gave up: %v", err)
			p.rearmAfter(ctx, p.cfg.RetryDelay)
			continue
		}

		result, err := p.coordinator.Sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("syncer: sync pass failed: %v", err)
			p.rearmAfter(ctx, p.cfg.RetryDelay)
			continue
		}
		if result.Remaining > 0 {
			log.Printf("syncer: pass processed %d, %d remaining", result.Processed, result.Remaining)
			p.rearmAfter(ctx, p.cfg.RetryDelay)
		}
	}
}

// awaitReachable probes the origin until a probe succeeds or ctx is done.
func (p *Probe) awaitReachable(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.InitialInterval
	policy.MaxInterval = p.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.prober.Probe(ctx, p.cfg.HealthPath)
	}, backoff.WithBackOff(policy))
	return err
}

func (p *Probe) rearmAfter(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			p.Arm()
		}
	}()
}
