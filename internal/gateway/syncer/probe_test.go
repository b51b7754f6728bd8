package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
)

type flakyProber struct {
	mu       sync.Mutex
	failures int
	probes   int
}

func (p *flakyProber) Probe(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.probes <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (p *flakyProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func TestProbeArmTriggersSyncAfterReachable(t *testing.T) {
	queue := &fakeQueue{entries: []storage.QueuedMutation{mutation(100, "/api/reviews")}}
	replayer := &fakeReplayer{}
	coordinator := NewCoordinator(queue, replayer, nil)
	prober := &flakyProber{failures: 2}

	probe := NewProbe(prober, coordinator, ProbeConfig{
		HealthPath:      "/api/health",
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		RetryDelay:      time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- probe.Run(ctx) }()

	probe.Arm()

	deadline := time.Now().Add(2 * time.Second)
	for {
		queue.mu.Lock()
		replaced := len(queue.replaced)
		queue.mu.Unlock()
		if replaced > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync pass never ran after arming")
		}
		time.Sleep(time.Millisecond)
	}

	if prober.count() < 3 {
		t.Fatalf("probes = %d, want at least 3 (two failures then success)", prober.count())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}

func TestProbeArmCoalesces(t *testing.T) {
	probe := NewProbe(&flakyProber{}, NewCoordinator(&fakeQueue{}, &fakeReplayer{}, nil), ProbeConfig{})
	probe.Arm()
	probe.Arm()
	probe.Arm()
	if len(probe.arm) != 1 {
		t.Fatalf("arm buffer = %d, want 1", len(probe.arm))
	}
}
