package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
)

func testCfg() config.Shutdown {
	return config.Shutdown{
		PhaseTimeout:   time.Second,
		TotalTimeout:   2 * time.Second,
		RetryAttempts:  2,
		ForceOpTimeout: 100 * time.Millisecond,
	}
}

func TestShutdownRunsPhasesInPriorityOrder(t *testing.T) {
	c := New(testCfg(), zap.NewNop())
	var order []string
	record := func(name string) Op {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	c.Register(StateWorkers, "low", 1, record("low"))
	c.Register(StateWorkers, "high", 10, record("high"))
	c.Register(StateManagers, "manager", 5, record("manager"))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(order) != 3 || order[0] != "high" || order[1] != "low" || order[2] != "manager" {
		t.Fatalf("unexpected shutdown order: %v", order)
	}
	if c.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", c.State())
	}
}

func TestShutdownRejectsConcurrentCalls(t *testing.T) {
	c := New(testCfg(), zap.NewNop())
	block := make(chan struct{})
	c.Register(StateWorkers, "blocker", 1, func(ctx context.Context) error {
		<-block
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Shutdown(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if err := c.Shutdown(context.Background()); err == nil {
		t.Fatal("expected second concurrent shutdown to be rejected")
	}
	close(block)
	if err := <-errCh; err != nil {
		t.Fatalf("first shutdown should succeed: %v", err)
	}
}

func TestShutdownRetriesThenForceFallsBack(t *testing.T) {
	cfg := testCfg()
	cfg.RetryAttempts = 1
	cfg.PhaseTimeout = 50 * time.Millisecond
	cfg.TotalTimeout = 150 * time.Millisecond
	c := New(cfg, zap.NewNop())

	var attempts int32
	c.Register(StateWorkers, "flaky", 1, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("always fails")
	})

	err := c.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected shutdown to report failure")
	}
	if c.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", c.State())
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("expected at least 2 attempts (initial + force pass), got %d", attempts)
	}
}
