package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
)

func TestPoolProcessesJobs(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(rdb, cfg)

	var processed atomic.Int64
	handler := func(ctx context.Context, job queue.Job) error {
		processed.Add(1)
		return nil
	}

	poolCfg := cfg.WorkerPools[config.QueueFileAnalysis]
	poolCfg.ControlTickInterval = 50 * time.Millisecond
	log, _ := zap.NewDevelopment()
	pool := NewPool(config.QueueFileAnalysis, q, poolCfg, cfg.CircuitBreaker, handler, log)

	for i := 0; i < 5; i++ {
		job, err := queue.NewJob(config.QueueFileAnalysis, map[string]int{"i": i}, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if err := q.Enqueue(context.Background(), job, ""); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(1500 * time.Millisecond)
	for processed.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if got := processed.Load(); got != 5 {
		t.Fatalf("expected 5 jobs processed, got %d", got)
	}
}
