// Copyright 2025 James Ross

// Package workerpool implements the adaptive, circuit-breaker-gated worker
// pools that drive every queue-consuming stage (C5 file analysis, C6
// relationship resolution, C7 scoring, C8 triangulation, C9 graph merge).
// One Pool instance owns one queue kind; the Manager owns the set of pools
// for a process.
package workerpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/breaker"
	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
)

// Handler processes one reserved job. A retriable failure must be wrapped
// with queue.WrapRetriable so Nack knows to requeue with backoff instead of
// dead-lettering immediately.
type Handler func(ctx context.Context, job queue.Job) error

type outcome struct {
	t  time.Time
	ok bool
}

// Pool runs a bounded, adaptively-sized set of goroutines against one named
// queue. Concurrency grows by one worker per control tick while the rolling
// success rate stays high and the queue has backlog, and halves on a
// sustained failure burst — the same shape as the circuit breaker's sliding
// window, applied to throughput instead of admission.
type Pool struct {
	kind    string
	q       *queue.Queue
	cfg     config.WorkerPool
	cb      *breaker.CircuitBreaker
	handler Handler
	log     *zap.Logger
	baseID  string

	concurrency atomic.Int64

	mu      sync.Mutex
	results []outcome
}

func NewPool(kind string, q *queue.Queue, poolCfg config.WorkerPool, cbCfg config.CircuitBreaker, handler Handler, log *zap.Logger) *Pool {
	cb := breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%s-%d", host, kind, os.Getpid())
	p := &Pool{kind: kind, q: q, cfg: poolCfg, cb: cb, handler: handler, log: log, baseID: base}
	p.concurrency.Store(int64(poolCfg.MinWorkers))
	return p
}

// Run blocks until ctx is cancelled, running up to MaxWorkers goroutines
// gated by the current adaptive concurrency level.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		wg.Add(1)
		slot := i
		go func() {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}()
	}

	controlTicker := time.NewTicker(p.cfg.ControlTickInterval)
	defer controlTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-controlTicker.C:
				p.control(ctx)
			}
		}
	}()

	wg.Wait()
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	workerID := fmt.Sprintf("%s-%d", p.baseID, slot)
	for ctx.Err() == nil {
		if int64(slot) >= p.concurrency.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if !p.cb.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		job, err := p.q.Reserve(ctx, p.kind, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("reserve error", obs.String("queue", p.kind), obs.Err(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if job == nil {
			continue
		}
		obs.JobsConsumed.WithLabelValues(p.kind).Inc()
		obs.WorkerActive.WithLabelValues(p.kind).Inc()

		start := time.Now()
		ctx2, span := obs.ContextWithJobSpan(ctx, *job)
		procErr := p.handler(ctx2, *job)
		obs.JobProcessingDuration.WithLabelValues(p.kind).Observe(time.Since(start).Seconds())

		if procErr == nil {
			obs.SetSpanSuccess(ctx2)
			if err := p.q.Ack(ctx, p.kind, workerID, job); err != nil {
				p.log.Error("ack failed", obs.Err(err))
			}
			obs.JobsCompleted.WithLabelValues(p.kind).Inc()
			p.recordOutcome(true)
		} else {
			obs.RecordError(ctx2, procErr)
			if err := p.q.Nack(ctx, p.kind, workerID, job, procErr); err != nil {
				p.log.Error("nack failed", obs.Err(err))
			}
			if queue.IsRetriable(procErr) {
				obs.JobsRetried.WithLabelValues(p.kind).Inc()
			} else {
				obs.JobsDeadLetter.WithLabelValues(p.kind).Inc()
			}
			obs.JobsFailed.WithLabelValues(p.kind).Inc()
			p.recordOutcome(false)
		}
		span.End()

		prev := p.cb.State()
		p.cb.Record(procErr == nil)
		curr := p.cb.State()
		if prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues(p.kind).Inc()
		}
		obs.CircuitBreakerState.WithLabelValues(p.kind).Set(float64(curr))
		obs.WorkerActive.WithLabelValues(p.kind).Dec()
	}
}

func (p *Pool) recordOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, outcome{t: time.Now(), ok: ok})
}

// control recomputes the rolling success rate over RollingWindow and
// scales concurrency up or down accordingly.
func (p *Pool) control(ctx context.Context) {
	p.mu.Lock()
	cutoff := time.Now().Add(-p.cfg.RollingWindow)
	filtered := p.results[:0]
	for _, r := range p.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	p.results = filtered
	total := len(p.results)
	fails := 0
	for _, r := range p.results {
		if !r.ok {
			fails++
		}
	}
	p.mu.Unlock()

	if total == 0 {
		return
	}
	successRate := float64(total-fails) / float64(total)
	failRate := float64(fails) / float64(total)

	stats, err := p.q.Stats(ctx, p.kind)
	depth := int64(0)
	if err == nil {
		depth = stats.Ready
	}

	current := p.concurrency.Load()
	switch {
	case failRate > p.cfg.ScaleDownFailRate && current > int64(p.cfg.MinWorkers):
		next := current / 2
		if next < int64(p.cfg.MinWorkers) {
			next = int64(p.cfg.MinWorkers)
		}
		p.concurrency.Store(next)
		p.log.Warn("pool scaled down", obs.String("queue", p.kind), obs.Int("concurrency", int(next)))
	case successRate > p.cfg.ScaleUpSuccessRate && depth > 0 && current < int64(p.cfg.MaxWorkers):
		p.concurrency.Store(current + 1)
	}
}

// Manager owns one Pool per configured queue kind.
type Manager struct {
	pools map[string]*Pool
	log   *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{pools: map[string]*Pool{}, log: log}
}

// Register wires a handler to a queue kind. Must be called before Start.
func (m *Manager) Register(kind string, q *queue.Queue, poolCfg config.WorkerPool, cbCfg config.CircuitBreaker, handler Handler) {
	m.pools[kind] = NewPool(kind, q, poolCfg, cbCfg, handler, m.log)
}

// Start runs every registered pool until ctx is cancelled, returning once
// all pools have exited.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pool := range m.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Run(ctx)
		}(pool)
	}
	wg.Wait()
}

// Status reports current concurrency and breaker state per pool, for the
// Pipeline Monitor.
type PoolStatus struct {
	Kind        string
	Concurrency int64
	Breaker     breaker.State
}

func (m *Manager) Status() []PoolStatus {
	out := make([]PoolStatus, 0, len(m.pools))
	for kind, p := range m.pools {
		out = append(out, PoolStatus{Kind: kind, Concurrency: p.concurrency.Load(), Breaker: p.cb.State()})
	}
	return out
}
