// Copyright 2025 James Ross

// Package shutdown implements the Shutdown Coordinator (C11): a
// single-holder, dependency-ordered graceful shutdown with a force
// fallback. Components register into priority buckets; the coordinator
// tears each bucket down in descending priority, retrying failed
// operations with backoff, before falling back to a parallel best-effort
// force shutdown if the total timeout is exceeded.
package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
)

type State string

const (
	StateIdle        State = "IDLE"
	StateStarting    State = "STARTING"
	StateWorkers     State = "WORKERS"
	StateManagers    State = "MANAGERS"
	StateConnections State = "CONNECTIONS"
	StateCleanup     State = "CLEANUP"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// phases lists the ordered state machine buckets, each a named component
// registration group shut down together before the next begins.
var phases = []State{StateWorkers, StateManagers, StateConnections, StateCleanup}

// Op is one component's shutdown operation. It must be idempotent and
// respect ctx cancellation; the coordinator retries it up to
// cfg.RetryAttempts times with backoff before counting it a failure.
type Op func(ctx context.Context) error

type registration struct {
	name     string
	priority int
	op       Op
}

// Coordinator owns the registry and the single-holder shutdown state.
type Coordinator struct {
	cfg config.Shutdown
	log *zap.Logger

	mu      sync.Mutex
	state   State
	running bool

	phaseRegs map[State][]registration
}

func New(cfg config.Shutdown, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		log:       log,
		state:     StateIdle,
		phaseRegs: make(map[State][]registration),
	}
}

// Register adds a component's shutdown op to a phase bucket. Higher
// priority values shut down first within their phase.
func (c *Coordinator) Register(phase State, name string, priority int, op Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phaseRegs[phase] = append(c.phaseRegs[phase], registration{name: name, priority: priority, op: op})
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shutdown runs the full phase sequence. A second concurrent call while one
// is already running is rejected rather than queued: shutdown is a
// one-shot, not a resource to be shared.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("shutdown already in progress")
	}
	c.running = true
	c.mu.Unlock()

	c.transition(StateStarting)
	obs.LogEvent(c.log, "shutdownStarted")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	var failed bool
	for _, phase := range phases {
		c.transition(phase)
		if err := c.runPhase(ctx, phase); err != nil {
			c.log.Warn("phase failed, falling back to force shutdown", obs.String("phase", string(phase)), obs.Err(err))
			failed = true
			break
		}
	}

	if failed || ctx.Err() != nil {
		c.forceShutdown()
		c.transition(StateFailed)
		obs.LogEvent(c.log, "shutdownFailed")
		return fmt.Errorf("shutdown did not complete cleanly within %s", c.cfg.TotalTimeout)
	}

	c.transition(StateCompleted)
	obs.LogEvent(c.log, "shutdownCompleted")
	return nil
}

func (c *Coordinator) transition(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	obs.LogEvent(c.log, "stateTransition", obs.String("state", string(s)))
}

// runPhase shuts down one bucket sequentially in descending priority,
// splitting the phase timeout evenly across its registrants.
func (c *Coordinator) runPhase(ctx context.Context, phase State) error {
	c.mu.Lock()
	regs := append([]registration(nil), c.phaseRegs[phase]...)
	c.mu.Unlock()
	if len(regs) == 0 {
		return nil
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].priority > regs[j].priority })

	perOp := c.cfg.PhaseTimeout / time.Duration(len(regs))
	for _, r := range regs {
		opCtx, cancel := context.WithTimeout(ctx, perOp)
		err := c.runWithRetry(opCtx, r)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}
	return nil
}

func (c *Coordinator) runWithRetry(ctx context.Context, r registration) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if err := r.op(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == c.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(eb.NextBackOff()):
		}
	}
	return lastErr
}

// forceShutdown runs every remaining registrant in parallel with a short
// per-op timeout, best-effort, ignoring individual failures: by this point
// the coordinator is abandoning clean shutdown in favor of not hanging.
func (c *Coordinator) forceShutdown() {
	c.mu.Lock()
	var all []registration
	for _, phase := range phases {
		all = append(all, c.phaseRegs[phase]...)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range all {
		wg.Add(1)
		go func(r registration) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ForceOpTimeout)
			defer cancel()
			if err := r.op(ctx); err != nil {
				c.log.Warn("force shutdown op failed", obs.String("component", r.name), obs.Err(err))
			}
		}(r)
	}
	wg.Wait()
}
