// Copyright 2025 James Ross

// Package monitor implements the Pipeline Monitor (C10): a read-only
// projection over the store, queues, outbox, graph, and worker pools for
// operational visibility. The only call that mutates pipeline state is
// PurgeDeadLetter, which deletes a queue's dead-letter list without any
// confirmation step of its own.
package monitor

import (
	"context"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/graph"
	"github.com/flyingrobots/cognitive-triangulation/internal/outbox"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
	"github.com/flyingrobots/cognitive-triangulation/internal/workerpool"
)

// Monitor aggregates the read-only status of every component for
// operator inspection and the /readyz-adjacent admin surface.
type Monitor struct {
	st    *store.Store
	q     *queue.Queue
	g     *graph.Store
	mgr   *workerpool.Manager
	cfg   *config.Config
}

func New(st *store.Store, q *queue.Queue, g *graph.Store, mgr *workerpool.Manager, cfg *config.Config) *Monitor {
	return &Monitor{st: st, q: q, g: g, mgr: mgr, cfg: cfg}
}

// QueueStatus reports one named queue's depth.
type QueueStatus struct {
	Kind       string `json:"kind"`
	Ready      int64  `json:"ready"`
	DeadLetter int64  `json:"dead_letter"`
}

// Status is the full operational snapshot.
type Status struct {
	Files              int64              `json:"files"`
	POIs               int64              `json:"pois"`
	CandidatesByStatus map[string]int64   `json:"candidates_by_status"`
	Accepted           int64              `json:"accepted"`
	OutboxPending       int64              `json:"outbox_pending"`
	GraphNodes          int64              `json:"graph_nodes"`
	GraphEdges          int64              `json:"graph_edges"`
	Queues              []QueueStatus      `json:"queues"`
	Pools               []workerpool.PoolStatus `json:"pools"`
}

// Collect gathers a full status snapshot. Errors from any one source are
// non-fatal to the others: a failing collector leaves its field at the
// zero value rather than aborting the whole snapshot.
func (m *Monitor) Collect(ctx context.Context) (Status, error) {
	var s Status

	counts, err := store.FetchCounts(ctx, m.st.DB)
	if err == nil {
		s.Files = counts.Files
		s.POIs = counts.POIs
		s.CandidatesByStatus = counts.CandidatesByStatus
		s.Accepted = counts.Accepted
	}

	if pending, perr := outbox.PendingCount(ctx, m.st.DB); perr == nil {
		s.OutboxPending = pending
	}

	if m.g != nil {
		if n, gerr := m.g.NodeCount(ctx); gerr == nil {
			s.GraphNodes = n
		}
		if n, gerr := m.g.EdgeCount(ctx); gerr == nil {
			s.GraphEdges = n
		}
	}

	for kind := range m.cfg.Queues {
		stats, qerr := m.q.Stats(ctx, kind)
		if qerr != nil {
			continue
		}
		s.Queues = append(s.Queues, QueueStatus{Kind: kind, Ready: stats.Ready, DeadLetter: stats.DeadLetter})
	}

	if m.mgr != nil {
		s.Pools = m.mgr.Status()
	}

	return s, err
}

// Peek inspects the next n jobs due on a queue without removing them.
func (m *Monitor) Peek(ctx context.Context, kind string, n int64) ([]string, error) {
	return m.q.Peek(ctx, kind, n)
}

// PurgeDeadLetter drops every job on a queue's dead-letter list.
func (m *Monitor) PurgeDeadLetter(ctx context.Context, kind string) error {
	return m.q.PurgeDeadLetter(ctx, kind)
}
