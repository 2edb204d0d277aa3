// Copyright 2025 James Ross

package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

// requestPayload mirrors the envelope internal/outbox wraps queued events
// in; the inner payload is whatever appended a candidate-accepted event.
type requestPayload struct {
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

type mergeRequest struct {
	CandidateID string `json:"candidate_id"`
}

// Worker drains the graph_merge queue and idempotently merges the
// accepted candidate's endpoints and edge into the graph store.
type Worker struct {
	st    *store.Store
	graph *Store
	log   *zap.Logger
}

func NewWorker(st *store.Store, g *Store, log *zap.Logger) *Worker {
	return &Worker{st: st, graph: g, log: log}
}

func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	var env requestPayload
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	var req mergeRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal merge request: %w", err)
	}

	candidate, err := store.GetCandidate(ctx, w.st.DB, req.CandidateID)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load candidate: %w", err))
	}
	if candidate.TargetPOIID == "" {
		// The target symbol never resolved to a known POI; there is
		// nothing to merge and no amount of retrying will change that.
		w.log.Warn("dropping candidate with unresolved target", obs.String("candidate_id", candidate.ID))
		return nil
	}

	source, err := store.GetPOI(ctx, w.st.DB, candidate.SourcePOIID)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load source poi: %w", err))
	}
	target, err := store.GetPOI(ctx, w.st.DB, candidate.TargetPOIID)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load target poi: %w", err))
	}

	if err := w.graph.MergeNode(ctx, source); err != nil {
		return queue.WrapRetriable(fmt.Errorf("merge source node: %w", err))
	}
	if err := w.graph.MergeNode(ctx, target); err != nil {
		return queue.WrapRetriable(fmt.Errorf("merge target node: %w", err))
	}
	if err := w.graph.MergeEdge(ctx, candidate); err != nil {
		return queue.WrapRetriable(fmt.Errorf("merge edge: %w", err))
	}
	return nil
}
