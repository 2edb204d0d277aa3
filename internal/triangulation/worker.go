// Copyright 2025 James Ross

package triangulation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

type scoreRequest struct {
	CandidateID string `json:"candidate_id"`
}

// Worker drains the triangulation queue, runs the configured agent roster
// against the escalated candidate, and resolves its final status.
type Worker struct {
	st  *store.Store
	orc *Orchestrator
	log *zap.Logger
}

func NewWorker(st *store.Store, orc *Orchestrator, log *zap.Logger) *Worker {
	return &Worker{st: st, orc: orc, log: log}
}

func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	var req scoreRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal triangulation request: %w", err)
	}

	candidate, err := store.GetCandidate(ctx, w.st.DB, req.CandidateID)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load candidate: %w", err))
	}
	evidence, err := store.EvidenceForCandidate(ctx, w.st.DB, req.CandidateID)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load evidence: %w", err))
	}

	session := w.orc.Escalate(ctx, candidate, evidence)
	session.ID = uuid.NewString()
	obs.TriangulationOutcomes.WithLabelValues(string(session.Outcome)).Inc()

	var status model.CandidateStatus
	switch session.Outcome {
	case model.TriangulationAccepted:
		status = model.CandidateAccepted
	case model.TriangulationRejected:
		status = model.CandidateRejected
	default:
		status = model.CandidateDeferred
	}

	return queue.WrapRetriable(w.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.InsertTriangulationSession(ctx, tx, session); err != nil {
			return fmt.Errorf("insert triangulation session: %w", err)
		}
		if err := store.SetCandidateStatus(ctx, tx, candidate.ID, status); err != nil {
			return fmt.Errorf("set candidate status: %w", err)
		}
		if status == model.CandidateAccepted {
			return store.AppendOutboxEvent(ctx, tx, model.EventCandidateAccepted, candidate.ID, map[string]string{
				"candidate_id": candidate.ID,
			})
		}
		return nil
	}))
}
