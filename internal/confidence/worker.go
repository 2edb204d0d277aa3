// Copyright 2025 James Ross

package confidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

// requestPayload mirrors the envelope internal/outbox wraps queued events
// in; the inner payload is whatever internal/relationships appended for a
// candidate-ready-for-scoring event.
type requestPayload struct {
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

type scoreRequest struct {
	CandidateID string `json:"candidate_id"`
}

// Worker scores a candidate and either accepts it outright or, when the
// breakdown demands escalation, hands it to the triangulation queue. A
// non-escalated score is a terminal accept: the scorer is the single
// source of truth for confident candidates, so there is no separate
// "approve" step between scoring and the graph merge stage.
type Worker struct {
	st  *store.Store
	cfg config.Confidence
	q   *queue.Queue
	log *zap.Logger
}

func NewWorker(st *store.Store, cfg config.Confidence, q *queue.Queue, log *zap.Logger) *Worker {
	return &Worker{st: st, cfg: cfg, q: q, log: log}
}

func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	var env requestPayload
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	var req scoreRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal score request: %w", err)
	}

	candidate, err := store.GetCandidate(ctx, w.st.DB, req.CandidateID)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load candidate: %w", err))
	}
	evidence, err := store.EvidenceForCandidate(ctx, w.st.DB, req.CandidateID)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load evidence: %w", err))
	}

	breakdown := Score(evidence, w.cfg)
	switch breakdown.Level {
	case model.LevelHigh:
		obs.CandidatesScored.WithLabelValues("HIGH").Inc()
	case model.LevelMedium:
		obs.CandidatesScored.WithLabelValues("MEDIUM").Inc()
	case model.LevelLow:
		obs.CandidatesScored.WithLabelValues("LOW").Inc()
	default:
		obs.CandidatesScored.WithLabelValues("VERY_LOW").Inc()
	}

	status := model.CandidateAccepted
	if breakdown.EscalationNeeded {
		status = model.CandidateEscalated
		obs.CandidatesEscalated.Inc()
	}

	err = w.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpdateCandidateScore(ctx, tx, candidate.ID, breakdown.FinalConfidence, status, &breakdown); err != nil {
			return fmt.Errorf("update candidate score: %w", err)
		}
		if status == model.CandidateAccepted {
			return store.AppendOutboxEvent(ctx, tx, model.EventCandidateAccepted, candidate.ID, map[string]string{
				"candidate_id": candidate.ID,
			})
		}
		return nil
	})
	if err != nil {
		return queue.WrapRetriable(err)
	}

	if status != model.CandidateEscalated {
		return nil
	}

	// Escalation is dispatched directly onto the triangulation queue
	// rather than through the outbox: it is an internal pipeline
	// transition with no external durability requirement beyond the
	// queue itself, unlike candidate-accepted which other consumers may
	// depend on seeing exactly once.
	tjob, err := queue.NewJob(config.QueueTriangulation, scoreRequest{CandidateID: candidate.ID}, job.TraceID, job.SpanID)
	if err != nil {
		return fmt.Errorf("build triangulation job: %w", err)
	}
	if err := w.q.Enqueue(ctx, tjob, candidate.ID); err != nil {
		return queue.WrapRetriable(fmt.Errorf("enqueue triangulation: %w", err))
	}
	return nil
}
