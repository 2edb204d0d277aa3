// Copyright 2025 James Ross

// Package triangulation implements the escalation orchestrator (C8): when
// the confidence scorer flags a candidate for escalation, the orchestrator
// dispatches the configured sub-agent roster in parallel, each an
// independent re-scoring of the candidate, and reduces their results to a
// weighted consensus decision.
package triangulation

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
)

// Agent independently re-scores a candidate using its own lens (and,
// optionally, further LLM queries) and returns a score, evidence it
// gathered, and whether it vetoes the candidate outright. The roster is a
// small fixed set of kinds (SyntaxAnalyst, SemanticAnalyst, ...); new kinds
// are added by extending the roster and its dispatch table, not by
// subclassing.
type Agent interface {
	Kind() string
	Analyze(ctx context.Context, candidate model.RelationshipCandidate, evidence []model.EvidenceItem) (model.AgentResult, error)
}

// Orchestrator runs the roster against escalated candidates and computes
// weighted consensus.
type Orchestrator struct {
	cfg    config.Triangulation
	agents map[string]Agent
}

func NewOrchestrator(cfg config.Triangulation, agents []Agent) *Orchestrator {
	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		m[a.Kind()] = a
	}
	return &Orchestrator{cfg: cfg, agents: m}
}

// Escalate runs the full state machine for one candidate:
// queued -> dispatched -> awaiting-agents -> consensus -> {accepted|rejected|deferred}.
// Missing or timed-out agents contribute weight 0 to the mean but still
// penalize agreement; fewer than the configured quorum of responses forces
// a deferred outcome regardless of the computed confidence.
func (o *Orchestrator) Escalate(ctx context.Context, candidate model.RelationshipCandidate, evidence []model.EvidenceItem) model.TriangulationSession {
	session := model.TriangulationSession{
		CandidateID: candidate.ID,
		StartedAt:   time.Now().UTC(),
	}

	var mu sync.Mutex
	results := make([]model.AgentResult, 0, len(o.cfg.Roster))

	eg, egCtx := errgroup.WithContext(ctx)
	for _, kind := range o.cfg.Roster {
		agent, ok := o.agents[kind]
		if !ok {
			mu.Lock()
			results = append(results, model.AgentResult{AgentKind: kind, Outcome: model.AgentTimeout})
			mu.Unlock()
			continue
		}
		kind := kind
		agent := agent
		eg.Go(func() error {
			agentCtx, cancel := context.WithTimeout(egCtx, o.cfg.AgentTimeout)
			defer cancel()
			res, err := agent.Analyze(agentCtx, candidate, evidence)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results = append(results, model.AgentResult{AgentKind: kind, Outcome: model.AgentTimeout})
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	// Errors from individual agents are absorbed above; eg.Wait only
	// surfaces cancellation of the shared context.
	_ = eg.Wait()

	session.AgentResults = results
	session.WeightedMean, session.Agreement, session.FinalConfidence = consensus(results, o.cfg.AgentWeights)
	session.Outcome = decide(results, session.FinalConfidence, o.cfg, responded(results))
	completed := time.Now().UTC()
	session.CompletedAt = &completed
	return session
}

func responded(results []model.AgentResult) int {
	n := 0
	for _, r := range results {
		if r.Outcome != model.AgentTimeout {
			n++
		}
	}
	return n
}

// consensus computes the weighted mean, agreement, and final confidence
// per §4.8: weightedMean = Σ w_a·score / Σ w_a over responding agents;
// agreement = 1 − stddev(scores), clamped; final = weightedMean × agreement.
// Missing and timed-out agents contribute weight 0 to the mean, but their
// (zero-valued) score still joins the stddev pool so non-response
// penalizes agreement rather than being silently dropped.
func consensus(results []model.AgentResult, weights map[string]float64) (weightedMean, agreement, final float64) {
	var sumW, sumWS float64
	scores := make([]float64, 0, len(results))
	for _, r := range results {
		scores = append(scores, r.Score)
		if r.Outcome == model.AgentTimeout {
			continue
		}
		w := weights[r.AgentKind]
		if w == 0 {
			w = 1
		}
		sumW += w
		sumWS += w * r.Score
	}
	if sumW == 0 {
		return 0, 0, 0
	}
	weightedMean = sumWS / sumW

	if len(scores) > 0 {
		var mean float64
		for _, s := range scores {
			mean += s
		}
		mean /= float64(len(scores))
		var variance float64
		for _, s := range scores {
			d := s - mean
			variance += d * d
		}
		variance /= float64(len(scores))
		agreement = clamp01(1 - math.Sqrt(variance))
	}

	final = weightedMean * agreement
	return weightedMean, agreement, final
}

// decide applies the accept/reject/deferred rule with the conservative
// tie-break: on an exact threshold match, the lower-confidence outcome
// wins.
func decide(results []model.AgentResult, final float64, cfg config.Triangulation, responded int) model.TriangulationOutcome {
	if responded < cfg.Quorum {
		return model.TriangulationDeferred
	}

	vetoes := 0
	for _, r := range results {
		if r.Outcome == model.AgentVeto {
			vetoes++
		}
	}

	if final <= cfg.RejectThreshold || vetoes >= 2 {
		return model.TriangulationRejected
	}
	if final > cfg.AcceptThreshold && vetoes == 0 {
		return model.TriangulationAccepted
	}
	if final == cfg.AcceptThreshold && vetoes == 0 {
		// Conservative tie-break: exactly on the accept threshold yields
		// the lower-confidence outcome.
		return model.TriangulationDeferred
	}
	return model.TriangulationDeferred
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
