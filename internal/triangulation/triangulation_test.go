package triangulation

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
)

type fixedAgent struct {
	kind  string
	score float64
}

func (f fixedAgent) Kind() string { return f.kind }
func (f fixedAgent) Analyze(ctx context.Context, c model.RelationshipCandidate, e []model.EvidenceItem) (model.AgentResult, error) {
	return model.AgentResult{AgentKind: f.kind, Score: f.score, Outcome: model.AgentAccept}, nil
}

func cfg() config.Triangulation {
	return config.Triangulation{
		Roster:          []string{"A", "B", "C"},
		Quorum:          3,
		AgentTimeout:    time.Second,
		AcceptThreshold: 0.7,
		RejectThreshold: 0.3,
		AgentWeights:    map[string]float64{"A": 1, "B": 1, "C": 1},
	}
}

// S4 — Consensus deferred: scores {0.8, 0.4, 0.5}, no vetoes ->
// weightedMean ≈ 0.57, agreement ≈ 0.83, final ≈ 0.47 -> deferred.
func TestConsensusDeferredS4(t *testing.T) {
	o := NewOrchestrator(cfg(), []Agent{
		fixedAgent{"A", 0.8}, fixedAgent{"B", 0.4}, fixedAgent{"C", 0.5},
	})
	candidate := model.RelationshipCandidate{ID: "c1"}
	session := o.Escalate(context.Background(), candidate, nil)

	if session.WeightedMean < 0.5 || session.WeightedMean > 0.65 {
		t.Fatalf("expected weightedMean ~0.57, got %f", session.WeightedMean)
	}
	if session.Outcome != model.TriangulationDeferred {
		t.Fatalf("expected deferred, got %s (final=%f)", session.Outcome, session.FinalConfidence)
	}
}

func TestConsensusAcceptedWithHighAgreement(t *testing.T) {
	o := NewOrchestrator(cfg(), []Agent{
		fixedAgent{"A", 0.9}, fixedAgent{"B", 0.92}, fixedAgent{"C", 0.88},
	})
	session := o.Escalate(context.Background(), model.RelationshipCandidate{ID: "c2"}, nil)
	if session.Outcome != model.TriangulationAccepted {
		t.Fatalf("expected accepted, got %s (final=%f)", session.Outcome, session.FinalConfidence)
	}
}

func TestBelowQuorumDefers(t *testing.T) {
	c := cfg()
	c.Quorum = 3
	o := NewOrchestrator(c, []Agent{fixedAgent{"A", 0.95}, fixedAgent{"B", 0.95}})
	session := o.Escalate(context.Background(), model.RelationshipCandidate{ID: "c3"}, nil)
	if session.Outcome != model.TriangulationDeferred {
		t.Fatalf("expected deferred below quorum, got %s", session.Outcome)
	}
}

func TestTwoVetoesRejects(t *testing.T) {
	o := NewOrchestrator(cfg(), []Agent{
		vetoAgent{"A"}, vetoAgent{"B"}, fixedAgent{"C", 0.9},
	})
	session := o.Escalate(context.Background(), model.RelationshipCandidate{ID: "c4"}, nil)
	if session.Outcome != model.TriangulationRejected {
		t.Fatalf("expected rejected on double veto, got %s", session.Outcome)
	}
}

type vetoAgent struct{ kind string }

func (v vetoAgent) Kind() string { return v.kind }
func (v vetoAgent) Analyze(ctx context.Context, c model.RelationshipCandidate, e []model.EvidenceItem) (model.AgentResult, error) {
	return model.AgentResult{AgentKind: v.kind, Score: 0.1, Outcome: model.AgentVeto}, nil
}
