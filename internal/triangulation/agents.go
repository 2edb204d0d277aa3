// Copyright 2025 James Ross

package triangulation

import (
	"context"
	"fmt"
	"strings"

	"github.com/flyingrobots/cognitive-triangulation/internal/llmclient"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
)

// LLMAgent is one roster member: an independent re-scoring lens implemented
// as a specialized prompt over the same relationship-resolution contract
// C6 uses, rather than a bespoke LLM endpoint. Each kind asks the model to
// judge the candidate from a narrower angle (syntax only, semantics only,
// ...) and returns its own confidence and an optional veto.
type LLMAgent struct {
	kind string
	llm  llmclient.Client
}

func NewLLMAgent(kind string, llm llmclient.Client) LLMAgent {
	return LLMAgent{kind: kind, llm: llm}
}

func (a LLMAgent) Kind() string { return a.kind }

func (a LLMAgent) Analyze(ctx context.Context, candidate model.RelationshipCandidate, evidence []model.EvidenceItem) (model.AgentResult, error) {
	prompt := a.prompt(candidate, evidence)
	resp, err := a.llm.ResolveRelationships(ctx, prompt)
	if err != nil {
		return model.AgentResult{}, err
	}
	if len(resp.Relationships) == 0 {
		return model.AgentResult{AgentKind: a.kind, Outcome: model.AgentVeto}, nil
	}
	r := resp.Relationships[0]
	outcome := model.AgentAccept
	if veto, _ := r.Context["veto"].(bool); veto {
		outcome = model.AgentVeto
	}
	return model.AgentResult{AgentKind: a.kind, Score: r.Confidence, Outcome: outcome}, nil
}

// lensInstructions narrows each roster kind to a distinct angle of
// evidence, matching the fixed, non-subclassed roster the orchestrator
// dispatches against.
var lensInstructions = map[string]string{
	"SyntaxAnalyst":        "Judge only the syntactic evidence (naming, call-site shape, import structure). Ignore semantic or architectural context.",
	"SemanticAnalyst":      "Judge only the semantic and domain evidence (naming conventions, shared vocabulary, domain consistency).",
	"ContextualAnalyst":    "Judge only the architectural and API-integration evidence (module boundaries, layering, service contracts).",
	"CrossRefAnalyst":      "Judge only cross-reference evidence: does the target symbol actually appear where claimed?",
	"ArchitecturalAnalyst": "Judge whether this relationship is consistent with the codebase's overall architecture and layering.",
	"DynamicAnalyst":       "Judge evidence of dynamic or indirect resolution (reflection, dynamic imports, runtime dispatch) that could make this relationship unreliable.",
}

func (a LLMAgent) prompt(candidate model.RelationshipCandidate, evidence []model.EvidenceItem) string {
	var sb strings.Builder
	instructions, ok := lensInstructions[a.kind]
	if !ok {
		instructions = "Re-score this candidate relationship independently."
	}
	sb.WriteString(instructions)
	sb.WriteString(" Respond as JSON matching {relationships:[{from,to,type,reason,evidence,confidence,context?}]} with exactly one relationship, context.veto=true if you judge the relationship to be spurious.\n\n")
	fmt.Fprintf(&sb, "Candidate: %s --%s--> %s (claimed reason: %s)\n", candidate.SourcePOIID, candidate.Type, candidate.TargetSymbol, candidate.Reason)
	for _, e := range evidence {
		fmt.Fprintf(&sb, "- [%s] %s (confidence %.2f)\n", e.Kind, e.Text, e.Confidence)
	}
	return sb.String()
}

// DefaultRoster builds one LLMAgent per configured roster kind.
func DefaultRoster(kinds []string, llm llmclient.Client) []Agent {
	agents := make([]Agent, 0, len(kinds))
	for _, k := range kinds {
		agents = append(agents, NewLLMAgent(k, llm))
	}
	return agents
}
