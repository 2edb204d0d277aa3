// Copyright 2025 James Ross

// Package relationships implements the Relationship Resolution Worker
// (C6): given the POIs extracted from one file, it asks the model to
// propose relationship edges, builds a candidate plus its supporting
// evidence for each proposal, and persists them with a
// candidate-ready-for-scoring outbox event so C7 picks them up next.
package relationships

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/llmclient"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

// requestPayload mirrors the envelope internal/outbox wraps every
// queue-published event in; the inner payload here is whatever
// internal/analysis appended for a relationships-requested event.
type requestPayload struct {
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

type relationshipsRequested struct {
	FilePath string   `json:"file_path"`
	POIIDs   []string `json:"poi_ids"`
}

type Worker struct {
	st  *store.Store
	llm llmclient.Client
	log *zap.Logger
}

func New(st *store.Store, llm llmclient.Client, log *zap.Logger) *Worker {
	return &Worker{st: st, llm: llm, log: log}
}

func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	var env requestPayload
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	var req relationshipsRequested
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("unmarshal relationships-requested payload: %w", err)
	}

	pois, err := store.POIsForFile(ctx, w.st.DB, req.FilePath)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("load pois: %w", err))
	}
	if len(pois) == 0 {
		return nil
	}

	prompt := constructPrompt(req.FilePath, pois)
	resp, err := w.llm.ResolveRelationships(ctx, prompt)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("resolve relationships: %w", err))
	}

	byName := make(map[string]model.POI, len(pois))
	for _, p := range pois {
		byName[p.Name] = p
	}

	return w.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, raw := range resp.Relationships {
			source, ok := byName[raw.From]
			if !ok {
				continue
			}
			if err := w.persistCandidate(ctx, tx, req.FilePath, source, raw, byName); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Worker) persistCandidate(ctx context.Context, tx *sql.Tx, filePath string, source model.POI, raw llmclient.RawRelationship, byName map[string]model.POI) error {
	candType := model.RelationshipType(raw.Type)
	candID := model.CandidateID(source.ID, raw.To, candType)

	candidate := model.RelationshipCandidate{
		ID:           candID,
		SourcePOIID:  source.ID,
		TargetSymbol: raw.To,
		Type:         candType,
		FilePath:     filePath,
		Reason:       raw.Reason,
		Confidence:   raw.Confidence,
		Status:       model.CandidatePending,
	}
	if target, ok := byName[raw.To]; ok {
		candidate.TargetPOIID = target.ID
	}

	if err := store.InsertCandidate(ctx, tx, candidate); err != nil {
		return fmt.Errorf("insert candidate %s: %w", candID, err)
	}

	primary := model.EvidenceItem{
		ID:          uuid.NewString(),
		CandidateID: candID,
		Kind:        model.EvidenceLLMReasoning,
		Text:        raw.Reason,
		SourceAgent: "relationship-resolver",
		Confidence:  raw.Confidence,
		Context:     raw.Context,
	}
	if err := store.InsertEvidence(ctx, tx, primary); err != nil {
		return fmt.Errorf("insert primary evidence: %w", err)
	}
	for _, re := range raw.Evidence {
		item := model.EvidenceItem{
			ID:          uuid.NewString(),
			CandidateID: candID,
			Kind:        model.EvidenceKind(re.Kind),
			Text:        re.Text,
			SourceAgent: "relationship-resolver",
			Confidence:  re.Confidence,
			Context:     re.Context,
		}
		if err := store.InsertEvidence(ctx, tx, item); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}

	return store.AppendOutboxEvent(ctx, tx, model.EventCandidateReadyForScore, candID, map[string]string{
		"candidate_id": candID,
	})
}

// constructPrompt lists the file's known POIs so the model only proposes
// relationships among symbols it has actually seen, mirroring the anchored
// prompt style internal/batcher uses for file analysis.
func constructPrompt(filePath string, pois []model.POI) string {
	var sb strings.Builder
	sb.WriteString("Given the following points of interest extracted from ")
	sb.WriteString(filePath)
	sb.WriteString(", propose relationships between them as JSON matching {relationships:[{from,to,type,reason,evidence,confidence,context?}]}.\n\n")
	for _, p := range pois {
		fmt.Fprintf(&sb, "- %s (%s) lines %d-%d\n", p.Name, p.Type, p.StartLine, p.EndLine)
	}
	return sb.String()
}
