// Copyright 2025 James Ross

// Package analysis implements the File Analysis Worker (C5): it takes a
// batch assembled by internal/batcher, drives one LLM call to extract
// points of interest per file, and persists the result. Every successful
// file transitions to analyzed and gets its POIs and two outbox events
// (poi-created, relationships-requested) written in the same transaction;
// a file the model silently dropped from its response is marked failed
// with a diagnostic event instead of failing the whole batch.
package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/batcher"
	"github.com/flyingrobots/cognitive-triangulation/internal/llmclient"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

// Worker drives the batch-analysis LLM call and persists the result.
type Worker struct {
	st  *store.Store
	llm llmclient.Client
	log *zap.Logger
}

func New(st *store.Store, llm llmclient.Client, log *zap.Logger) *Worker {
	return &Worker{st: st, llm: llm, log: log}
}

// Handler returns a workerpool.Handler bound to this worker, ready to
// register against the file_analysis queue.
func (w *Worker) Handler() func(ctx context.Context, job queue.Job) error {
	return w.Process
}

// Process unmarshals the batch, calls the model, and persists one outcome
// per file. LLM and transport errors are wrapped retriable so the caller's
// pool nacks with backoff; a malformed job payload is a terminal error.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	var b batcher.Batch
	if err := json.Unmarshal(job.Payload, &b); err != nil {
		return fmt.Errorf("unmarshal batch: %w", err)
	}
	if len(b.Files) == 0 {
		return nil
	}

	prompt := batcher.ConstructPrompt(b)
	resp, err := w.llm.AnalyzeBatch(ctx, prompt)
	if err != nil {
		return queue.WrapRetriable(fmt.Errorf("analyze batch: %w", err))
	}

	poisByFile, parseErrors := batcher.ParseResponse(resp, b)
	if parseErrors > 0 {
		w.log.Warn("batch response contained unknown anchors", obs.Int("count", parseErrors))
	}

	return w.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, f := range b.Files {
			raw, ok := poisByFile[f.Path]
			if !ok {
				if err := w.markFailed(ctx, tx, f.Path); err != nil {
					return err
				}
				continue
			}
			if err := w.persistFile(ctx, tx, f, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Worker) persistFile(ctx context.Context, tx *sql.Tx, f batcher.FileMeta, raw []llmclient.RawPOI) error {
	pois := make([]model.POI, 0, len(raw))
	for _, r := range raw {
		t := model.POIType(r.Type)
		id := model.POIID(f.Path, r.Name, t, r.StartLine, r.EndLine)
		p := model.POI{
			ID:        id,
			FilePath:  f.Path,
			Name:      r.Name,
			Type:      t,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
		}
		if err := store.InsertPOI(ctx, tx, p); err != nil {
			return fmt.Errorf("insert poi %s: %w", id, err)
		}
		pois = append(pois, p)
	}

	if err := store.SetFileStatus(ctx, tx, f.Path, model.FileStatusAnalyzed); err != nil {
		return fmt.Errorf("set file analyzed: %w", err)
	}

	poiIDs := make([]string, len(pois))
	for i, p := range pois {
		poiIDs[i] = p.ID
	}
	if err := store.AppendOutboxEvent(ctx, tx, model.EventPOICreated, f.Path, poiIDs); err != nil {
		return fmt.Errorf("append poi-created event: %w", err)
	}
	if err := store.AppendOutboxEvent(ctx, tx, model.EventRelationshipsRequested, f.Path, map[string]any{
		"file_path": f.Path,
		"poi_ids":   poiIDs,
	}); err != nil {
		return fmt.Errorf("append relationships-requested event: %w", err)
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, tx *sql.Tx, path string) error {
	if err := store.SetFileStatus(ctx, tx, path, model.FileStatusFailed); err != nil {
		return fmt.Errorf("set file failed: %w", err)
	}
	return store.AppendOutboxEvent(ctx, tx, model.EventFileAnalysisFailed, path, map[string]string{
		"reason": "file absent from LLM response",
	})
}
