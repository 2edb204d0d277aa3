// Copyright 2025 James Ross

// Package store is the relational persistence layer: files, POIs,
// relationship candidates, evidence, the outbox log, and triangulation
// sessions. Every mutation that must be visible to another stage goes
// through a transaction that also appends the matching outbox row, per the
// transactional outbox pattern used across the file analysis and
// relationship resolution workers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
)

type Store struct {
	db *config.Store
	DB *sql.DB
}

func Open(cfg config.Store) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &Store{db: &cfg, DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// EnsureSchema creates every table and index the pipeline needs, if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// UpsertFile inserts or refreshes a File row, leaving status untouched if
// the row already exists (status transitions are the caller's job).
func UpsertFile(ctx context.Context, tx *sql.Tx, f model.File) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, content_hash, size_bytes, status, first_seen, last_updated)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (path) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			size_bytes = EXCLUDED.size_bytes,
			last_updated = now()
	`, f.Path, f.ContentHash, f.SizeBytes, f.Status)
	return err
}

func SetFileStatus(ctx context.Context, tx *sql.Tx, path string, status model.FileStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE files SET status = $1, last_updated = now() WHERE path = $2
	`, status, path)
	return err
}

// InsertPOI is idempotent on id: re-analysis of an unchanged file is a
// no-op for POIs that already exist, matching invariant 1's requirement
// that POIs never mutate once created.
func InsertPOI(ctx context.Context, tx *sql.Tx, p model.POI) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pois (id, file_path, name, type, start_line, end_line, excerpt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine, p.Excerpt)
	return err
}

func GetPOI(ctx context.Context, db *sql.DB, id string) (model.POI, error) {
	var p model.POI
	err := db.QueryRowContext(ctx, `
		SELECT id, file_path, name, type, start_line, end_line, excerpt
		FROM pois WHERE id = $1
	`, id).Scan(&p.ID, &p.FilePath, &p.Name, &p.Type, &p.StartLine, &p.EndLine, &p.Excerpt)
	return p, err
}

func POIsForFile(ctx context.Context, db *sql.DB, filePath string) ([]model.POI, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, file_path, name, type, start_line, end_line, excerpt
		FROM pois WHERE file_path = $1 ORDER BY start_line
	`, filePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.POI
	for rows.Next() {
		var p model.POI
		if err := rows.Scan(&p.ID, &p.FilePath, &p.Name, &p.Type, &p.StartLine, &p.EndLine, &p.Excerpt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func InsertCandidate(ctx context.Context, tx *sql.Tx, c model.RelationshipCandidate) error {
	var breakdown []byte
	var err error
	if c.Breakdown != nil {
		breakdown, err = json.Marshal(c.Breakdown)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relationships (id, source_poi_id, target_poi_id, target_symbol, type, file_path, reason, confidence, status, breakdown)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.SourcePOIID, c.TargetPOIID, c.TargetSymbol, c.Type, c.FilePath, c.Reason, c.Confidence, c.Status, breakdown)
	return err
}

func InsertEvidence(ctx context.Context, tx *sql.Tx, e model.EvidenceItem) error {
	var ctxJSON []byte
	var err error
	if e.Context != nil {
		ctxJSON, err = json.Marshal(e.Context)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relationship_evidence (id, candidate_id, kind, text, source_agent, confidence, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.CandidateID, e.Kind, e.Text, e.SourceAgent, e.Confidence, ctxJSON)
	return err
}

func EvidenceForCandidate(ctx context.Context, db *sql.DB, candidateID string) ([]model.EvidenceItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, candidate_id, kind, text, source_agent, confidence, context
		FROM relationship_evidence WHERE candidate_id = $1
	`, candidateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EvidenceItem
	for rows.Next() {
		var e model.EvidenceItem
		var ctxJSON []byte
		if err := rows.Scan(&e.ID, &e.CandidateID, &e.Kind, &e.Text, &e.SourceAgent, &e.Confidence, &ctxJSON); err != nil {
			return nil, err
		}
		if len(ctxJSON) > 0 {
			_ = json.Unmarshal(ctxJSON, &e.Context)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func UpdateCandidateScore(ctx context.Context, tx *sql.Tx, id string, confidence float64, status model.CandidateStatus, breakdown *model.ConfidenceBreakdown) error {
	b, err := json.Marshal(breakdown)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE relationships SET confidence = $1, status = $2, breakdown = $3 WHERE id = $4
	`, confidence, status, b, id)
	return err
}

func SetCandidateStatus(ctx context.Context, tx *sql.Tx, id string, status model.CandidateStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE relationships SET status = $1 WHERE id = $2`, status, id)
	return err
}

func GetCandidate(ctx context.Context, db *sql.DB, id string) (model.RelationshipCandidate, error) {
	var c model.RelationshipCandidate
	var targetPOI, targetSymbol sql.NullString
	var breakdown []byte
	err := db.QueryRowContext(ctx, `
		SELECT id, source_poi_id, target_poi_id, target_symbol, type, file_path, reason, confidence, status, breakdown
		FROM relationships WHERE id = $1
	`, id).Scan(&c.ID, &c.SourcePOIID, &targetPOI, &targetSymbol, &c.Type, &c.FilePath, &c.Reason, &c.Confidence, &c.Status, &breakdown)
	if err != nil {
		return model.RelationshipCandidate{}, err
	}
	c.TargetPOIID = targetPOI.String
	c.TargetSymbol = targetSymbol.String
	if len(breakdown) > 0 {
		c.Breakdown = &model.ConfidenceBreakdown{}
		_ = json.Unmarshal(breakdown, c.Breakdown)
	}
	return c, nil
}

// AppendOutboxEvent inserts a new outbox row within the caller's
// transaction. Callers must append the event in the same transaction that
// writes the business row it describes.
func AppendOutboxEvent(ctx context.Context, tx *sql.Tx, eventType, aggregateID string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (event_type, aggregate_id, payload, status)
		VALUES ($1, $2, $3, 'new')
	`, eventType, aggregateID, b)
	return err
}

func InsertTriangulationSession(ctx context.Context, tx *sql.Tx, s model.TriangulationSession) error {
	agents, err := json.Marshal(s.AgentResults)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO triangulation_sessions (id, candidate_id, started_at, agent_results, weighted_mean, agreement, final_confidence, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.CandidateID, s.StartedAt, agents, s.WeightedMean, s.Agreement, s.FinalConfidence, s.Outcome)
	return err
}

func CompleteTriangulationSession(ctx context.Context, tx *sql.Tx, s model.TriangulationSession) error {
	agents, err := json.Marshal(s.AgentResults)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE triangulation_sessions SET completed_at = $1, agent_results = $2, weighted_mean = $3, agreement = $4, final_confidence = $5, outcome = $6
		WHERE id = $7
	`, time.Now().UTC(), agents, s.WeightedMean, s.Agreement, s.FinalConfidence, s.Outcome, s.ID)
	return err
}

// Counts backs the Pipeline Monitor's read-only projection.
type Counts struct {
	Files              int64
	POIs               int64
	CandidatesByStatus map[string]int64
	Accepted           int64
}

func FetchCounts(ctx context.Context, db *sql.DB) (Counts, error) {
	var c Counts
	c.CandidatesByStatus = map[string]int64{}

	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM files`).Scan(&c.Files); err != nil {
		return c, err
	}
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM pois`).Scan(&c.POIs); err != nil {
		return c, err
	}
	rows, err := db.QueryContext(ctx, `SELECT status, count(*) FROM relationships GROUP BY status`)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		c.CandidatesByStatus[status] = n
		if status == string(model.CandidateAccepted) {
			c.Accepted = n
		}
	}
	return c, rows.Err()
}
