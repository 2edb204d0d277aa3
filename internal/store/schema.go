// Copyright 2025 James Ross
package store

// DDL statements are idempotent (CREATE ... IF NOT EXISTS) so EnsureSchema
// can run on every process start without a dedicated migration step. The
// migration layer that actually manages schema versions across deploys is
// an external collaborator, out of scope here.
const (
	ddlFiles = `
CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	ddlPOIs = `
CREATE TABLE IF NOT EXISTS pois (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL REFERENCES files(path),
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	start_line INT NOT NULL,
	end_line INT NOT NULL,
	excerpt TEXT
)`

	ddlRelationships = `
CREATE TABLE IF NOT EXISTS relationships (
	id TEXT PRIMARY KEY,
	source_poi_id TEXT NOT NULL REFERENCES pois(id),
	target_poi_id TEXT,
	target_symbol TEXT,
	type TEXT NOT NULL,
	file_path TEXT NOT NULL,
	reason TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	breakdown JSONB
)`

	ddlEvidence = `
CREATE TABLE IF NOT EXISTS relationship_evidence (
	id TEXT PRIMARY KEY,
	candidate_id TEXT NOT NULL REFERENCES relationships(id),
	kind TEXT NOT NULL,
	text TEXT,
	source_agent TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	context JSONB
)`

	ddlDirectorySummaries = `
CREATE TABLE IF NOT EXISTS directory_summaries (
	dir_path TEXT PRIMARY KEY,
	file_count INT NOT NULL DEFAULT 0,
	poi_count INT NOT NULL DEFAULT 0,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	ddlOutbox = `
CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'new',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT
)`

	ddlOutboxIndex = `
CREATE INDEX IF NOT EXISTS idx_outbox_status_id ON outbox (status, id)`

	ddlTriangulationSessions = `
CREATE TABLE IF NOT EXISTS triangulation_sessions (
	id TEXT PRIMARY KEY,
	candidate_id TEXT NOT NULL REFERENCES relationships(id),
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	agent_results JSONB,
	weighted_mean DOUBLE PRECISION,
	agreement DOUBLE PRECISION,
	final_confidence DOUBLE PRECISION,
	outcome TEXT
)`
)

var schemaStatements = []string{
	ddlFiles,
	ddlPOIs,
	ddlRelationships,
	ddlEvidence,
	ddlDirectorySummaries,
	ddlOutbox,
	ddlOutboxIndex,
	ddlTriangulationSessions,
}
