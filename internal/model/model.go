// Copyright 2025 James Ross

// Package model holds the entity types shared across the pipeline's stages:
// files, points of interest, relationship candidates, evidence, outbox
// events, and triangulation sessions. None of these types carry behavior
// that touches I/O; that lives in the packages that consume them.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type FileStatus string

const (
	FileStatusPending  FileStatus = "pending"
	FileStatusBatched  FileStatus = "batched"
	FileStatusAnalyzed FileStatus = "analyzed"
	FileStatusFailed   FileStatus = "failed"
)

type File struct {
	Path        string     `json:"path"`
	ContentHash string     `json:"content_hash"`
	SizeBytes   int64      `json:"size_bytes"`
	Status      FileStatus `json:"status"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastUpdated time.Time  `json:"last_updated"`
}

type POIType string

const (
	POIFunction POIType = "function"
	POIClass    POIType = "class"
	POIVariable POIType = "variable"
	POIImport   POIType = "import"
	POITable    POIType = "table"
	POIConstant POIType = "constant"
	POIMethod   POIType = "method"
)

type POI struct {
	ID        string  `json:"id"`
	FilePath  string  `json:"file_path"`
	Name      string  `json:"name"`
	Type      POIType `json:"type"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Excerpt   string  `json:"excerpt"`
}

// POIID hashes the attributes that make a POI stable across reruns on the
// same input, so re-analysis of an unchanged file produces the same id.
func POIID(filePath, name string, t POIType, startLine, endLine int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d", filePath, name, t, startLine, endLine)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateScored    CandidateStatus = "scored"
	CandidateEscalated CandidateStatus = "escalated"
	CandidateAccepted  CandidateStatus = "accepted"
	CandidateRejected  CandidateStatus = "rejected"
	CandidateDeferred  CandidateStatus = "deferred"
)

type RelationshipType string

const (
	RelCalls    RelationshipType = "CALLS"
	RelUses     RelationshipType = "USES"
	RelImports  RelationshipType = "IMPORTS"
	RelExtends  RelationshipType = "EXTENDS"
	RelContains RelationshipType = "CONTAINS"
)

type ConfidenceLevel string

const (
	LevelHigh     ConfidenceLevel = "HIGH"
	LevelMedium   ConfidenceLevel = "MEDIUM"
	LevelLow      ConfidenceLevel = "LOW"
	LevelVeryLow  ConfidenceLevel = "VERY_LOW"
)

// ConfidenceBreakdown is the full accounting behind a candidate's score,
// persisted alongside the candidate for auditability.
type ConfidenceBreakdown struct {
	Syntax               float64         `json:"syntax"`
	Semantic             float64         `json:"semantic"`
	Context              float64         `json:"context"`
	CrossRef             float64         `json:"cross_ref"`
	WeightedSum          float64         `json:"weighted_sum"`
	PenaltyFactor        float64         `json:"penalty_factor"`
	UncertaintyAdjustment float64        `json:"uncertainty_adjustment"`
	RawScore             float64         `json:"raw_score"`
	FinalConfidence      float64         `json:"final_confidence"`
	Level                ConfidenceLevel `json:"level"`
	EscalationNeeded     bool            `json:"escalation_needed"`
	TriggeredBy          []string        `json:"triggered_by,omitempty"`
}

type RelationshipCandidate struct {
	ID              string               `json:"id"`
	SourcePOIID     string               `json:"source_poi_id"`
	TargetPOIID     string               `json:"target_poi_id"`
	TargetSymbol    string               `json:"target_symbol,omitempty"`
	Type            RelationshipType     `json:"type"`
	FilePath        string               `json:"file_path"`
	Reason          string               `json:"reason"`
	Confidence      float64              `json:"confidence"`
	Status          CandidateStatus      `json:"status"`
	Breakdown       *ConfidenceBreakdown `json:"breakdown,omitempty"`
}

// CandidateID hashes the attributes that identify a candidate edge before
// it has a resolved target, so rediscovering the same proposed edge across
// separate LLM calls collapses to the same row.
func CandidateID(sourcePOIID, targetSymbol string, t RelationshipType) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", sourcePOIID, targetSymbol, t)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

type EvidenceKind string

const (
	EvidenceLLMReasoning       EvidenceKind = "LLM_REASONING"
	EvidenceSyntaxPattern      EvidenceKind = "SYNTAX_PATTERN"
	EvidenceSemanticDomain     EvidenceKind = "SEMANTIC_DOMAIN"
	EvidenceArchitecturalPattern EvidenceKind = "ARCHITECTURAL_PATTERN"
	EvidenceCrossReference     EvidenceKind = "CROSS_REFERENCE"
	EvidenceDynamicPattern     EvidenceKind = "DYNAMIC_PATTERN"
	EvidenceAPIIntegration     EvidenceKind = "API_INTEGRATION"
	EvidenceDomainConsistency  EvidenceKind = "DOMAIN_CONSISTENCY"
)

type EvidenceItem struct {
	ID          string                 `json:"id"`
	CandidateID string                 `json:"candidate_id"`
	Kind        EvidenceKind           `json:"kind"`
	Text        string                 `json:"text"`
	SourceAgent string                 `json:"source_agent"`
	Confidence  float64                `json:"confidence"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

type OutboxStatus string

const (
	OutboxNew        OutboxStatus = "new"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

const (
	EventPOICreated             = "poi-created"
	EventRelationshipsRequested = "relationships-requested"
	EventCandidateReadyForScore = "candidate-ready-for-scoring"
	EventFileAnalysisFailed     = "file-analysis-failed"
	EventCandidateAccepted      = "candidate-accepted"
)

type OutboxEvent struct {
	ID          int64        `json:"id"`
	EventType   string       `json:"event_type"`
	AggregateID string       `json:"aggregate_id"`
	Payload     []byte       `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
}

type AgentOutcome string

const (
	AgentAccept AgentOutcome = "accept"
	AgentVeto   AgentOutcome = "veto"
	AgentTimeout AgentOutcome = "timeout"
)

type AgentResult struct {
	AgentKind  string       `json:"agent_kind"`
	Score      float64      `json:"score"`
	Outcome    AgentOutcome `json:"outcome"`
	Evidence   []EvidenceItem `json:"evidence,omitempty"`
}

type TriangulationOutcome string

const (
	TriangulationAccepted TriangulationOutcome = "accepted"
	TriangulationRejected TriangulationOutcome = "rejected"
	TriangulationDeferred TriangulationOutcome = "deferred"
)

type TriangulationSession struct {
	ID              string                 `json:"id"`
	CandidateID     string                 `json:"candidate_id"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	AgentResults    []AgentResult          `json:"agent_results"`
	WeightedMean    float64                `json:"weighted_mean"`
	Agreement       float64                `json:"agreement"`
	FinalConfidence float64                `json:"final_confidence"`
	Outcome         TriangulationOutcome   `json:"outcome"`
}
