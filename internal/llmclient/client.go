// Copyright 2025 James Ross

// Package llmclient defines the contract the pipeline uses to talk to the
// external large language model and a rate-limiting decorator around it.
// HTTPClient (http.go) is a minimal JSON-over-HTTP transport; it does not
// implement any particular provider's wire format, and callers may inject
// any other Client implementation in its place.
package llmclient

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
)

// BatchFilePOIs is one file's extracted points of interest, keyed back to
// its anchor in the originating batch prompt.
type BatchFilePOIs struct {
	FilePath string             `json:"filePath"`
	POIs     []RawPOI           `json:"pois"`
}

type RawPOI struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// BatchAnalysisResponse is the LLM contract for a batch-analysis call.
type BatchAnalysisResponse struct {
	Files []BatchFilePOIs `json:"files"`
}

// RawRelationship is one proposed edge as returned by the relationship
// resolution call, prior to confidence scoring.
type RawRelationship struct {
	From       string                 `json:"from"`
	To         string                 `json:"to"`
	Type       string                 `json:"type"`
	Reason     string                 `json:"reason"`
	Evidence   []RawEvidence          `json:"evidence"`
	Confidence float64                `json:"confidence"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

type RawEvidence struct {
	Kind       string                 `json:"kind"`
	Text       string                 `json:"text"`
	Confidence float64                `json:"confidence"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

type RelationshipResponse struct {
	Relationships []RawRelationship `json:"relationships"`
}

// Client is the pipeline-facing LLM contract. AnalyzeBatch drives C5,
// ResolveRelationships drives C6. Both take a prompt already assembled by
// the caller (internal/batcher, internal/relationships) and return parsed
// JSON per the schema in the response types above.
type Client interface {
	AnalyzeBatch(ctx context.Context, prompt string) (BatchAnalysisResponse, error)
	ResolveRelationships(ctx context.Context, prompt string) (RelationshipResponse, error)
}

// RateLimited wraps a Client with a token-bucket limiter so the pipeline
// never exceeds the configured requests-per-second ceiling regardless of
// how many worker pool goroutines are calling concurrently.
type RateLimited struct {
	inner   Client
	limiter *rate.Limiter
	timeout time.Duration
}

func NewRateLimited(inner Client, cfg config.LLM) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		timeout: cfg.RequestTimeout,
	}
}

func (r *RateLimited) AnalyzeBatch(ctx context.Context, prompt string) (BatchAnalysisResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return BatchAnalysisResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.inner.AnalyzeBatch(ctx, prompt)
}

func (r *RateLimited) ResolveRelationships(ctx context.Context, prompt string) (RelationshipResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return RelationshipResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.inner.ResolveRelationships(ctx, prompt)
}
