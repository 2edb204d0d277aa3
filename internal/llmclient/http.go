// Copyright 2025 James Ross

package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPClient is a minimal JSON-over-HTTP Client implementation: it POSTs
// the prompt to a configured endpoint and decodes the provider's response
// into the shared schema. Prompt construction, retries, and credential
// handling beyond a single bearer token are the caller's concern; this
// type only owns the wire call.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, APIKey: apiKey, HTTPClient: http.DefaultClient}
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (c *HTTPClient) post(ctx context.Context, path, prompt string, out interface{}) error {
	body, err := json.Marshal(promptRequest{Prompt: prompt})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("llm request to %s failed: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) AnalyzeBatch(ctx context.Context, prompt string) (BatchAnalysisResponse, error) {
	var out BatchAnalysisResponse
	err := c.post(ctx, "/v1/analyze-batch", prompt, &out)
	return out, err
}

func (c *HTTPClient) ResolveRelationships(ctx context.Context, prompt string) (RelationshipResponse, error) {
	var out RelationshipResponse
	err := c.post(ctx, "/v1/resolve-relationships", prompt, &out)
	return out, err
}
