// Package tei provides clients for a Hugging Face text-embeddings-inference
// server: sentence embeddings via /embed and cross-encoder scores via
// /rerank.
package tei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type base struct {
	baseURL string
	model   string
	client  *http.Client
}

func newBase(baseURL, model string, client *http.Client) base {
	if client == nil {
		client = &http.Client{}
	}
	return base{baseURL: strings.TrimRight(baseURL, "/"), model: model, client: client}
}

// Model returns the model id the server was configured with.
func (b base) Model() string { return b.model }

func (b base) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("tei %s: marshal: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tei %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("tei %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tei %s decode: %w", path, err)
	}
	return nil
}

// StatusError is returned for a non-200 response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tei %s: status %d", e.Path, e.Code)
	}
	return fmt.Sprintf("tei %s: status %d: %s", e.Path, e.Code, e.Body)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// EmbedClient turns text into a sentence embedding.
type EmbedClient struct {
	base
}

// NewEmbedClient creates an embedding client. A nil http.Client uses a
// zero-value client; deadlines come from the caller's context.
func NewEmbedClient(baseURL, model string, client *http.Client) *EmbedClient {
	return &EmbedClient{base: newBase(baseURL, model, client)}
}

type embedReq struct {
	Inputs    string `json:"inputs"`
	Normalize bool   `json:"normalize"`
	Truncate  bool   `json:"truncate"`
}

// Embed returns the normalized embedding of text.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out [][]float32
	if err := c.post(ctx, "/embed", embedReq{Inputs: text, Normalize: true, Truncate: true}, &out); err != nil {
		return nil, err
	}
	if len(out) != 1 || len(out[0]) == 0 {
		return nil, fmt.Errorf("tei /embed: expected one embedding, got %d", len(out))
	}
	return out[0], nil
}

// RerankClient scores (query, passage) pairs with a cross-encoder.
type RerankClient struct {
	base
}

// NewRerankClient creates a cross-encoder client.
func NewRerankClient(baseURL, model string, client *http.Client) *RerankClient {
	return &RerankClient{base: newBase(baseURL, model, client)}
}

type rerankReq struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type rerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score returns the relevance of text to query. Higher is more relevant.
func (c *RerankClient) Score(ctx context.Context, query, text string) (float64, error) {
	var hits []rerankHit
	if err := c.post(ctx, "/rerank", rerankReq{Query: query, Texts: []string{text}, RawScores: true, Truncate: true}, &hits); err != nil {
		return 0, err
	}
	for _, h := range hits {
		if h.Index == 0 {
			return h.Score, nil
		}
	}
	return 0, fmt.Errorf("tei /rerank: no score in response")
}
