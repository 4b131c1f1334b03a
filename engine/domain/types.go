// Package domain defines the request, response and provenance types shared by
// every stage of the query pipeline, plus the error taxonomy and the request
// validation gate that runs before any external call is made.
package domain

import (
	"encoding/json"
	"time"
)

// Chunk is a bounded passage of policy text with page provenance. Chunks are
// owned by the vector store and never mutated by the pipeline.
type Chunk struct {
	ID             string
	Text           string
	Embedding      []float32
	SourceDocument string // policy name
	PageNumber     string // page label as stored, e.g. "Page 9"
}

// Provenance identifies where a passage came from.
type Provenance struct {
	PolicyName string
	Page       string
}

// Provenance returns the (policy, page) pair backing the chunk.
func (c Chunk) Provenance() Provenance {
	return Provenance{PolicyName: c.SourceDocument, Page: c.PageNumber}
}

// DocumentMetadata is the serialized provenance of a search result.
type DocumentMetadata struct {
	PolicyName string `json:"policy_name"`
	PageNo     string `json:"page_no"`
}

// SearchResult is one retrieved chunk with its scores. Similarity is the
// store's cosine similarity; Distance is 1 - Similarity. RerankScore is set
// only once the cross-encoder scored the pair.
type SearchResult struct {
	Chunk       Chunk
	Similarity  float64
	Distance    float64
	RerankScore *float64
}

type searchResultJSON struct {
	DocumentID  string           `json:"document_id"`
	Content     string           `json:"content"`
	Distance    float64          `json:"distance"`
	Similarity  float64          `json:"similarity"`
	RerankScore *float64         `json:"rerank_score,omitempty"`
	Metadata    DocumentMetadata `json:"metadata"`
}

// MarshalJSON flattens the chunk reference into the wire shape. The page
// label is normalized the same way citations are, so the two always match.
func (r SearchResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(searchResultJSON{
		DocumentID:  r.Chunk.ID,
		Content:     r.Chunk.Text,
		Distance:    r.Distance,
		Similarity:  r.Similarity,
		RerankScore: r.RerankScore,
		Metadata: DocumentMetadata{
			PolicyName: r.Chunk.SourceDocument,
			PageNo:     NormalizePage(r.Chunk.PageNumber),
		},
	})
}

// UnmarshalJSON restores a result from its wire shape. The embedding is not
// part of the wire shape.
func (r *SearchResult) UnmarshalJSON(data []byte) error {
	var w searchResultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = SearchResult{
		Chunk: Chunk{
			ID:             w.DocumentID,
			Text:           w.Content,
			SourceDocument: w.Metadata.PolicyName,
			PageNumber:     w.Metadata.PageNo,
		},
		Similarity:  w.Similarity,
		Distance:    w.Distance,
		RerankScore: w.RerankScore,
	}
	return nil
}

// Citation points from an answer back to the pages of one policy that
// support it. PageNumbers are deduplicated and sorted by page number.
type Citation struct {
	PolicyName  string   `json:"policy_name"`
	PageNumbers []string `json:"page_numbers"`
}

// QueryRequest is the JSON body for POST /query.
type QueryRequest struct {
	Query           string `json:"query" validate:"required,max=1000"`
	IncludeMetadata *bool  `json:"include_metadata,omitempty"`
	MaxResults      *int   `json:"max_results,omitempty" validate:"omitempty,min=1,max=20"`
}

// WantMetadata reports whether search results should be echoed back.
func (q QueryRequest) WantMetadata() bool {
	return q.IncludeMetadata == nil || *q.IncludeMetadata
}

// Limit returns the requested retrieval K or def when unset.
func (q QueryRequest) Limit(def int) int {
	if q.MaxResults == nil {
		return def
	}
	return *q.MaxResults
}

// QueryResponse is the answer to one query.
type QueryResponse struct {
	Query            string         `json:"query"`
	Response         string         `json:"response"`
	Citations        []Citation     `json:"citations"`
	SearchResults    []SearchResult `json:"search_results"`
	FromCache        bool           `json:"from_cache"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	Timestamp        time.Time      `json:"timestamp"`
}

// SearchRequest is the JSON body for POST /search.
type SearchRequest struct {
	Query string `json:"query" validate:"required,max=1000"`
}

// SearchResponse carries reranked results without a generated answer.
type SearchResponse struct {
	Query            string         `json:"query"`
	SearchResults    []SearchResult `json:"search_results"`
	FromCache        bool           `json:"from_cache"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Vector store status values reported by GET /health.
const (
	StoreReady       = "Ready"
	StoreEmpty       = "Empty"
	StoreUnavailable = "Unavailable"
)

// HealthResponse is the JSON body for GET /health.
type HealthResponse struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	VectorStoreStatus string    `json:"vector_store_status"`
	TotalDocuments    int64     `json:"total_documents"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
}
