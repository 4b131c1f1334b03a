package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/WessleyAI/policyqa/engine/cache"
	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/engine/rag"
	"github.com/WessleyAI/policyqa/pkg/metrics"
	"github.com/WessleyAI/policyqa/pkg/mid"
)

const maxBodyBytes = 64 << 10

// queryService is the orchestrator surface the HTTP layer needs.
type queryService interface {
	Query(ctx context.Context, reqID string, req domain.QueryRequest) (*rag.Outcome, error)
	Search(ctx context.Context, reqID string, req domain.SearchRequest) (*domain.SearchResponse, error)
	Health(ctx context.Context) (domain.HealthResponse, bool)
}

type server struct {
	svc        queryService
	pipeline   *metrics.Pipeline
	cacheStats func() cache.Stats
	corsOrigin string
	logger     *slog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		mid.RequestID(),
		mid.Recover(s.logger),
		mid.Logger(s.logger),
		mid.Metrics(s.pipeline.Registry()),
		mid.CORS(s.corsOrigin),
	)

	r.Get("/", s.handleInfo)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/query", s.handleQuery)
	r.Post("/search", s.handleSearch)

	return mid.OTel("policyqa")(r)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    domain.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and envelope. Cancelled requests get no
// response: the client is gone.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	s.pipeline.ObserveError(string(kind))
	log := s.logger.With("request_id", mid.RequestIDFrom(r.Context()), "kind", kind)
	if kind == domain.KindCanceled {
		log.Debug("request cancelled by client")
		return
	}
	status := domain.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: domain.PublicMessage(err)}})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		msg := "request body must be a JSON object"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		} else if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		return domain.NewError(domain.KindValidation, msg, errors.Join(domain.ErrInvalidQuery, err))
	}
	return nil
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.Query(r.Context(), mid.RequestIDFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Response)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req domain.SearchRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Search(r.Context(), mid.RequestIDFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.svc.Health(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cacheStats != nil {
		st := s.cacheStats()
		s.pipeline.SetCache(st.Size, st.Hits, st.Misses, st.Evictions)
	}
	s.pipeline.Registry().Handler().ServeHTTP(w, r)
}

type endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

type info struct {
	Service   string     `json:"service"`
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Endpoints []endpoint `json:"endpoints"`
}

func (s *server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, info{
		Service:   "policyqa",
		Status:    "running",
		Timestamp: time.Now().UTC(),
		Endpoints: []endpoint{
			{http.MethodPost, "/query", "Answer a question with citations"},
			{http.MethodPost, "/search", "Retrieve and rerank excerpts without generation"},
			{http.MethodGet, "/health", "Vector store status and document count"},
			{http.MethodGet, "/metrics", "Prometheus metrics"},
		},
	})
}
