// Package rag orchestrates the query pipeline. A question is embedded and
// checked against the semantic cache; on a miss it is answered by vector
// retrieval, cross-encoder reranking and citation-checked synthesis, and the
// answer is cached.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/policyqa/engine/cache"
	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/engine/rerank"
	"github.com/WessleyAI/policyqa/engine/synth"
	"github.com/WessleyAI/policyqa/pkg/fn"
)

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cache is the semantic answer cache.
type Cache interface {
	Lookup(ctx context.Context, embedding []float32) (*cache.Entry, bool)
	Store(ctx context.Context, queryText string, embedding []float32, payload domain.QueryResponse) cache.Entry
}

// Retriever finds the chunks nearest to an embedding.
type Retriever interface {
	Search(ctx context.Context, embedding []float32, k int) ([]domain.SearchResult, error)
	Count(ctx context.Context) (int64, error)
}

// Reranker reorders retrieved chunks.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []domain.SearchResult) rerank.Outcome
}

// Synthesizer writes the cited answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, ranked []domain.SearchResult) (synth.Synthesis, error)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Embedder    Embedder
	Cache       Cache
	Retriever   Retriever
	Reranker    Reranker
	Synthesizer Synthesizer
}

// Options configures the pipeline behaviour.
type Options struct {
	// SearchLimit is the retrieval K when the request does not set one.
	SearchLimit int
	// EmbedTimeout bounds each embedding call.
	EmbedTimeout time.Duration
	// HealthTimeout bounds the store count behind Health.
	HealthTimeout time.Duration
	// RequestTimeout is the budget for a whole request.
	RequestTimeout time.Duration
	// EmbedConcurrency caps embedding calls in flight across requests.
	EmbedConcurrency int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		SearchLimit:      10,
		EmbedTimeout:     10 * time.Second,
		HealthTimeout:    3 * time.Second,
		RequestTimeout:   90 * time.Second,
		EmbedConcurrency: 8,
	}
}

// Outcome is one answered query plus the degradations that shaped it.
type Outcome struct {
	RequestID      string
	Response       domain.QueryResponse
	Degraded       bool // synthesis fell back to excerpts
	RerankDegraded bool
	Rejected       int // citations dropped as unbacked
	Cached         bool
}

// Listener is told about every answered query after it reaches DONE. Listeners
// run in the background, in registration order, after Query has returned.
type Listener func(ctx context.Context, out Outcome)

// Service is the query orchestrator.
type Service struct {
	deps      Deps
	opts      Options
	embedSem  fn.Semaphore
	observer  Observer
	listeners []Listener
	pending   sync.WaitGroup
	logger    *slog.Logger
	now       func() time.Time
	started   time.Time

	embed    fn.Stage[string, []float32]
	retrieve fn.Stage[retrieval, []domain.SearchResult]
	rerank   fn.Stage[reranking, rerank.Outcome]
	generate fn.Stage[reranking, synth.Synthesis]
}

type retrieval struct {
	embedding []float32
	k         int
}

type reranking struct {
	query   string
	results []domain.SearchResult
}

// Option customizes a Service.
type Option func(*Service)

// WithObserver reports every lifecycle transition to o.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithListener adds l to the answered-query listeners.
func WithListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(deps Deps, opts Options, logger *slog.Logger, options ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultOptions().SearchLimit
	}
	s := &Service{
		deps:     deps,
		opts:     opts,
		embedSem: fn.NewSemaphore(opts.EmbedConcurrency),
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range options {
		o(s)
	}
	s.started = s.now()

	s.embed = fn.TracedStage("rag.embed", fn.TimeoutStage(opts.EmbedTimeout, s.embedQuery))
	s.retrieve = fn.TracedStage("rag.retrieve", func(ctx context.Context, in retrieval) fn.Result[[]domain.SearchResult] {
		return fn.FromPair(s.deps.Retriever.Search(ctx, in.embedding, in.k))
	})
	s.rerank = fn.TracedStage("rag.rerank", func(ctx context.Context, in reranking) fn.Result[rerank.Outcome] {
		return fn.Ok(s.deps.Reranker.Rerank(ctx, in.query, in.results))
	})
	s.generate = fn.TracedStage("rag.synthesize", func(ctx context.Context, in reranking) fn.Result[synth.Synthesis] {
		return fn.FromPair(s.deps.Synthesizer.Synthesize(ctx, in.query, in.results))
	})
	return s
}

func (s *Service) embedQuery(ctx context.Context, text string) fn.Result[[]float32] {
	if err := s.embedSem.Acquire(ctx); err != nil {
		return fn.Err[[]float32](err)
	}
	defer s.embedSem.Release()
	return fn.FromPair(s.deps.Embedder.Embed(ctx, text))
}

// Query answers one question. It returns exactly one of a response or an
// error; errors are *domain.Error values classified for the caller.
func (s *Service) Query(ctx context.Context, reqID string, req domain.QueryRequest) (*Outcome, error) {
	start := s.now()
	lc := newLifecycle(reqID, s.observer)
	log := s.logger.With("request_id", reqID)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("policyqa.request_id", reqID))

	if err := domain.ValidateQueryRequest(&req); err != nil {
		lc.fail()
		return nil, err
	}

	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	out, err := s.run(ctx, lc, log, req)
	if err != nil {
		err = classify(ctx, err)
		at := lc.current()
		if lc.fail() {
			log.Warn("rag: query failed", "state", at.String(), "kind", domain.KindOf(err), "err", err)
		}
		return nil, err
	}

	out.RequestID = reqID
	out.Response.ProcessingTimeMS = float64(s.now().Sub(start).Microseconds()) / 1000
	out.Response.Timestamp = s.now().UTC()
	if !req.WantMetadata() {
		// Always an array on the wire, never null.
		out.Response.SearchResults = []domain.SearchResult{}
	}
	if err := lc.to(StateDone); err != nil {
		return nil, classify(ctx, err)
	}

	log.Info("rag: query answered",
		"from_cache", out.Response.FromCache,
		"citations", len(out.Response.Citations),
		"degraded", out.Degraded,
		"rerank_degraded", out.RerankDegraded,
		"ms", out.Response.ProcessingTimeMS)

	s.notify(context.WithoutCancel(ctx), log, *out)
	return out, nil
}

func (s *Service) notify(ctx context.Context, log *slog.Logger, out Outcome) {
	if len(s.listeners) == 0 {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("rag: listener panicked", "panic", fmt.Sprint(r))
			}
		}()
		for _, l := range s.listeners {
			l(ctx, out)
		}
	}()
}

// Wait blocks until every listener dispatched so far has returned. Call it
// before closing anything a listener writes to.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) run(ctx context.Context, lc *lifecycle, log *slog.Logger, req domain.QueryRequest) (*Outcome, error) {
	if err := lc.to(StateCacheCheck); err != nil {
		return nil, err
	}
	embedding, err := s.embed.Run(ctx, req.Query).Unwrap()
	if err != nil {
		return nil, embedFailure(ctx, err)
	}

	if entry, ok := s.deps.Cache.Lookup(ctx, embedding); ok {
		if err := lc.to(StateCacheHit); err != nil {
			return nil, err
		}
		resp := entry.Payload
		resp.Query = req.Query
		resp.FromCache = true
		if err := lc.to(StateResponding); err != nil {
			return nil, err
		}
		return &Outcome{Response: resp, Cached: true}, nil
	}

	if err := lc.to(StateCacheMiss); err != nil {
		return nil, err
	}
	if err := lc.to(StateRetrieving); err != nil {
		return nil, err
	}
	k := req.Limit(s.opts.SearchLimit)
	retrieved, err := s.retrieve.Run(ctx, retrieval{embedding: embedding, k: k}).Unwrap()
	if err != nil {
		return nil, err
	}
	log.Debug("rag: retrieved", "k", k, "results", len(retrieved))

	if err := lc.to(StateReranking); err != nil {
		return nil, err
	}
	ranked, _ := s.rerank.Run(ctx, reranking{query: req.Query, results: retrieved}).Unwrap()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := lc.to(StateSynthesizing); err != nil {
		return nil, err
	}
	syn, err := s.generate.Run(ctx, reranking{query: req.Query, results: ranked.Results}).Unwrap()
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Response: domain.QueryResponse{
			Query:         req.Query,
			Response:      syn.Answer,
			Citations:     syn.Citations,
			SearchResults: ranked.Results,
		},
		Degraded:       syn.Degraded,
		RerankDegraded: ranked.Degraded,
		Rejected:       len(syn.Rejected),
	}

	if err := lc.to(StateCacheWrite); err != nil {
		return nil, err
	}
	switch {
	case syn.Degraded || ranked.Degraded:
		log.Info("rag: degraded answer not cached", "synthesis_degraded", syn.Degraded, "rerank_degraded", ranked.Degraded)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		s.deps.Cache.Store(ctx, req.Query, embedding, out.Response)
	}

	if err := lc.to(StateResponding); err != nil {
		return nil, err
	}
	return out, nil
}

// Search runs retrieval and reranking only. It neither reads nor writes the
// cache and makes no generation call.
func (s *Service) Search(ctx context.Context, reqID string, req domain.SearchRequest) (*domain.SearchResponse, error) {
	start := s.now()
	if err := domain.ValidateSearchRequest(&req); err != nil {
		return nil, err
	}
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	embedding, err := s.embed.Run(ctx, req.Query).Unwrap()
	if err != nil {
		return nil, classify(ctx, embedFailure(ctx, err))
	}
	retrieved, err := s.retrieve.Run(ctx, retrieval{embedding: embedding, k: s.opts.SearchLimit}).Unwrap()
	if err != nil {
		return nil, classify(ctx, err)
	}
	ranked, _ := s.rerank.Run(ctx, reranking{query: req.Query, results: retrieved}).Unwrap()

	s.logger.Info("rag: search answered", "request_id", reqID, "results", len(ranked.Results), "rerank_degraded", ranked.Degraded)
	return &domain.SearchResponse{
		Query:            req.Query,
		SearchResults:    ranked.Results,
		FromCache:        false,
		ProcessingTimeMS: float64(s.now().Sub(start).Microseconds()) / 1000,
		Timestamp:        s.now().UTC(),
	}, nil
}

// Health reports the vector store's reachability and size. ok is false when
// the store could not be reached.
func (s *Service) Health(ctx context.Context) (resp domain.HealthResponse, ok bool) {
	if s.opts.HealthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HealthTimeout)
		defer cancel()
	}
	now := s.now()
	resp = domain.HealthResponse{
		Timestamp:     now.UTC(),
		UptimeSeconds: now.Sub(s.started).Seconds(),
	}

	n, err := s.deps.Retriever.Count(ctx)
	switch {
	case err != nil:
		s.logger.Warn("rag: health count failed", "kind", domain.KindRetrievalUnavailable, "err", err)
		resp.Status = "Degraded"
		resp.VectorStoreStatus = domain.StoreUnavailable
		return resp, false
	case n == 0:
		resp.Status = "Ready"
		resp.VectorStoreStatus = domain.StoreEmpty
	default:
		resp.Status = "Ready"
		resp.VectorStoreStatus = domain.StoreReady
	}
	resp.TotalDocuments = n
	return resp, true
}

// embedFailure classifies an embedding error. Without a query vector
// nothing can be retrieved, so it is reported as retrieval unavailable.
func embedFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return domain.NewError(domain.KindRetrievalUnavailable, "embedding service unavailable",
		fmt.Errorf("rag: embed query: %w: %w", domain.ErrEmbeddingUnavailable, err))
}

// classify turns a pipeline error into a *domain.Error. An ended request
// context wins over the stage's own error.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return domain.NewError(domain.KindTimeout, "request budget exhausted", err)
		}
		return domain.NewError(domain.KindCanceled, "request cancelled", err)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindRetrievalUnavailable:
		return domain.NewError(kind, "vector store unavailable", err)
	case domain.KindTimeout:
		return domain.NewError(kind, "stage timed out", err)
	default:
		return domain.NewError(domain.KindInternal, "query pipeline failed", err)
	}
}
