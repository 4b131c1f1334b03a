// Package retrieve runs the k-nearest-neighbour lookup against the vector
// store, with per-attempt timeouts and bounded retry on transient faults.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/pkg/fn"
)

// VectorSearcher is the vector store contract. *semantic.VectorStore
// satisfies it.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]domain.SearchResult, error)
	Count(ctx context.Context) (int64, error)
}

// Options configures a Retriever.
type Options struct {
	// Retries is the number of extra attempts after a transient failure.
	Retries int
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Backoff is the wait before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Retries: 2,
		Timeout: 5 * time.Second,
		Backoff: 100 * time.Millisecond,
	}
}

// Retriever wraps a VectorSearcher with the query path's failure semantics.
type Retriever struct {
	store  VectorSearcher
	opts   Options
	logger *slog.Logger
}

// New creates a Retriever.
func New(store VectorSearcher, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, opts: opts, logger: logger}
}

// Search returns up to k results ordered by descending similarity. An empty
// corpus yields an empty slice. A store that stays unreachable after the
// retry budget yields an error wrapping domain.ErrRetrievalUnavailable; if
// the caller's context ended first, its error is returned instead.
func (r *Retriever) Search(ctx context.Context, embedding []float32, k int) ([]domain.SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("retrieve: search: k must be positive, got %d", k)
	}

	res := fn.Retry(ctx, r.retryOpts(ctx, "search"), func(ctx context.Context) fn.Result[[]domain.SearchResult] {
		actx, cancel := r.attemptCtx(ctx)
		defer cancel()
		return fn.FromPair(r.store.Search(actx, embedding, k))
	})
	results, err := res.Unwrap()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("retrieve: search: %w", ctx.Err())
		}
		return nil, fmt.Errorf("retrieve: search: %w: %w", domain.ErrRetrievalUnavailable, err)
	}

	if results == nil {
		results = []domain.SearchResult{}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of chunks in the store.
func (r *Retriever) Count(ctx context.Context) (int64, error) {
	actx, cancel := r.attemptCtx(ctx)
	defer cancel()
	n, err := r.store.Count(actx)
	if err != nil {
		return 0, fmt.Errorf("retrieve: count: %w: %w", domain.ErrRetrievalUnavailable, err)
	}
	return n, nil
}

func (r *Retriever) attemptCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func (r *Retriever) retryOpts(ctx context.Context, op string) fn.RetryOpts {
	return fn.RetryOpts{
		MaxAttempts: r.opts.Retries + 1,
		InitialWait: r.opts.Backoff,
		MaxWait:     2 * time.Second,
		Jitter:      true,
		Retryable: func(err error) bool {
			return ctx.Err() == nil && Transient(err)
		},
		OnRetry: func(attempt int, err error) {
			r.logger.Warn("retrieve: transient failure, retrying", "op", op, "attempt", attempt, "err", err)
		},
	}
}

// Transient reports whether err is a vector store fault worth retrying.
func Transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}
