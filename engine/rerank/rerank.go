// Package rerank reorders retrieved chunks with a cross-encoder that scores
// each (query, passage) pair jointly.
package rerank

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/pkg/fn"
)

// Scorer scores one (query, passage) pair. Higher is more relevant.
type Scorer interface {
	Score(ctx context.Context, query, text string) (float64, error)
}

// Options configures a Reranker.
type Options struct {
	TopN    int
	Workers int
	Timeout time.Duration // per pair
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{TopN: 3, Workers: 4, Timeout: 3 * time.Second}
}

// Outcome is the reranked list. Degraded is set when no pair could be scored
// and the retriever order was kept.
type Outcome struct {
	Results  []domain.SearchResult
	Degraded bool
	Dropped  int
}

// Reranker scores candidates on a bounded worker pool.
type Reranker struct {
	scorer Scorer
	opts   Options
	logger *slog.Logger
}

// New creates a Reranker.
func New(scorer Scorer, opts Options, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultOptions().TopN
	}
	return &Reranker{scorer: scorer, opts: opts, logger: logger}
}

// TopN returns the configured result bound.
func (r *Reranker) TopN() int { return r.opts.TopN }

// Rerank returns at most min(len(candidates), TopN) results ordered by
// descending cross-encoder score. Pairs that fail to score are dropped. When
// every pair fails the first TopN candidates are returned in retriever order.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.SearchResult) Outcome {
	if len(candidates) == 0 {
		return Outcome{Results: []domain.SearchResult{}}
	}
	limit := min(len(candidates), r.opts.TopN)

	scores := fn.ParMapResult(ctx, candidates, r.opts.Workers, func(ctx context.Context, c domain.SearchResult) fn.Result[float64] {
		if r.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()
		}
		return fn.FromPair(r.scorer.Score(ctx, query, c.Chunk.Text))
	})

	scored := make([]domain.SearchResult, 0, len(candidates))
	dropped := 0
	for i, s := range scores {
		v, err := s.Unwrap()
		if err != nil {
			dropped++
			r.logger.Warn("rerank: pair dropped",
				"kind", domain.KindRerankDegraded, "chunk", candidates[i].Chunk.ID, "err", err)
			continue
		}
		c := candidates[i]
		c.RerankScore = &v
		scored = append(scored, c)
	}

	if len(scored) == 0 {
		r.logger.Warn("rerank: no pair scored, keeping retriever order",
			"kind", domain.KindRerankDegraded, "candidates", len(candidates))
		out := make([]domain.SearchResult, limit)
		copy(out, candidates[:limit])
		return Outcome{Results: out, Degraded: true, Dropped: dropped}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].RerankScore > *scored[j].RerankScore
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return Outcome{Results: scored, Dropped: dropped}
}
