package rerank

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/policyqa/engine/domain"
)

type scoreFunc func(ctx context.Context, query, text string) (float64, error)

func (f scoreFunc) Score(ctx context.Context, query, text string) (float64, error) {
	return f(ctx, query, text)
}

// byText scores passages from a table; unknown passages fail.
func byText(table map[string]float64) Scorer {
	return scoreFunc(func(_ context.Context, _, text string) (float64, error) {
		if v, ok := table[text]; ok {
			return v, nil
		}
		return 0, errors.New("model error")
	})
}

func candidates(texts ...string) []domain.SearchResult {
	out := make([]domain.SearchResult, len(texts))
	for i, t := range texts {
		out[i] = domain.SearchResult{Chunk: domain.Chunk{ID: t, Text: t}, Similarity: 1 - float64(i)*0.1}
	}
	return out
}

func ids(rs []domain.SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestRerank_OrdersByScore(t *testing.T) {
	r := New(byText(map[string]float64{"a": 0.1, "b": 0.9, "c": 0.5, "d": 0.7}), Options{TopN: 3, Workers: 2}, nil)
	out := r.Rerank(context.Background(), "q", candidates("a", "b", "c", "d"))
	assert.Equal(t, []string{"b", "d", "c"}, ids(out.Results))
	assert.False(t, out.Degraded)
	require.NotNil(t, out.Results[0].RerankScore)
	assert.Equal(t, 0.9, *out.Results[0].RerankScore)
}

func TestRerank_Bound(t *testing.T) {
	table := map[string]float64{}
	for i := 0; i < 12; i++ {
		table[fmt.Sprint(i)] = float64(i)
	}
	for _, m := range []int{0, 1, 2, 3, 4, 12} {
		for _, k := range []int{1, 3, 5} {
			texts := make([]string, m)
			for i := range texts {
				texts[i] = fmt.Sprint(i)
			}
			out := New(byText(table), Options{TopN: k, Workers: 3}, nil).Rerank(context.Background(), "q", candidates(texts...))
			assert.LessOrEqual(t, len(out.Results), min(m, k), "m=%d k=%d", m, k)
			assert.Equal(t, min(m, k), len(out.Results), "m=%d k=%d", m, k)
		}
	}
}

func TestRerank_Empty(t *testing.T) {
	var called atomic.Int32
	s := scoreFunc(func(context.Context, string, string) (float64, error) { called.Add(1); return 0, nil })
	out := New(s, DefaultOptions(), nil).Rerank(context.Background(), "q", nil)
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)
	assert.Zero(t, called.Load())
}

func TestRerank_DropsFailedPairs(t *testing.T) {
	r := New(byText(map[string]float64{"a": 0.2, "c": 0.8}), Options{TopN: 3, Workers: 4}, nil)
	out := r.Rerank(context.Background(), "q", candidates("a", "b", "c"))
	assert.Equal(t, []string{"c", "a"}, ids(out.Results))
	assert.Equal(t, 1, out.Dropped)
	assert.False(t, out.Degraded)
}

func TestRerank_AllFailKeepsRetrieverOrder(t *testing.T) {
	r := New(byText(nil), Options{TopN: 2, Workers: 4}, nil)
	out := r.Rerank(context.Background(), "q", candidates("a", "b", "c"))
	assert.True(t, out.Degraded)
	assert.Equal(t, []string{"a", "b"}, ids(out.Results))
	assert.Nil(t, out.Results[0].RerankScore)
}

func TestRerank_PerPairTimeout(t *testing.T) {
	s := scoreFunc(func(ctx context.Context, _, text string) (float64, error) {
		if text == "slow" {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 1, nil
	})
	r := New(s, Options{TopN: 3, Workers: 2, Timeout: 10 * time.Millisecond}, nil)
	out := r.Rerank(context.Background(), "q", candidates("fast", "slow"))
	assert.Equal(t, []string{"fast"}, ids(out.Results))
	assert.Equal(t, 1, out.Dropped)
}

func TestRerank_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	s := scoreFunc(func(context.Context, string, string) (float64, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 1, nil
	})
	New(s, Options{TopN: 3, Workers: 2}, nil).Rerank(context.Background(), "q", candidates("a", "b", "c", "d", "e", "f"))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRerank_DoesNotMutateInput(t *testing.T) {
	in := candidates("a", "b")
	New(byText(map[string]float64{"a": 1, "b": 2}), DefaultOptions(), nil).Rerank(context.Background(), "q", in)
	assert.Nil(t, in[0].RerankScore)
	assert.Equal(t, "a", in[0].Chunk.ID)
}
