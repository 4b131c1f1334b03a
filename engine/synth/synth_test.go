package synth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/pkg/resilience"
)

const gracePolicy = "Principal-Sample-Life-Insurance-Policy"

type fakeGen struct {
	calls   atomic.Int32
	prompts []string
	replies []string // consumed per call
	errs    []error
}

func (f *fakeGen) Generate(_ context.Context, prompt string) (string, error) {
	n := int(f.calls.Add(1)) - 1
	f.prompts = append(f.prompts, prompt)
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func chunk(id, policy, page, text string) domain.SearchResult {
	return domain.SearchResult{Chunk: domain.Chunk{ID: id, Text: text, SourceDocument: policy, PageNumber: page}}
}

func graceChunk() domain.SearchResult {
	return chunk("c9", gracePolicy, "Page 9",
		"A grace period of 31 days will be allowed for payment of each premium after the first.")
}

func fastOpts() Options {
	return Options{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}
}

func TestSynthesize_GracePeriod(t *testing.T) {
	gen := &fakeGen{replies: []string{
		"The policy allows a grace period of 31 days for premium payments [" + gracePolicy + ", Page 9].\n\n" +
			"**Citations:**\n- [" + gracePolicy + ", Page 9]",
	}}
	s := New(gen, fastOpts(), nil)

	out, err := s.Synthesize(context.Background(), "What is the grace period for premium payments?", []domain.SearchResult{graceChunk()})
	require.NoError(t, err)
	assert.Equal(t, []domain.Citation{{PolicyName: gracePolicy, PageNumbers: []string{"Page 9"}}}, out.Citations)
	assert.NotContains(t, out.Answer, "Citations:")
	assert.Contains(t, out.Answer, "31 days")
	assert.False(t, out.Degraded)
	assert.Empty(t, out.Rejected)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "["+gracePolicy+", Page 9]")
	assert.Contains(t, gen.prompts[0], "What is the grace period for premium payments?")
}

func TestSynthesize_DropsHallucinatedCitations(t *testing.T) {
	gen := &fakeGen{replies: []string{
		"31 days [" + gracePolicy + ", Page 9]. Also see [" + gracePolicy + ", Page 44] and [Made-Up-Policy, Page 1].",
	}}
	out, err := New(gen, fastOpts(), nil).Synthesize(context.Background(), "q", []domain.SearchResult{graceChunk()})
	require.NoError(t, err)
	assert.Equal(t, []domain.Citation{{PolicyName: gracePolicy, PageNumbers: []string{"Page 9"}}}, out.Citations)
	assert.ElementsMatch(t, []domain.Provenance{
		{PolicyName: gracePolicy, Page: "Page 44"},
		{PolicyName: "Made-Up-Policy", Page: "Page 1"},
	}, out.Rejected)
}

func TestSynthesize_CitationsSubsetOfRanked(t *testing.T) {
	ranked := []domain.SearchResult{
		chunk("a", "Policy-A", "Page 3", "a"),
		chunk("b", "Policy-A", "Page 12", "b"),
		chunk("c", "Policy-B", "Page 1", "c"),
	}
	gen := &fakeGen{replies: []string{
		"x [Policy-A, Page 12] y [Policy-A, page 3] z [Policy-B, p. 1] w [Policy-B, Page 2] [Policy-A, Page 12]",
	}}
	out, err := New(gen, fastOpts(), nil).Synthesize(context.Background(), "q", ranked)
	require.NoError(t, err)

	backed := map[domain.Provenance]bool{}
	for _, r := range ranked {
		backed[r.Chunk.Provenance()] = true
	}
	for _, c := range out.Citations {
		for _, p := range c.PageNumbers {
			assert.True(t, backed[domain.Provenance{PolicyName: c.PolicyName, Page: p}], "%s %s", c.PolicyName, p)
		}
	}
	assert.Equal(t, []domain.Citation{
		{PolicyName: "Policy-A", PageNumbers: []string{"Page 3", "Page 12"}},
		{PolicyName: "Policy-B", PageNumbers: []string{"Page 1"}},
	}, out.Citations)
}

func TestSynthesize_EmptyRankedSkipsModel(t *testing.T) {
	gen := &fakeGen{replies: []string{"should not be called"}}
	out, err := New(gen, fastOpts(), nil).Synthesize(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, NoRelevantInformation, out.Answer)
	assert.NotNil(t, out.Citations)
	assert.Empty(t, out.Citations)
	assert.True(t, out.NoContext)
	assert.Zero(t, gen.calls.Load())
}

func TestSynthesize_RetriesThenSucceeds(t *testing.T) {
	gen := &fakeGen{
		errs:    []error{errors.New("503"), nil},
		replies: []string{"", "ok [" + gracePolicy + ", Page 9]"},
	}
	out, err := New(gen, fastOpts(), nil).Synthesize(context.Background(), "q", []domain.SearchResult{graceChunk()})
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.EqualValues(t, 2, gen.calls.Load())
}

func TestSynthesize_DegradesAfterAttempts(t *testing.T) {
	fail := errors.New("upstream 500")
	gen := &fakeGen{errs: []error{fail, fail, fail}, replies: []string{""}}
	ranked := []domain.SearchResult{graceChunk(), chunk("c2", "Policy-B", "page 4", "Premiums are payable monthly.")}

	out, err := New(gen, fastOpts(), nil).Synthesize(context.Background(), "q", ranked)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.EqualValues(t, 3, gen.calls.Load())
	assert.True(t, strings.HasPrefix(out.Answer, GenerationUnavailable))
	assert.Contains(t, out.Answer, ranked[0].Chunk.Text)
	assert.Contains(t, out.Answer, ranked[1].Chunk.Text)
	assert.Equal(t, []domain.Citation{
		{PolicyName: gracePolicy, PageNumbers: []string{"Page 9"}},
		{PolicyName: "Policy-B", PageNumbers: []string{"Page 4"}},
	}, out.Citations)
}

func TestSynthesize_EmptyCompletionIsFailure(t *testing.T) {
	gen := &fakeGen{replies: []string{"   "}}
	out, err := New(gen, fastOpts(), nil).Synthesize(context.Background(), "q", []domain.SearchResult{graceChunk()})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
}

func TestSynthesize_OpenBreakerDegradesWithoutRetry(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	fail := errors.New("down")
	gen := &fakeGen{errs: []error{fail, fail, fail, fail}, replies: []string{""}}
	s := New(gen, fastOpts(), nil, WithBreaker(b))

	_, err := s.Synthesize(context.Background(), "q", []domain.SearchResult{graceChunk()})
	require.NoError(t, err)
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.EqualValues(t, 1, gen.calls.Load(), "open breaker must short-circuit remaining attempts")

	out, err := s.Synthesize(context.Background(), "q", []domain.SearchResult{graceChunk()})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.EqualValues(t, 1, gen.calls.Load())
}

func TestSynthesize_LimiterPacesCalls(t *testing.T) {
	l := resilience.NewLimiter(resilience.LimiterOpts{Rate: 1000, Burst: 1})
	gen := &fakeGen{replies: []string{"ok [" + gracePolicy + ", Page 9]"}}
	s := New(gen, fastOpts(), nil, WithLimiter(l))
	for i := 0; i < 3; i++ {
		out, err := s.Synthesize(context.Background(), "q", []domain.SearchResult{graceChunk()})
		require.NoError(t, err)
		assert.False(t, out.Degraded)
	}
}

func TestSynthesize_ContextCancelledIsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &fakeGen{errs: []error{context.Canceled}, replies: []string{""}}
	_, err := New(gen, fastOpts(), nil).Synthesize(ctx, "q", []domain.SearchResult{graceChunk()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
