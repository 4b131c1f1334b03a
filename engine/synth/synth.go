// Package synth turns reranked policy excerpts into a cited answer. Every
// citation the model emits is checked against the excerpts it was shown;
// unbacked citations never reach the caller.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/pkg/fn"
	"github.com/WessleyAI/policyqa/pkg/resilience"
)

// NoRelevantInformation is the fixed answer when retrieval found nothing.
const NoRelevantInformation = "No relevant information was found in the policy documents for this question."

// GenerationUnavailable prefixes a degraded answer made of raw excerpts.
const GenerationUnavailable = "[Answer generation unavailable] The language model could not be reached. The most relevant policy excerpts are reproduced below."

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options configures a Synthesizer.
type Options struct {
	// Attempts is the total number of generation calls before degrading.
	Attempts int
	Backoff  time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
	// Timeout bounds each generation call.
	Timeout time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Attempts:   3,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 4 * time.Second,
		Timeout:    30 * time.Second,
	}
}

// Synthesis is the outcome of one synthesis.
type Synthesis struct {
	Answer    string
	Citations []domain.Citation
	// Rejected holds model citations with no backing excerpt.
	Rejected []domain.Provenance
	// Degraded is set when generation failed and excerpts were returned.
	Degraded bool
	// NoContext is set when there was nothing to synthesize from.
	NoContext bool
}

// Synthesizer calls the language model behind a rate limiter and circuit
// breaker, with retry, and validates the citations it returns.
type Synthesizer struct {
	gen     Generator
	opts    Options
	breaker *resilience.Breaker
	limiter *resilience.Limiter
	logger  *slog.Logger
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithBreaker guards generation calls with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *Synthesizer) { s.breaker = b }
}

// WithLimiter paces generation calls with l.
func WithLimiter(l *resilience.Limiter) Option {
	return func(s *Synthesizer) { s.limiter = l }
}

// New creates a Synthesizer.
func New(gen Generator, opts Options, logger *slog.Logger, options ...Option) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synthesizer{gen: gen, opts: opts, logger: logger}
	for _, o := range options {
		o(s)
	}
	return s
}

// Synthesize answers query from ranked. Generation failures degrade the
// answer instead of failing; an error is returned only when ctx ends.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, ranked []domain.SearchResult) (Synthesis, error) {
	if len(ranked) == 0 {
		return Synthesis{Answer: NoRelevantInformation, Citations: []domain.Citation{}, NoContext: true}, nil
	}

	raw, err := s.generate(ctx, BuildPrompt(query, ranked))
	if err != nil {
		if ctx.Err() != nil {
			return Synthesis{}, fmt.Errorf("synth: generate: %w", ctx.Err())
		}
		s.logger.Error("synth: generation failed, returning excerpts",
			"kind", domain.KindSynthesis, "attempts", s.opts.Attempts, "err", err)
		return Degraded(ranked), nil
	}

	kept, rejected := Validate(ParseCitations(raw), ranked)
	for _, r := range rejected {
		s.logger.Warn("synth: dropped unbacked citation",
			"kind", domain.KindCitationMismatch, "policy", r.PolicyName, "page", r.Page)
	}
	return Synthesis{
		Answer:    StripTrailer(raw),
		Citations: domain.CitationsFrom(kept),
		Rejected:  rejected,
	}, nil
}

func (s *Synthesizer) generate(ctx context.Context, prompt string) (string, error) {
	opts := fn.RetryOpts{
		MaxAttempts: s.opts.Attempts,
		InitialWait: s.opts.Backoff,
		MaxWait:     s.opts.MaxBackoff,
		Jitter:      true,
		Retryable: func(err error) bool {
			return ctx.Err() == nil && !errors.Is(err, resilience.ErrCircuitOpen)
		},
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("synth: generation attempt failed", "attempt", attempt, "err", err)
		},
	}
	res := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[string] {
		return fn.FromPair(s.attempt(ctx, prompt))
	})
	return res.Unwrap()
}

func (s *Synthesizer) attempt(ctx context.Context, prompt string) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	call := func(ctx context.Context) (string, error) {
		if s.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
			defer cancel()
		}
		out, err := s.gen.Generate(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrGenerationUnavailable, err)
		}
		if strings.TrimSpace(out) == "" {
			return "", fmt.Errorf("%w: empty completion", domain.ErrGenerationUnavailable)
		}
		return out, nil
	}
	if s.breaker == nil {
		return call(ctx)
	}
	return resilience.Do(ctx, s.breaker, call)
}

// Degraded builds the fallback answer: the marker followed by every excerpt
// verbatim under its citation tag. Citations come from the excerpts
// themselves, so they are backed by construction.
func Degraded(ranked []domain.SearchResult) Synthesis {
	var b strings.Builder
	b.WriteString(GenerationUnavailable)
	provs := make([]domain.Provenance, 0, len(ranked))
	for _, r := range ranked {
		p := r.Chunk.Provenance()
		p.Page = domain.NormalizePage(p.Page)
		provs = append(provs, p)
		fmt.Fprintf(&b, "\n\n%s\n%s", Tag(p.PolicyName, p.Page), r.Chunk.Text)
	}
	return Synthesis{
		Answer:    b.String(),
		Citations: domain.CitationsFrom(provs),
		Degraded:  true,
	}
}
