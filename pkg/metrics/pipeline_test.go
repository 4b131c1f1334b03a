package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestPipelineTransitions(t *testing.T) {
	p := NewPipeline(New())
	clock := time.Unix(0, 0)
	p.now = func() time.Time { return clock }

	p.ObserveTransition("r1", "RECEIVED", "CACHE_CHECK")
	if got := p.inflight.Value(); got != 1 {
		t.Fatalf("in flight = %d, want 1", got)
	}
	clock = clock.Add(250 * time.Millisecond)
	p.ObserveTransition("r1", "CACHE_CHECK", "CACHE_HIT")
	clock = clock.Add(time.Millisecond)
	p.ObserveTransition("r1", "CACHE_HIT", "RESPONDING")
	p.ObserveTransition("r1", "RESPONDING", "DONE")

	if got := p.inflight.Value(); got != 0 {
		t.Fatalf("in flight = %d, want 0", got)
	}
	if len(p.last) != 0 {
		t.Fatalf("request state leaked: %v", p.last)
	}

	out := p.Registry().Render()
	for _, want := range []string{
		`policyqa_state_transitions_total{from="RECEIVED",to="CACHE_CHECK"} 1`,
		`policyqa_stage_duration_seconds_sum{stage="CACHE_CHECK"} 0.25`,
		`policyqa_stage_duration_seconds_count{stage="RESPONDING"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestPipelineValidationFailure(t *testing.T) {
	p := NewPipeline(New())
	p.ObserveTransition("r1", "RECEIVED", "FAILED")
	if got := p.inflight.Value(); got != 0 {
		t.Fatalf("in flight = %d, want 0", got)
	}
}

func TestPipelineAnswers(t *testing.T) {
	p := NewPipeline(New())
	p.ObserveAnswer(true, false, false, 0, 10*time.Millisecond)
	p.ObserveAnswer(false, true, true, 2, time.Second)
	p.ObserveAnswer(false, false, false, 1, time.Second)
	p.ObserveError("retrieval_unavailable")

	out := p.Registry().Render()
	for _, want := range []string{
		`policyqa_queries_total{result="cache_hit"} 1`,
		`policyqa_queries_total{result="degraded"} 1`,
		`policyqa_queries_total{result="answered"} 1`,
		`policyqa_rerank_degraded_total 1`,
		`policyqa_citations_rejected_total 3`,
		`policyqa_query_duration_seconds_count 3`,
		`policyqa_query_errors_total{kind="retrieval_unavailable"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestPipelineCacheAndBreaker(t *testing.T) {
	p := NewPipeline(New())
	p.SetCache(4, 10, 3, 1)
	p.ObserveBreaker("closed", "open")

	out := p.Registry().Render()
	for _, want := range []string{
		"# TYPE policyqa_cache_entries gauge",
		"policyqa_cache_entries 4",
		"# TYPE policyqa_cache_hits_total counter",
		"policyqa_cache_hits_total 10",
		"policyqa_cache_misses_total 3",
		"policyqa_cache_evictions_total 1",
		"policyqa_llm_breaker_open 1",
		`policyqa_llm_breaker_transitions_total{from="closed",to="open"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	p.ObserveBreaker("open", "half-open")
	if !strings.Contains(p.Registry().Render(), "policyqa_llm_breaker_open 0") {
		t.Error("breaker gauge not reset")
	}

	p.SetCache(2, 12, 3, 1)
	if !strings.Contains(p.Registry().Render(), "policyqa_cache_hits_total 12") {
		t.Error("cache hit counter did not follow the cache")
	}
}
