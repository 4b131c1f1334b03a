package metrics

import (
	"sync"
	"time"
)

// Lifecycle states that open and close a request.
const (
	stateReceived = "RECEIVED"
	stateDone     = "DONE"
	stateFailed   = "FAILED"
)

// Pipeline holds the query pipeline instruments.
type Pipeline struct {
	reg      *Registry
	inflight *Gauge
	rejected *Counter
	latency  *Histogram

	mu   sync.Mutex
	last map[string]time.Time // request ID -> time of last transition
	now  func() time.Time
}

// NewPipeline registers the pipeline instruments on reg.
func NewPipeline(reg *Registry) *Pipeline {
	return &Pipeline{
		reg:      reg,
		inflight: reg.Gauge("policyqa_queries_in_flight", "Queries between RECEIVED and a terminal state."),
		rejected: reg.Counter("policyqa_citations_rejected_total", "Model citations dropped as unbacked by retrieved excerpts."),
		latency:  reg.Histogram("policyqa_query_duration_seconds", "End-to-end query latency.", nil),
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *Registry { return p.reg }

// ObserveTransition records one lifecycle transition of request reqID and the
// time spent in the state it leaves.
func (p *Pipeline) ObserveTransition(reqID, from, to string) {
	p.reg.Counter(WithLabels("policyqa_state_transitions_total", "from", from, "to", to),
		"Lifecycle transitions.").Inc()

	now := p.now()
	p.mu.Lock()
	prev, seen := p.last[reqID]
	if to == stateDone || to == stateFailed {
		delete(p.last, reqID)
	} else {
		p.last[reqID] = now
	}
	p.mu.Unlock()

	if from == stateReceived {
		p.inflight.Inc()
	}
	if seen {
		p.reg.Histogram(WithLabels("policyqa_stage_duration_seconds", "stage", from),
			"Time spent per lifecycle state.", nil).Observe(now.Sub(prev).Seconds())
	}
	if to == stateDone || to == stateFailed {
		p.inflight.Dec()
	}
}

// ObserveAnswer records an answered query.
func (p *Pipeline) ObserveAnswer(cached, degraded, rerankDegraded bool, rejected int, elapsed time.Duration) {
	result := "answered"
	switch {
	case cached:
		result = "cache_hit"
	case degraded:
		result = "degraded"
	}
	p.reg.Counter(WithLabels("policyqa_queries_total", "result", result), "Answered queries.").Inc()
	if rerankDegraded {
		p.reg.Counter("policyqa_rerank_degraded_total", "Queries answered in retriever order after rerank failure.").Inc()
	}
	if rejected > 0 {
		p.rejected.Add(int64(rejected))
	}
	p.latency.Observe(elapsed.Seconds())
}

// ObserveError records a failed request by error kind.
func (p *Pipeline) ObserveError(kind string) {
	p.reg.Counter(WithLabels("policyqa_query_errors_total", "kind", kind), "Failed requests.").Inc()
}

// SetCache publishes semantic cache statistics.
func (p *Pipeline) SetCache(size int, hits, misses, evictions uint64) {
	p.reg.Gauge("policyqa_cache_entries", "Semantic cache entries.").Set(int64(size))
	p.reg.Counter("policyqa_cache_hits_total", "Semantic cache hits.").Mirror(int64(hits))
	p.reg.Counter("policyqa_cache_misses_total", "Semantic cache misses.").Mirror(int64(misses))
	p.reg.Counter("policyqa_cache_evictions_total", "Semantic cache evictions.").Mirror(int64(evictions))
}

// ObserveBreaker records an LLM circuit breaker transition.
func (p *Pipeline) ObserveBreaker(from, to string) {
	p.reg.Counter(WithLabels("policyqa_llm_breaker_transitions_total", "from", from, "to", to),
		"LLM circuit breaker transitions.").Inc()
	open := int64(0)
	if to == "open" {
		open = 1
	}
	p.reg.Gauge("policyqa_llm_breaker_open", "1 while the LLM circuit breaker is open.").Set(open)
}
