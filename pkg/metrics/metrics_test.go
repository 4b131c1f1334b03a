package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("policyqa_test_total", "A test counter")
	c.Inc()
	c.Inc()
	c.Add(5)
	if c.Value() != 7 {
		t.Fatalf("expected 7, got %d", c.Value())
	}
	if r.Counter("policyqa_test_total", "") != c {
		t.Fatal("expected same counter instance")
	}
}

func TestCounterMirror(t *testing.T) {
	c := New().Counter("policyqa_test_total", "")
	c.Mirror(10)
	c.Mirror(4)
	if c.Value() != 10 {
		t.Fatalf("counter moved backwards: %d", c.Value())
	}
	c.Mirror(15)
	if c.Value() != 15 {
		t.Fatalf("expected 15, got %d", c.Value())
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("policyqa_test_gauge", "")
	g.Set(42)
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 43 {
		t.Fatalf("expected 43, got %d", g.Value())
	}
}

func TestKindConflictPanics(t *testing.T) {
	r := New()
	r.Counter("policyqa_thing", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on kind conflict")
		}
	}()
	r.Gauge(WithLabels("policyqa_thing", "k", "v"), "")
}

func TestHistogramBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("policyqa_test_seconds", "", []float64{1.0, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 0.8, 2.0} {
		h.Observe(v)
	}

	buckets, counts, sum, count := h.snapshot()
	if count != 5 {
		t.Fatalf("expected count 5, got %d", count)
	}
	if buckets[0] != 0.1 || buckets[2] != 1.0 {
		t.Fatalf("buckets not sorted: %v", buckets)
	}
	// le is inclusive: 0.1 lands in the 0.1 bucket.
	want := []uint64{2, 1, 1}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("counts = %v, want %v", counts, want)
		}
	}
	if sum < 3.249 || sum > 3.251 {
		t.Fatalf("unexpected sum %f", sum)
	}
}

func TestHistogramSince(t *testing.T) {
	h := New().Histogram("latency", "", nil)
	h.Since(time.Now().Add(-100 * time.Millisecond))
	_, _, sum, count := h.snapshot()
	if count != 1 || sum < 0.1 {
		t.Fatalf("count=%d sum=%f", count, sum)
	}
}

func TestWithLabels(t *testing.T) {
	got := WithLabels("foo_total", "route", "/query", "status", "200")
	if want := `foo_total{route="/query",status="200"}`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if WithLabels("bar") != "bar" || WithLabels("bar", "odd") != "bar" {
		t.Fatal("malformed labels should return name unchanged")
	}
}

func TestWithLabelsEscapes(t *testing.T) {
	got := WithLabels("foo", "q", `say "hi"\n`)
	want := `foo{q="say \"hi\"\\n"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter("requests_total", "Total requests").Add(10)
	r.Counter(WithLabels("requests_total", "route", "/search"), "").Add(3)
	r.Counter(WithLabels("requests_total", "route", "/query"), "").Add(7)
	r.Gauge("in_flight", "In flight").Set(5)
	h := r.Histogram(WithLabels("stage_seconds", "stage", "RETRIEVING"), "Stage latency", []float64{0.1, 0.5})
	h.Observe(0.05)
	h.Observe(0.3)

	out := r.Render()
	for _, want := range []string{
		"# HELP requests_total Total requests\n# TYPE requests_total counter\n",
		"requests_total 10\n",
		`requests_total{route="/query"} 7` + "\n" + `requests_total{route="/search"} 3`,
		"# TYPE in_flight gauge\nin_flight 5\n",
		"# TYPE stage_seconds histogram",
		`stage_seconds_bucket{stage="RETRIEVING",le="0.1"} 1`,
		`stage_seconds_bucket{stage="RETRIEVING",le="0.5"} 2`,
		`stage_seconds_bucket{stage="RETRIEVING",le="+Inf"} 2`,
		`stage_seconds_count{stage="RETRIEVING"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "requests_total") > strings.Index(out, "in_flight") {
		t.Error("families not in registration order")
	}
}

func TestRenderUnlabelledHistogram(t *testing.T) {
	r := New()
	r.Histogram("plain_seconds", "", []float64{1}).Observe(0.5)
	out := r.Render()
	if !strings.Contains(out, `plain_seconds_bucket{le="1"} 1`) || !strings.Contains(out, "plain_seconds_sum 0.5") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("test_total", "test").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "test_total 1") {
		t.Error("missing metric in handler output")
	}
}

func TestMetricBaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"foo_total", "foo_total"},
		{`foo_total{k="v"}`, "foo_total"},
		{`foo{route="/items/{id}"}`, "foo"},
	}
	for _, tt := range tests {
		if got := metricBaseName(tt.in); got != tt.want {
			t.Errorf("metricBaseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
