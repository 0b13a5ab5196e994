package metrics

import (
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
)

func render(t *testing.T, c *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	return string(body)
}

func TestCounter_SameKeyReturnsSameCounter(t *testing.T) {
	c := NewRegistry()
	a := c.Counter("x_total", "help", `stage="block"`)
	b := c.Counter("x_total", "help", `stage="block"`)
	if a != b {
		t.Fatal("expected the same counter for the same name and labels")
	}
	other := c.Counter("x_total", "help", `stage="message"`)
	if other == a {
		t.Fatal("different labels must yield a different counter")
	}

	a.Inc()
	a.Add(2)
	if a.Value() != 3 {
		t.Fatalf("expected 3, got %d", a.Value())
	}
}

func TestGauge_IncDecSet(t *testing.T) {
	c := NewRegistry()
	g := c.Gauge("inflight", "help", "")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("expected 1, got %d", g.Value())
	}
	g.Set(7)
	if g.Value() != 7 {
		t.Fatalf("expected 7, got %d", g.Value())
	}
}

func TestHandler_RendersExposition(t *testing.T) {
	c := NewRegistry()
	c.Counter("demo_total", "Demo counter", "").Add(5)
	c.Counter("demo_by_stage_total", "By stage", `stage="block"`).Inc()
	c.Gauge("demo_inflight", "In flight", "").Set(2)

	h := c.Histogram("demo_latency_seconds", "Latency", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(3)

	out := render(t, c)
	for _, want := range []string{
		"discordgate_uptime_seconds ",
		"# TYPE demo_total counter",
		"demo_total 5",
		`demo_by_stage_total{stage="block"} 1`,
		"# TYPE demo_inflight gauge",
		"demo_inflight 2",
		"# TYPE demo_latency_seconds histogram",
		`demo_latency_seconds_bucket{le="0.1"} 1`,
		`demo_latency_seconds_bucket{le="1"} 2`,
		`demo_latency_seconds_bucket{le="+Inf"} 3`,
		"demo_latency_seconds_count 3",
		"demo_latency_seconds_sum 3.550000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestHandler_LabelledHistogram(t *testing.T) {
	c := NewRegistry()
	h := c.Histogram("lat", "Latency", `stage="block"`, []float64{math.Inf(1)})
	h.Observe(1)

	out := render(t, c)
	if !strings.Contains(out, `lat_bucket{stage="block",le="+Inf"} 1`) {
		t.Fatalf("labelled bucket not rendered:\n%s", out)
	}
	if !strings.Contains(out, `lat_count{stage="block"} 1`) {
		t.Fatalf("labelled count not rendered:\n%s", out)
	}
}

func TestDispatchedBy(t *testing.T) {
	before := DispatchedBy("message").Value()
	DispatchedBy("message").Inc()
	if got := DispatchedBy("message").Value(); got != before+1 {
		t.Fatalf("expected %d, got %d", before+1, got)
	}
}

func TestHandler_SortedFamilies(t *testing.T) {
	c := NewRegistry()
	c.Counter("zeta_total", "z", "").Inc()
	c.Counter("alpha_total", "a", `stage="b"`).Inc()
	c.Counter("alpha_total", "a", `stage="a"`).Inc()

	out := render(t, c)
	ia := strings.Index(out, `alpha_total{stage="a"}`)
	ib := strings.Index(out, `alpha_total{stage="b"}`)
	iz := strings.Index(out, "zeta_total 1")
	if ia < 0 || ib < 0 || iz < 0 {
		t.Fatalf("missing series:\n%s", out)
	}
	if !(ia < ib && ib < iz) {
		t.Fatalf("families or series out of order:\n%s", out)
	}
	if strings.Count(out, "# TYPE alpha_total counter") != 1 {
		t.Fatalf("expected one TYPE line per family:\n%s", out)
	}
}

func TestRegistry_KindMismatchPanics(t *testing.T) {
	c := NewRegistry()
	c.Counter("dual", "help", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when a counter name is reused as a gauge")
		}
	}()
	c.Gauge("dual", "help", "")
}
