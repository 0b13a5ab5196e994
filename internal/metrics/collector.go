// Package metrics keeps the gateway's counters, gauges and histograms and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry the pipeline reports into.
var Default = NewRegistry()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family groups all series sharing a metric name.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any // labels -> *Counter | *Gauge | *Histogram
}

// Registry owns metric families keyed by name.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Uptime is the time since the registry was created.
func (r *Registry) Uptime() time.Duration { return time.Since(r.started) }

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge tracks a value that moves both ways.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into cumulative upper bounds. The +Inf
// bucket is implicit and equals the observation count.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (r *Registry) series(name, help string, k kind, labels string, create func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = create()
		f.series[labels] = s
	}
	return s
}

// Counter returns the counter for name and labels, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.series(name, help, kindCounter, labels, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.series(name, help, kindGauge, labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. Bounds are only used
// when the series is created.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return r.series(name, help, kindHistogram, labels, func() any {
		var finite []float64
		for _, b := range bounds {
			if !math.IsInf(b, 1) {
				finite = append(finite, b)
			}
		}
		sort.Float64s(finite)
		return &Histogram{bounds: finite, counts: make([]int64, len(finite))}
	}).(*Histogram)
}

// ServeHTTP renders the registry for a Prometheus scrape.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	r.WriteTo(w)
}

// WriteTo writes every family, sorted by name, and its series sorted by labels.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	fams := make([]*family, len(names))
	for i, name := range names {
		fams[i] = r.families[name]
	}
	r.mu.Unlock()

	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	cw.printf("# HELP discordgate_uptime_seconds Seconds since the process started\n")
	cw.printf("# TYPE discordgate_uptime_seconds gauge\n")
	cw.printf("discordgate_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	for _, f := range fams {
		r.mu.Lock()
		labelSets := make([]string, 0, len(f.series))
		for l := range f.series {
			labelSets = append(labelSets, l)
		}
		series := make([]any, len(labelSets))
		sort.Strings(labelSets)
		for i, l := range labelSets {
			series[i] = f.series[l]
		}
		r.mu.Unlock()

		cw.printf("# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		for i, s := range series {
			writeSeries(cw, f.name, labelSets[i], s)
		}
	}
	err := bw.Flush()
	if cw.err == nil {
		cw.err = err
	}
	return cw.n, cw.err
}

func writeSeries(cw *countingWriter, name, labels string, s any) {
	switch m := s.(type) {
	case *Counter:
		cw.printf("%s%s %d\n", name, braces(labels), m.Value())
	case *Gauge:
		cw.printf("%s%s %d\n", name, braces(labels), m.Value())
	case *Histogram:
		m.mu.Lock()
		defer m.mu.Unlock()
		prefix := labels
		if prefix != "" {
			prefix += ","
		}
		for i, le := range m.bounds {
			cw.printf("%s_bucket{%sle=\"%g\"} %d\n", name, prefix, le, m.counts[i])
		}
		cw.printf("%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, m.count)
		cw.printf("%s_count%s %d\n", name, braces(labels), m.count)
		cw.printf("%s_sum%s %f\n", name, braces(labels), m.sum)
	}
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) printf(format string, args ...any) {
	if c.err != nil {
		return
	}
	n, err := fmt.Fprintf(c.w, format, args...)
	c.n += int64(n)
	c.err = err
}

var (
	MessagesReceived   = Default.Counter("discordgate_messages_received_total", "Inbound messages handed to the pipeline", "")
	MessagesSuppressed = Default.Counter("discordgate_messages_suppressed_total", "Messages from the bot itself or other bots", "")
	MessagesStale      = Default.Counter("discordgate_messages_stale_total", "Messages older than the startup grace window", "")
	MessagesEmpty      = Default.Counter("discordgate_messages_empty_total", "Messages without text or attachments", "")
	MessagesDenied     = Default.Counter("discordgate_messages_denied_total", "Messages rejected by the access policy", "")
	PairingChallenges  = Default.Counter("discordgate_pairing_challenges_total", "Pairing challenges issued or refreshed", "")
	MediaFailures      = Default.Counter("discordgate_media_failures_total", "Inbound attachments that could not be stored", "")
	DispatchExhausted  = Default.Counter("discordgate_dispatch_exhausted_total", "Messages for which every dispatch stage failed", "")
	HandlerErrors      = Default.Counter("discordgate_handler_errors_total", "Errors caught at the message handler boundary", "")
	OutboundMessages   = Default.Counter("discordgate_outbound_messages_total", "Messages sent to Discord", "")
	OutboundFailures   = Default.Counter("discordgate_outbound_failures_total", "Failed Discord sends", "")
	InFlightMessages   = Default.Gauge("discordgate_inflight_messages", "Messages currently being processed", "")

	DispatchLatency = Default.Histogram("discordgate_dispatch_latency_seconds", "Time from policy approval to dispatch completion", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120})
)

// DispatchedBy is the per-stage dispatch counter.
func DispatchedBy(stage string) *Counter {
	return Default.Counter("discordgate_dispatched_total", "Messages dispatched, by stage", `stage="`+stage+`"`)
}
