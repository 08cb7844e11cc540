package prometheus

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-ledgersync/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricLabels is the fixed label set. Prometheus requires every series of a
// metric to carry the same label names, so absent tags become "".
var metricLabels = []string{"operation", "status", "provider", "resource_type", "error_kind"}

var defaultDurationBuckets = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 15000, 60000}

type Option func(*Recorder)

// WithRegistry uses an existing registry instead of a private one.
func WithRegistry(registry *prom.Registry) Option {
	return func(r *Recorder) {
		if registry != nil {
			r.registerer = registry
			r.gatherer = registry
		}
	}
}

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// Recorder implements core.MetricsRecorder on Prometheus vectors created
// lazily per metric name.
type Recorder struct {
	registerer prom.Registerer
	gatherer   prom.Gatherer
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prom.CounterVec
	histograms map[string]*prom.HistogramVec
}

func NewRecorder(opts ...Option) *Recorder {
	registry := prom.NewRegistry()
	r := &Recorder{
		registerer: registry,
		gatherer:   registry,
		buckets:    defaultDurationBuckets,
		counters:   map[string]*prom.CounterVec{},
		histograms: map[string]*prom.HistogramVec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	vec := r.counter(MetricName(name))
	if vec == nil {
		return
	}
	vec.With(labelValues(tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec := r.histogram(MetricName(name))
	if vec == nil {
		return
	}
	vec.With(labelValues(tags)).Observe(value)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) Gatherer() prom.Gatherer {
	return r.gatherer
}

func (r *Recorder) counter(name string) *prom.CounterVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prom.NewCounterVec(prom.CounterOpts{Name: name, Help: "ledgersync counter " + name}, metricLabels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := err.(prom.AlreadyRegisteredError)
		if !ok {
			return nil
		}
		if vec, ok = existing.ExistingCollector.(*prom.CounterVec); !ok {
			return nil
		}
	}
	r.counters[name] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prom.HistogramVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{
		Name:    name,
		Help:    "ledgersync histogram " + name,
		Buckets: r.buckets,
	}, metricLabels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := err.(prom.AlreadyRegisteredError)
		if !ok {
			return nil
		}
		if vec, ok = existing.ExistingCollector.(*prom.HistogramVec); !ok {
			return nil
		}
	}
	r.histograms[name] = vec
	return vec
}

// MetricName maps dotted metric names onto the Prometheus charset.
func MetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_', ch == ':':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func labelValues(tags map[string]string) prom.Labels {
	out := make(prom.Labels, len(metricLabels))
	for _, label := range metricLabels {
		out[label] = strings.TrimSpace(tags[label])
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
