// Package metricsink bridges the session stack's metrics hooks onto
// Prometheus collectors. The transports accept any sink with IncCounter and
// ObserveHistogram; this one lazily registers a collector per metric family
// so hosts only pay for the metrics their configuration actually emits.
package metricsink

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a metrics sink backed by lazily registered Prometheus
// collectors. A family's label names are fixed by the first call that
// mentions it; later calls are coerced onto that label set, with missing
// labels reported empty and unknown ones dropped.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	buckets   []float64

	mu       sync.Mutex
	counters map[string]*counterFamily
	hists    map[string]*histogramFamily
}

type counterFamily struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramFamily struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// PrometheusOption configures a Prometheus sink.
type PrometheusOption func(*Prometheus)

// WithRegisterer registers collectors somewhere other than the process
// default registry.
func WithRegisterer(reg prometheus.Registerer) PrometheusOption {
	return func(p *Prometheus) {
		if reg != nil {
			p.reg = reg
		}
	}
}

// WithNamespace prefixes every metric family name.
func WithNamespace(ns string) PrometheusOption {
	return func(p *Prometheus) { p.namespace = ns }
}

// WithBuckets replaces the default histogram buckets.
func WithBuckets(buckets []float64) PrometheusOption {
	return func(p *Prometheus) {
		if len(buckets) > 0 {
			p.buckets = buckets
		}
	}
}

// NewPrometheus constructs a sink registering against the default registry
// unless WithRegisterer overrides it.
func NewPrometheus(opts ...PrometheusOption) *Prometheus {
	p := &Prometheus{
		reg:      prometheus.DefaultRegisterer,
		buckets:  prometheus.DefBuckets,
		counters: make(map[string]*counterFamily),
		hists:    make(map[string]*histogramFamily),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// IncCounter increments the named counter with the given tags.
func (p *Prometheus) IncCounter(name string, tags map[string]string) {
	fam := p.counterFor(name, labelNames(tags))
	if fam == nil {
		return
	}
	fam.vec.With(coerceLabels(fam.labels, tags)).Inc()
}

// ObserveHistogram records a sample in the named histogram.
func (p *Prometheus) ObserveHistogram(name string, value float64, tags map[string]string) {
	fam := p.histogramFor(name, labelNames(tags))
	if fam == nil {
		return
	}
	fam.vec.With(coerceLabels(fam.labels, tags)).Observe(value)
}

func (p *Prometheus) counterFor(name string, labels []string) *counterFamily {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fam, ok := p.counters[name]; ok {
		return fam
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      helpFor(name),
	}, labels)
	registered, ok := register(p.reg, vec)
	if !ok {
		return nil
	}
	cv, ok := registered.(*prometheus.CounterVec)
	if !ok {
		return nil
	}
	fam := &counterFamily{vec: cv, labels: labels}
	p.counters[name] = fam
	return fam
}

func (p *Prometheus) histogramFor(name string, labels []string) *histogramFamily {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fam, ok := p.hists[name]; ok {
		return fam
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      helpFor(name),
		Buckets:   p.buckets,
	}, labels)
	registered, ok := register(p.reg, vec)
	if !ok {
		return nil
	}
	hv, ok := registered.(*prometheus.HistogramVec)
	if !ok {
		return nil
	}
	fam := &histogramFamily{vec: hv, labels: labels}
	p.hists[name] = fam
	return fam
}

// register resolves duplicate registration to the collector already held by
// the registry, so two sinks sharing a registry converge on one family.
func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, bool) {
	err := reg.Register(c)
	if err == nil {
		return c, true
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, true
	}
	return nil, false
}

func labelNames(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func coerceLabels(names []string, tags map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = tags[n]
	}
	return out
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
