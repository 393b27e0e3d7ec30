// Package metric holds the explicitly constructed metrics registry shared by
// pipeline components. There is no package-level registry: callers build one
// with NewRegistry and pass it down.
package metric

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logpipe"

// Registry wraps a prometheus registry and deduplicates registrations by
// fully qualified name, so two components asking for the same metric share it.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	collectors map[string]prometheus.Collector
}

// NewRegistry creates a registry with Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		collectors: make(map[string]prometheus.Collector),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Counter returns a registered counter. A nil registry returns a detached
// counter so components can run without metrics in tests.
func (r *Registry) Counter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
	return register(r, prometheus.BuildFQName(namespace, subsystem, name), c)
}

// Gauge returns a registered gauge.
func (r *Registry) Gauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
	return register(r, prometheus.BuildFQName(namespace, subsystem, name), g)
}

// CounterVec returns a registered counter vector.
func (r *Registry) CounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	return register(r, prometheus.BuildFQName(namespace, subsystem, name), c)
}

// GaugeVec returns a registered gauge vector.
func (r *Registry) GaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	return register(r, prometheus.BuildFQName(namespace, subsystem, name), g)
}

// Histogram returns a registered histogram with the default buckets.
func (r *Registry) Histogram(subsystem, name, help string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		Buckets: prometheus.DefBuckets,
	})
	return register(r, prometheus.BuildFQName(namespace, subsystem, name), h)
}

// GaugeFunc registers a gauge whose value is read on scrape.
func (r *Registry) GaugeFunc(subsystem, name, help string, fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn)
	register[prometheus.Collector](r, prometheus.BuildFQName(namespace, subsystem, name), g)
}

// CounterFunc registers a counter whose value is read on scrape. fn must be
// monotonic.
func (r *Registry) CounterFunc(subsystem, name, help string, fn func() float64) {
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn)
	register[prometheus.Collector](r, prometheus.BuildFQName(namespace, subsystem, name), c)
}

func register[C prometheus.Collector](r *Registry, key string, c C) C {
	if r == nil {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.collectors[key]; ok {
		if typed, ok := existing.(C); ok {
			return typed
		}
	}
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if typed, ok := are.ExistingCollector.(C); ok {
				r.collectors[key] = typed
				return typed
			}
		}
		// mismatched type under the same name; hand back a detached collector
		return c
	}
	r.collectors[key] = c
	return c
}
