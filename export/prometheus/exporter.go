// Package prometheus bridges the engine's in-process counters to a
// Prometheus registry.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finbridge/trustkit"
)

// Source is anything exposing a counter snapshot. *trustkit.Metrics
// satisfies it.
type Source interface {
	Snapshot() trustkit.MetricsSnapshot
}

// Collector adapts a [Source] to prometheus.Collector. Counters are read on
// every scrape; nothing is cached.
type Collector struct {
	source Source
	descs  map[trustkit.MetricID]*prometheus.Desc
}

// NewCollector creates a [Collector] with one counter per metric, named
// trustkit_<metric>_total.
func NewCollector(source Source) *Collector {
	descs := make(map[trustkit.MetricID]*prometheus.Desc)
	for _, id := range trustkit.MetricIDs() {
		descs[id] = prometheus.NewDesc(
			"trustkit_"+id.Name()+"_total",
			"Total number of "+id.Name()+" occurrences.",
			nil, nil,
		)
	}
	return &Collector{source: source, descs: descs}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	for id, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(snap.Counters[id]))
	}
}

// Handler registers the collector on a private registry and returns a
// scrape handler for it.
func Handler(source Source) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(source))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
