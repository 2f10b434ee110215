// Package fuzzstats exposes the runner's status as Prometheus metrics and
// supplements collect_status's scalar counts with a run-latency
// distribution.
package fuzzstats

import (
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the metrics a running workflow publishes.
type Collector struct {
	Runs            prometheus.Counter
	CoveredPCs      prometheus.Gauge
	CoveredFeatures prometheus.Gauge
	CorpusInputs    prometheus.Gauge
	CorpusSize      prometheus.Gauge
	ProcessRSS      *prometheus.GaugeVec

	latency *gohistogram.NumericHistogram
}

// NewCollector creates and registers a Collector's metrics with reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realmfuzzer_runs_total",
			Help: "Total number of runs executed by the active workflow.",
		}),
		CoveredPCs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmfuzzer_covered_pcs",
			Help: "Number of PCs with at least one accumulated feature.",
		}),
		CoveredFeatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmfuzzer_covered_features",
			Help: "Popcount of the accumulated feature bitmap.",
		}),
		CorpusInputs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmfuzzer_corpus_inputs",
			Help: "Number of inputs in the live corpus.",
		}),
		CorpusSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmfuzzer_corpus_total_bytes",
			Help: "Total size in bytes of the live corpus.",
		}),
		ProcessRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realmfuzzer_process_rss_bytes",
			Help: "Resident set size per instrumented process, keyed by target id.",
		}, []string{"target_id"}),
		latency: gohistogram.NewHistogram(20),
	}
	reg.MustRegister(c.Runs, c.CoveredPCs, c.CoveredFeatures, c.CorpusInputs, c.CorpusSize, c.ProcessRSS)
	return c
}

// ObserveRunLatency records how long one run took, feeding the streaming
// histogram collect_status's scalar "elapsed" doesn't capture on its own.
func (c *Collector) ObserveRunLatency(d time.Duration) {
	c.latency.Add(float64(d.Microseconds()))
}

// LatencyQuantile returns the estimated latency, in microseconds, at the
// given quantile (0,1).
func (c *Collector) LatencyQuantile(q float64) float64 {
	return c.latency.Quantile(q)
}
