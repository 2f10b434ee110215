package fuzzstats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollectorRegistersGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.Runs.Inc()
	c.CoveredPCs.Set(42)
	c.ProcessRSS.WithLabelValues("7").Set(1024)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.Runs))
	assert.Equal(t, float64(42), testutil.ToFloat64(c.CoveredPCs))
	assert.Equal(t, float64(1024), testutil.ToFloat64(c.ProcessRSS.WithLabelValues("7")))
}

func TestLatencyQuantileReflectsObservations(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	for i := 0; i < 100; i++ {
		c.ObserveRunLatency(time.Duration(i) * time.Millisecond)
	}
	median := c.LatencyQuantile(0.5)
	assert.Greater(t, median, 0.0)
}
