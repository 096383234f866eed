// Package metrics exposes sign-in and maintenance counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records handshake outcomes, nonce decisions and sweep results.
type Collector struct {
	assertions    *prometheus.CounterVec
	nonces        *prometheus.CounterVec
	sweepDeleted  *prometheus.CounterVec
	sweepFailures *prometheus.CounterVec
	rateLimited   prometheus.Counter
}

// NewCollector creates the counters and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		assertions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_openid_assertions_total",
			Help: "Provider responses handled, by outcome.",
		}, []string{"outcome"}),
		nonces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_openid_nonces_total",
			Help: "Response nonces presented, by decision.",
		}, []string{"decision"}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_sweep_deleted_total",
			Help: "Expired records removed by maintenance sweeps.",
		}, []string{"store"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_sweep_failures_total",
			Help: "Maintenance sweeps that returned an error.",
		}, []string{"store"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_signin_rate_limited_total",
			Help: "Sign-in attempts rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		c.assertions,
		c.nonces,
		c.sweepDeleted,
		c.sweepFailures,
		c.rateLimited,
	)

	return c
}

// RecordAssertion counts one handled provider response.
func (c *Collector) RecordAssertion(outcome string) {
	c.assertions.WithLabelValues(outcome).Inc()
}

// RecordNonce counts one nonce decision.
func (c *Collector) RecordNonce(accepted bool) {
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	c.nonces.WithLabelValues(decision).Inc()
}

// RecordSweep adds the rows deleted from store.
func (c *Collector) RecordSweep(store string, deleted int64) {
	c.sweepDeleted.WithLabelValues(store).Add(float64(deleted))
}

// RecordSweepFailure counts a failed sweep of store.
func (c *Collector) RecordSweepFailure(store string) {
	c.sweepFailures.WithLabelValues(store).Inc()
}

// RecordRateLimited counts a rejected sign-in attempt.
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
