// Package metrics exposes Prometheus collectors for the pool and consensus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shieldpool"

// Collectors groups every metric the node records. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	accepted       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	treeSize       prometheus.Gauge
	nullifiers     prometheus.Gauge
	shielded       prometheus.Gauge
	verifySeconds  *prometheus.HistogramVec
	rounds         *prometheus.CounterVec
	mempoolPending prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_accepted_total",
			Help:      "Transactions applied to the pool, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_rejected_total",
			Help:      "Transactions rejected, by kind and error kind.",
		}, []string{"kind", "reason"}),
		treeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commitment_tree_leaves",
			Help:      "Number of commitments in the tree.",
		}),
		nullifiers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nullifiers_spent",
			Help:      "Number of nullifiers in the registry.",
		}),
		shielded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shielded_supply",
			Help:      "Value held in unspent notes.",
		}),
		verifySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_verify_seconds",
			Help:      "Proof verification latency, by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rounds_total",
			Help:      "Consensus rounds by terminal outcome.",
		}, []string{"outcome"}),
		mempoolPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_pending",
			Help:      "Transactions waiting in the mempool.",
		}),
	}
	c.registry.MustRegister(
		c.accepted, c.rejected, c.treeSize, c.nullifiers, c.shielded,
		c.verifySeconds, c.rounds, c.mempoolPending,
	)
	return c
}

// Registry returns the underlying registry
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// TxAccepted counts an applied transaction
func (c *Collectors) TxAccepted(kind string) {
	if c == nil {
		return
	}
	c.accepted.WithLabelValues(kind).Inc()
}

// TxRejected counts a rejected transaction
func (c *Collectors) TxRejected(kind, reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(kind, reason).Inc()
}

// SetPoolState records tree size, registry size and shielded supply
func (c *Collectors) SetPoolState(leaves uint64, nullifiers int, shielded float64) {
	if c == nil {
		return
	}
	c.treeSize.Set(float64(leaves))
	c.nullifiers.Set(float64(nullifiers))
	c.shielded.Set(shielded)
}

// ObserveVerify records one proof verification
func (c *Collectors) ObserveVerify(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.verifySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// RoundFinished counts a consensus round outcome
func (c *Collectors) RoundFinished(outcome string) {
	if c == nil {
		return
	}
	c.rounds.WithLabelValues(outcome).Inc()
}

// SetMempoolPending records the mempool size
func (c *Collectors) SetMempoolPending(n int) {
	if c == nil {
		return
	}
	c.mempoolPending.Set(float64(n))
}
