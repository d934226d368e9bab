// Package metrics exposes ledger metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"capeledger/internal/cape"
)

const namespace = "cape"

// Predefined metric names
const (
	MetricBlocksCommitted  = "blocks_committed_total"
	MetricBlocksRejected   = "blocks_rejected_total"
	MetricBlockDuration    = "block_processing_seconds"
	MetricTransactions     = "transactions_total"
	MetricHeight           = "ledger_height"
	MetricRecords          = "ledger_records"
	MetricNullifiers       = "ledger_nullifiers"
	MetricEscrowBalance    = "escrow_balance"
	MetricRateLimited      = "rate_limited_total"
	MetricCircuitSetupTime = "circuit_setup_seconds"
	MetricErrorCount       = "errors_total"
)

// Collector owns a private registry with every ledger metric.
type Collector struct {
	registry *prometheus.Registry

	blocksCommitted prometheus.Counter
	blocksRejected  *prometheus.CounterVec
	blockDuration   *prometheus.HistogramVec
	transactions    *prometheus.CounterVec
	height          prometheus.Gauge
	records         prometheus.Gauge
	nullifiers      prometheus.Gauge
	escrow          *prometheus.GaugeVec
	rateLimited     *prometheus.CounterVec
	circuitSetup    prometheus.Histogram
	errors          *prometheus.CounterVec
}

// NewCollector creates a collector with Go runtime and process metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		blocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricBlocksCommitted,
			Help: "Blocks committed to the ledger.",
		}),
		blocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricBlocksRejected,
			Help: "Blocks rejected, by reason.",
		}, []string{"reason"}),
		blockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: MetricBlockDuration,
			Help:    "Time from submission to commit or rejection.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"outcome"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricTransactions,
			Help: "Committed transactions, by kind.",
		}, []string{"kind"}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: MetricHeight,
			Help: "Number of committed blocks.",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: MetricRecords,
			Help: "Record commitments in the tree.",
		}),
		nullifiers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: MetricNullifiers,
			Help: "Spent nullifiers.",
		}),
		escrow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: MetricEscrowBalance,
			Help: "Committed escrow balance per asset (float approximation).",
		}, []string{"asset"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricRateLimited,
			Help: "Requests refused by the rate limiter, by relayer.",
		}, []string{"relayer"}),
		circuitSetup: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: MetricCircuitSetupTime,
			Help:    "Circuit compile and key setup time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricErrorCount,
			Help: "Errors by type.",
		}, []string{"type"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.blocksCommitted, c.blocksRejected, c.blockDuration, c.transactions,
		c.height, c.records, c.nullifiers, c.escrow,
		c.rateLimited, c.circuitSetup, c.errors,
	)
	return c
}

var _ cape.Observer = (*Collector)(nil)

// BlockCommitted implements cape.Observer.
func (c *Collector) BlockCommitted(txs int, elapsed time.Duration) {
	c.blocksCommitted.Inc()
	c.blockDuration.WithLabelValues("committed").Observe(elapsed.Seconds())
}

// BlockRejected implements cape.Observer.
func (c *Collector) BlockRejected(reason error, elapsed time.Duration) {
	c.blocksRejected.WithLabelValues(cape.ReasonCode(reason)).Inc()
	c.blockDuration.WithLabelValues("rejected").Observe(elapsed.Seconds())
}

// RecordBlock updates the ledger gauges from a committed block.
func (c *Collector) RecordBlock(ev cape.BlockCommitted, records uint64, nullifiers int) {
	for _, tx := range ev.Events {
		c.transactions.WithLabelValues(tx.Kind.String()).Inc()
	}
	c.height.Set(float64(ev.Height))
	c.records.Set(float64(records))
	c.nullifiers.Set(float64(nullifiers))
}

// RecordEscrow sets the escrow gauge of every sponsored asset.
func (c *Collector) RecordEscrow(snap *cape.Snapshot) {
	for _, a := range snap.Assets {
		v := 0.0
		if b, ok := snap.Balances[a.Code]; ok {
			v = b.Float64()
		}
		c.escrow.WithLabelValues(string(a.Code)).Set(v)
	}
}

func (c *Collector) RecordRateLimited(relayer string) {
	c.rateLimited.WithLabelValues(relayer).Inc()
}

func (c *Collector) RecordCircuitSetup(duration time.Duration) {
	c.circuitSetup.Observe(duration.Seconds())
}

func (c *Collector) RecordError(errorType string) {
	c.errors.WithLabelValues(errorType).Inc()
}

// Registry exposes the underlying registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
