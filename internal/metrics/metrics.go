// Package metrics exposes the cluster runtime's Prometheus metrics as
// per-node and per-namespace gauges, counters, and histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the cluster runtime exports.
type Collector struct {
	Registry *prometheus.Registry

	nodesActive       prometheus.Gauge
	nodesInvalidTotal prometheus.Counter
	poolActive        *prometheus.GaugeVec
	poolIdle          *prometheus.GaugeVec
	poolTotal         *prometheus.GaugeVec
	noMoreConnsTotal  *prometheus.CounterVec

	tendDuration      prometheus.Histogram
	tendFailuresTotal prometheus.Counter
	peersGeneration   *prometheus.GaugeVec
	partitionGen      *prometheus.GaugeVec

	commandRetries  *prometheus.CounterVec
	commandTimeouts *prometheus.CounterVec
	commandInDoubt  prometheus.Counter
	commandDuration *prometheus.HistogramVec

	batchSubCommands prometheus.Histogram
	batchRowErrors   prometheus.Counter

	asyncInFlight prometheus.Gauge
	asyncQueued   prometheus.Gauge
	asyncRejected prometheus.Counter
}

// New creates and registers every metric against a fresh private
// registry: an independent registry per Collector, safe to construct
// repeatedly in tests.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardkv_nodes_active",
			Help: "Number of active cluster nodes",
		}),
		nodesInvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_nodes_invalid_total",
			Help: "Total number of nodes evicted or failed validation",
		}),
		poolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardkv_pool_connections_active",
			Help: "Active (checked-out) connections per node",
		}, []string{"node"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardkv_pool_connections_idle",
			Help: "Idle connections per node",
		}, []string{"node"}),
		poolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardkv_pool_connections_total",
			Help: "Total connections per node",
		}, []string{"node"}),
		noMoreConnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardkv_pool_no_more_connections_total",
			Help: "Checkouts that failed with NO_MORE_CONNECTIONS",
		}, []string{"node"}),
		tendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardkv_tend_duration_seconds",
			Help:    "Duration of one tend iteration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		tendFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_tend_refresh_failures_total",
			Help: "Total node-refresh failures observed by the tend loop",
		}),
		peersGeneration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardkv_peers_generation",
			Help: "Last observed peers-generation per node",
		}, []string{"node"}),
		partitionGen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardkv_partition_generation",
			Help: "Last observed partition-generation per node",
		}, []string{"node"}),
		commandRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardkv_command_retries_total",
			Help: "Total command retries by namespace",
		}, []string{"namespace"}),
		commandTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardkv_command_timeouts_total",
			Help: "Total command socket timeouts by namespace",
		}, []string{"namespace"}),
		commandInDoubt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_command_in_doubt_total",
			Help: "Total write commands marked in-doubt (counted once per command, even if a later retry succeeds)",
		}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardkv_command_duration_seconds",
			Help:    "End-to-end synchronous command duration",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"namespace"}),
		batchSubCommands: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardkv_batch_subcommands",
			Help:    "Number of sub-commands a batch was planned into",
			Buckets: prometheus.LinearBuckets(1, 4, 16),
		}),
		batchRowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_batch_row_errors_total",
			Help: "Total per-row errors observed across all batches",
		}),
		asyncInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardkv_async_inflight",
			Help: "Current number of in-flight async commands",
		}),
		asyncQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardkv_async_queued",
			Help: "Current DELAY-strategy queue depth",
		}),
		asyncRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_async_rejected_total",
			Help: "Total async commands rejected by the scheduler (no slot under REJECT, or a full DELAY queue)",
		}),
	}

	reg.MustRegister(
		c.nodesActive, c.nodesInvalidTotal,
		c.poolActive, c.poolIdle, c.poolTotal, c.noMoreConnsTotal,
		c.tendDuration, c.tendFailuresTotal, c.peersGeneration, c.partitionGen,
		c.commandRetries, c.commandTimeouts, c.commandInDoubt, c.commandDuration,
		c.batchSubCommands, c.batchRowErrors,
		c.asyncInFlight, c.asyncQueued, c.asyncRejected,
	)
	return c
}

func (c *Collector) SetNodesActive(n int) { c.nodesActive.Set(float64(n)) }
func (c *Collector) NodeInvalidated()     { c.nodesInvalidTotal.Inc() }
func (c *Collector) TendRefreshFailed()   { c.tendFailuresTotal.Inc() }

func (c *Collector) TendCompleted(d time.Duration) {
	c.tendDuration.Observe(d.Seconds())
}

func (c *Collector) UpdatePoolStats(node string, active, idle, total int) {
	c.poolActive.WithLabelValues(node).Set(float64(active))
	c.poolIdle.WithLabelValues(node).Set(float64(idle))
	c.poolTotal.WithLabelValues(node).Set(float64(total))
}

func (c *Collector) NoMoreConnections(node string) {
	c.noMoreConnsTotal.WithLabelValues(node).Inc()
}

func (c *Collector) SetGenerations(node string, peers, partition uint64) {
	c.peersGeneration.WithLabelValues(node).Set(float64(peers))
	c.partitionGen.WithLabelValues(node).Set(float64(partition))
}

func (c *Collector) CommandRetried(namespace string) {
	c.commandRetries.WithLabelValues(namespace).Inc()
}

func (c *Collector) CommandTimedOut(namespace string) {
	c.commandTimeouts.WithLabelValues(namespace).Inc()
}

func (c *Collector) CommandInDoubt() { c.commandInDoubt.Inc() }

func (c *Collector) CommandCompleted(namespace string, d time.Duration) {
	c.commandDuration.WithLabelValues(namespace).Observe(d.Seconds())
}

func (c *Collector) BatchPlanned(subCommands int) {
	c.batchSubCommands.Observe(float64(subCommands))
}

func (c *Collector) BatchRowError() { c.batchRowErrors.Inc() }

func (c *Collector) SetAsyncStats(inFlight, queued int) {
	c.asyncInFlight.Set(float64(inFlight))
	c.asyncQueued.Set(float64(queued))
}

func (c *Collector) AsyncRejected() { c.asyncRejected.Inc() }

// RemoveNode clears every per-node label series for an evicted node.
func (c *Collector) RemoveNode(node string) {
	c.poolActive.DeleteLabelValues(node)
	c.poolIdle.DeleteLabelValues(node)
	c.poolTotal.DeleteLabelValues(node)
	c.noMoreConnsTotal.DeleteLabelValues(node)
	c.peersGeneration.DeleteLabelValues(node)
	c.partitionGen.DeleteLabelValues(node)
}
