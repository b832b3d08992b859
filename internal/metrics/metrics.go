// Package metrics holds the process-wide Prometheus collectors shared by
// a node's coordinator task and its storage workers. Collectors are
// registered once at package init so cmd/node can mount a single
// /metrics handler covering both.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Gets counts client GET requests handled by a worker, labeled by
	// worker id.
	Gets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiered_storage_worker_gets_total",
		Help: "Number of client GET requests handled by a storage worker.",
	}, []string{"worker"})

	// Puts counts client PUT requests handled by a worker.
	Puts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiered_storage_worker_puts_total",
		Help: "Number of client PUT requests handled by a storage worker.",
	}, []string{"worker"})

	// Deletes counts keys removed from a worker's store by post hand-off
	// cleanup.
	Deletes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiered_storage_worker_deletes_total",
		Help: "Number of keys deleted from a storage worker's store.",
	}, []string{"worker"})

	// GossipFlushes counts periodic changeset flushes performed by a
	// worker.
	GossipFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiered_storage_worker_gossip_flushes_total",
		Help: "Number of periodic gossip flushes performed by a storage worker.",
	}, []string{"worker"})

	// GossipEntriesSent counts individual (key, value) tuples sent as
	// gossip, labeled by transport ("local" or "distributed").
	GossipEntriesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiered_storage_worker_gossip_entries_sent_total",
		Help: "Number of value records sent as gossip, by transport.",
	}, []string{"worker", "transport"})

	// NodeCount reports the coordinator's current global ring size.
	NodeCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tiered_storage_coordinator_nodes",
		Help: "Number of nodes currently on the global ring.",
	})

	// WorkerCount reports the coordinator's current active worker count.
	WorkerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tiered_storage_coordinator_workers",
		Help: "Number of active storage workers on this node.",
	})
)

func init() {
	prometheus.MustRegister(Gets, Puts, Deletes, GossipFlushes, GossipEntriesSent, NodeCount, WorkerCount)
}
