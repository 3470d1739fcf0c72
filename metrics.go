// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every allocator and pool
// of one runtime. Allocators created without metrics share an unregistered
// set, so the collectors are always safe to update.
type Metrics struct {
	heapAllocs      prometheus.Counter
	heapAllocBytes  prometheus.Counter
	heapFrees       prometheus.Counter
	nodeReuses      prometheus.Counter
	freeListBytes   prometheus.Gauge
	outOfMemory     prometheus.Counter
	poolsCreated    prometheus.Counter
	poolsDestroyed  prometheus.Counter
	cleanupFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		heapAllocs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_allocator_heap_allocations_total",
			Help: "Total number of memory blocks obtained from the heap.",
		}),
		heapAllocBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_allocator_heap_allocated_bytes_total",
			Help: "Total bytes obtained from the heap.",
		}),
		heapFrees: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_allocator_heap_frees_total",
			Help: "Total number of memory blocks handed back to the heap.",
		}),
		nodeReuses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_allocator_node_reuses_total",
			Help: "Total number of block requests satisfied from a free list.",
		}),
		freeListBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "arena_allocator_free_list_bytes",
			Help: "Bytes currently parked in allocator free lists.",
		}),
		outOfMemory: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_allocator_out_of_memory_total",
			Help: "Total number of block requests the heap could not satisfy.",
		}),
		poolsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_pools_created_total",
			Help: "Total number of pools created.",
		}),
		poolsDestroyed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_pools_destroyed_total",
			Help: "Total number of pools destroyed.",
		}),
		cleanupFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arena_cleanup_failures_total",
			Help: "Total number of cleanup callbacks that returned an error.",
		}),
	}
}

var unregisteredMetrics = NewMetrics(nil)
