package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label constants. Each constant's name should end with `Label`.

	// Status code of a request, as a gRPC code string.
	StatusLabel = "status"

	// Region server RPC method name (get, getRow, batchUpdate, ...).
	MethodLabel = "method"

	// Table the region belongs to.
	TableLabel = "table"
)

const (
	rsNamespace = "rangestore"
)

var (
	RPCCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: rsNamespace,
		Subsystem: "regionserver",
		Name:      "rpc_count",
		Help:      "Number of region server RPCs handled, by method and status.",
	}, []string{
		MethodLabel,
		StatusLabel,
	})

	CommitDurationUsec = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: rsNamespace,
		Subsystem: "regionserver",
		Name:      "commit_duration_usec",
		Buckets:   prometheus.ExponentialBuckets(1, 10, 9),
		Help:      "Time to commit one row update (WAL append + memcache apply), in **microseconds**.",
	})

	WALAppends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: rsNamespace,
		Subsystem: "wal",
		Name:      "appends",
		Help:      "Number of commit groups appended to the write-ahead log.",
	})

	WALRolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: rsNamespace,
		Subsystem: "wal",
		Name:      "rolls",
		Help:      "Number of times the write-ahead log was rolled to a new generation.",
	})

	MemcacheSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: rsNamespace,
		Subsystem: "region",
		Name:      "memcache_size_bytes",
		Help:      "Bytes buffered in memcaches, per table.",
	}, []string{
		TableLabel,
	})

	FlushCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: rsNamespace,
		Subsystem: "region",
		Name:      "flush_count",
		Help:      "Number of memcache flushes to store files.",
	}, []string{
		TableLabel,
	})

	CompactionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: rsNamespace,
		Subsystem: "region",
		Name:      "compaction_count",
		Help:      "Number of store compactions run.",
	}, []string{
		TableLabel,
	})

	SplitCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: rsNamespace,
		Subsystem: "region",
		Name:      "split_count",
		Help:      "Number of region splits performed.",
	}, []string{
		TableLabel,
	})

	ScannerLeasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: rsNamespace,
		Subsystem: "regionserver",
		Name:      "scanner_leases_expired",
		Help:      "Number of scanner cursors closed because their lease expired.",
	})

	OnlineRegions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: rsNamespace,
		Subsystem: "regionserver",
		Name:      "online_regions",
		Help:      "Number of regions currently online on this server.",
	})
)
