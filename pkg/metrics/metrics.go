package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path metrics
	PointsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gale_points_written_total",
			Help: "Total number of points applied to memtables",
		},
	)

	WriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gale_write_errors_total",
			Help: "Total number of rejected writes",
		},
	)

	MemtableSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gale_memtable_size_bytes",
			Help: "Current size of the active memtable by vnode",
		},
		[]string{"vnode"},
	)

	WALSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gale_wal_size_bytes",
			Help: "Size of the current WAL file by vnode",
		},
		[]string{"vnode"},
	)

	// Flush and compaction metrics
	FlushTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gale_flush_total",
			Help: "Total number of memtable flushes",
		},
	)

	FlushedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gale_flushed_bytes_total",
			Help: "Total bytes written by flush",
		},
	)

	CompactionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gale_compaction_total",
			Help: "Total number of completed compactions",
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gale_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SummaryEditsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gale_summary_edits_total",
			Help: "Total number of version edits committed",
		},
	)

	// Raft metrics
	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gale_raft_log_index",
			Help: "Highest raft log index stored",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gale_raft_applied_index",
			Help: "Last raft log index applied to the storage engine",
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gale_raft_is_leader",
			Help: "Whether this node leads its vnode group (1 = leader)",
		},
	)

	SnapshotsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gale_snapshots_created_total",
			Help: "Total number of vnode snapshots created",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PointsWrittenTotal,
		WriteErrorsTotal,
		MemtableSizeBytes,
		WALSizeBytes,
		FlushTotal,
		FlushedBytesTotal,
		CompactionTotal,
		CompactionDuration,
		SummaryEditsTotal,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftIsLeader,
		SnapshotsCreatedTotal,
	)
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
