package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxarchive_rows_written_total",
			Help: "Total rows written to archive tables",
		},
		[]string{"database", "table", "mode"},
	)

	WriteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wxarchive_write_latency_seconds",
			Help:    "Archive write latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	Reads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxarchive_reads_total",
			Help: "Total archive range reads by outcome",
		},
		[]string{"database", "outcome"},
	)

	TablesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxarchive_tables_created_total",
			Help: "Total per-station tables created",
		},
		[]string{"table_type"},
	)

	TablesStale = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxarchive_tables_stale_total",
			Help: "Total tables found stale, by action taken",
		},
		[]string{"table_type", "action"},
	)

	DriverCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxarchive_driver_calls_total",
			Help: "Total driver invocations",
		},
		[]string{"driver", "kind", "status"},
	)

	ForecastsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxarchive_forecasts_archived_total",
			Help: "Total forecasts successfully archived",
		},
		[]string{"station", "model"},
	)
)
