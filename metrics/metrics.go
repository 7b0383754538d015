// Package metrics provides Prometheus metrics for the SEO pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "seo"

var (
	// RunsTotal tracks pipeline runs by final status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by status",
		},
		[]string{"status"},
	)

	// StageRunsTotal tracks stage executions by status
	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "runs_total",
			Help:      "Total number of stage executions by status",
		},
		[]string{"stage", "status"},
	)

	// StageDuration tracks stage duration in seconds
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	// StageRowsTotal tracks rows entering, dropped by and leaving each stage step
	StageRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "rows_total",
			Help:      "Rows processed per stage step, by kind (in, dropped, out)",
		},
		[]string{"stage", "step", "kind"},
	)

	// BatchFallbacksTotal tracks records whose batch id fell back to the run's batch
	BatchFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "batch_fallbacks_total",
			Help:      "Records stamped with the run batch because neither side carried one",
		},
		[]string{"stage"},
	)

	// IngestFilesTotal tracks ingested files by source and status
	IngestFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Total number of source files seen by ingestion, by status",
		},
		[]string{"source", "status"},
	)

	// IngestRowsTotal tracks rows staged by source
	IngestRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_total",
			Help:      "Total number of rows written to staging",
		},
		[]string{"source"},
	)

	// ExportRowsTotal tracks fact rows written to export files
	ExportRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "rows_total",
			Help:      "Total number of fact rows exported",
		},
	)
)

// RecordStage records one stage execution
func RecordStage(stage, status string, durationSeconds float64) {
	StageRunsTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordRows records the row flow of one stage step
func RecordRows(stage, step string, in, dropped, out int) {
	StageRowsTotal.WithLabelValues(stage, step, "in").Add(float64(in))
	StageRowsTotal.WithLabelValues(stage, step, "dropped").Add(float64(dropped))
	StageRowsTotal.WithLabelValues(stage, step, "out").Add(float64(out))
}

// RecordBatchFallbacks records batch id fallbacks in a stage
func RecordBatchFallbacks(stage string, n int) {
	if n > 0 {
		BatchFallbacksTotal.WithLabelValues(stage).Add(float64(n))
	}
}

// RecordRun records a finished pipeline run
func RecordRun(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}

// RecordIngestFile records the outcome of one ingested file
func RecordIngestFile(source, status string, rows int) {
	IngestFilesTotal.WithLabelValues(source, status).Inc()
	if rows > 0 {
		IngestRowsTotal.WithLabelValues(source).Add(float64(rows))
	}
}

// RecordExport records exported fact rows
func RecordExport(rows int) {
	ExportRowsTotal.Add(float64(rows))
}
