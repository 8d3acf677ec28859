// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics centralizes the Prometheus instrumentation for every
// component in the data-flow path: ingestion, aggregation, the queue
// fabric, the source-map resolver cache, and AI diagnosis. Metrics are
// registered with the default Prometheus registerer; this module mounts no
// /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "telemetry_core"

// Registry groups every metric the service exposes. Construct once at
// startup with NewRegistry and pass it down to each component.
type Registry struct {
	IngestReportsTotal   *prometheus.CounterVec
	IngestDroppedTotal   *prometheus.CounterVec
	QueueJobsTotal        *prometheus.CounterVec
	QueueJobDuration       *prometheus.HistogramVec
	QueueDepth             *prometheus.GaugeVec
	AggregationUpsertTotal *prometheus.CounterVec
	SourcemapCacheSize     prometheus.Gauge
	SourcemapCacheEvictions prometheus.Counter
	SourcemapResolveTotal  *prometheus.CounterVec
	DiagnosisTotal         *prometheus.CounterVec
	DiagnosisDuration      prometheus.Histogram
	ColumnarQueryDuration  *prometheus.HistogramVec
	ColumnarHealthy        prometheus.Gauge
}

// NewRegistry constructs and registers every metric against the default
// Prometheus registerer. Call once per process.
func NewRegistry() *Registry {
	return &Registry{
		IngestReportsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "reports_total",
			Help: "Total error/performance reports accepted by project and type.",
		}, []string{"project_id", "type"}),

		IngestDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "dropped_total",
			Help: "Reports dropped by sampling or validation, by reason.",
		}, []string{"project_id", "reason"}),

		QueueJobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_total",
			Help: "Jobs processed per queue and terminal state.",
		}, []string{"queue", "state"}),

		QueueJobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "job_duration_seconds",
			Help:    "Job handler execution time by queue.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"queue"}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Approximate waiting-list length by queue.",
		}, []string{"queue"}),

		AggregationUpsertTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregation", Name: "upsert_total",
			Help: "Aggregation upserts by outcome (insert, update).",
		}, []string{"outcome"}),

		SourcemapCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sourcemap", Name: "cache_size",
			Help: "Current number of parsed source-map consumers held in the LRU cache.",
		}),

		SourcemapCacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sourcemap", Name: "cache_evictions_total",
			Help: "Consumers evicted from the LRU cache.",
		}),

		SourcemapResolveTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sourcemap", Name: "resolve_total",
			Help: "Stack-frame resolutions by outcome (resolved, missing, corrupt).",
		}, []string{"outcome"}),

		DiagnosisTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "diagnosis", Name: "total",
			Help: "AI diagnosis runs by outcome (success, failure, skipped).",
		}, []string{"outcome"}),

		DiagnosisDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "diagnosis", Name: "duration_seconds",
			Help:    "Wall-clock time of a full diagnosis run including the external analyzer call.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ColumnarQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "columnar", Name: "query_duration_seconds",
			Help:    "Columnar store query latency by operation.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"operation"}),

		ColumnarHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "columnar", Name: "healthy",
			Help: "1 if the last health check against the columnar store succeeded.",
		}),
	}
}
