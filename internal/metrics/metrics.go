// Package metrics defines the Prometheus collectors for the hooks and
// the importer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the subsystem exposes.
type Metrics struct {
	AuthzDecisions        *prometheus.CounterVec
	LifecycleEvents       *prometheus.CounterVec
	MetadataWriteFailures prometheus.Counter

	ImportsTotal      *prometheus.CounterVec
	InstancesUploaded *prometheus.CounterVec
	ImportDuration    *prometheus.HistogramVec
	UploadDuration    prometheus.Histogram
	PendingImports    prometheus.Gauge
	ActiveImports     prometheus.Gauge
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AuthzDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom_authz_decisions_total",
			Help: "Authorization filter decisions by outcome and reason",
		}, []string{"decision", "reason"}),
		LifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom_lifecycle_events_total",
			Help: "Lifecycle events handled by kind",
		}, []string{"event"}),
		MetadataWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicom_metadata_write_failures_total",
			Help: "Best-effort metadata writes that failed",
		}),

		ImportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom_imports_total",
			Help: "Total number of DICOM import attempts",
		}, []string{"clinic_id", "status"}),
		InstancesUploaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom_instances_uploaded_total",
			Help: "Total number of DICOM instances uploaded",
		}, []string{"clinic_id"}),
		ImportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dicom_import_duration_seconds",
			Help:    "Time spent importing a study",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"clinic_id"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dicom_upload_duration_seconds",
			Help:    "Time spent uploading a single DICOM file",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		PendingImports: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dicom_pending_imports",
			Help: "Number of studies waiting to be imported",
		}),
		ActiveImports: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dicom_active_imports",
			Help: "Number of studies currently being imported",
		}),
	}
}
