// Package metrics declares the Prometheus instruments of the archive.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstancesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_instances_received_total",
		Help: "Instances received for ingestion, by origin and outcome.",
	}, []string{"origin", "outcome"})

	StoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_store_duration_seconds",
		Help:    "Wall time of the ingestion pipeline per instance.",
		Buckets: prometheus.DefBuckets,
	})

	PatientsRecycled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_patients_recycled_total",
		Help: "Patients removed by quota recycling.",
	})

	Changes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_changes_total",
		Help: "Entries appended to the change log, by change type.",
	}, []string{"type"})

	IncomingAssociations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_dicom_associations_total",
		Help: "Incoming DICOM associations accepted.",
	})

	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_jobs_submitted_total",
		Help: "Jobs submitted to the engine, by job type.",
	}, []string{"type"})

	StorageCompressedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_storage_compressed_bytes",
		Help: "Total compressed size of the stored attachments.",
	})

	PatientCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_patient_count",
		Help: "Number of patients in the index.",
	})
)
