package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DirectoriesListed counts directory listings by outcome (ok, error).
	DirectoriesListed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_indexer",
		Name:      "directories_listed_total",
		Help:      "Directory listings performed during discovery.",
	}, []string{"result"})

	// FilesDiscovered counts candidate record locations yielded by discovery.
	FilesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicom_indexer",
		Name:      "files_discovered_total",
		Help:      "Candidate record locations yielded by discovery.",
	})

	// RecordsRead counts header reads by outcome (indexed, invalid, error).
	RecordsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_indexer",
		Name:      "records_read_total",
		Help:      "Record header reads by outcome.",
	}, []string{"result"})

	// BuildDuration observes full index builds.
	BuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dicom_indexer",
		Name:      "build_duration_seconds",
		Help:      "Duration of index builds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"status"})

	// Refreshes counts remote index refresh attempts by outcome
	// (fetched, not_modified, unavailable, bad_content_type).
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_indexer",
		Name:      "refreshes_total",
		Help:      "Remote index refresh attempts by outcome.",
	}, []string{"result"})

	// ShardLoads counts lazy per-patient shard loads by outcome.
	ShardLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_indexer",
		Name:      "shard_loads_total",
		Help:      "Lazy patient shard loads by outcome.",
	}, []string{"result"})

	// CatalogInstances tracks the number of instances held by the live catalog.
	CatalogInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicom_indexer",
		Name:      "catalog_instances",
		Help:      "Instances currently held in the live catalog.",
	})
)
