// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinkDecisionsTotal counts linkage outcomes by entity type and decision
	LinkDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "linkage",
			Name:      "decisions_total",
			Help:      "Total number of linkage decisions by outcome",
		},
		[]string{"entity_type", "decision"},
	)

	// MatcherDuration tracks time spent in matching providers
	MatcherDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "matching",
			Name:      "duration_seconds",
			Help:      "Duration of matching provider calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"provider"},
	)

	// BundleSize tracks the number of writes per committed bundle
	BundleSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "store",
			Name:      "bundle_size",
			Help:      "Number of record and relationship writes per committed bundle",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// CommitsTotal counts bundle commits by status
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Total number of bundle commits by status",
		},
		[]string{"status"},
	)

	// MergesTotal counts merge operations by pairing and status
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "operations_total",
			Help:      "Total number of merge, unmerge and ignore operations",
		},
		[]string{"operation", "pairing", "status"},
	)

	// TriggerRepairsTotal counts consistency repairs
	TriggerRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "triggers",
			Name:      "repairs_total",
			Help:      "Total number of consistency repairs by kind",
		},
		[]string{"repair"},
	)

	// JobRecordsProcessed counts records processed by bulk jobs
	JobRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "jobs",
			Name:      "records_processed_total",
			Help:      "Total number of records processed by bulk jobs",
		},
		[]string{"job", "status"},
	)

	// JobsInFlight tracks running bulk jobs
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Number of bulk jobs currently running",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks Kafka messages consumed
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

func RecordLinkDecision(entityType, decision string) {
	LinkDecisionsTotal.WithLabelValues(entityType, decision).Inc()
}

func RecordMatcher(provider string, durationSeconds float64) {
	MatcherDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordCommit records a bundle commit and, on success, its size.
func RecordCommit(size int, err error) {
	if err != nil {
		CommitsTotal.WithLabelValues("failed").Inc()
		return
	}
	CommitsTotal.WithLabelValues("committed").Inc()
	BundleSize.Observe(float64(size))
}

func RecordMerge(operation, pairing string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	MergesTotal.WithLabelValues(operation, pairing, status).Inc()
}

func RecordRepair(repair string, n int) {
	if n > 0 {
		TriggerRepairsTotal.WithLabelValues(repair).Add(float64(n))
	}
}

func RecordJobRecord(job, status string) {
	JobRecordsProcessed.WithLabelValues(job, status).Inc()
}

func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

func RecordKafkaConsume(topic, status string) {
	KafkaMessagesConsumed.WithLabelValues(topic, status).Inc()
}
