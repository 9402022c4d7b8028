package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payouts_settlement_build_info",
			Help: "Build information of the payouts settlement tool",
		},
		[]string{"version", "commit", "date"},
	)

	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_settlement_distributions_total",
			Help: "Total number of distribution runs",
		},
		[]string{"type", "status"},
	)

	PaymentsPackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_settlement_payments_packed_total",
			Help: "Total number of payments marked packed",
		},
		[]string{"type"},
	)

	EnvelopesBuiltTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_settlement_envelopes_built_total",
			Help: "Total number of envelopes built",
		},
		[]string{"type"},
	)

	EnvelopeOperations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payouts_settlement_envelope_operations",
			Help:    "Number of operations per built envelope",
			Buckets: []float64{1, 5, 10, 25, 50, 75, 100},
		},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_settlement_submissions_total",
			Help: "Total number of envelope submissions",
		},
		[]string{"status"}, // "success", "error", "already_applied"
	)

	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payouts_settlement_submission_duration_seconds",
			Help:    "Duration of envelope submissions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	UnsentEnvelopes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payouts_settlement_unsent_envelopes",
			Help: "Envelopes left unsent after the last send pass",
		},
		[]string{"list_id"},
	)

	WeightBandDeviationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payouts_settlement_weight_band_deviations_total",
			Help: "Total number of signer weight runs whose largest share ended outside the band",
		},
	)

	RedirectionWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payouts_settlement_redirection_warnings_total",
			Help: "Total number of skipped or malformed redirection rules",
		},
	)
)

// RecordDistribution records the outcome of a distribution run.
func RecordDistribution(listType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DistributionsTotal.WithLabelValues(listType, status).Inc()
}

// RecordChunk records one packed chunk. ops is zero when the chunk produced no envelope.
func RecordChunk(listType string, packed, ops int) {
	PaymentsPackedTotal.WithLabelValues(listType).Add(float64(packed))
	if ops > 0 {
		EnvelopesBuiltTotal.WithLabelValues(listType).Inc()
		EnvelopeOperations.Observe(float64(ops))
	}
}

// RecordSubmission records one envelope submission.
func RecordSubmission(status string, duration time.Duration) {
	SubmissionsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		SubmissionDuration.Observe(duration.Seconds())
	}
}
