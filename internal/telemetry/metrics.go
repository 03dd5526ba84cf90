package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmittedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_submitted_total", Help: "Publish jobs accepted and enqueued"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_rate_limit_rejects_total", Help: "Submissions rejected by the per-owner rate limiter"})
	ClaimedCounter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_claimed_total", Help: "Jobs moved from pending to running by a worker"})
	DuplicateDeliveries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_duplicate_deliveries_total", Help: "Deliveries acknowledged as no-ops because the job was already claimed or gone"})
	DoneCounter          = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_done_total", Help: "Jobs published successfully"})
	FailedCounter        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_jobs_failed_total", Help: "Jobs that ended in error"}, []string{"reason"})
	TransferRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_transfer_retries_total", Help: "In-process retries of transient transfer failures"})
	ReaperExpired        = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_reaper_expired_total", Help: "Publications removed and marked expired"})
	ReaperSkipped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_reaper_skipped_total", Help: "Selected jobs left alone because they were renewed or changed"})
	ReaperFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_reaper_failures_total", Help: "Expirations that failed and will be retried next cycle"})
	ReconciledCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_reconciled_total", Help: "Running jobs failed because their worker stopped heartbeating"})
	RejectedCounter      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_submissions_rejected_total", Help: "Submissions refused before a job was recorded"}, []string{"reason"})
	RequeuedCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_deliveries_requeued_total", Help: "Deliveries released for redelivery because the store could not be updated"})
	DownloadCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_downloads_total", Help: "Publications streamed through the API"})
	NotificationsSent    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_notifications_total", Help: "Contact notifications delivered, by job state"}, []string{"state"})
	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_notification_failures_total", Help: "Contact notifications that could not be delivered"})

	TransferDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "publish_transfer_duration_seconds",
		Help:    "Wall time of a transfer including in-process retries",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_queue_depth", Help: "Ready tasks waiting for a worker"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_queue_inflight", Help: "Tasks currently leased by workers"})
	JobsByState        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "publish_jobs", Help: "Jobs per lifecycle state"}, []string{"state"})
	OldestPendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_oldest_pending_age_seconds", Help: "Age of the oldest pending job, 0 when none"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmittedCounter,
			RateLimitRejects,
			ClaimedCounter,
			DuplicateDeliveries,
			DoneCounter,
			FailedCounter,
			TransferRetries,
			ReaperExpired,
			ReaperSkipped,
			ReaperFailures,
			ReconciledCounter,
			RejectedCounter,
			RequeuedCounter,
			DownloadCounter,
			NotificationsSent,
			NotificationFailures,
			TransferDuration,
			QueueDepthGauge,
			InFlightGauge,
			JobsByState,
			OldestPendingGauge,
		)
	})
	return promhttp.Handler()
}
