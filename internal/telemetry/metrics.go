package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PostsPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_posts_published_total", Help: "Posts published successfully"})
	PostsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_posts_failed_total", Help: "Posts that ended in error status"})
	PostsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_posts_retried_total", Help: "Posts rescheduled after a transient failure"})
	PostsExpired     = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_posts_expired_total", Help: "Posts expired past the staleness window"})
	PassesSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_passes_skipped_total", Help: "Scheduler passes skipped because the lock was held"})
	PassDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "threads_pass_duration_seconds", Help: "Duration of one scheduler pass"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "threads_queue_depth", Help: "Pending entries in the post queue"})
	TokensRefreshed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_tokens_refreshed_total", Help: "Access tokens refreshed before expiry"})
	MediaUploads     = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_media_uploads_total", Help: "Media files uploaded for scheduled posts"})
	InsightsRefreshed = prometheus.NewCounter(prometheus.CounterOpts{Name: "threads_insights_refreshed_total", Help: "History rows updated with fresh insights"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PostsPublished,
			PostsFailed,
			PostsRetried,
			PostsExpired,
			PassesSkipped,
			PassDuration,
			QueueDepthGauge,
			TokensRefreshed,
			MediaUploads,
			InsightsRefreshed,
		)
	})
	return promhttp.Handler()
}
