package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmcalsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmcalsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	accountSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmcalsync_account_syncs_total",
		Help: "Account sync runs by outcome.",
	}, []string{"provider", "outcome"})

	accountSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmcalsync_account_sync_duration_seconds",
		Help:    "Duration of a single account sync.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmcalsync_events_total",
		Help: "Events processed by kind (upserted, deleted, pushed, pruned).",
	}, []string{"kind"})

	fullResyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmcalsync_full_resyncs_total",
		Help: "Full calendar listings by reason.",
	}, []string{"reason"})

	remoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmcalsync_remote_call_duration_seconds",
		Help:    "Latency of calls to calendar providers.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "result"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmcalsync_token_refreshes_total",
		Help: "Credential refresh attempts by outcome.",
	}, []string{"provider", "outcome"})

	batchAccounts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crmcalsync_last_batch_accounts",
		Help: "Account counts of the most recent batch run.",
	}, []string{"result"})
)

// Middleware records request metrics labeled by the matched gin route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAccountSync records the outcome of one account sync.
func ObserveAccountSync(provider string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	accountSyncsTotal.WithLabelValues(provider, outcome).Inc()
	accountSyncDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// AddEvents counts processed events of a kind.
func AddEvents(kind string, n int) {
	if n > 0 {
		eventsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// IncFullResync counts a full listing and why it happened.
func IncFullResync(reason string) {
	fullResyncsTotal.WithLabelValues(reason).Inc()
}

// ObserveRemoteCall records a provider call started at start.
func ObserveRemoteCall(provider, operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteCallDuration.WithLabelValues(provider, operation, result).Observe(time.Since(start).Seconds())
}

// IncTokenRefresh counts a refresh attempt.
func IncTokenRefresh(provider, outcome string) {
	tokenRefreshesTotal.WithLabelValues(provider, outcome).Inc()
}

// SetBatch publishes the counts of the last batch.
func SetBatch(total, succeeded, failed int) {
	batchAccounts.WithLabelValues("total").Set(float64(total))
	batchAccounts.WithLabelValues("succeeded").Set(float64(succeeded))
	batchAccounts.WithLabelValues("failed").Set(float64(failed))
}
