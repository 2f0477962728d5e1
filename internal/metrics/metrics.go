package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gptpaywall"

// Collector holds the gateway's Prometheus metrics on its own registry.
// A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	directoryErrors *prometheus.CounterVec
	limiterKeys     *prometheus.GaugeVec
	feedClients     prometheus.Gauge
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter",
		}, []string{"policy"}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected by the API key check",
		}, []string{"reason"}),
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Stripe webhook events by type and outcome",
		}, []string{"type", "outcome"}),
		directoryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_errors_total",
			Help:      "Failed directory operations",
		}, []string{"operation"}),
		limiterKeys: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limiter_keys",
			Help:      "Tracked rate limiter buckets after the last sweep",
		}, []string{"policy"}),
		feedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admin_feed_clients",
			Help:      "Connected admin event feed clients",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRequest records one served request. route is the matched mux
// pattern, never the raw path.
func (c *Collector) RecordRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RateLimited(policy string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(policy).Inc()
}

func (c *Collector) AuthFailure(reason string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(reason).Inc()
}

// WebhookEvent counts a processed event. outcome is one of "applied",
// "no_record", "ignored" or "error".
func (c *Collector) WebhookEvent(eventType, outcome string) {
	if c == nil {
		return
	}
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (c *Collector) DirectoryError(operation string) {
	if c == nil {
		return
	}
	c.directoryErrors.WithLabelValues(operation).Inc()
}

func (c *Collector) LimiterKeys(policy string, n int) {
	if c == nil {
		return
	}
	c.limiterKeys.WithLabelValues(policy).Set(float64(n))
}

func (c *Collector) FeedClients(n int) {
	if c == nil {
		return
	}
	c.feedClients.Set(float64(n))
}
