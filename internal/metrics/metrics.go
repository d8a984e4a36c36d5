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

// Metrics owns its registry so several servers can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	boardWrites      *prometheus.CounterVec
	replyLimitHits   prometheus.Counter
	notifyFailures   *prometheus.CounterVec
	liveClients      prometheus.Gauge
	liveDeliveries   *prometheus.CounterVec
	rateLimitRejects prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "haven_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		boardWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_board_writes_total",
			Help: "Successful board writes by operation",
		}, []string{"operation"}),
		replyLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "haven_board_reply_limit_rejections_total",
			Help: "Replies rejected because the post reached its reply cap",
		}),
		notifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_notify_failures_total",
			Help: "Best-effort side effects that failed, by kind",
		}, []string{"kind"}),
		liveClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "haven_live_clients",
			Help: "Connected live-update websocket clients",
		}),
		liveDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_live_deliveries_total",
			Help: "Live events delivered or withheld per connection",
		}, []string{"outcome"}),
		rateLimitRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "haven_rate_limit_rejections_total",
			Help: "Requests rejected by the per-IP rate limiter",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) BoardWrite(operation string) {
	if m == nil {
		return
	}
	m.boardWrites.WithLabelValues(operation).Inc()
}

func (m *Metrics) ReplyLimitReached() {
	if m == nil {
		return
	}
	m.replyLimitHits.Inc()
}

// SideEffectFailed counts a swallowed failure: "notify", "index" or "activity".
func (m *Metrics) SideEffectFailed(kind string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetLiveClients(n int) {
	if m == nil {
		return
	}
	m.liveClients.Set(float64(n))
}

func (m *Metrics) LiveDelivery(delivered bool) {
	if m == nil {
		return
	}
	outcome := "withheld"
	if delivered {
		outcome = "delivered"
	}
	m.liveDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejects.Inc()
}
