// Package metrics はGatewayのPrometheusメトリクスを提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgegate"

// Metrics はGatewayが記録するコレクタの集合。
// nilのMetricsに対する記録は何もしない。
type Metrics struct {
	// Registry はコレクタを登録するレジストリ。
	Registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpInFlight      prometheus.Gauge
	rateLimitRejected *prometheus.CounterVec
	storeErrors       prometheus.Counter
	upstreamErrors    *prometheus.CounterVec
}

// New は新しいレジストリにコレクタを登録してMetricsを生成する。
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled by the gateway.",
			},
			[]string{"service", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests including the upstream call.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms から約10s
			},
			[]string{"service"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		rateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Total number of requests rejected by the rate limiter.",
			},
			[]string{"tier"},
		),
		storeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "store_errors_total",
				Help:      "Total number of counter store failures that were failed open.",
			},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Total number of failed upstream calls.",
			},
			[]string{"service"},
		),
	}

	m.Registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		m.rateLimitRejected,
		m.storeErrors,
		m.upstreamErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler は/metrics用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RequestStarted は処理中リクエスト数を1増やす。
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

// RequestFinished は完了したリクエストを記録する。
// serviceが空の場合はサービス未解決として "none" を記録する。
func (m *Metrics) RequestFinished(service, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if service == "" {
		service = "none"
	}
	m.httpInFlight.Dec()
	m.httpRequests.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// RateLimitRejected はレート制限による拒否を記録する。
func (m *Metrics) RateLimitRejected(tier string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(tier).Inc()
}

// StoreError はカウンタストアの障害を記録する。
func (m *Metrics) StoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

// UpstreamError はバックエンド呼び出しの失敗を記録する。
func (m *Metrics) UpstreamError(service string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(service).Inc()
}
