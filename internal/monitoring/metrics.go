package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 发送指标
	SendsTotal      *prometheus.CounterVec   // sender, result
	SendDuration    *prometheus.HistogramVec // sender
	RetriesTotal    prometheus.Counter
	ItemsWaiting    prometheus.Gauge
	ItemsInFlight   prometheus.Gauge
	GroupsRunning   prometheus.Gauge
	GroupsFinished  prometheus.Counter
	WorkersBusy     prometheus.Gauge
	RateLimitWaits  prometheus.Counter
	OutboxCooldowns prometheus.Counter
	OutboxDisabled  *prometheus.CounterVec // sender
	OutboxesPooled  prometheus.Gauge

	// 代理指标
	ProxiesHealthy prometheus.Gauge
	ProxiesTotal   prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// WebSocket
	WebSocketClients prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics 创建监控指标并注册到 reg
//
// reg 为 nil 时使用全局默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkmail_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkmail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkmail_sends_total",
				Help: "Total number of send attempts by sender and result",
			},
			[]string{"sender", "result"},
		),

		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkmail_send_duration_seconds",
				Help:    "Duration of a single send attempt",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"sender"},
		),

		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkmail_retries_total",
				Help: "Total number of items put back for retry",
			},
		),

		ItemsWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_items_waiting",
				Help: "Number of items waiting to be sent",
			},
		),

		ItemsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_items_in_flight",
				Help: "Number of items currently being processed",
			},
		),

		GroupsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_groups_running",
				Help: "Number of sending groups currently running",
			},
		),

		GroupsFinished: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkmail_groups_finished_total",
				Help: "Total number of sending groups finished",
			},
		),

		WorkersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_workers_busy",
				Help: "Number of dispatch workers currently busy",
			},
		),

		RateLimitWaits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkmail_rate_limit_waits_total",
				Help: "Total number of sends delayed by the global rate limit",
			},
		),

		OutboxCooldowns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkmail_outbox_cooldowns_total",
				Help: "Total number of outbox cooldowns started",
			},
		),

		OutboxDisabled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkmail_outbox_disabled_total",
				Help: "Total number of outboxes disabled by sender",
			},
			[]string{"sender"},
		),

		OutboxesPooled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_outboxes_pooled",
				Help: "Number of outboxes in the pool",
			},
		),

		ProxiesHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_proxies_healthy",
				Help: "Number of proxies that passed the last health check",
			},
		),

		ProxiesTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_proxies_total",
				Help: "Number of proxies managed",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkmail_panics_total",
				Help: "Total number of panics",
			},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkmail_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		gatherer: gatherer,
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordSend 记录一次发送尝试
func (m *Metrics) RecordSend(sender, result string, duration time.Duration) {
	m.SendsTotal.WithLabelValues(sender, result).Inc()
	m.SendDuration.WithLabelValues(sender).Observe(duration.Seconds())
}

// RecordRetry 记录重试
func (m *Metrics) RecordRetry() {
	m.RetriesTotal.Inc()
}

// RecordCooldown 记录发件箱冷却
func (m *Metrics) RecordCooldown() {
	m.OutboxCooldowns.Inc()
}

// RecordOutboxDisabled 记录发件箱被禁用
func (m *Metrics) RecordOutboxDisabled(sender string) {
	m.OutboxDisabled.WithLabelValues(sender).Inc()
}

// RecordGroupFinished 记录发件组完成
func (m *Metrics) RecordGroupFinished() {
	m.GroupsFinished.Inc()
}

// RecordRateLimitWait 记录被全局限速延迟的发送
func (m *Metrics) RecordRateLimitWait() {
	m.RateLimitWaits.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// UpdateQueue 更新队列相关的瞬时值
func (m *Metrics) UpdateQueue(waiting, inFlight, groups, busyWorkers, pooled int) {
	m.ItemsWaiting.Set(float64(waiting))
	m.ItemsInFlight.Set(float64(inFlight))
	m.GroupsRunning.Set(float64(groups))
	m.WorkersBusy.Set(float64(busyWorkers))
	m.OutboxesPooled.Set(float64(pooled))
}

// UpdateProxies 更新代理数量
func (m *Metrics) UpdateProxies(healthy, total int) {
	m.ProxiesHealthy.Set(float64(healthy))
	m.ProxiesTotal.Set(float64(total))
}

// UpdateWebSocketClients 更新 WebSocket 连接数
func (m *Metrics) UpdateWebSocketClients(count int) {
	m.WebSocketClients.Set(float64(count))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
