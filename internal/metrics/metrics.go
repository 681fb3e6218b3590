// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordTransition(transition, outcome string)
	RecordNotification(kind string, outcome string)
	RecordWebhook(outcome string)
	AddLiveFeeds(delta int)
	RecordSessionIssue(outcome string)
	RecordSessionsPurged(count int64)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions    *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	liveFeeds      prometheus.Gauge
	sessionIssues  *prometheus.CounterVec
	sessionsPurged prometheus.Counter
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_order_transitions_total",
			Help: "発注の状態遷移の試行数（遷移種別・結果別）",
		}, []string{"transition", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_notifications_written_total",
			Help: "通知文書の書き込み数（種別・結果別）",
		}, []string{"kind", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_notification_webhook_total",
			Help: "通知Webhookの送信数（結果別）",
		}, []string{"outcome"}),
		liveFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poflow_live_notification_feeds",
			Help: "購読中の通知フィード数",
		}),
		sessionIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_session_issue_total",
			Help: "セッション発行の試行数（結果別）",
		}, []string{"outcome"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poflow_sessions_purged_total",
			Help: "期限切れで削除されたセッションの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poflow_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.transitions,
		c.notifications,
		c.webhooks,
		c.liveFeeds,
		c.sessionIssues,
		c.sessionsPurged,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordTransition は状態遷移の結果を記録する。
func (c *Collector) RecordTransition(transition, outcome string) {
	c.transitions.WithLabelValues(transition, outcome).Inc()
}

// RecordNotification は通知書き込みの結果を記録する。
func (c *Collector) RecordNotification(kind string, outcome string) {
	c.notifications.WithLabelValues(kind, outcome).Inc()
}

// RecordWebhook はWebhook送信の結果を記録する。
func (c *Collector) RecordWebhook(outcome string) {
	c.webhooks.WithLabelValues(outcome).Inc()
}

// AddLiveFeeds は購読中の通知フィード数を増減する。
func (c *Collector) AddLiveFeeds(delta int) {
	c.liveFeeds.Add(float64(delta))
}

// RecordSessionIssue はセッション発行の結果を記録する。
func (c *Collector) RecordSessionIssue(outcome string) {
	c.sessionIssues.WithLabelValues(outcome).Inc()
}

// RecordSessionsPurged は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
