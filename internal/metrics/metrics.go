// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションマネージャー、認証サービス、ワーカーから利用する。
type MetricsCollector interface {
	RecordSessionCreated()
	RecordSessionExtended()
	RecordSessionDeleted()
	RecordAuthFlowStarted(provider, intent string)
	RecordAuthCallback(provider, result string)
	RecordSessionsCleaned(count int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionsCreated  prometheus.Counter
	sessionsExtended prometheus.Counter
	sessionsDeleted  prometheus.Counter
	authFlows        *prometheus.CounterVec
	authCallbacks    *prometheus.CounterVec
	sessionsCleaned  prometheus.Counter
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvshelf_sessions_created_total",
			Help: "新規作成されたセッションの合計数",
		}),
		sessionsExtended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvshelf_sessions_extended_total",
			Help: "有効期限が延長されたセッションの合計数",
		}),
		sessionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvshelf_sessions_deleted_total",
			Help: "明示的に削除されたセッションの合計数",
		}),
		authFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvshelf_auth_flows_started_total",
			Help: "開始されたログインフローの数（プロバイダー・種別別）",
		}, []string{"provider", "intent"}),
		authCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvshelf_auth_callbacks_total",
			Help: "ログインコールバックの結果別件数",
		}, []string{"provider", "result"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvshelf_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvshelf_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionsCreated,
		c.sessionsExtended,
		c.sessionsDeleted,
		c.authFlows,
		c.authCallbacks,
		c.sessionsCleaned,
		c.httpStatus,
	)

	return c
}

// RecordSessionCreated はセッション作成を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordSessionExtended はセッションの有効期限延長を記録する。
func (c *Collector) RecordSessionExtended() {
	c.sessionsExtended.Inc()
}

// RecordSessionDeleted はセッション削除を記録する。
func (c *Collector) RecordSessionDeleted() {
	c.sessionsDeleted.Inc()
}

// RecordAuthFlowStarted はログインフローの開始を記録する。
func (c *Collector) RecordAuthFlowStarted(provider, intent string) {
	c.authFlows.WithLabelValues(provider, intent).Inc()
}

// RecordAuthCallback はコールバックの結果を記録する。
func (c *Collector) RecordAuthCallback(provider, result string) {
	c.authCallbacks.WithLabelValues(provider, result).Inc()
}

// RecordSessionsCleaned はクリーンアップで削除されたセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordSessionCreated()             {}
func (Nop) RecordSessionExtended()            {}
func (Nop) RecordSessionDeleted()             {}
func (Nop) RecordAuthFlowStarted(_, _ string) {}
func (Nop) RecordAuthCallback(_, _ string)    {}
func (Nop) RecordSessionsCleaned(_ int64)     {}
func (Nop) RecordHTTPStatus(_ int)            {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
