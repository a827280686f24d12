// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやワーカーから利用する。
type MetricsCollector interface {
	RecordEnter()
	RecordLeave(deleted bool)
	RecordSwitchFailure(code string)
	RecordCompanionCreated()
	RecordCompanionDeleted()
	RecordSweep(orphans, deleted, forced int)
	RecordSwitchLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	enterTotal       prometheus.Counter
	leaveTotal       *prometheus.CounterVec
	switchFail       *prometheus.CounterVec
	companionCreated prometheus.Counter
	companionDeleted prometheus.Counter
	sweepOrphans     prometheus.Counter
	sweepDeleted     prometheus.Counter
	sweepForced      prometheus.Counter
	switchLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		enterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companiond_enter_total",
			Help: "コンパニオンモードへの切り替え成功の合計数",
		}),
		leaveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "companiond_leave_total",
			Help: "コンパニオンモードからの復帰の合計数",
		}, []string{"deleted"}),
		switchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "companiond_switch_fail_total",
			Help: "切り替え失敗のエラーコード別の合計数",
		}, []string{"code"}),
		companionCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companiond_companion_created_total",
			Help: "作成されたコンパニオンアカウントの合計数",
		}),
		companionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companiond_companion_deleted_total",
			Help: "削除されたコンパニオンアカウントの合計数",
		}),
		sweepOrphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companiond_sweep_orphans_total",
			Help: "掃除ジョブが検出した孤児紐付けの合計数",
		}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companiond_sweep_deleted_total",
			Help: "掃除ジョブが削除したコンパニオンの合計数",
		}),
		sweepForced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companiond_sweep_forced_link_removals_total",
			Help: "削除失敗時に紐付けのみ強制削除した合計数",
		}),
		switchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "companiond_switch_latency_seconds",
			Help:    "セッション切り替えのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.enterTotal,
		c.leaveTotal,
		c.switchFail,
		c.companionCreated,
		c.companionDeleted,
		c.sweepOrphans,
		c.sweepDeleted,
		c.sweepForced,
		c.switchLatency,
	)

	return c
}

// RecordEnter はコンパニオンモードへの切り替え成功を記録する。
func (c *Collector) RecordEnter() {
	c.enterTotal.Inc()
}

// RecordLeave は復帰を記録する。deletedはコンパニオンを削除したかどうか。
func (c *Collector) RecordLeave(deleted bool) {
	label := "false"
	if deleted {
		label = "true"
	}
	c.leaveTotal.WithLabelValues(label).Inc()
}

// RecordSwitchFailure は切り替え失敗をエラーコード別に記録する。
func (c *Collector) RecordSwitchFailure(code string) {
	c.switchFail.WithLabelValues(code).Inc()
}

// RecordCompanionCreated はコンパニオン作成を記録する。
func (c *Collector) RecordCompanionCreated() {
	c.companionCreated.Inc()
}

// RecordCompanionDeleted はコンパニオン削除を記録する。
func (c *Collector) RecordCompanionDeleted() {
	c.companionDeleted.Inc()
}

// RecordSweep は掃除ジョブの1回分の結果を記録する。
func (c *Collector) RecordSweep(orphans, deleted, forced int) {
	c.sweepOrphans.Add(float64(orphans))
	c.sweepDeleted.Add(float64(deleted))
	c.sweepForced.Add(float64(forced))
}

// RecordSwitchLatency はセッション切り替えのレイテンシを記録する。
func (c *Collector) RecordSwitchLatency(duration time.Duration) {
	c.switchLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
