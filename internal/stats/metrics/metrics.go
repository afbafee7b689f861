// Package metrics 定义 Prometheus 指标。
// 所有方法对 nil 接收者安全，组件在测试中可以不注入指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triarb"

// 校验结果标签
const (
	ResultValid    = "valid"
	ResultMismatch = "mismatch"
	ResultError    = "error"
)

// Metrics 扫描器指标集合
type Metrics struct {
	registry *prometheus.Registry

	ticks          prometheus.Counter
	rejected       *prometheus.CounterVec
	reconnects     prometheus.Counter
	quotes         prometheus.Gauge
	dispatches     prometheus.Counter
	batches        prometheus.Counter
	candidates     prometheus.Counter
	validations    *prometheus.CounterVec
	depthErrors    *prometheus.CounterVec
	scorerFallback prometheus.Counter
	ledgerSize     prometheus.Gauge
	maxProfit      prometheus.Gauge
	stageDuration  *prometheus.HistogramVec
}

// New 创建指标集合并注册到独立的 Registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Ticker entries applied to the quote store",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_rejected_total",
			Help:      "Ticker entries rejected before reaching the quote store",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Stream reconnect attempts",
		}),
		quotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quotes",
			Help:      "Symbols currently held in the quote store",
		}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Snapshots forwarded to the scanner",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Scanner batches reconciled",
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidate cycles emitted by the scanner",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Depth validations by result",
		}, []string{"result"}),
		depthErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "depth_errors_total",
			Help:      "Depth query failures by kind",
		}, []string{"kind"}),
		scorerFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scorer_fallback_total",
			Help:      "Scores that fell back to the neutral value",
		}),
		ledgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_entries",
			Help:      "Distinct cycle keys in the ledger",
		}),
		maxProfit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_max_profit_percent",
			Help:      "Max profit percent of the last reconciled batch",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage durations",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.rejected, m.reconnects, m.quotes, m.dispatches, m.batches,
		m.candidates, m.validations, m.depthErrors, m.scorerFallback,
		m.ledgerSize, m.maxProfit, m.stageDuration,
	)
	return m
}

// Registry 返回底层 Registry（测试用）
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncTicks 行情条目写入缓存
func (m *Metrics) IncTicks() {
	if m != nil {
		m.ticks.Inc()
	}
}

// IncRejected 行情条目被拒绝
func (m *Metrics) IncRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

// IncReconnects 行情流重连
func (m *Metrics) IncReconnects() {
	if m != nil {
		m.reconnects.Inc()
	}
}

// SetQuotes 缓存中的交易对数量
func (m *Metrics) SetQuotes(n int) {
	if m != nil {
		m.quotes.Set(float64(n))
	}
}

// IncDispatches 快照分发
func (m *Metrics) IncDispatches() {
	if m != nil {
		m.dispatches.Inc()
	}
}

// ObserveBatch 记录一个已处理批次
func (m *Metrics) ObserveBatch(candidates int, maxProfit float64) {
	if m != nil {
		m.batches.Inc()
		m.candidates.Add(float64(candidates))
		m.maxProfit.Set(maxProfit)
	}
}

// IncValidation 记录校验结果
func (m *Metrics) IncValidation(result string) {
	if m != nil {
		m.validations.WithLabelValues(result).Inc()
	}
}

// IncDepthError 记录深度查询失败
func (m *Metrics) IncDepthError(kind string) {
	if m != nil {
		m.depthErrors.WithLabelValues(kind).Inc()
	}
}

// IncScorerFallback 评分回退为中性值
func (m *Metrics) IncScorerFallback() {
	if m != nil {
		m.scorerFallback.Inc()
	}
}

// SetLedgerSize 台账条目数
func (m *Metrics) SetLedgerSize(n int) {
	if m != nil {
		m.ledgerSize.Set(float64(n))
	}
}

// ObserveStage 记录阶段耗时
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}
