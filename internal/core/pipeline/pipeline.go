// Package pipeline 组装扫描流水线：行情摄入 → 报价缓存 → 节流分发 → 扫描工作协程 →
// 逐候选深度校验与评分 → 台账合并 → 展示端。
//
// 每个阶段独占一个 goroutine，由 errgroup 统一监管；根 ctx 取消时全部退出。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/visvasity/topic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"triangular-arbitrage-scanner/internal/core/ledger"
	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/core/scanner"
	"triangular-arbitrage-scanner/internal/core/store"
	"triangular-arbitrage-scanner/internal/exchange/binance"
	"triangular-arbitrage-scanner/internal/output/display"
	"triangular-arbitrage-scanner/internal/output/jsonl"
	"triangular-arbitrage-scanner/internal/stats/latency"
	"triangular-arbitrage-scanner/internal/stats/metrics"
	"triangular-arbitrage-scanner/internal/util/timeutil"
)

// ReasonInvalidQuote 报价缓存拒绝写入（指标标签）
const ReasonInvalidQuote = "invalid_quote"

// DefaultMetricsInterval 默认指标快照间隔
const DefaultMetricsInterval = 10 * time.Second

// StreamSource 行情来源
// Run 是 Events 与 ErrCh 的唯一发送方，返回时关闭两者。
type StreamSource interface {
	Run(ctx context.Context)
	Events() <-chan []model.TickerEvent
	ErrCh() <-chan error
	Metrics() binance.ConnectionMetrics
}

// CandidateValidator 深度校验；失败时返回无效结果而不是错误
type CandidateValidator interface {
	Validate(ctx context.Context, c model.Candidate) model.Validation
}

// CandidateScorer 置信度评分；失败时返回 0
type CandidateScorer interface {
	ScoreCandidate(c model.Candidate, v model.Validation) int
}

// Deps 流水线依赖
type Deps struct {
	Stream    StreamSource
	Store     *store.Store
	Worker    *scanner.Worker
	Validator CandidateValidator
	Scorer    CandidateScorer
	Ledger    *ledger.Ledger
	Formatter *display.Formatter
	Sink      display.Sink

	// DispatchInterval 最小分发间隔，<=0 使用默认值
	DispatchInterval time.Duration
	// Latency 阶段耗时统计，可为 nil
	Latency *latency.Tracker
	// Stats Prometheus 指标，可为 nil
	Stats *metrics.Metrics
	// MetricsWriter 指标快照输出，可为 nil
	MetricsWriter *jsonl.Writer
	// MetricsInterval 指标快照间隔，<=0 使用默认值
	MetricsInterval time.Duration
}

// Pipeline 扫描流水线
type Pipeline struct {
	stream     StreamSource
	store      *store.Store
	dispatcher *store.Dispatcher
	worker     *scanner.Worker
	validator  CandidateValidator
	scorer     CandidateScorer
	ledger     *ledger.Ledger
	formatter  *display.Formatter
	sink       display.Sink

	latency         *latency.Tracker
	stats           *metrics.Metrics
	metricsWriter   *jsonl.Writer
	metricsInterval time.Duration

	// dispatchInterval 尾随分发检查间隔
	dispatchInterval time.Duration
	// pending 节流期间有报价写入但尚未分发；仅由 runIngest 访问
	pending bool

	// notices 通知限流，避免坏数据刷屏
	notices *rate.Limiter
	// batches 已处理批次数
	batches atomic.Int64

	logger *zap.Logger
}

type metricsSnapshot struct {
	// TsUnixNs 指标采集时间（纳秒）
	TsUnixNs int64 `json:"ts_unix_ns"`
	// Stream 行情连接指标
	Stream binance.ConnectionMetrics `json:"stream"`
	// Quotes 缓存中的交易对数量
	Quotes int `json:"quotes"`
	// LedgerEntries 台账条目数
	LedgerEntries int `json:"ledger_entries"`
	// Batches 已处理批次数
	Batches int64 `json:"batches"`
	// Stages 各阶段耗时
	Stages []latency.StageStats `json:"stages"`
}

// New 创建流水线
func New(d Deps, logger *zap.Logger) *Pipeline {
	interval := d.MetricsInterval
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	dispatchInterval := d.DispatchInterval
	if dispatchInterval <= 0 {
		dispatchInterval = store.DefaultDispatchInterval
	}
	lat := d.Latency
	if lat == nil {
		lat = latency.NewTracker(10000)
	}
	return &Pipeline{
		stream:          d.Stream,
		store:           d.Store,
		dispatcher:       store.NewDispatcher(d.Store, store.NewThrottle(dispatchInterval), d.Worker),
		worker:           d.Worker,
		validator:        d.Validator,
		scorer:           d.Scorer,
		ledger:           d.Ledger,
		formatter:        d.Formatter,
		sink:             d.Sink,
		latency:          lat,
		stats:            d.Stats,
		metricsWriter:    d.MetricsWriter,
		metricsInterval:  interval,
		dispatchInterval: dispatchInterval,
		notices:          rate.NewLimiter(rate.Every(time.Second), 5),
		logger:           logger.Named("pipeline"),
	}
}

// Run 启动全部阶段，直到 ctx 取消或某阶段返回错误
func (p *Pipeline) Run(ctx context.Context) error {
	// 先订阅再开始合并，保证展示端不漏掉任何变更
	feed, err := p.ledger.Subscribe()
	if err != nil {
		return fmt.Errorf("订阅台账变更失败: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.stream.Run(gctx)
		return nil
	})
	g.Go(func() error {
		p.worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return p.runIngest(gctx)
	})
	g.Go(func() error {
		return p.runReconcile(gctx)
	})
	g.Go(func() error {
		return p.runForward(gctx, feed)
	})
	if p.metricsWriter != nil {
		g.Go(func() error {
			return p.runMetrics(gctx)
		})
	}

	err = g.Wait()
	if p.metricsWriter != nil {
		p.writeMetrics()
		_ = p.metricsWriter.Flush()
	}
	return err
}

// runIngest 报价缓存的唯一写者
// 定时器负责尾随分发：节流窗口内写入的报价在窗口结束后仍会被扫描。
func (p *Pipeline) runIngest(ctx context.Context) error {
	events := p.stream.Events()
	errs := p.stream.ErrCh()

	ticker := time.NewTicker(p.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if p.pending {
				p.dispatch()
			}

		case batch, ok := <-events:
			if !ok {
				return nil
			}
			p.ingest(batch)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.handleStreamError(err)
		}
	}
}

func (p *Pipeline) ingest(batch []model.TickerEvent) {
	for _, ev := range batch {
		if err := p.store.Apply(ev); err != nil {
			p.stats.IncRejected(ReasonInvalidQuote)
			p.logger.Debug("报价被拒绝", zap.Error(err))
			continue
		}
		p.stats.IncTicks()
	}
	p.stats.SetQuotes(p.store.Len())

	p.pending = true
	p.dispatch()
}

// dispatch 尝试分发快照；被节流时保留 pending 等待定时器重试
func (p *Pipeline) dispatch() {
	if p.dispatcher.SnapshotAndMaybeDispatch(timeutil.NanoToTime(timeutil.NowNano())) {
		p.pending = false
		p.stats.IncDispatches()
	}
}

// handleStreamError 将行情流通知转换为展示端通知
func (p *Pipeline) handleStreamError(err error) {
	var rej *binance.RejectError
	switch {
	case errors.As(err, &rej):
		if rej.Symbol == "" {
			p.notify(display.NoticeData, fmt.Sprintf("行情数据无法解析 (%s)", rej.Reason))
			return
		}
		p.notify(display.NoticeData, fmt.Sprintf("行情条目被拒绝: %s (%s)", rej.Symbol, rej.Reason))
	case errors.Is(err, binance.ErrStreamInterrupted):
		p.notify(display.NoticeTransient, "行情流中断，正在重连")
	default:
		p.notify(display.NoticeInfo, err.Error())
	}
}

// notify 限流后发送通知；超出配额的通知只记 Debug 日志
func (p *Pipeline) notify(level display.NoticeLevel, msg string) {
	if !p.notices.Allow() {
		p.logger.Debug("通知被限流", zap.String("level", string(level)), zap.String("message", msg))
		return
	}
	p.sink.Notice(display.Notice{Level: level, Message: msg, At: timeutil.NanoToTime(timeutil.NowNano())})
}

// runReconcile 按到达顺序处理批次；批次内候选按输出顺序逐个处理
func (p *Pipeline) runReconcile(ctx context.Context) error {
	results := p.worker.Results()
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-results:
			if !ok {
				return nil
			}
			p.reconcile(ctx, batch)
		}
	}
}

func (p *Pipeline) reconcile(ctx context.Context, batch model.Batch) {
	start := time.Now()
	p.observe(latency.StageScan, batch.ScanDuration)
	if !batch.SnapshotAt.IsZero() {
		p.observe(latency.StageSnapshotAge, start.Sub(batch.SnapshotAt))
	}

	for _, c := range batch.Candidates {
		if ctx.Err() != nil {
			return
		}
		vs := time.Now()
		v := p.validator.Validate(ctx, c)
		p.observe(latency.StageValidate, time.Since(vs))

		score := p.scorer.ScoreCandidate(c, v)
		p.ledger.Upsert(c, v, score)
	}

	maxProfit := batch.MaxProfit()
	p.ledger.AppendTrend(batch.SnapshotAt, maxProfit)
	p.stats.SetLedgerSize(p.ledger.Len())
	p.stats.ObserveBatch(len(batch.Candidates), maxProfit)
	p.observe(latency.StageBatch, time.Since(start))
	p.batches.Add(1)

	p.logger.Debug("批次处理完成",
		zap.String("batch_id", batch.ID),
		zap.Int("quotes", batch.Quotes),
		zap.Int("candidates", len(batch.Candidates)),
		zap.Float64("max_profit_pct", maxProfit),
		zap.Duration("duration", time.Since(start)),
	)
}

func (p *Pipeline) observe(stage string, d time.Duration) {
	p.latency.Observe(stage, d)
	p.stats.ObserveStage(stage, d)
}

// runForward 将台账变更格式化后推送给展示端
func (p *Pipeline) runForward(ctx context.Context, feed *topic.Receiver[model.LedgerEvent]) error {
	defer feed.Close()
	stop := context.AfterFunc(ctx, feed.Close)
	defer stop()

	for ctx.Err() == nil {
		ev, err := feed.Receive()
		if err != nil {
			return nil
		}
		switch ev.Kind {
		case model.LedgerUpsert:
			if ev.Entry != nil {
				p.sink.Upsert(p.formatter.Row(*ev.Entry, ev.Created))
			}
		case model.LedgerTrend:
			if ev.Trend != nil {
				p.sink.Trend(p.formatter.Trend(*ev.Trend))
			}
		}
	}
	return nil
}

// runMetrics 周期性写出指标快照
func (p *Pipeline) runMetrics(ctx context.Context) error {
	ticker := time.NewTicker(p.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.writeMetrics()
			_ = p.metricsWriter.Flush()
		}
	}
}

func (p *Pipeline) writeMetrics() {
	_, _ = p.metricsWriter.Write(metricsSnapshot{
		TsUnixNs:      timeutil.NowNano(),
		Stream:        p.stream.Metrics(),
		Quotes:        p.store.Len(),
		LedgerEntries: p.ledger.Len(),
		Batches:       p.batches.Load(),
		Stages:        p.latency.All(),
	})
}
