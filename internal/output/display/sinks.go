package display

import (
	"time"

	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/output/jsonl"
	"triangular-arbitrage-scanner/internal/util/timeutil"
)

// LogSink 以结构化日志输出展示事件
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink 创建日志展示端
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("display")}
}

// Upsert 首次出现以 Info 输出，覆盖以 Debug 输出
func (s *LogSink) Upsert(r Row) {
	fields := []zap.Field{
		zap.String("key", r.Key),
		zap.String("profit_pct", r.ProfitPercent),
		zap.String("status", r.Status),
		zap.Int("score", r.Score),
		zap.Strings("liquidity", r.Liquidity[:]),
	}
	if r.Created {
		s.logger.Info("新机会", fields...)
		return
	}
	s.logger.Debug("机会更新", fields...)
}

// Trend 输出趋势点
func (s *LogSink) Trend(p TrendPoint) {
	s.logger.Debug("收益趋势", zap.String("label", p.Label), zap.String("max_profit_pct", p.MaxProfitPercent))
}

// Notice 输出通知
func (s *LogSink) Notice(n Notice) {
	switch n.Level {
	case NoticeTransient, NoticeData:
		s.logger.Warn(n.Message, zap.String("level", string(n.Level)))
	default:
		s.logger.Info(n.Message, zap.String("level", string(n.Level)))
	}
}

// 记录类型
const (
	RecordRow    = "row"
	RecordTrend  = "trend"
	RecordNotice = "notice"
)

// JSONLSink 将展示事件追加写入 JSONL 文件
type JSONLSink struct {
	w *jsonl.Writer
}

// NewJSONLSink 创建 JSONL 展示端；写入器由调用方关闭
func NewJSONLSink(w *jsonl.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// Upsert 写入行记录
func (s *JSONLSink) Upsert(r Row) {
	_, _ = s.w.WriteRecord(RecordRow, now(), r)
}

// Trend 写入趋势记录
func (s *JSONLSink) Trend(p TrendPoint) {
	_, _ = s.w.WriteRecord(RecordTrend, now(), p)
}

// Notice 写入通知记录
func (s *JSONLSink) Notice(n Notice) {
	_, _ = s.w.WriteRecord(RecordNotice, n.At, n)
}

func now() time.Time {
	return timeutil.NanoToTime(timeutil.NowNano())
}

// Multi 将事件依次转发给多个展示端
type Multi []Sink

// Upsert 转发行
func (m Multi) Upsert(r Row) {
	for _, s := range m {
		s.Upsert(r)
	}
}

// Trend 转发趋势点
func (m Multi) Trend(p TrendPoint) {
	for _, s := range m {
		s.Trend(p)
	}
}

// Notice 转发通知
func (m Multi) Notice(n Notice) {
	for _, s := range m {
		s.Notice(n)
	}
}
