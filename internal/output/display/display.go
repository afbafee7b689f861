// Package display 将台账变更格式化为展示行，并输出到各类展示端。
// 展示端按键幂等：同一键的行重复到达时覆盖渲染，从不删除。
package display

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"triangular-arbitrage-scanner/internal/config"
	"triangular-arbitrage-scanner/internal/core/model"
)

// NoticeLevel 通知级别
type NoticeLevel string

const (
	// NoticeTransient 传输类故障（断线重连、深度查询失败）
	NoticeTransient NoticeLevel = "transient"
	// NoticeData 数据类故障（行情条目被拒绝）
	NoticeData NoticeLevel = "data"
	// NoticeInfo 一般信息
	NoticeInfo NoticeLevel = "info"
)

// Row 一行机会展示数据
type Row struct {
	// Key 身份键 A|B|C
	Key string `json:"key"`
	// Legs 三条腿交易对
	Legs [3]string `json:"legs"`
	// ProfitPercent 收益率（格式化）
	ProfitPercent string `json:"profit_percent"`
	// Liquidity 各腿第一档数量（格式化）
	Liquidity [3]string `json:"liquidity"`
	// Prices 各腿检测价格（格式化）
	Prices [3]string `json:"prices"`
	// Valid 深度校验是否通过
	Valid bool `json:"valid"`
	// Status 状态文本
	Status string `json:"status"`
	// Score 置信度评分
	Score int `json:"score"`
	// Links 各腿交易链接
	Links [3]string `json:"links"`
	// Created 是否首次出现
	Created bool `json:"created"`
}

// TrendPoint 趋势图的一个点
type TrendPoint struct {
	// Label 时间标签
	Label string `json:"label"`
	// TsUnixMs 采样时间（毫秒）
	TsUnixMs int64 `json:"ts_unix_ms"`
	// MaxProfitPercent 批次最大收益率（格式化）
	MaxProfitPercent string `json:"max_profit_percent"`
	// Value 批次最大收益率（数值，绘图用）
	Value float64 `json:"value"`
}

// Notice 展示给运维人员的通知
type Notice struct {
	// Level 通知级别
	Level NoticeLevel `json:"level"`
	// Message 通知内容
	Message string `json:"message"`
	// At 通知时间
	At time.Time `json:"at"`
}

// Sink 展示端
type Sink interface {
	// Upsert 新增或覆盖一行
	Upsert(Row)
	// Trend 追加一个趋势点
	Trend(TrendPoint)
	// Notice 显示一条通知
	Notice(Notice)
}

// Formatter 按展示配置格式化台账数据
type Formatter struct {
	cfg config.DisplayConfig
}

// NewFormatter 创建格式化器
func NewFormatter(cfg config.DisplayConfig) *Formatter {
	return &Formatter{cfg: cfg}
}

// Row 将台账条目格式化为展示行
func (f *Formatter) Row(e model.LedgerEntry, created bool) Row {
	c := e.Candidate
	row := Row{
		Key:           e.Key.String(),
		Legs:          c.Legs(),
		ProfitPercent: formatFixed(c.ProfitPercent, f.cfg.ProfitDecimals),
		Valid:         e.Validation.IsValid,
		Status:        statusText(e.Status),
		Score:         e.Score,
		Created:       created,
	}
	for i := 0; i < 3; i++ {
		row.Liquidity[i] = formatFixed(e.Validation.Liquidity[i], f.cfg.LiquidityDecimals)
		row.Prices[i] = formatFixed(c.Prices[i], f.cfg.PriceDecimals)
	}

	for i, pair := range legPairs(c) {
		row.Links[i] = f.Link(c.Legs()[i], pair[0], pair[1])
	}
	return row
}

// Trend 将趋势采样格式化为趋势点
func (f *Formatter) Trend(s model.TrendSample) TrendPoint {
	return TrendPoint{
		Label:            s.Label,
		TsUnixMs:         s.At.UnixMilli(),
		MaxProfitPercent: formatFixed(s.MaxProfitPercent, f.cfg.ProfitDecimals),
		Value:            s.MaxProfitPercent,
	}
}

// Link 根据模板生成交易链接，支持 {base} {quote} {symbol}
func (f *Formatter) Link(symbol, base, quote string) string {
	if f.cfg.TradeURLTemplate == "" {
		return ""
	}
	r := strings.NewReplacer("{base}", base, "{quote}", quote, "{symbol}", symbol)
	return r.Replace(f.cfg.TradeURLTemplate)
}

// legPairs 推导每条腿的基础/计价资产
// A = 基础/参考，B = 基础/中间，C = 中间/参考
func legPairs(c model.Candidate) [3][2]string {
	ref := strings.TrimPrefix(c.LegA, c.BaseAsset)
	return [3][2]string{
		{c.BaseAsset, ref},
		{c.BaseAsset, c.QuoteAsset},
		{c.QuoteAsset, ref},
	}
}

func statusText(s model.Status) string {
	if s == model.StatusValid {
		return "Valid"
	}
	return "Mismatch"
}

// formatFixed 十进制定点格式化，避免二进制浮点的尾数噪声
func formatFixed(v float64, places int) string {
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(v).StringFixed(int32(places))
}
