// Package model 定义扫描器中使用的核心数据结构。
// 包含行情报价、快照、三角套利候选、校验结果与台账条目等类型。
package model

import (
	"math"
	"sort"
	"time"
)

// Quote 单个交易对的最新最优报价（top-of-book）
// 每次行情推送整体覆盖，不保留历史
type Quote struct {
	// Symbol 交易对，如 BTCUSDT
	Symbol string `json:"symbol"`
	// BestAsk 最优卖价（卖一价）
	BestAsk float64 `json:"best_ask"`
	// BestBid 最优买价（买一价）
	BestBid float64 `json:"best_bid"`
}

// IsValid 检查报价是否有效
// 有效条件: Symbol 非空，买卖价均为有限正数
func (q Quote) IsValid() bool {
	return q.Symbol != "" && validPrice(q.BestAsk) && validPrice(q.BestBid)
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// TickerEvent 行情流中解析出的单条报价更新
type TickerEvent struct {
	// Symbol 交易对
	Symbol string
	// AskPrice 最优卖价
	AskPrice float64
	// BidPrice 最优买价
	BidPrice float64
	// ArrivedAtUnixNs 本机收到消息的时间戳（纳秒）
	ArrivedAtUnixNs int64
}

// Quote 转换为 Quote
func (e TickerEvent) Quote() Quote {
	return Quote{Symbol: e.Symbol, BestAsk: e.AskPrice, BestBid: e.BidPrice}
}

// Snapshot 某一时刻全部报价的不可变拷贝
// 按 Symbol 升序排列；创建后不得修改，按值传递给扫描器。
type Snapshot struct {
	// TakenAt 快照时间
	TakenAt time.Time
	// Quotes 报价列表（按 Symbol 升序）
	Quotes []Quote
}

// NewSnapshot 基于报价列表创建快照
// 会复制并排序入参，调用方后续修改 quotes 不影响快照。
func NewSnapshot(takenAt time.Time, quotes []Quote) Snapshot {
	cp := make([]Quote, len(quotes))
	copy(cp, quotes)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Symbol < cp[j].Symbol })
	return Snapshot{TakenAt: takenAt, Quotes: cp}
}

// Len 快照中的报价数量
func (s Snapshot) Len() int {
	return len(s.Quotes)
}

// Lookup 二分查找指定交易对的报价
func (s Snapshot) Lookup(symbol string) (Quote, bool) {
	i := sort.Search(len(s.Quotes), func(i int) bool { return s.Quotes[i].Symbol >= symbol })
	if i < len(s.Quotes) && s.Quotes[i].Symbol == symbol {
		return s.Quotes[i], true
	}
	return Quote{}, false
}
