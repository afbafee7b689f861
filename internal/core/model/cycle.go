// Package model 定义扫描器中使用的核心数据结构。
package model

import (
	"strings"
	"time"
)

// CycleKey 三角循环的身份键
// 由三条腿的交易对按顺序组成；键相同即为同一逻辑机会，必须合并而非重复。
type CycleKey struct {
	LegA string
	LegB string
	LegC string
}

// String 返回形如 BTCUSDT|ETHBTC|ETHUSDT 的稳定字符串
func (k CycleKey) String() string {
	return k.LegA + "|" + k.LegB + "|" + k.LegC
}

// ParseCycleKey 解析 CycleKey.String 的输出
func ParseCycleKey(s string) (CycleKey, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return CycleKey{}, false
	}
	return CycleKey{LegA: parts[0], LegB: parts[1], LegC: parts[2]}, true
}

// Candidate 三角套利候选机会
// LegA: 基础资产/参考资产（如 BTCUSDT），以卖一价买入
// LegB: 基础资产/中间资产（如 BTCETH），按卖一价计价
// LegC: 中间资产/参考资产（如 ETHUSDT），以买一价卖出
type Candidate struct {
	// LegA 第一条腿交易对
	LegA string `json:"leg_a"`
	// LegB 第二条腿交易对
	LegB string `json:"leg_b"`
	// LegC 第三条腿交易对
	LegC string `json:"leg_c"`
	// BaseAsset LegA 的基础资产（如 BTC）
	BaseAsset string `json:"base_asset"`
	// QuoteAsset LegB 的计价资产，即中间资产（如 ETH）
	QuoteAsset string `json:"quote_asset"`
	// ProfitPercent 扣除往返手续费后的收益率（百分点）
	ProfitPercent float64 `json:"profit_percent"`
	// Prices 检测时价格: ask(A), ask(B), bid(C)
	Prices [3]float64 `json:"prices"`
}

// Key 返回候选机会的身份键
func (c Candidate) Key() CycleKey {
	return CycleKey{LegA: c.LegA, LegB: c.LegB, LegC: c.LegC}
}

// Legs 按顺序返回三条腿的交易对
func (c Candidate) Legs() [3]string {
	return [3]string{c.LegA, c.LegB, c.LegC}
}

// Validation 深度校验结果
// 不单独持久化，总是附着在其校验的候选机会上。
type Validation struct {
	// IsValid 三条腿最新盘口价格是否与检测时价格完全一致
	IsValid bool `json:"is_valid"`
	// Liquidity 各腿第一档挂单量
	Liquidity [3]float64 `json:"liquidity"`
	// ReferencePrices 各腿检测时价格（审计/展示用）
	ReferencePrices [3]float64 `json:"reference_prices"`
}

// InvalidValidation 返回安全的“不可操作”结果：无效、零流动性、零价格
func InvalidValidation() Validation {
	return Validation{}
}

// Batch 扫描器一次搜索的输出
type Batch struct {
	// ID 批次唯一标识
	ID string
	// SnapshotAt 对应快照的时间
	SnapshotAt time.Time
	// Quotes 快照中的报价数量
	Quotes int
	// Candidates 候选机会（顺序即扫描器输出顺序）
	Candidates []Candidate
	// ScanDuration 搜索耗时
	ScanDuration time.Duration
}

// MaxProfit 返回批次内最大收益率，下限为 0
func (b Batch) MaxProfit() float64 {
	var best float64
	for _, c := range b.Candidates {
		if c.ProfitPercent > best {
			best = c.ProfitPercent
		}
	}
	return best
}
