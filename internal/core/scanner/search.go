// Package scanner 实现三角套利循环搜索。
// 搜索只作用于按值传入的快照，与可变的报价缓存完全隔离。
package scanner

import (
	"strings"

	"triangular-arbitrage-scanner/internal/core/model"
)

const (
	// DefaultReferenceAsset 默认参考资产
	DefaultReferenceAsset = "USDT"
	// DefaultFeePercent 默认往返手续费估计（百分点）
	DefaultFeePercent = 0.3
)

// Params 搜索参数
type Params struct {
	// ReferenceAsset 参考资产后缀，如 USDT
	ReferenceAsset string
	// FeePercent 往返手续费估计（百分点，直接从收益率中扣减）
	FeePercent float64
}

// DefaultParams 返回默认搜索参数
func DefaultParams() Params {
	return Params{ReferenceAsset: DefaultReferenceAsset, FeePercent: DefaultFeePercent}
}

// Search 在快照上穷举三角循环，返回扣费后收益为正的候选
//
// 对每个以参考资产结尾的交易对 T（基础资产 C），遍历以 C 开头且不以参考资产结尾的
// 交易对 S（计价资产 Q），在快照中查找 N = Q + 参考资产；N 不存在则该三元组不成立。
// 毛回报 R = (1/ask(T)) * ask(S) * bid(N)，收益率 = (R-1)*100 - FeePercent，
// 仅输出收益率 > 0 的三元组。复杂度 O(n²)，输出顺序无意义。
func Search(snap model.Snapshot, p Params) []model.Candidate {
	suffix := p.ReferenceAsset
	if suffix == "" {
		suffix = DefaultReferenceAsset
	}

	var out []model.Candidate
	for _, t := range snap.Quotes {
		if !strings.HasSuffix(t.Symbol, suffix) || t.BestAsk <= 0 {
			continue
		}
		base := strings.TrimSuffix(t.Symbol, suffix)
		if base == "" {
			continue
		}

		for _, s := range snap.Quotes {
			if s.Symbol == t.Symbol || strings.HasSuffix(s.Symbol, suffix) || !strings.HasPrefix(s.Symbol, base) {
				continue
			}
			quoteAsset := s.Symbol[len(base):]
			if quoteAsset == "" || s.BestAsk <= 0 {
				continue
			}

			n, ok := snap.Lookup(quoteAsset + suffix)
			if !ok || n.BestBid <= 0 {
				continue
			}

			profit := ProfitPercent(t.BestAsk, s.BestAsk, n.BestBid, p.FeePercent)
			if profit <= 0 {
				continue
			}
			out = append(out, model.Candidate{
				LegA:          t.Symbol,
				LegB:          s.Symbol,
				LegC:          n.Symbol,
				BaseAsset:     base,
				QuoteAsset:    quoteAsset,
				ProfitPercent: profit,
				Prices:        [3]float64{t.BestAsk, s.BestAsk, n.BestBid},
			})
		}
	}
	return out
}

// ProfitPercent 计算扣费后的循环收益率（百分点）
// 公式: ((1/askA) * askB * bidC - 1) * 100 - feePercent
func ProfitPercent(askA, askB, bidC, feePercent float64) float64 {
	r := (1 / askA) * askB * bidC
	return (r-1)*100 - feePercent
}
