// Package scanner 三角循环搜索测试
package scanner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/core/model"
)

func snapshotOf(quotes ...model.Quote) model.Snapshot {
	return model.NewSnapshot(time.Unix(1700000000, 0), quotes)
}

// 场景 A: R = (1/100)*2*210 = 4.2，收益率远大于 0，应输出
func TestSearch_ScenarioA_ProfitableCycle(t *testing.T) {
	snap := snapshotOf(
		model.Quote{Symbol: "BTCUSDT", BestAsk: 100, BestBid: 99},
		model.Quote{Symbol: "BTCETH", BestAsk: 2, BestBid: 1.9},
		model.Quote{Symbol: "ETHUSDT", BestAsk: 211, BestBid: 210},
	)

	got := Search(snap, DefaultParams())
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, model.CycleKey{LegA: "BTCUSDT", LegB: "BTCETH", LegC: "ETHUSDT"}, c.Key())
	assert.Equal(t, "BTC", c.BaseAsset)
	assert.Equal(t, "ETH", c.QuoteAsset)
	assert.InDelta(t, (4.2-1)*100-0.3, c.ProfitPercent, 1e-9)
	assert.Equal(t, [3]float64{100, 2, 210}, c.Prices)
}

// 场景 B: R 恰好为 1，收益率 = -0.3，不应输出
func TestSearch_ScenarioB_BreakEvenExcluded(t *testing.T) {
	snap := snapshotOf(
		model.Quote{Symbol: "BTCUSDT", BestAsk: 2, BestBid: 2},
		model.Quote{Symbol: "BTCETH", BestAsk: 1, BestBid: 1},
		model.Quote{Symbol: "ETHUSDT", BestAsk: 2, BestBid: 2},
	)

	assert.InDelta(t, -0.3, ProfitPercent(2, 1, 2, 0.3), 1e-12)
	assert.Empty(t, Search(snap, DefaultParams()))
}

func TestSearch_EdgeCases(t *testing.T) {
	tests := []struct {
		name   string
		quotes []model.Quote
		want   int
	}{
		{
			name: "第三条腿缺失",
			quotes: []model.Quote{
				{Symbol: "BTCUSDT", BestAsk: 100, BestBid: 99},
				{Symbol: "BTCETH", BestAsk: 2, BestBid: 1.9},
			},
			want: 0,
		},
		{
			name: "S 以参考资产结尾不参与",
			quotes: []model.Quote{
				{Symbol: "BTCUSDT", BestAsk: 100, BestBid: 99},
				{Symbol: "BTCDOWNUSDT", BestAsk: 2, BestBid: 1.9},
				{Symbol: "DOWNUSDTUSDT", BestAsk: 500, BestBid: 500},
			},
			want: 0,
		},
		{
			name: "参考资产自身不构成基础资产",
			quotes: []model.Quote{
				{Symbol: "USDT", BestAsk: 1, BestBid: 1},
				{Symbol: "USDTETH", BestAsk: 1, BestBid: 1},
				{Symbol: "ETHUSDT", BestAsk: 1, BestBid: 500},
			},
			want: 0,
		},
		{
			name:   "空快照",
			quotes: nil,
			want:   0,
		},
		{
			name: "同一基础资产多条路径",
			quotes: []model.Quote{
				{Symbol: "BNBUSDT", BestAsk: 300, BestBid: 299},
				{Symbol: "BNBBTC", BestAsk: 0.01, BestBid: 0.0099},
				{Symbol: "BNBETH", BestAsk: 0.2, BestBid: 0.19},
				{Symbol: "BTCUSDT", BestAsk: 40000, BestBid: 40000},
				{Symbol: "ETHUSDT", BestAsk: 2000, BestBid: 2000},
			},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Search(snapshotOf(tt.quotes...), DefaultParams())
			assert.Len(t, got, tt.want)
		})
	}
}

// 属性: 输出包含 (T,S,N) 当且仅当 N 存在于快照且扣费收益率 > 0（完备性 + 正确性）
func TestSearch_SoundAndComplete_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// 资产名互不为前缀，便于按资产枚举得到期望集合
	assets := []string{"BTC", "ETH", "BNB", "SOL", "XRP"}
	var universe []string
	for _, a := range assets {
		universe = append(universe, a+"USDT")
		for _, b := range assets {
			if a != b {
				universe = append(universe, a+b)
			}
		}
	}

	properties.Property("输出集合与暴力枚举一致", prop.ForAll(
		func(present []bool, asks []float64, bids []float64, fee float64) bool {
			var quotes []model.Quote
			for i, sym := range universe {
				if i < len(present) && present[i] && i < len(asks) && i < len(bids) {
					quotes = append(quotes, model.Quote{Symbol: sym, BestAsk: asks[i], BestBid: bids[i]})
				}
			}
			snap := snapshotOf(quotes...)
			params := Params{ReferenceAsset: "USDT", FeePercent: fee}

			want := make(map[model.CycleKey]float64)
			for _, c := range assets {
				for _, q := range assets {
					if c == q {
						continue
					}
					t, okT := snap.Lookup(c + "USDT")
					s, okS := snap.Lookup(c + q)
					n, okN := snap.Lookup(q + "USDT")
					if !okT || !okS || !okN {
						continue
					}
					if p := ProfitPercent(t.BestAsk, s.BestAsk, n.BestBid, fee); p > 0 {
						want[model.CycleKey{LegA: t.Symbol, LegB: s.Symbol, LegC: n.Symbol}] = p
					}
				}
			}

			got := Search(snap, params)
			if len(got) != len(want) {
				return false
			}
			for _, c := range got {
				if _, ok := snap.Lookup(c.LegC); !ok {
					return false
				}
				p, ok := want[c.Key()]
				if !ok || p != c.ProfitPercent || c.ProfitPercent <= 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(len(universe), gen.Bool()),
		gen.SliceOfN(len(universe), gen.Float64Range(0.001, 1000)),
		gen.SliceOfN(len(universe), gen.Float64Range(0.001, 1000)),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func BenchmarkSearch(b *testing.B) {
	var quotes []model.Quote
	for i := 0; i < 300; i++ {
		quotes = append(quotes, model.Quote{Symbol: fmt.Sprintf("A%03dUSDT", i), BestAsk: 1, BestBid: 1})
		quotes = append(quotes, model.Quote{Symbol: fmt.Sprintf("A%03dBTC", i), BestAsk: 1, BestBid: 1})
	}
	snap := snapshotOf(quotes...)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Search(snap, DefaultParams())
	}
}

func TestWorker_SubmitLatestWins(t *testing.T) {
	w := NewWorker(DefaultParams(), zap.NewNop())
	older := snapshotOf(model.Quote{Symbol: "BTCUSDT", BestAsk: 1, BestBid: 1})
	newer := snapshotOf(model.Quote{Symbol: "ETHUSDT", BestAsk: 1, BestBid: 1})

	w.Submit(older)
	w.Submit(newer)

	got := <-w.inbox
	_, ok := got.Lookup("ETHUSDT")
	assert.True(t, ok, "未消费的旧快照应被替换")
	select {
	case <-w.inbox:
		t.Fatalf("收件箱不应再有快照")
	default:
	}
}

func TestWorker_RunProducesBatch(t *testing.T) {
	w := NewWorker(DefaultParams(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(snapshotOf(
		model.Quote{Symbol: "BTCUSDT", BestAsk: 100, BestBid: 99},
		model.Quote{Symbol: "BTCETH", BestAsk: 2, BestBid: 1.9},
		model.Quote{Symbol: "ETHUSDT", BestAsk: 211, BestBid: 210},
	))

	select {
	case batch := <-w.Results():
		assert.NotEmpty(t, batch.ID)
		assert.Equal(t, 3, batch.Quotes)
		require.Len(t, batch.Candidates, 1)
		assert.Equal(t, "BTCETH", batch.Candidates[0].LegB)
	case <-time.After(2 * time.Second):
		t.Fatalf("等待批次超时")
	}

	cancel()
	select {
	case _, ok := <-w.Results():
		if ok {
			// 可能有残留批次，再等一次关闭
			_, ok = <-w.Results()
		}
		assert.False(t, ok, "Run 退出后应关闭输出通道")
	case <-time.After(2 * time.Second):
		t.Fatalf("等待关闭超时")
	}
}
