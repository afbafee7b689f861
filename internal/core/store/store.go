// Package store 维护所有交易对的最新报价。
// 单写者（行情摄入 goroutine）多读者（分发器、深度校验器）；
// 读者通过拷贝读取，不持有读锁。
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"triangular-arbitrage-scanner/internal/core/model"
)

// ErrInvalidQuote 报价不合法（空交易对或非正价格）
var ErrInvalidQuote = errors.New("报价不合法")

// Reader 报价只读接口
// 深度校验器只依赖此接口，便于测试注入。
type Reader interface {
	// Get 获取交易对的最新报价
	Get(symbol string) (model.Quote, bool)
}

// Store 最新报价缓存
// 每个交易对的报价以不可变值整体替换，读者要么看到旧值要么看到完整的新值，
// 不会看到写了一半的报价。
type Store struct {
	// quotes key: Symbol，value: model.Quote（值类型，整体替换）
	quotes sync.Map
	// count 交易对数量
	count atomic.Int64
}

// New 创建新的报价缓存
func New() *Store {
	return &Store{}
}

// Update 插入或覆盖指定交易对的报价，O(1)
// 参数 symbol: 交易对
// 参数 ask: 最优卖价
// 参数 bid: 最优买价
// 返回: 报价不合法时返回 ErrInvalidQuote，缓存保持不变
func (s *Store) Update(symbol string, ask, bid float64) error {
	q := model.Quote{Symbol: symbol, BestAsk: ask, BestBid: bid}
	if !q.IsValid() {
		return fmt.Errorf("%w: symbol=%q ask=%v bid=%v", ErrInvalidQuote, symbol, ask, bid)
	}
	if _, loaded := s.quotes.Swap(symbol, q); !loaded {
		s.count.Add(1)
	}
	return nil
}

// Apply 将行情事件写入缓存
func (s *Store) Apply(ev model.TickerEvent) error {
	return s.Update(ev.Symbol, ev.AskPrice, ev.BidPrice)
}

// Get 获取交易对的最新报价（拷贝）
func (s *Store) Get(symbol string) (model.Quote, bool) {
	v, ok := s.quotes.Load(symbol)
	if !ok {
		return model.Quote{}, false
	}
	return v.(model.Quote), true
}

// Len 当前缓存的交易对数量
func (s *Store) Len() int {
	return int(s.count.Load())
}

// Snapshot 生成全部报价的不可变快照（按 Symbol 排序）
// 参数 now: 快照时间
func (s *Store) Snapshot(now time.Time) model.Snapshot {
	quotes := make([]model.Quote, 0, s.Len())
	s.quotes.Range(func(_, v any) bool {
		quotes = append(quotes, v.(model.Quote))
		return true
	})
	return model.NewSnapshot(now, quotes)
}
