// Package ledger 维护会话内的套利机会台账。
// 以三条腿组成的键合并候选：首次出现新增，之后原地覆盖，永不删除。
// 所有变更通过变更流（只有 upsert 与 trend 两类事件）推送给展示端。
package ledger

import (
	"sync"
	"time"

	"github.com/visvasity/topic"

	"triangular-arbitrage-scanner/internal/core/model"
)

// DefaultHistoryLimit 趋势序列默认保留点数
const DefaultHistoryLimit = 10000

// Ledger 机会台账，并发安全
type Ledger struct {
	mu sync.RWMutex

	// entries 键到条目
	entries map[model.CycleKey]model.LedgerEntry
	// order 首次出现顺序
	order []model.CycleKey
	// history 趋势序列，时间单调不减
	history []model.TrendSample
	// historyLimit 趋势序列上限（<=0 不限）
	historyLimit int

	// feed 变更流
	feed *topic.Topic[model.LedgerEvent]
}

// New 创建空台账
// 参数 historyLimit: 趋势序列保留点数，超出后丢弃最旧的点；<=0 不限
func New(historyLimit int) *Ledger {
	return &Ledger{
		entries:      make(map[model.CycleKey]model.LedgerEntry),
		historyLimit: historyLimit,
		feed:         topic.New[model.LedgerEvent](),
	}
}

// Upsert 按键合并候选及其校验结果与评分
// 已存在的键整体覆盖派生字段，不会产生第二条记录。
// 返回: 合并后的条目，以及是否为首次出现
func (l *Ledger) Upsert(c model.Candidate, v model.Validation, score int) (model.LedgerEntry, bool) {
	key := c.Key()
	entry := model.LedgerEntry{
		Key:        key,
		Candidate:  c,
		Validation: v,
		Score:      score,
		Status:     model.StatusOf(v),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, exists := l.entries[key]
	if !exists {
		l.order = append(l.order, key)
	}
	l.entries[key] = entry

	// 持锁发送，保证事件顺序与变更顺序一致
	published := entry
	l.feed.Send(model.LedgerEvent{Kind: model.LedgerUpsert, Entry: &published, Created: !exists})
	return entry, !exists
}

// AppendTrend 追加一个趋势点
// 收益率下限为 0；时间早于上一个点时取上一个点的时间。
func (l *Ledger) AppendTrend(at time.Time, maxProfitPercent float64) model.TrendSample {
	if maxProfitPercent < 0 {
		maxProfitPercent = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.history); n > 0 && at.Before(l.history[n-1].At) {
		at = l.history[n-1].At
	}
	sample := model.TrendSample{
		At:               at,
		Label:            at.Format("15:04:05"),
		MaxProfitPercent: maxProfitPercent,
	}
	l.history = append(l.history, sample)
	if l.historyLimit > 0 && len(l.history) > l.historyLimit {
		l.history = append(l.history[:0:0], l.history[len(l.history)-l.historyLimit:]...)
	}

	published := sample
	l.feed.Send(model.LedgerEvent{Kind: model.LedgerTrend, Trend: &published})
	return sample
}

// Get 按键查询条目
func (l *Ledger) Get(key model.CycleKey) (model.LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	return e, ok
}

// Len 条目数（等于出现过的不同键数）
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries 按首次出现顺序返回所有条目的副本
func (l *Ledger) Entries() []model.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.LedgerEntry, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.entries[k])
	}
	return out
}

// History 返回趋势序列副本
func (l *Ledger) History() []model.TrendSample {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.TrendSample, len(l.history))
	copy(out, l.history)
	return out
}

// Subscribe 订阅变更流（只包含订阅之后的事件）
// 调用方负责 Close 返回的 Receiver。
func (l *Ledger) Subscribe() (*topic.Receiver[model.LedgerEvent], error) {
	return topic.Subscribe(l.feed, 0, false)
}
