package store

import (
	"time"

	"golang.org/x/time/rate"

	"triangular-arbitrage-scanner/internal/core/model"
)

// DefaultDispatchInterval 默认最小分发间隔
const DefaultDispatchInterval = 300 * time.Millisecond

// Throttle 分发节流器
// 保证两次分发之间至少间隔 minInterval：令牌桶容量 1，每 minInterval 补充一个令牌。
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle 创建节流器
// 参数 minInterval: 最小分发间隔，<=0 时使用 DefaultDispatchInterval
func NewThrottle(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		minInterval = DefaultDispatchInterval
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Allow 判断 now 时刻是否允许分发；允许时消耗本次配额
func (t *Throttle) Allow(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}

// Sink 快照接收方（扫描器工作协程）
type Sink interface {
	// Submit 提交快照，必须非阻塞
	Submit(snap model.Snapshot)
}

// Dispatcher 将报价快照节流后转发给扫描器
// 解耦行情突发速率与 O(n²) 搜索开销。
type Dispatcher struct {
	store    *Store
	throttle *Throttle
	sink     Sink
}

// NewDispatcher 创建分发器
func NewDispatcher(s *Store, throttle *Throttle, sink Sink) *Dispatcher {
	return &Dispatcher{store: s, throttle: throttle, sink: sink}
}

// SnapshotAndMaybeDispatch 若距上次分发已达最小间隔，则生成快照并转发
// 返回: 是否发生了分发
func (d *Dispatcher) SnapshotAndMaybeDispatch(now time.Time) bool {
	if !d.throttle.Allow(now) {
		return false
	}
	d.sink.Submit(d.store.Snapshot(now))
	return true
}
