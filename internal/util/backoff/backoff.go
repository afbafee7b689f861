// Package backoff 实现重连等待策略。
// 行情流断线后按固定间隔重连（默认 5 秒）；也支持指数增长加抖动的策略。
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// DefaultReconnectDelay 默认固定重连间隔
const DefaultReconnectDelay = 5 * time.Second

// Policy 等待策略
// Base == Max 且 Jitter == 0 时为固定间隔。
type Policy struct {
	// Base 首次等待时间
	Base time.Duration
	// Max 等待时间上限
	Max time.Duration
	// Jitter 抖动比例（0-1），例如 0.2 表示 ±20%
	Jitter float64
}

// Backoff 重连等待计算器，非并发安全
type Backoff struct {
	policy  Policy
	attempt int
}

// New 按策略创建计算器
// Max 小于 Base 时按 Base 处理。
func New(p Policy) *Backoff {
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return &Backoff{policy: p}
}

// Fixed 创建固定间隔计算器
func Fixed(d time.Duration) *Backoff {
	return New(Policy{Base: d, Max: d})
}

// Next 获取下次重试的等待时间并累加重试次数
// 计算公式: min(Base * 2^attempt, Max)，然后应用抖动
func (b *Backoff) Next() time.Duration {
	delay := b.policy.Max
	// Base<<attempt <= Max 时不会溢出
	if b.attempt < 62 && b.policy.Base <= b.policy.Max>>b.attempt {
		delay = b.policy.Base << b.attempt
	}

	if b.policy.Jitter > 0 {
		jitterFactor := 1.0 + (rand.Float64()*2-1)*b.policy.Jitter
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	b.attempt++
	return delay
}

// Wait 等待下一个间隔；ctx 取消时提前返回 ctx.Err()
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset 连接成功后重置重试次数
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 当前重试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}
