// Package timeutil 提供时间相关的工具函数。
// 行情到达时间与阶段耗时都基于同一个单调时钟基准。
package timeutil

import (
	"time"
)

var (
	// baseTime 基准时间点（包含单调时钟读数）
	baseTime = time.Now()
	// baseUnixNs 基准时间点对应的 Unix 纳秒时间戳
	baseUnixNs = baseTime.UnixNano()
)

// NowNano 获取当前时间的纳秒时间戳
// NowNano = baseUnixNs + time.Since(baseTime).Nanoseconds()
// 系统时间跳变时时间差保持单调。
func NowNano() int64 {
	return baseUnixNs + time.Since(baseTime).Nanoseconds()
}

// NanoToTime 将纳秒时间戳转换为 time.Time
func NanoToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

// SinceNano 计算从指定纳秒时间戳到现在的时间差
func SinceNano(startNs int64) time.Duration {
	return time.Duration(NowNano() - startNs)
}
