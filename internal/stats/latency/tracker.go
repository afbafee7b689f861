// Package latency 实现流水线各阶段耗时的滚动窗口统计。
// 每个阶段（搜索、校验、批次处理、快照延迟）维护独立的窗口，输出 P50/P90/P99。
package latency

import (
	"sort"
	"sync"
	"time"
)

// 阶段名称
const (
	// StageScan 扫描器一次搜索
	StageScan = "scan"
	// StageValidate 单个候选的深度校验
	StageValidate = "validate"
	// StageBatch 一个批次的完整处理
	StageBatch = "batch"
	// StageSnapshotAge 快照生成到开始处理的间隔
	StageSnapshotAge = "snapshot_age"
)

// StageStats 阶段耗时统计快照（滚动窗口）
// 单位：毫秒。
type StageStats struct {
	// Stage 阶段名称
	Stage string `json:"stage"`
	// Count 样本总数（累计）
	Count int64 `json:"count"`
	// P50Ms P50 耗时
	P50Ms float64 `json:"p50_ms"`
	// P90Ms P90 耗时
	P90Ms float64 `json:"p90_ms"`
	// P99Ms P99 耗时
	P99Ms float64 `json:"p99_ms"`
	// MaxMs 窗口内最大耗时
	MaxMs float64 `json:"max_ms"`
}

type rollingWindow struct {
	size  int
	buf   []int64
	pos   int
	count int64
	full  bool

	mu sync.Mutex
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{size: size, buf: make([]int64, 0, size)}
}

func (w *rollingWindow) add(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++
	if w.size <= 0 {
		return
	}

	if !w.full {
		w.buf = append(w.buf, v)
		if len(w.buf) == w.size {
			w.full = true
			w.pos = 0
		}
		return
	}

	w.buf[w.pos] = v
	w.pos++
	if w.pos >= w.size {
		w.pos = 0
	}
}

// snapshotQuantiles 返回累计样本数与窗口内各分位数（q>=1 即最大值）
func (w *rollingWindow) snapshotQuantiles(qs ...float64) (count int64, values []int64) {
	w.mu.Lock()
	count = w.count
	tmp := make([]int64, len(w.buf))
	copy(tmp, w.buf)
	w.mu.Unlock()

	values = make([]int64, len(qs))
	if len(tmp) == 0 {
		return count, values
	}
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })

	n := len(tmp)
	for i, q := range qs {
		switch {
		case q <= 0:
			values[i] = tmp[0]
		case q >= 1:
			values[i] = tmp[n-1]
		default:
			values[i] = tmp[int(float64(n-1)*q)]
		}
	}
	return count, values
}

// Tracker 阶段耗时追踪器，并发安全
type Tracker struct {
	windowSize int

	mu     sync.RWMutex
	stages map[string]*rollingWindow
}

// NewTracker 创建耗时追踪器
// 参数 windowSize: 每个阶段的滚动窗口大小（建议 10000）
func NewTracker(windowSize int) *Tracker {
	return &Tracker{
		windowSize: windowSize,
		stages:     make(map[string]*rollingWindow),
	}
}

// Observe 记录一次阶段耗时；负值按 0 处理
func (t *Tracker) Observe(stage string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.window(stage).add(int64(d))
}

func (t *Tracker) window(stage string) *rollingWindow {
	t.mu.RLock()
	w, ok := t.stages[stage]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.stages[stage]; !ok {
		w = newRollingWindow(t.windowSize)
		t.stages[stage] = w
	}
	return w
}

// Stats 获取指定阶段的统计快照；未出现过的阶段返回零值
func (t *Tracker) Stats(stage string) StageStats {
	t.mu.RLock()
	w, ok := t.stages[stage]
	t.mu.RUnlock()
	if !ok {
		return StageStats{Stage: stage}
	}

	count, qs := w.snapshotQuantiles(0.50, 0.90, 0.99, 1)
	return StageStats{
		Stage: stage,
		Count: count,
		P50Ms: float64(qs[0]) / 1_000_000.0,
		P90Ms: float64(qs[1]) / 1_000_000.0,
		P99Ms: float64(qs[2]) / 1_000_000.0,
		MaxMs: float64(qs[3]) / 1_000_000.0,
	}
}

// All 返回所有阶段的统计快照，按阶段名排序
func (t *Tracker) All() []StageStats {
	t.mu.RLock()
	names := make([]string, 0, len(t.stages))
	for name := range t.stages {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	out := make([]StageStats, 0, len(names))
	for _, name := range names {
		out = append(out, t.Stats(name))
	}
	return out
}
