// Package model 定义扫描器中使用的核心数据结构。
package model

import "time"

// Status 台账条目的展示状态
type Status string

const (
	// StatusValid 深度校验通过
	StatusValid Status = "valid"
	// StatusMismatch 盘口已变化或校验失败
	StatusMismatch Status = "mismatch"
)

// StatusOf 根据校验结果推导展示状态
func StatusOf(v Validation) Status {
	if v.IsValid {
		return StatusValid
	}
	return StatusMismatch
}

// LedgerEntry 台账条目
// 首次出现时创建，之后每次出现原地覆盖，会话期内永不删除。
type LedgerEntry struct {
	// Key 身份键
	Key CycleKey `json:"-"`
	// Candidate 最新一次的候选机会
	Candidate Candidate `json:"candidate"`
	// Validation 最新一次的校验结果
	Validation Validation `json:"validation"`
	// Score 置信度评分（0-100）
	Score int `json:"score"`
	// Status 展示状态
	Status Status `json:"status"`
}

// TrendSample 收益趋势采样点
// 每处理完一个批次追加一条，取批次最大收益率（下限 0）。
type TrendSample struct {
	// At 采样时间
	At time.Time `json:"at"`
	// Label 时间标签（HH:MM:SS）
	Label string `json:"label"`
	// MaxProfitPercent 批次最大收益率
	MaxProfitPercent float64 `json:"max_profit_percent"`
}

// LedgerEventKind 台账变更类型
// 只有 upsert 与 trend，没有删除。
type LedgerEventKind string

const (
	// LedgerUpsert 条目新增或覆盖
	LedgerUpsert LedgerEventKind = "upsert"
	// LedgerTrend 趋势采样追加
	LedgerTrend LedgerEventKind = "trend"
)

// LedgerEvent 台账变更事件
type LedgerEvent struct {
	// Kind 事件类型
	Kind LedgerEventKind
	// Entry 条目快照（Kind=upsert）
	Entry *LedgerEntry
	// Created 是否首次出现（Kind=upsert）
	Created bool
	// Trend 趋势采样（Kind=trend）
	Trend *TrendSample
}
