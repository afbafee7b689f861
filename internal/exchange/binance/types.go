// Package binance 定义 Binance 现货行情与 REST 消息类型。
package binance

import "encoding/json"

// SubscribeRequest Binance WebSocket 订阅请求
type SubscribeRequest struct {
	// Method 订阅方法: SUBSCRIBE
	Method string `json:"method"`
	// Params 订阅参数列表，如 "!ticker@arr"
	Params []string `json:"params"`
	// ID 请求 ID
	ID int64 `json:"id"`
}

// StreamEnvelope 组合流外层包装
// 形如 {"stream":"!ticker@arr","data":[...]}。
type StreamEnvelope struct {
	// Stream 流名称
	Stream string `json:"stream"`
	// Data 内层负载（数组或对象）
	Data json.RawMessage `json:"data"`
}

// TickerPayload 单条行情负载（24hrTicker 或 bookTicker）
// 字段映射：
// - s: Symbol（如 BTCUSDT）
// - a: 最优卖价（字符串）
// - b: 最优买价（字符串）
// encoding/json 按字段名大小写不敏感匹配，A/B/E 必须显式声明，否则会覆盖 a/b/e。
type TickerPayload struct {
	// EventType 事件类型: 24hrTicker；bookTicker 流无此字段
	EventType string `json:"e"`
	// EventTimeMs 事件时间（毫秒）
	EventTimeMs int64 `json:"E"`
	// Symbol 交易对（大写）
	Symbol string `json:"s"`
	// AskPrice 最优卖价
	AskPrice string `json:"a"`
	// AskQty 最优卖价数量
	AskQty string `json:"A"`
	// BidPrice 最优买价
	BidPrice string `json:"b"`
	// BidQty 最优买价数量
	BidQty string `json:"B"`
}

// DepthResponse REST 深度接口响应（GET /api/v3/depth）
// 档位按价格优先排列：bids 降序，asks 升序。
type DepthResponse struct {
	// LastUpdateID 最后更新 ID
	LastUpdateID int64 `json:"lastUpdateId"`
	// Bids 买盘档位（价格、数量）
	Bids [][]string `json:"bids"`
	// Asks 卖盘档位（价格、数量）
	Asks [][]string `json:"asks"`
}

// BookTicker REST 最优挂单响应（GET /api/v3/ticker/bookTicker）
type BookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// APIError REST 错误响应，如 {"code":-1121,"msg":"Invalid symbol."}
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ConnectionMetrics 连接质量指标
type ConnectionMetrics struct {
	// ReconnectCount 重连次数
	ReconnectCount int64 `json:"reconnect_count"`
	// ParseErrorCount 整条消息解析失败次数
	ParseErrorCount int64 `json:"parse_error_count"`
	// RejectedCount 被拒绝的单条行情数
	RejectedCount int64 `json:"rejected_count"`
	// UpdatesPerSec 每秒行情条数
	UpdatesPerSec float64 `json:"updates_per_sec"`
	// LastMessageAgeMs 最后消息距今时间（毫秒）
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
}
