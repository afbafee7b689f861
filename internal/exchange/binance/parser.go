// Package binance 实现 Binance 行情消息解析。
// 支持 !ticker@arr 数组、单条 bookTicker 对象以及组合流外层包装。
package binance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/util/fastparse"
	"triangular-arbitrage-scanner/internal/util/timeutil"
)

// 拒绝原因（同时用作指标标签）
const (
	ReasonMalformed     = "malformed"
	ReasonMissingSymbol = "missing_symbol"
	ReasonBadPrice      = "bad_price"
	ReasonNegativePrice = "negative_price"
)

// ErrMissingSymbol 行情条目缺少交易对
var ErrMissingSymbol = errors.New("缺少交易对字段")

// RejectError 单条行情被拒绝
// 同一消息中的其他有效条目不受影响。
type RejectError struct {
	// Symbol 交易对（可能为空）
	Symbol string
	// Reason 拒绝原因
	Reason string
	// Err 底层错误
	Err error
}

func (e *RejectError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("行情条目被拒绝 (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("行情条目 %s 被拒绝 (%s): %v", e.Symbol, e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

// ParseResult 单条 WebSocket 消息的解析结果
type ParseResult struct {
	// Events 有效行情
	Events []model.TickerEvent
	// Rejects 被拒绝的条目
	Rejects []*RejectError
	// Skipped 价格为零而跳过的条目数（无流动性的交易对）
	Skipped int
}

// Parser Binance 消息解析器，无状态
type Parser struct{}

// NewParser 创建 Binance 消息解析器
func NewParser() *Parser {
	return &Parser{}
}

// controlProbe 用于识别外层包装与订阅响应
type controlProbe struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
}

// Parse 解析 Binance WebSocket 消息
// 参数 data: 原始消息字节
// 返回: 整条消息不是合法 JSON 时返回错误；单条条目的问题记录在 Rejects 中
func (p *Parser) Parse(data []byte) (ParseResult, error) {
	arrivedAt := timeutil.NowNano()
	var res ParseResult
	if err := p.parseInto(bytes.TrimSpace(data), arrivedAt, &res, 0); err != nil {
		return ParseResult{}, err
	}
	return res, nil
}

func (p *Parser) parseInto(data []byte, arrivedAt int64, res *ParseResult, depth int) error {
	if len(data) == 0 {
		return fmt.Errorf("解析 Binance 消息失败: 空消息")
	}

	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("解析 Binance 行情数组失败: %w", err)
		}
		for _, item := range items {
			p.parseEntry(item, arrivedAt, res)
		}
		return nil

	case '{':
		var probe controlProbe
		if err := json.Unmarshal(data, &probe); err != nil {
			return fmt.Errorf("解析 Binance 消息失败: %w", err)
		}
		if len(probe.Data) > 0 && depth == 0 {
			return p.parseInto(bytes.TrimSpace(probe.Data), arrivedAt, res, depth+1)
		}
		// 订阅响应 {"result":null,"id":1}
		if probe.ID != nil && probe.Stream == "" {
			return nil
		}
		p.parseEntry(data, arrivedAt, res)
		return nil

	default:
		return fmt.Errorf("解析 Binance 消息失败: 非预期的消息格式")
	}
}

// parseEntry 解析单条行情；问题条目写入 Rejects，不影响其他条目
func (p *Parser) parseEntry(raw json.RawMessage, arrivedAt int64, res *ParseResult) {
	var t TickerPayload
	if err := json.Unmarshal(raw, &t); err != nil {
		res.Rejects = append(res.Rejects, &RejectError{Reason: ReasonMalformed, Err: err})
		return
	}

	// 其他事件类型（如 trade）直接忽略
	if t.EventType != "" && t.EventType != "24hrTicker" && t.EventType != "bookTicker" {
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
	if symbol == "" {
		res.Rejects = append(res.Rejects, &RejectError{Reason: ReasonMissingSymbol, Err: ErrMissingSymbol})
		return
	}

	ask, err := fastparse.ParsePrice(t.AskPrice)
	if err != nil {
		res.Rejects = append(res.Rejects, &RejectError{Symbol: symbol, Reason: ReasonBadPrice, Err: fmt.Errorf("卖价 %q: %w", t.AskPrice, err)})
		return
	}
	bid, err := fastparse.ParsePrice(t.BidPrice)
	if err != nil {
		res.Rejects = append(res.Rejects, &RejectError{Symbol: symbol, Reason: ReasonBadPrice, Err: fmt.Errorf("买价 %q: %w", t.BidPrice, err)})
		return
	}
	if ask < 0 || bid < 0 {
		res.Rejects = append(res.Rejects, &RejectError{Symbol: symbol, Reason: ReasonNegativePrice, Err: fmt.Errorf("ask=%s bid=%s", t.AskPrice, t.BidPrice)})
		return
	}
	if ask == 0 || bid == 0 {
		res.Skipped++
		return
	}

	res.Events = append(res.Events, model.TickerEvent{
		Symbol:          symbol,
		AskPrice:        ask,
		BidPrice:        bid,
		ArrivedAtUnixNs: arrivedAt,
	})
}
