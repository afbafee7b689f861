// Package fastparse 提供行情字段的字符串解析函数。
// 交易所以字符串下发价格，热路径上使用 strconv 而非 fmt。
package fastparse

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrEmpty 字段为空
	ErrEmpty = errors.New("空字段")
	// ErrNotFinite 字段为 NaN 或 Inf
	ErrNotFinite = errors.New("非有限数值")
)

// ParsePrice 解析价格字段
// 空串、无法解析以及 NaN/Inf 均返回错误；零和负数由调用方判断。
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return v, nil
}

// FormatFloat 格式化浮点数为字符串
// 参数 prec: 小数位数，-1 表示最短表示
func FormatFloat(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}
