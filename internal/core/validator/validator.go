// Package validator 实现候选机会的深度校验。
// 三条腿的最新深度并发查询，第一档价格与搜索时看到的价格逐位相等才算有效。
package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/core/store"
	"triangular-arbitrage-scanner/internal/exchange/binance"
	"triangular-arbitrage-scanner/internal/stats/metrics"
)

// DefaultLevels 默认查询档位数
const DefaultLevels = 5

var (
	// ErrMissingQuote 检测价格不在行情缓存中
	ErrMissingQuote = errors.New("行情缓存中缺少交易对")
	// ErrEmptySide 深度某一侧没有档位
	ErrEmptySide = errors.New("深度为空")
)

// DepthSource 深度数据来源
type DepthSource interface {
	Depth(ctx context.Context, symbol string, limit int) (*binance.Depth, error)
}

// side 腿的成交方向
type side int

const (
	sideAsk side = iota // 按卖一价买入
	sideBid             // 按买一价卖出
)

// legSides 腿 A、B 取卖盘，腿 C 取买盘
var legSides = [3]side{sideAsk, sideAsk, sideBid}

// Validator 深度校验器
type Validator struct {
	quotes store.Reader
	depth  DepthSource
	levels int
	stats  *metrics.Metrics
	logger *zap.Logger
}

// New 创建深度校验器
// 参数 quotes: 行情缓存（只读），候选未携带检测价格时使用
// 参数 depth: 深度数据来源
// 参数 levels: 每次查询的档位数，<=0 时使用默认值
func New(quotes store.Reader, depth DepthSource, levels int, stats *metrics.Metrics, logger *zap.Logger) *Validator {
	if levels <= 0 {
		levels = DefaultLevels
	}
	return &Validator{
		quotes: quotes,
		depth:  depth,
		levels: levels,
		stats:  stats,
		logger: logger.Named("validator"),
	}
}

// Validate 校验候选机会
// 任何查询或解析失败都返回 model.InvalidValidation()，错误只记录日志，不向上传播。
func (v *Validator) Validate(ctx context.Context, c model.Candidate) model.Validation {
	res, err := v.validate(ctx, c)
	if err != nil {
		v.stats.IncValidation(metrics.ResultError)
		v.logger.Warn("深度校验失败", zap.String("key", c.Key().String()), zap.Error(err))
		return model.InvalidValidation()
	}
	if res.IsValid {
		v.stats.IncValidation(metrics.ResultValid)
	} else {
		v.stats.IncValidation(metrics.ResultMismatch)
	}
	return res
}

func (v *Validator) validate(ctx context.Context, c model.Candidate) (model.Validation, error) {
	legs := c.Legs()

	desired, err := v.desiredPrices(c)
	if err != nil {
		return model.Validation{}, err
	}

	var books [3]*binance.Depth
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range legs {
		g.Go(func() error {
			d, err := v.depth.Depth(gctx, sym, v.levels)
			if err != nil {
				return err
			}
			books[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Validation{}, err
	}

	res := model.Validation{IsValid: true, ReferencePrices: desired}
	for i, book := range books {
		levels := book.Asks
		if legSides[i] == sideBid {
			levels = book.Bids
		}
		if len(levels) == 0 {
			return model.Validation{}, fmt.Errorf("%w: %s", ErrEmptySide, legs[i])
		}

		top := levels[0]
		res.Liquidity[i] = top.Qty.InexactFloat64()
		if !decimal.NewFromFloat(desired[i]).Equal(top.Price) {
			res.IsValid = false
		}
	}
	return res, nil
}

// desiredPrices 检测价格: ask(A), ask(B), bid(C)
// 优先使用候选携带的检测时价格；未携带时从行情缓存读取。
func (v *Validator) desiredPrices(c model.Candidate) ([3]float64, error) {
	if c.Prices[0] > 0 && c.Prices[1] > 0 && c.Prices[2] > 0 {
		return c.Prices, nil
	}

	var desired [3]float64
	for i, sym := range c.Legs() {
		q, ok := v.quotes.Get(sym)
		if !ok {
			return desired, fmt.Errorf("%w: %s", ErrMissingQuote, sym)
		}
		if legSides[i] == sideAsk {
			desired[i] = q.BestAsk
		} else {
			desired[i] = q.BestBid
		}
	}
	return desired, nil
}
