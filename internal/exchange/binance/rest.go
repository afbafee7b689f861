package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"triangular-arbitrage-scanner/internal/config"
	"triangular-arbitrage-scanner/internal/stats/metrics"
)

var (
	// ErrBreakerOpen 深度接口熔断中，请求未发出
	ErrBreakerOpen = errors.New("深度接口熔断中")
	// ErrBadLevel 档位无法解析
	ErrBadLevel = errors.New("无效的深度档位")
)

// 深度查询失败分类（同时用作指标标签）
const (
	DepthErrBreaker   = "breaker"
	DepthErrHTTP      = "http"
	DepthErrTransport = "transport"
	DepthErrDecode    = "decode"
	DepthErrCanceled  = "canceled"
)

// HTTPError REST 非 2xx 响应
type HTTPError struct {
	// Status HTTP 状态码
	Status int
	// Code Binance 错误码（解析失败时为 0）
	Code int
	// Msg 错误描述
	Msg string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("binance REST 返回 %d (code=%d): %s", e.Status, e.Code, e.Msg)
}

// clientSide 请求本身有误（如未知交易对），不计入熔断
func (e *HTTPError) clientSide() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusTeapot
}

// PriceLevel 单个深度档位
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth 某交易对的深度快照
type Depth struct {
	// Symbol 交易对
	Symbol string
	// LastUpdateID 最后更新 ID
	LastUpdateID int64
	// Bids 买盘，价格降序
	Bids []PriceLevel
	// Asks 卖盘，价格升序
	Asks []PriceLevel
}

// RESTClient Binance 现货 REST 客户端
// 所有请求共享一个限速器与一个熔断器。
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	stats      *metrics.Metrics
	logger     *zap.Logger
}

// NewRESTClient 创建 REST 客户端
// 参数 cfg: 深度查询配置
// 参数 stats: Prometheus 指标，可为 nil
// 参数 logger: 日志记录器
func NewRESTClient(cfg *config.DepthConfig, stats *metrics.Metrics, logger *zap.Logger) *RESTClient {
	logger = logger.Named("binance-rest")

	failures := uint32(cfg.BreakerFailures)
	if failures == 0 {
		failures = 5
	}
	st := gobreaker.Settings{
		Name:        "binance-depth",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.BreakerOpenMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var he *HTTPError
			if errors.As(err, &he) && he.clientSide() {
				return true
			}
			// 调用方取消不代表上游故障
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("熔断器状态变化", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		breaker:    gobreaker.NewCircuitBreaker(st),
		stats:      stats,
		logger:     logger,
	}
}

// Depth 查询交易对前 limit 档深度
// GET /api/v3/depth?symbol=X&limit=N
func (c *RESTClient) Depth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("limit", strconv.Itoa(limit))

	var resp DepthResponse
	if err := c.get(ctx, "/api/v3/depth", q, &resp); err != nil {
		return nil, fmt.Errorf("查询 %s 深度失败: %w", symbol, err)
	}

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		c.stats.IncDepthError(DepthErrDecode)
		return nil, fmt.Errorf("解析 %s 买盘失败: %w", symbol, err)
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		c.stats.IncDepthError(DepthErrDecode)
		return nil, fmt.Errorf("解析 %s 卖盘失败: %w", symbol, err)
	}

	return &Depth{
		Symbol:       strings.ToUpper(symbol),
		LastUpdateID: resp.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

// BookTickers 查询全市场最优挂单
// GET /api/v3/ticker/bookTicker
func (c *RESTClient) BookTickers(ctx context.Context) ([]BookTicker, error) {
	var out []BookTicker
	if err := c.get(ctx, "/api/v3/ticker/bookTicker", nil, &out); err != nil {
		return nil, fmt.Errorf("查询最优挂单失败: %w", err)
	}
	return out, nil
}

// get 限速 + 熔断保护下执行 GET 并解码 JSON
func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.stats.IncDepthError(DepthErrCanceled)
		return fmt.Errorf("等待限速失败: %w", err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, path, query)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.stats.IncDepthError(DepthErrBreaker)
			return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		var he *HTTPError
		switch {
		case errors.As(err, &he):
			c.stats.IncDepthError(DepthErrHTTP)
		case ctx.Err() != nil:
			c.stats.IncDepthError(DepthErrCanceled)
		default:
			c.stats.IncDepthError(DepthErrTransport)
		}
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		c.stats.IncDepthError(DepthErrDecode)
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func (c *RESTClient) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		he := &HTTPError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			he.Code = apiErr.Code
			he.Msg = apiErr.Msg
		}
		return nil, he
	}
	return body, nil
}

// parseLevels 解析 [[price, qty], ...] 档位
func parseLevels(raw [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for i, lv := range raw {
		if len(lv) < 2 {
			return nil, fmt.Errorf("%w: 第 %d 档字段不足", ErrBadLevel, i)
		}
		px, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, fmt.Errorf("%w: 第 %d 档价格 %q", ErrBadLevel, i, lv[0])
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, fmt.Errorf("%w: 第 %d 档数量 %q", ErrBadLevel, i, lv[1])
		}
		levels = append(levels, PriceLevel{Price: px, Qty: qty})
	}
	return levels, nil
}
