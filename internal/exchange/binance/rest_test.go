package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/config"
	"triangular-arbitrage-scanner/internal/stats/metrics"
)

func newTestREST(t *testing.T, handler http.HandlerFunc, mutate func(*config.DepthConfig)) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default().Depth
	cfg.BaseURL = srv.URL
	cfg.RateLimitRPS = 1000
	cfg.RateLimitBurst = 100
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRESTClient(&cfg, metrics.New(), zap.NewNop())
}

func TestRESTClient_Depth(t *testing.T) {
	var gotQuery string
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"lastUpdateId":1027024,"bids":[["1.2300","431.5"],["1.2290","12"]],"asks":[["1.2310","12.25"]]}`))
	}, nil)

	d, err := c.Depth(context.Background(), "btcusdt", 5)
	require.NoError(t, err)

	assert.Equal(t, "limit=5&symbol=BTCUSDT", gotQuery)
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.Equal(t, int64(1027024), d.LastUpdateID)
	require.Len(t, d.Bids, 2)
	require.Len(t, d.Asks, 1)
	assert.True(t, d.Bids[0].Price.Equal(decimal.RequireFromString("1.23")))
	assert.True(t, d.Bids[0].Qty.Equal(decimal.RequireFromString("431.5")))
	assert.True(t, d.Asks[0].Price.Equal(decimal.RequireFromString("1.231")))
}

func TestRESTClient_DepthErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		check   func(t *testing.T, err error)
	}{
		{
			name:   "未知交易对",
			status: http.StatusBadRequest,
			body:   `{"code":-1121,"msg":"Invalid symbol."}`,
			check: func(t *testing.T, err error) {
				var he *HTTPError
				require.True(t, errors.As(err, &he))
				assert.Equal(t, -1121, he.Code)
				assert.Equal(t, "Invalid symbol.", he.Msg)
			},
		},
		{
			name:    "档位无法解析",
			status:  http.StatusOK,
			body:    `{"lastUpdateId":1,"bids":[["x","1"]],"asks":[]}`,
			wantErr: ErrBadLevel,
		},
		{
			name:    "档位字段不足",
			status:  http.StatusOK,
			body:    `{"lastUpdateId":1,"bids":[],"asks":[["1.0"]]}`,
			wantErr: ErrBadLevel,
		},
		{
			name:   "响应不是 JSON",
			status: http.StatusOK,
			body:   `<html>`,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "解析响应失败")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			_, err := c.Depth(context.Background(), "BTCUSDT", 5)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

// 连续服务端错误触发熔断；熔断期间请求不再发出
func TestRESTClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(cfg *config.DepthConfig) {
		cfg.BreakerFailures = 3
		cfg.BreakerOpenMs = 60000
	})

	for i := 0; i < 3; i++ {
		_, err := c.Depth(context.Background(), "BTCUSDT", 5)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}

	_, err := c.Depth(context.Background(), "BTCUSDT", 5)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(3), hits.Load())
}

// 客户端错误（4xx）不计入熔断
func TestRESTClient_ClientErrorsDoNotTrip(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}, func(cfg *config.DepthConfig) {
		cfg.BreakerFailures = 2
	})

	for i := 0; i < 5; i++ {
		_, err := c.Depth(context.Background(), "NOPE", 5)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}
}

func TestRESTClient_RateLimitHonorsContext(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lastUpdateId":1,"bids":[],"asks":[]}`))
	}, func(cfg *config.DepthConfig) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
	})

	_, err := c.Depth(context.Background(), "BTCUSDT", 5)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Depth(ctx, "BTCUSDT", 5)
	assert.Error(t, err)
}

func TestRESTClient_BookTickers(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","bidPrice":"100","bidQty":"1","askPrice":"101","askQty":"2"},{"symbol":"ETHBTC","bidPrice":"0.05","bidQty":"1","askPrice":"0.051","askQty":"2"}]`))
	}, nil)

	got, err := c.BookTickers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "101", got[0].AskPrice)
	assert.Equal(t, "0.05", got[1].BidPrice)
}
