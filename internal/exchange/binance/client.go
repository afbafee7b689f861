// Package binance 实现 Binance 现货行情 WebSocket 客户端与 REST 深度查询。
// 连接地址: wss://stream.binance.com:9443/ws
// 订阅频道: !ticker@arr（全市场最优买卖价）
// 心跳机制: 协议层 ping/pong
// 断线重连: 固定间隔（默认 5 秒）
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/config"
	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/stats/metrics"
	"triangular-arbitrage-scanner/internal/util/backoff"
	"triangular-arbitrage-scanner/internal/util/timeutil"
)

// ErrStreamInterrupted 行情流中断（连接失败或读取失败），客户端会自动重连
var ErrStreamInterrupted = errors.New("行情流中断")

// Client Binance WebSocket 行情客户端
// Run 是事件通道与通知通道的唯一发送方，Run 返回时两者关闭。
type Client struct {
	// cfg 行情流配置
	cfg *config.StreamConfig
	// logger 日志记录器
	logger *zap.Logger
	// parser 消息解析器
	parser *Parser
	// stats Prometheus 指标（可为 nil）
	stats *metrics.Metrics

	// conn WebSocket 连接
	conn *websocket.Conn
	// connMu 连接锁
	connMu sync.Mutex

	// eventCh 行情事件输出通道（每条消息一批）
	eventCh chan []model.TickerEvent
	// errCh 通知输出通道（条目拒绝与连接中断）
	errCh chan error

	// metrics 连接指标
	metrics ConnectionMetrics
	// metricsMu 指标锁
	metricsMu sync.RWMutex

	// lastMsgTime 最后消息时间（纳秒）
	lastMsgTime int64
	// updateCount 行情条数（用于计算每秒更新数）
	updateCount int64
	// backoff 重连等待
	backoff *backoff.Backoff
	// closed 是否已关闭
	closed int32

	// parseErrSampleCount 解析错误计数（用于采样日志）
	parseErrSampleCount uint64
	// lastParseErrLogNs 上次解析错误日志时间（纳秒）
	lastParseErrLogNs int64
}

// NewClient 创建 Binance WebSocket 客户端
// 参数 cfg: 行情流配置
// 参数 stats: Prometheus 指标，可为 nil
// 参数 logger: 日志记录器
func NewClient(cfg *config.StreamConfig, stats *metrics.Metrics, logger *zap.Logger) *Client {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	delay := time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond
	if delay <= 0 {
		delay = backoff.DefaultReconnectDelay
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.Named("binance"),
		parser:  NewParser(),
		stats:   stats,
		eventCh: make(chan []model.TickerEvent, bufferSize),
		errCh:   make(chan error, 64),
		backoff: backoff.Fixed(delay),
	}
}

// Connect 建立 WebSocket 连接
// 参数 ctx: 上下文，用于取消连接
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	header := http.Header{}
	header.Set("User-Agent", "triangular-arbitrage-scanner/1.0")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("连接 Binance WebSocket 失败: %w", err)
	}

	readTimeout := time.Duration(c.readTimeoutMs()) * time.Millisecond
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			atomic.StoreInt64(&c.lastMsgTime, timeutil.NowNano())
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	c.conn = conn
	c.backoff.Reset()
	c.logger.Info("Binance WebSocket 连接成功", zap.String("url", c.cfg.URL))
	return nil
}

// Subscribe 发送订阅请求
// 未配置订阅流时（地址中已包含流名称）不发送。
func (c *Client) Subscribe() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("WebSocket 未连接")
	}
	if len(c.cfg.Streams) == 0 {
		return nil
	}

	req := SubscribeRequest{
		Method: "SUBSCRIBE",
		Params: c.cfg.Streams,
		ID:     1,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化订阅请求失败: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送订阅请求失败: %w", err)
	}

	c.logger.Info("Binance 订阅请求已发送", zap.Strings("streams", c.cfg.Streams))
	return nil
}

// Run 启动客户端主循环，直到 ctx 取消或 Close 被调用
// 首次连接失败同样按固定间隔重试。只能调用一次。
func (c *Client) Run(ctx context.Context) {
	defer close(c.eventCh)
	defer close(c.errCh)
	defer c.closeConn()

	go c.pingLoop(ctx)
	go c.metricsLoop(ctx)
	go func() {
		// 取消时关闭连接，解除 ReadMessage 阻塞
		<-ctx.Done()
		c.closeConn()
	}()
	c.readLoop(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	readTimeout := time.Duration(c.readTimeoutMs()) * time.Millisecond
	for {
		if ctx.Err() != nil || atomic.LoadInt32(&c.closed) == 1 {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			c.establish(ctx)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || atomic.LoadInt32(&c.closed) == 1 {
				return
			}
			c.logger.Warn("读取 Binance 消息失败", zap.Error(err))
			c.incrementReconnectCount()
			c.notify(fmt.Errorf("%w: %v", ErrStreamInterrupted, err))
			c.closeConn()
			if c.backoff.Wait(ctx) != nil {
				return
			}
			continue
		}

		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		atomic.StoreInt64(&c.lastMsgTime, timeutil.NowNano())

		res, err := c.parser.Parse(data)
		if err != nil {
			c.incrementParseErrorCount()
			c.stats.IncRejected(ReasonMalformed)
			c.maybeLogParseError(err, data)
			c.notify(&RejectError{Reason: ReasonMalformed, Err: err})
			continue
		}

		for _, rej := range res.Rejects {
			c.stats.IncRejected(rej.Reason)
			c.notify(rej)
		}
		if len(res.Rejects) > 0 {
			c.metricsMu.Lock()
			c.metrics.RejectedCount += int64(len(res.Rejects))
			c.metricsMu.Unlock()
		}

		if len(res.Events) == 0 {
			continue
		}
		atomic.AddInt64(&c.updateCount, int64(len(res.Events)))
		select {
		case c.eventCh <- res.Events:
		default:
			c.logger.Warn("Binance eventCh 已满，丢弃消息", zap.Int("events", len(res.Events)))
		}
	}
}

// establish 建立连接并订阅；失败时发送中断通知并等待固定间隔
func (c *Client) establish(ctx context.Context) {
	err := c.Connect(ctx)
	if err == nil {
		if err = c.Subscribe(); err == nil {
			return
		}
		c.closeConn()
	}
	if ctx.Err() != nil {
		return
	}

	c.logger.Error("Binance 连接失败，等待重连", zap.Error(err), zap.Int("attempt", c.backoff.Attempt()+1))
	c.incrementReconnectCount()
	c.notify(fmt.Errorf("%w: %v", ErrStreamInterrupted, err))
	_ = c.backoff.Wait(ctx)
}

// notify 非阻塞投递通知；通道满时丢弃
func (c *Client) notify(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	intervalMs := c.cfg.PingIntervalMs
	if intervalMs <= 0 {
		intervalMs = c.readTimeoutMs() / 2
		if intervalMs <= 0 {
			intervalMs = 15000
		}
	}

	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}

			c.connMu.Lock()
			conn := c.conn
			if conn == nil {
				c.connMu.Unlock()
				continue
			}

			deadline := time.Now().Add(5 * time.Second)
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("发送 Binance ping 失败", zap.Error(err))
			}
		}
	}
}

func (c *Client) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastCount int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}

			count := atomic.LoadInt64(&c.updateCount)
			qps := float64(count - lastCount)
			lastCount = count

			lastMsg := atomic.LoadInt64(&c.lastMsgTime)
			var ageMs int64
			if lastMsg > 0 {
				ageMs = timeutil.SinceNano(lastMsg).Milliseconds()
			}

			c.metricsMu.Lock()
			c.metrics.UpdatesPerSec = qps
			c.metrics.LastMessageAgeMs = ageMs
			c.metricsMu.Unlock()
		}
	}
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close 关闭客户端；Run 随后退出并关闭输出通道
func (c *Client) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	c.closeConn()
	c.logger.Info("Binance 客户端已关闭")
	return nil
}

// Events 获取行情事件通道
func (c *Client) Events() <-chan []model.TickerEvent {
	return c.eventCh
}

// ErrCh 获取通知通道
// 元素为 *RejectError（数据错误）或包装 ErrStreamInterrupted 的错误（传输错误）。
func (c *Client) ErrCh() <-chan error {
	return c.errCh
}

// Metrics 获取连接指标
func (c *Client) Metrics() ConnectionMetrics {
	c.metricsMu.RLock()
	defer c.metricsMu.RUnlock()
	return c.metrics
}

func (c *Client) incrementReconnectCount() {
	c.stats.IncReconnects()
	c.metricsMu.Lock()
	c.metrics.ReconnectCount++
	c.metricsMu.Unlock()
}

func (c *Client) incrementParseErrorCount() {
	c.metricsMu.Lock()
	c.metrics.ParseErrorCount++
	c.metricsMu.Unlock()
}

func (c *Client) readTimeoutMs() int {
	if c.cfg.ReadTimeoutMs > 0 {
		return c.cfg.ReadTimeoutMs
	}
	// 未配置时使用 30s
	return 30000
}

// maybeLogParseError 采样记录解析错误原始消息，避免刷盘
// 采样策略：每 100 次错误记录 1 条，且同一类日志至少间隔 1 分钟。
func (c *Client) maybeLogParseError(err error, data []byte) {
	count := atomic.AddUint64(&c.parseErrSampleCount, 1)
	if count%100 != 1 {
		return
	}

	nowNs := timeutil.NowNano()
	last := atomic.LoadInt64(&c.lastParseErrLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&c.lastParseErrLogNs, nowNs)

	sample := data
	if len(sample) > 200 {
		sample = sample[:200]
	}
	c.logger.Warn("解析 Binance 消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
