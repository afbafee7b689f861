package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/output/display"
)

const (
	// writeWait 单次写入超时
	writeWait = 10 * time.Second
	// pongWait 等待客户端 pong 的最长时间
	pongWait = 60 * time.Second
	// pingPeriod 心跳间隔，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize 客户端消息大小上限（只读通道，客户端无需发送业务消息）
	maxMessageSize = 512
	// sendBufferSize 每个客户端的发送缓冲
	sendBufferSize = 256
)

// 推送消息类型
const (
	MessageSnapshot = "snapshot"
	MessageUpsert   = "upsert"
	MessageTrend    = "trend"
	MessageNotice   = "notice"
)

// Message 推送给浏览器的消息
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SnapshotData 新连接收到的全量数据
type SnapshotData struct {
	Rows  []display.Row        `json:"rows"`
	Trend []display.TrendPoint `json:"trend"`
}

// SnapshotFunc 生成当前全量数据
type SnapshotFunc func() SnapshotData

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub WebSocket 广播中心，同时实现 display.Sink
// 新客户端先收到全量快照，之后收到增量；展示端按键覆盖，重复到达无副作用。
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	snapshot   SnapshotFunc
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHub 创建广播中心
// 参数 snapshot: 新连接时调用，可为 nil
func NewHub(snapshot SnapshotFunc, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		snapshot:   snapshot,
		done:       make(chan struct{}),
		logger:     logger.Named("ws"),
	}
}

// Run 启动事件循环，直到 ctx 取消
// Run 只能调用一次。
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			// 在事件循环内生成快照：之前的增量已包含在快照中，之后的增量一定晚于快照
			if h.snapshot != nil {
				if msg, err := json.Marshal(Message{Type: MessageSnapshot, Data: h.snapshot()}); err == nil {
					c.send <- msg
				}
			}
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("客户端已连接", zap.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("客户端已断开", zap.Int("total_clients", h.ClientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("客户端发送缓冲已满，丢弃消息")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Upsert 广播行更新
func (h *Hub) Upsert(r display.Row) { h.publish(MessageUpsert, r) }

// Trend 广播趋势点
func (h *Hub) Trend(p display.TrendPoint) { h.publish(MessageTrend, p) }

// Notice 广播通知
func (h *Hub) Notice(n display.Notice) { h.publish(MessageNotice, n) }

// publish 非阻塞投递；广播队列满时丢弃
func (h *Hub) publish(typ string, data any) {
	msg, err := json.Marshal(Message{Type: typ, Data: data})
	if err != nil {
		h.logger.Warn("序列化推送消息失败", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("广播队列已满，丢弃消息", zap.String("type", typ))
	}
}

// HandleWS 升级为 WebSocket 连接并注册客户端
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-r.Context().Done():
		_ = conn.Close()
		return
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump 只处理控制帧与断开；客户端发来的业务消息被忽略
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("客户端异常断开", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
