// Package server 提供运维 HTTP 服务：机会台账查询、收益趋势、实时推送与 Prometheus 指标。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"triangular-arbitrage-scanner/internal/config"
	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/output/display"
	"triangular-arbitrage-scanner/internal/stats/metrics"
)

// LedgerView 台账只读视图
type LedgerView interface {
	Entries() []model.LedgerEntry
	Get(key model.CycleKey) (model.LedgerEntry, bool)
	History() []model.TrendSample
	Len() int
}

// Server 运维 HTTP 服务
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	ledger     LedgerView
	formatter  *display.Formatter
	stats      *metrics.Metrics
	logger     *zap.Logger
}

// New 创建 HTTP 服务
// 参数 stats: Prometheus 指标，可为 nil（/metrics 退回默认 Registry）
func New(cfg config.HTTPConfig, ledger LedgerView, formatter *display.Formatter, stats *metrics.Metrics, logger *zap.Logger) *Server {
	logger = logger.Named("http")
	s := &Server{
		router:    mux.NewRouter(),
		ledger:    ledger,
		formatter: formatter,
		stats:     stats,
		logger:    logger,
	}
	s.hub = NewHub(s.Snapshot, logger)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Hub 返回实时推送中心（同时是 display.Sink）
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler 返回路由（测试用）
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.stats.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.HandleWS).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.requestIDMiddleware)
	api.Use(s.requestLoggingMiddleware)
	api.HandleFunc("/opportunities", s.handleOpportunities).Methods(http.MethodGet)
	api.HandleFunc("/opportunities/{key}", s.handleOpportunity).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
}

// Snapshot 生成当前全量展示数据
func (s *Server) Snapshot() SnapshotData {
	entries := s.ledger.Entries()
	rows := make([]display.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, s.formatter.Row(e, false))
	}
	history := s.ledger.History()
	trend := make([]display.TrendPoint, 0, len(history))
	for _, h := range history {
		trend = append(trend, s.formatter.Trend(h))
	}
	return SnapshotData{Rows: rows, Trend: trend}
}

// Run 启动推送中心与 HTTP 监听，直到 ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定 listener 上提供服务
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.hub.Run(gctx)
	})
	g.Go(func() error {
		s.logger.Info("HTTP 服务已启动", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleHealth GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"entries": s.ledger.Len(),
		"clients": s.hub.ClientCount(),
	})
}

// handleOpportunities GET /api/opportunities?status=valid|mismatch
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	status := strings.ToLower(r.URL.Query().Get("status"))
	if status != "" && status != string(model.StatusValid) && status != string(model.StatusMismatch) {
		writeError(w, http.StatusBadRequest, "status 只能是 valid 或 mismatch")
		return
	}

	rows := make([]display.Row, 0)
	for _, e := range s.ledger.Entries() {
		if status != "" && string(e.Status) != status {
			continue
		}
		rows = append(rows, s.formatter.Row(e, false))
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleOpportunity GET /api/opportunities/{key}，key 形如 BTCUSDT|ETHBTC|ETHUSDT
func (s *Server) handleOpportunity(w http.ResponseWriter, r *http.Request) {
	key, ok := model.ParseCycleKey(mux.Vars(r)["key"])
	if !ok {
		writeError(w, http.StatusBadRequest, "无效的机会键")
		return
	}
	e, ok := s.ledger.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "机会不存在")
		return
	}
	writeJSON(w, http.StatusOK, s.formatter.Row(e, false))
}

// handleHistory GET /api/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.ledger.History()
	points := make([]display.TrendPoint, 0, len(history))
	for _, h := range history {
		points = append(points, s.formatter.Trend(h))
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("HTTP 请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", w.Header().Get("X-Request-ID")),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
