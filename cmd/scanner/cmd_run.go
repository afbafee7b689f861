package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"triangular-arbitrage-scanner/internal/core/ledger"
	"triangular-arbitrage-scanner/internal/core/pipeline"
	"triangular-arbitrage-scanner/internal/core/scanner"
	"triangular-arbitrage-scanner/internal/core/scorer"
	"triangular-arbitrage-scanner/internal/core/store"
	"triangular-arbitrage-scanner/internal/core/validator"
	"triangular-arbitrage-scanner/internal/exchange/binance"
	"triangular-arbitrage-scanner/internal/output/display"
	"triangular-arbitrage-scanner/internal/output/jsonl"
	"triangular-arbitrage-scanner/internal/server"
	"triangular-arbitrage-scanner/internal/stats/latency"
	"triangular-arbitrage-scanner/internal/stats/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动实时扫描",
	Long: `连接行情流并持续扫描，直到收到 SIGINT/SIGTERM。

Examples:
  scanner run
  scanner run --config config.yaml`,
	RunE: runScanner,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runScanner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.App.LogLevel).With(zap.String("app", cfg.App.Name))
	defer logger.Sync()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := metrics.New()
	quotes := store.New()
	rest := binance.NewRESTClient(&cfg.Depth, stats, logger)
	client := binance.NewClient(&cfg.Stream, stats, logger)
	led := ledger.New(ledger.DefaultHistoryLimit)
	formatter := display.NewFormatter(cfg.Display)

	// 模型缺失不阻止启动，所有评分回退为 0
	var mdl *scorer.Model
	if cfg.Scorer.ModelURL != "" {
		mdl, err = scorer.LoadModel(ctx, cfg.Scorer.ModelURL, time.Duration(cfg.Scorer.TimeoutMs)*time.Millisecond)
		if err != nil {
			logger.Warn("评分模型加载失败，评分将固定为 0", zap.String("model_url", cfg.Scorer.ModelURL), zap.Error(err))
			mdl = nil
		}
	} else {
		logger.Warn("未配置评分模型，评分将固定为 0")
	}

	sinks := display.Multi{display.NewLogSink(logger)}

	var eventsWriter, metricsWriter *jsonl.Writer
	if cfg.Output.EventsEnabled {
		eventsWriter, err = jsonl.NewWriter(filepath.Join(cfg.Output.Dir, "opportunities.jsonl"), cfg.Output.BufferSize)
		if err != nil {
			return fmt.Errorf("创建 opportunities writer 失败: %w", err)
		}
		sinks = append(sinks, display.NewJSONLSink(eventsWriter))
		logger.Info("机会事件输出", zap.String("path", eventsWriter.Path()))
	}
	if cfg.Output.MetricsEnabled {
		metricsWriter, err = jsonl.NewWriter(filepath.Join(cfg.Output.Dir, "metrics.jsonl"), cfg.Output.BufferSize)
		if err != nil {
			return fmt.Errorf("创建 metrics writer 失败: %w", err)
		}
		logger.Info("指标快照输出", zap.String("path", metricsWriter.Path()))
	}

	var srv *server.Server
	if cfg.HTTP.Enabled {
		srv = server.New(cfg.HTTP, led, formatter, stats, logger)
		sinks = append(sinks, srv.Hub())
	}

	sc := scorer.New(mdl, stats, logger)

	p := pipeline.New(pipeline.Deps{
		Stream:           client,
		Store:            quotes,
		Worker:           scanner.NewWorker(scanner.Params{ReferenceAsset: cfg.Scanner.ReferenceAsset, FeePercent: cfg.Scanner.Fee()}, logger),
		Validator:        validator.New(quotes, rest, cfg.Depth.Levels, stats, logger),
		Scorer:           sc,
		Ledger:           led,
		Formatter:        formatter,
		Sink:             sinks,
		DispatchInterval: time.Duration(cfg.Scanner.DispatchIntervalMs) * time.Millisecond,
		Latency:          latency.NewTracker(10000),
		Stats:            stats,
		MetricsWriter:    metricsWriter,
		MetricsInterval:  time.Duration(cfg.Output.MetricsIntervalMs) * time.Millisecond,
	}, logger)

	logger.Info("扫描器启动",
		zap.String("stream", cfg.Stream.URL),
		zap.Strings("streams", cfg.Stream.Streams),
		zap.String("reference_asset", cfg.Scanner.ReferenceAsset),
		zap.Float64("fee_pct", cfg.Scanner.Fee()),
		zap.Bool("http", cfg.HTTP.Enabled),
		zap.Bool("scorer_model", sc.Available()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	if srv != nil {
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	runErr := g.Wait()
	if runErr != nil {
		logger.Error("扫描器异常退出", zap.Error(runErr))
	}

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Close()
		if eventsWriter != nil {
			_ = eventsWriter.Close()
		}
		if metricsWriter != nil {
			_ = metricsWriter.Close()
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成", zap.Int("ledger_entries", led.Len()))
	}
	return runErr
}
