// Package main 是三角套利扫描器的入口点。
// 扫描器订阅 Binance 全市场最优买卖价，在单一交易所内搜索三角套利循环，
// 用 REST 深度校验候选机会并评分，结果写入会话台账并推送给展示端。
//
// 重要：本系统只做发现与展示，不下单。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"triangular-arbitrage-scanner/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scanner",
	Short: "Binance 三角套利扫描器",
	Long: `订阅 Binance 现货全市场最优买卖价，搜索以参考资产计价的三角套利循环，
通过 REST 深度校验并评分后输出到日志、JSONL 文件与 WebSocket 展示端。

Examples:
  scanner run --config config.yaml
  scanner check-config --config config.yaml
  scanner scan-once --top 10`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "配置文件路径")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置；配置文件不存在时使用默认配置（叠加环境变量）
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		return config.LoadDefault()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
