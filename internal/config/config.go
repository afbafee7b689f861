// Package config 负责加载和验证 YAML 配置文件。
// 提供应用程序所需的所有配置项，包括行情流、扫描参数、深度查询、评分模型等。
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Stream 行情流配置
	Stream StreamConfig `yaml:"stream"`
	// Scanner 搜索与分发参数
	Scanner ScannerConfig `yaml:"scanner"`
	// Depth 深度查询配置
	Depth DepthConfig `yaml:"depth"`
	// Scorer 评分模型配置
	Scorer ScorerConfig `yaml:"scorer"`
	// Display 展示格式配置
	Display DisplayConfig `yaml:"display"`
	// HTTP 运维 HTTP 服务配置
	HTTP HTTPConfig `yaml:"http"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// StreamConfig 行情 WebSocket 配置
type StreamConfig struct {
	// URL WebSocket 连接地址
	URL string `yaml:"url"`
	// Streams 连接后订阅的流名称，如 !ticker@arr；为空则不发送订阅请求
	Streams []string `yaml:"streams"`
	// PingIntervalMs 心跳间隔（毫秒）
	PingIntervalMs int `yaml:"ping_interval_ms"`
	// ReadTimeoutMs 读取超时（毫秒）
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	// ReconnectBackoffMs 断线后固定重连间隔（毫秒）
	ReconnectBackoffMs int `yaml:"reconnect_backoff_ms"`
	// BufferSize 行情事件通道容量
	BufferSize int `yaml:"buffer_size"`
}

// ScannerConfig 搜索与分发参数
type ScannerConfig struct {
	// ReferenceAsset 参考资产（稳定币）后缀
	ReferenceAsset string `yaml:"reference_asset"`
	// FeePercent 往返手续费估计（百分点）；未配置时为 nil，显式 0 表示不扣手续费
	FeePercent *float64 `yaml:"fee_percent"`
	// DispatchIntervalMs 快照最小分发间隔（毫秒）
	DispatchIntervalMs int `yaml:"dispatch_interval_ms"`
}

// DefaultFeePercent 未配置手续费时的估计值
const DefaultFeePercent = 0.3

// Fee 返回生效的手续费估计
func (s ScannerConfig) Fee() float64 {
	if s.FeePercent == nil {
		return DefaultFeePercent
	}
	return *s.FeePercent
}

// DepthConfig 深度查询配置
type DepthConfig struct {
	// BaseURL REST API 地址
	BaseURL string `yaml:"base_url"`
	// Levels 每次查询的档位数
	Levels int `yaml:"levels"`
	// TimeoutMs HTTP 请求超时（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
	// RateLimitRPS 每秒请求数上限
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateLimitBurst 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst"`
	// BreakerFailures 连续失败多少次后熔断
	BreakerFailures int `yaml:"breaker_failures"`
	// BreakerOpenMs 熔断持续时间（毫秒）
	BreakerOpenMs int `yaml:"breaker_open_ms"`
}

// ScorerConfig 评分模型配置
type ScorerConfig struct {
	// ModelURL 模型文件地址（http(s) 或本地路径）；为空则禁用评分
	ModelURL string `yaml:"model_url"`
	// TimeoutMs 模型加载超时（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
}

// DisplayConfig 展示格式配置
type DisplayConfig struct {
	// TradeURLTemplate 单腿交易链接模板，支持 {base} {quote} {symbol}
	TradeURLTemplate string `yaml:"trade_url_template"`
	// ProfitDecimals 收益率小数位
	ProfitDecimals int `yaml:"profit_decimals"`
	// PriceDecimals 价格小数位
	PriceDecimals int `yaml:"price_decimals"`
	// LiquidityDecimals 流动性小数位
	LiquidityDecimals int `yaml:"liquidity_decimals"`
}

// HTTPConfig 运维 HTTP 服务配置
type HTTPConfig struct {
	// Enabled 是否启用
	Enabled bool `yaml:"enabled"`
	// Addr 监听地址
	Addr string `yaml:"addr"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// EventsEnabled 是否输出展示事件（opportunities.jsonl）
	EventsEnabled bool `yaml:"events_enabled"`
	// MetricsEnabled 是否输出指标文件
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsIntervalMs 指标输出间隔（毫秒）
	MetricsIntervalMs int `yaml:"metrics_interval_ms"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
}

// Load 从文件加载配置并验证
// 加载顺序: YAML 文件 → .env（若存在）→ TRIARB_* 环境变量覆盖 → 默认值 → 验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadDefault 不读取配置文件，只应用 .env、环境变量与默认值
func LoadDefault() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// Parse 解析 YAML 内容（不应用默认值与环境变量）
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "triangular-arbitrage-scanner"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	// 行情流默认值
	if c.Stream.URL == "" {
		c.Stream.URL = "wss://stream.binance.com:9443/ws"
		if len(c.Stream.Streams) == 0 {
			c.Stream.Streams = []string{"!ticker@arr"}
		}
	}
	if c.Stream.PingIntervalMs == 0 {
		c.Stream.PingIntervalMs = 15000 // 15 秒
	}
	if c.Stream.ReadTimeoutMs == 0 {
		c.Stream.ReadTimeoutMs = 30000 // 30 秒
	}
	if c.Stream.ReconnectBackoffMs == 0 {
		c.Stream.ReconnectBackoffMs = 5000 // 5 秒
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 4096
	}

	// 搜索默认值
	if c.Scanner.ReferenceAsset == "" {
		c.Scanner.ReferenceAsset = "USDT"
	}
	if c.Scanner.FeePercent == nil {
		fee := DefaultFeePercent
		c.Scanner.FeePercent = &fee
	}
	if c.Scanner.DispatchIntervalMs == 0 {
		c.Scanner.DispatchIntervalMs = 300
	}

	// 深度查询默认值
	if c.Depth.BaseURL == "" {
		c.Depth.BaseURL = "https://api.binance.com"
	}
	if c.Depth.Levels == 0 {
		c.Depth.Levels = 5
	}
	if c.Depth.TimeoutMs == 0 {
		c.Depth.TimeoutMs = 5000
	}
	if c.Depth.RateLimitRPS == 0 {
		c.Depth.RateLimitRPS = 10
	}
	if c.Depth.RateLimitBurst == 0 {
		c.Depth.RateLimitBurst = 3
	}
	if c.Depth.BreakerFailures == 0 {
		c.Depth.BreakerFailures = 5
	}
	if c.Depth.BreakerOpenMs == 0 {
		c.Depth.BreakerOpenMs = 30000
	}

	if c.Scorer.TimeoutMs == 0 {
		c.Scorer.TimeoutMs = 10000
	}

	// 展示默认值
	if c.Display.TradeURLTemplate == "" {
		c.Display.TradeURLTemplate = "https://www.binance.com/en/trade/{base}_{quote}?type=spot"
	}
	if c.Display.ProfitDecimals == 0 {
		c.Display.ProfitDecimals = 3
	}
	if c.Display.PriceDecimals == 0 {
		c.Display.PriceDecimals = 8
	}
	if c.Display.LiquidityDecimals == 0 {
		c.Display.LiquidityDecimals = 4
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}

	// 输出默认值
	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.MetricsIntervalMs == 0 {
		c.Output.MetricsIntervalMs = 10000 // 10 秒
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	if c.Stream.URL == "" {
		errs = append(errs, "stream.url: 行情 WebSocket 地址不能为空")
	} else if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		errs = append(errs, fmt.Sprintf("stream.url: 必须以 ws:// 或 wss:// 开头，当前值: %s", c.Stream.URL))
	}
	if c.Stream.ReconnectBackoffMs <= 0 {
		errs = append(errs, "stream.reconnect_backoff_ms: 重连间隔必须为正数")
	}
	if c.Stream.ReadTimeoutMs < 0 {
		errs = append(errs, "stream.read_timeout_ms: 读取超时不能为负数")
	}
	if c.Stream.BufferSize < 0 {
		errs = append(errs, "stream.buffer_size: 缓冲区大小不能为负数")
	}

	if c.Scanner.ReferenceAsset == "" {
		errs = append(errs, "scanner.reference_asset: 参考资产不能为空")
	}
	if fee := c.Scanner.Fee(); fee < 0 || fee >= 100 {
		errs = append(errs, fmt.Sprintf("scanner.fee_percent: 手续费必须在 [0, 100) 之间，当前值: %f", fee))
	}
	if c.Scanner.DispatchIntervalMs <= 0 {
		errs = append(errs, "scanner.dispatch_interval_ms: 分发间隔必须为正数")
	}

	if c.Depth.BaseURL == "" {
		errs = append(errs, "depth.base_url: REST 地址不能为空")
	}
	if !validDepthLevels[c.Depth.Levels] {
		errs = append(errs, fmt.Sprintf("depth.levels: 无效的档位数 %d，有效值: 5, 10, 20, 50, 100, 500, 1000, 5000", c.Depth.Levels))
	}
	if c.Depth.TimeoutMs <= 0 {
		errs = append(errs, "depth.timeout_ms: 超时必须为正数")
	}
	if c.Depth.RateLimitRPS <= 0 {
		errs = append(errs, "depth.rate_limit_rps: 限速必须为正数")
	}
	if c.Depth.RateLimitBurst <= 0 {
		errs = append(errs, "depth.rate_limit_burst: 突发数必须为正数")
	}
	if c.Depth.BreakerFailures <= 0 {
		errs = append(errs, "depth.breaker_failures: 熔断阈值必须为正数")
	}

	if c.Scorer.TimeoutMs <= 0 {
		errs = append(errs, "scorer.timeout_ms: 超时必须为正数")
	}

	if c.Display.ProfitDecimals < 0 || c.Display.PriceDecimals < 0 || c.Display.LiquidityDecimals < 0 {
		errs = append(errs, "display: 小数位不能为负数")
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, "http.addr: 启用 HTTP 服务时监听地址不能为空")
	}

	if c.Output.BufferSize < 0 {
		errs = append(errs, "output.buffer_size: 缓冲区大小不能为负数")
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validDepthLevels 深度接口支持的档位数
var validDepthLevels = map[int]bool{
	5: true, 10: true, 20: true, 50: true, 100: true, 500: true, 1000: true, 5000: true,
}
