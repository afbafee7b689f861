package config

import (
	"os"
	"strconv"
	"strings"
)

// envPrefix 环境变量前缀
const envPrefix = "TRIARB_"

// applyEnvOverrides 读取 TRIARB_* 环境变量覆盖配置
// 变量未设置或为空时保持原值；数值解析失败时忽略。
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.App.LogLevel, "LOG_LEVEL")

	setStr(&cfg.Stream.URL, "STREAM_URL")
	setInt(&cfg.Stream.ReconnectBackoffMs, "STREAM_RECONNECT_BACKOFF_MS")
	if v := lookup("STREAM_STREAMS"); v != "" {
		var streams []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				streams = append(streams, s)
			}
		}
		cfg.Stream.Streams = streams
	}

	setStr(&cfg.Scanner.ReferenceAsset, "REFERENCE_ASSET")
	setFloatPtr(&cfg.Scanner.FeePercent, "FEE_PERCENT")
	setInt(&cfg.Scanner.DispatchIntervalMs, "DISPATCH_INTERVAL_MS")

	setStr(&cfg.Depth.BaseURL, "DEPTH_BASE_URL")
	setInt(&cfg.Depth.Levels, "DEPTH_LEVELS")

	setStr(&cfg.Scorer.ModelURL, "SCORER_MODEL_URL")

	setBool(&cfg.HTTP.Enabled, "HTTP_ENABLED")
	setStr(&cfg.HTTP.Addr, "HTTP_ADDR")

	setStr(&cfg.Output.Dir, "OUTPUT_DIR")
}

func lookup(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func setStr(dst *string, name string) {
	if v := lookup(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := lookup(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloatPtr(dst **float64, name string) {
	if v := lookup(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = &f
		}
	}
}

func setBool(dst *bool, name string) {
	if v := lookup(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
