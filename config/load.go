package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"exec-guard-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string                  `yaml:"env"`
	Logger  logger.Config           `yaml:"logger"`
	Store   StoreConfig             `yaml:"store"`
	Metrics MetricsConfig           `yaml:"metrics"`
	Gateway GatewayConfig           `yaml:"gateway"`
	Clock   ClockConfig             `yaml:"clock"`
	Risk    RiskConfig              `yaml:"risk"`
	Mode    ModeConfig              `yaml:"mode"`
	Recon   ReconConfig             `yaml:"recon"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type GatewayConfig struct {
	APIKey           string  `yaml:"apiKey"`
	APISecret        string  `yaml:"apiSecret"`
	BaseURL          string  `yaml:"baseURL"`
	HeartbeatURL     string  `yaml:"heartbeatURL"`
	RateLimit        float64 `yaml:"rateLimit"` // 每秒请求数
	Burst            int     `yaml:"burst"`
	RequestTimeoutMs int     `yaml:"requestTimeoutMs"`
	MaxRetries       int     `yaml:"maxRetries"`
}

type ClockConfig struct {
	MaxDriftMs      int `yaml:"maxDriftMs"`
	SyncIntervalMin int `yaml:"syncIntervalMin"`
}

// RiskConfig 风控阈值。热更新时整体替换。
type RiskConfig struct {
	MaxOrderNotional     float64 `yaml:"maxOrderNotional"`     // 单笔名义上限
	MaxSymbolExposure    float64 `yaml:"maxSymbolExposure"`    // 单品种敞口上限
	MaxTotalExposure     float64 `yaml:"maxTotalExposure"`     // 总敞口上限
	MaxSlippagePct       float64 `yaml:"maxSlippagePct"`       // 市价单预估滑点上限
	DailyLossWarn        float64 `yaml:"dailyLossWarn"`        // 日亏损告警线（不拦截）
	DailyLossLimit       float64 `yaml:"dailyLossLimit"`       // 日亏损硬线（拦截并触发熔断）
	LatencyP95Ms         int     `yaml:"latencyP95Ms"`         // p95延迟阈值
	HeartbeatTimeoutSec  int     `yaml:"heartbeatTimeoutSec"`  // 行情心跳超时
	MaxConsecutiveErrors int     `yaml:"maxConsecutiveErrors"` // 连续错误阈值
	CheckIntervalSec     int     `yaml:"checkIntervalSec"`     // 运行时巡检间隔
	ReconKillNotional    float64 `yaml:"reconKillNotional"`    // 对账差额超过该名义值时请求熔断
}

type ModeConfig struct {
	Initial string       `yaml:"initial"` // SHADOW / CANARY / LIVE
	Canary  CanaryConfig `yaml:"canary"`
}

type CanaryConfig struct {
	PhasesPct           []int   `yaml:"phasesPct"`           // 例如 [10,25,50,75,100]
	MinPhaseDurationMin int     `yaml:"minPhaseDurationMin"` // 单阶段最短时长
	SuccessThreshold    float64 `yaml:"successThreshold"`    // 例如 0.95
	MinSample           int     `yaml:"minSample"`           // 评估所需最小样本数
}

type ReconConfig struct {
	Epsilon     float64 `yaml:"epsilon"`     // 数量/价格容差
	ScheduleUTC string  `yaml:"scheduleUTC"` // 每日对账时刻 "HH:MM"
}

// SymbolConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
type SymbolConfig struct {
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MaxQty      float64 `yaml:"maxQty"`
	MinNotional float64 `yaml:"minNotional"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("EG_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("EG_GATEWAY_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logger.Level == "" {
		cfg.Logger = logger.DefaultConfig()
	}
	if cfg.Gateway.RateLimit <= 0 {
		cfg.Gateway.RateLimit = 5
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 10
	}
	if cfg.Gateway.RequestTimeoutMs <= 0 {
		cfg.Gateway.RequestTimeoutMs = 3000
	}
	if cfg.Gateway.MaxRetries <= 0 {
		cfg.Gateway.MaxRetries = 5
	}
	if cfg.Clock.MaxDriftMs <= 0 {
		cfg.Clock.MaxDriftMs = 1500
	}
	if cfg.Clock.SyncIntervalMin <= 0 {
		cfg.Clock.SyncIntervalMin = 30
	}
	if cfg.Risk.CheckIntervalSec <= 0 {
		cfg.Risk.CheckIntervalSec = 5
	}
	if cfg.Risk.ReconKillNotional <= 0 {
		cfg.Risk.ReconKillNotional = cfg.Risk.MaxOrderNotional
	}
	if cfg.Mode.Initial == "" {
		cfg.Mode.Initial = "SHADOW"
	}
	if len(cfg.Mode.Canary.PhasesPct) == 0 {
		cfg.Mode.Canary.PhasesPct = []int{10, 25, 50, 75, 100}
	}
	if cfg.Mode.Canary.SuccessThreshold <= 0 {
		cfg.Mode.Canary.SuccessThreshold = 0.95
	}
	if cfg.Mode.Canary.MinPhaseDurationMin <= 0 {
		cfg.Mode.Canary.MinPhaseDurationMin = 30
	}
	if cfg.Mode.Canary.MinSample <= 0 {
		cfg.Mode.Canary.MinSample = 20
	}
	if cfg.Recon.Epsilon <= 0 {
		cfg.Recon.Epsilon = 0.0001
	}
	if cfg.Recon.ScheduleUTC == "" {
		cfg.Recon.ScheduleUTC = "00:05"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/execguard.db"
	}
}
