package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
env: test
risk:
  maxOrderNotional: 10000
  maxSymbolExposure: 50000
  maxTotalExposure: 100000
  dailyLossWarn: 500
  dailyLossLimit: 1000
symbols:
  BTCUSDT:
    tickSize: 0.1
    stepSize: 0.001
    minQty: 0.001
    minNotional: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.RateLimit != 5 || cfg.Gateway.Burst != 10 {
		t.Fatalf("gateway defaults missing: %+v", cfg.Gateway)
	}
	if cfg.Clock.MaxDriftMs != 1500 {
		t.Fatalf("clock default missing: %d", cfg.Clock.MaxDriftMs)
	}
	if cfg.Mode.Initial != "SHADOW" {
		t.Fatalf("mode default missing: %s", cfg.Mode.Initial)
	}
	if len(cfg.Mode.Canary.PhasesPct) != 5 || cfg.Mode.Canary.SuccessThreshold != 0.95 {
		t.Fatalf("canary defaults missing: %+v", cfg.Mode.Canary)
	}
	if cfg.Recon.Epsilon != 0.0001 || cfg.Recon.ScheduleUTC != "00:05" {
		t.Fatalf("recon defaults missing: %+v", cfg.Recon)
	}
	// 对账熔断阈值缺省回落到单笔名义上限
	if cfg.Risk.ReconKillNotional != cfg.Risk.MaxOrderNotional {
		t.Fatalf("recon kill notional fallback missing: %f", cfg.Risk.ReconKillNotional)
	}
}

func TestLoadRejectsMissingEnv(t *testing.T) {
	bad := `
risk:
  maxOrderNotional: 10000
  maxSymbolExposure: 50000
  maxTotalExposure: 100000
  dailyLossLimit: 1000
symbols:
  BTCUSDT: {stepSize: 0.001}
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("missing env must be rejected")
	}
}

func TestLoadRejectsInvalidRisk(t *testing.T) {
	for name, mutate := range map[string]string{
		"zero notional":    "  maxOrderNotional: 0\n  maxSymbolExposure: 1\n  maxTotalExposure: 1\n  dailyLossLimit: 1",
		"total < symbol":   "  maxOrderNotional: 1\n  maxSymbolExposure: 100\n  maxTotalExposure: 10\n  dailyLossLimit: 1",
		"warn above hard":  "  maxOrderNotional: 1\n  maxSymbolExposure: 1\n  maxTotalExposure: 1\n  dailyLossWarn: 50\n  dailyLossLimit: 10",
		"zero daily limit": "  maxOrderNotional: 1\n  maxSymbolExposure: 1\n  maxTotalExposure: 1\n  dailyLossLimit: 0",
	} {
		yaml := "env: test\nrisk:\n" + mutate + "\nsymbols:\n  BTCUSDT: {stepSize: 0.001}\n"
		if _, err := Load(writeConfig(t, yaml)); err == nil {
			t.Errorf("%s must be rejected", name)
		}
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	yaml := sampleYAML + "mode:\n  initial: YOLO\n"
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Fatal("invalid initial mode must be rejected")
	}
}

func TestLoadRejectsMissingSymbols(t *testing.T) {
	yaml := `
env: test
risk:
  maxOrderNotional: 10000
  maxSymbolExposure: 50000
  maxTotalExposure: 100000
  dailyLossLimit: 1000
`
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Fatal("empty symbols must be rejected")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	yaml := sampleYAML + "gateway:\n  apiKey: from-file\n  apiSecret: file-secret\n"
	path := writeConfig(t, yaml)

	t.Setenv("EG_GATEWAY_API_KEY", "from-env")
	t.Setenv("EG_GATEWAY_API_SECRET", "")

	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.APIKey != "from-env" {
		t.Fatalf("env must override file key: %s", cfg.Gateway.APIKey)
	}
	// 空环境变量不覆盖
	if cfg.Gateway.APISecret != "file-secret" {
		t.Fatalf("empty env must not override: %s", cfg.Gateway.APISecret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}
