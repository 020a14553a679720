package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate ensures required fields are present and thresholds are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Risk.MaxOrderNotional <= 0 {
		return errors.New("risk.maxOrderNotional must be > 0")
	}
	if cfg.Risk.MaxSymbolExposure <= 0 {
		return errors.New("risk.maxSymbolExposure must be > 0")
	}
	if cfg.Risk.MaxTotalExposure < cfg.Risk.MaxSymbolExposure {
		return errors.New("risk.maxTotalExposure must be >= risk.maxSymbolExposure")
	}
	if cfg.Risk.DailyLossLimit <= 0 {
		return errors.New("risk.dailyLossLimit must be > 0")
	}
	if cfg.Risk.DailyLossWarn > cfg.Risk.DailyLossLimit {
		return errors.New("risk.dailyLossWarn must be <= risk.dailyLossLimit")
	}
	if cfg.Risk.MaxSlippagePct < 0 {
		return errors.New("risk.maxSlippagePct must be >= 0")
	}
	if cfg.Risk.LatencyP95Ms < 0 || cfg.Risk.HeartbeatTimeoutSec < 0 || cfg.Risk.MaxConsecutiveErrors < 0 {
		return errors.New("risk runtime thresholds must be >= 0")
	}
	switch cfg.Mode.Initial {
	case "SHADOW", "CANARY", "LIVE":
	default:
		return fmt.Errorf("mode.initial %q must be SHADOW, CANARY or LIVE", cfg.Mode.Initial)
	}
	if err := validateCanary(cfg.Mode.Canary); err != nil {
		return err
	}
	if cfg.Recon.Epsilon <= 0 {
		return errors.New("recon.epsilon must be > 0")
	}
	if _, err := time.Parse("15:04", cfg.Recon.ScheduleUTC); err != nil {
		return fmt.Errorf("recon.scheduleUTC %q must be HH:MM: %w", cfg.Recon.ScheduleUTC, err)
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols config is required")
	}
	for sym, sc := range cfg.Symbols {
		if sc.TickSize <= 0 {
			return fmt.Errorf("symbol %s tickSize must be > 0", sym)
		}
		if sc.StepSize <= 0 {
			return fmt.Errorf("symbol %s stepSize must be > 0", sym)
		}
		if sc.MinQty < 0 || sc.MaxQty < 0 || sc.MinNotional < 0 {
			return fmt.Errorf("symbol %s bounds must be >= 0", sym)
		}
		if sc.MaxQty > 0 && sc.MaxQty < sc.MinQty {
			return fmt.Errorf("symbol %s maxQty must be >= minQty", sym)
		}
	}
	return nil
}

func validateCanary(c CanaryConfig) error {
	if c.SuccessThreshold <= 0 || c.SuccessThreshold > 1 {
		return errors.New("mode.canary.successThreshold must be in (0,1]")
	}
	prev := 0
	for i, p := range c.PhasesPct {
		if p <= prev || p > 100 {
			return fmt.Errorf("mode.canary.phasesPct[%d]=%d must be ascending and <= 100", i, p)
		}
		prev = p
	}
	if prev != 100 {
		return errors.New("mode.canary.phasesPct must end at 100")
	}
	return nil
}
