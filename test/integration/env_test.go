package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"exec-guard-go/config"
	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
	"exec-guard-go/mode"
	"exec-guard-go/order"
	"exec-guard-go/recon"
	"exec-guard-go/risk"
	"exec-guard-go/sim"
	"exec-guard-go/store"
)

// env 端到端测试环境：真实存储 + 真实风控/熔断/适配器 + 模拟交易所。
type env struct {
	store      *store.Store
	ks         *killswitch.Switch
	riskState  *risk.State
	riskEng    *risk.Engine
	adapter    *order.Adapter
	controller *mode.Controller
	exchange   *sim.Exchange
	alerts     *alert.Manager
	memAlerts  *alert.MemoryChannel
	cancel     context.CancelFunc
}

func defaultRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderNotional:  1e6,
		MaxSymbolExposure: 1e8,
		MaxTotalExposure:  1e9,
		DailyLossWarn:     500,
		DailyLossLimit:    1000,
		ReconKillNotional: 1e6,
	}
}

func defaultModeConfig() config.ModeConfig {
	return config.ModeConfig{
		Initial: mode.Shadow,
		Canary: config.CanaryConfig{
			PhasesPct:        []int{10, 25, 50, 75, 100},
			SuccessThreshold: 0.95,
			MinSample:        20,
		},
	}
}

func newEnv(t *testing.T, simCfg sim.Config, riskCfg config.RiskConfig, modeCfg config.ModeConfig) *env {
	t.Helper()
	lg := logger.Nop()

	st, err := store.Open(filepath.Join(t.TempDir(), "integration.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	memAlerts := alert.NewMemoryChannel("mem")
	alerts := alert.NewManager([]alert.Channel{memAlerts}, 0)

	ks, err := killswitch.Load(st, alerts, lg)
	if err != nil {
		t.Fatalf("load kill switch: %v", err)
	}
	// 空存储默认ON，测试从放行状态开始
	if ks.Engaged() {
		if err := ks.Deactivate("integration test start"); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
	}

	exchange := sim.New(simCfg)
	riskState := risk.NewState(nil)
	riskEng := risk.NewEngine(riskCfg, ks, riskState, risk.NewAuditor(st, lg, nil), nil, alerts, lg)

	adapter, err := order.NewAdapter(order.Config{
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MaxQty: 1000, MinNotional: 10},
		},
		SubmitTimeout: 300 * time.Millisecond,
	}, exchange, riskEng, ks, order.NewLedger(st), nil, lg)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go adapter.Run(ctx)

	controller := mode.NewController(modeCfg, ks, st, alerts, lg)
	adapter.SetOutcomeSink(controller)

	e := &env{
		store:      st,
		ks:         ks,
		riskState:  riskState,
		riskEng:    riskEng,
		adapter:    adapter,
		controller: controller,
		exchange:   exchange,
		alerts:     alerts,
		memAlerts:  memAlerts,
		cancel:     cancel,
	}
	t.Cleanup(func() {
		cancel()
		exchange.Close()
		alerts.Close()
		st.Close()
	})
	return e
}

func (e *env) recon(t *testing.T) *recon.Engine {
	t.Helper()
	return recon.NewEngine(e.adapter, e.exchange, e.store, e.riskEng, e.alerts, 0.0001, logger.Nop())
}

// waitFor 轮询直到条件成立或超时。
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func buyIntent(id string, qty, price float64) order.Intent {
	return order.Intent{
		IntentID: id,
		Symbol:   "BTCUSDT",
		Side:     order.SideBuy,
		Type:     order.TypeLimit,
		Quantity: qty,
		Price:    price,
	}
}
