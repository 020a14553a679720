package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/killswitch"
	"exec-guard-go/mode"
	"exec-guard-go/order"
	"exec-guard-go/recon"
	"exec-guard-go/risk"
	"exec-guard-go/sim"
)

// TestConcurrentSubmitIsIdempotent 同一意图并发提交只产生一个订单。
func TestConcurrentSubmitIsIdempotent(t *testing.T) {
	e := newEnv(t, sim.Config{FillDelay: time.Hour}, defaultRiskConfig(), defaultModeConfig())
	it := buyIntent("same-intent", 0.5, 50000)

	const workers = 8
	results := make([]*order.Order, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = e.adapter.Submit(context.Background(), it, mode.Live)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d failed: %v", i, errs[i])
		}
		if results[i].ClientID != it.ClientID() {
			t.Fatalf("submit %d returned wrong order: %s", i, results[i].ClientID)
		}
	}
	if got := len(e.adapter.OpenOrders()); got != 1 {
		t.Fatalf("expected exactly 1 local order, got %d", got)
	}
	remote, err := e.exchange.GetOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("exchange orders: %v", err)
	}
	if len(remote) != 1 {
		t.Fatalf("expected exactly 1 exchange order, got %d", len(remote))
	}
}

// TestDailyLossActivatesKillSwitch 日亏损击穿硬线后整条提交路径被熔断闸死。
func TestDailyLossActivatesKillSwitch(t *testing.T) {
	e := newEnv(t, sim.Config{}, defaultRiskConfig(), defaultModeConfig())

	e.riskState.AddRealizedPnL(-1200) // 硬线1000

	_, err := e.adapter.Submit(context.Background(), buyIntent("loss-1", 0.1, 50000), mode.Live)
	rej, ok := risk.IsRejection(err)
	if !ok || rej.Check != risk.CheckDailyLoss {
		t.Fatalf("expected daily loss rejection, got %v", err)
	}
	if !e.ks.Engaged() || e.ks.State().Trigger != killswitch.TriggerDailyLoss {
		t.Fatalf("kill switch not engaged by daily loss: %+v", e.ks.State())
	}

	// 熔断后的下一单在任何风控检查前被挡下
	_, err = e.adapter.Submit(context.Background(), buyIntent("loss-2", 0.1, 50000), mode.Live)
	var active *killswitch.ActiveError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveError, got %v", err)
	}

	// 熔断状态已落盘：进程重启后恢复仍为ON
	rec, found, err := e.store.LoadKillSwitch()
	if err != nil || !found || rec.Mode != string(killswitch.ModeOn) {
		t.Fatalf("kill switch not persisted: %+v found=%v err=%v", rec, found, err)
	}

	waitFor(t, 2*time.Second, "kill switch alert", func() bool {
		for _, a := range e.memAlerts.Alerts() {
			if a.Event == alert.EventKillSwitchActivated {
				return true
			}
		}
		return false
	})
}

// TestCanaryRollbackOnFailures 灰度期成功率跌破阈值自动回滚到影子。
func TestCanaryRollbackOnFailures(t *testing.T) {
	modeCfg := defaultModeConfig()
	modeCfg.Canary.PhasesPct = []int{100} // 全量灰度，保证每单都计入评估
	e := newEnv(t, sim.Config{RejectRate: 1, AckDelay: time.Millisecond}, defaultRiskConfig(), modeCfg)

	if _, err := e.controller.StartCanary(); err != nil {
		t.Fatalf("start canary: %v", err)
	}

	for i := 0; i < 20; i++ {
		it := buyIntent(fmt.Sprintf("canary-%02d", i), 0.1, 50000)
		d := e.controller.Decide(it.ClientID())
		if !d.SendOut || d.Mode != mode.Canary {
			t.Fatalf("order %d not routed to canary: %+v", i, d)
		}
		if _, err := e.adapter.Submit(context.Background(), it, d.Mode); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, "canary rollback", func() bool {
		return e.controller.CanaryState().RolledBack
	})
	if e.controller.Mode() != mode.Shadow {
		t.Fatalf("expected SHADOW after rollback, got %s", e.controller.Mode())
	}
	if why := e.controller.CanaryState().RollbackWhy; why != mode.RollbackReasonSuccessRate {
		t.Fatalf("wrong rollback reason: %q", why)
	}
}

// TestReconDetectsPositionMismatch 对账发现本地与交易所仓位不一致，只报告不改账。
func TestReconDetectsPositionMismatch(t *testing.T) {
	e := newEnv(t, sim.Config{AckDelay: time.Millisecond, FillDelay: 2 * time.Millisecond},
		defaultRiskConfig(), defaultModeConfig())

	if _, err := e.adapter.Submit(context.Background(), buyIntent("pos-1", 0.5, 50000), mode.Live); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, "fill applied", func() bool {
		return e.adapter.Position("BTCUSDT").Quantity == 0.5
	})

	// 注入交易所侧差异：0.48 vs 本地0.50
	e.exchange.SetPosition("BTCUSDT", 0.48, 50000)

	report, err := e.recon(t).Run(context.Background())
	if err != nil {
		t.Fatalf("recon: %v", err)
	}
	if report.Status != recon.VerdictMismatch {
		t.Fatalf("expected MISMATCH, got %s (%+v)", report.Status, report.Discrepancies)
	}
	found := false
	for _, d := range report.Discrepancies {
		if d.Kind == recon.KindPositionQty {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected position discrepancy: %+v", report.Discrepancies)
	}
	// 本地仓位保持不变
	if e.adapter.Position("BTCUSDT").Quantity != 0.5 {
		t.Fatal("reconciliation must never auto-correct local state")
	}

	reports, err := e.store.Reports(1)
	if err != nil || len(reports) != 1 || reports[0].Status != string(recon.VerdictMismatch) {
		t.Fatalf("report not persisted: %+v err=%v", reports, err)
	}
}

// TestUnknownOrderResolvedByRecon 提交超时产生UNKNOWN，对账以交易所事实收敛。
func TestUnknownOrderResolvedByRecon(t *testing.T) {
	e := newEnv(t, sim.Config{DropRate: 1}, defaultRiskConfig(), defaultModeConfig())

	it := buyIntent("swallowed", 0.1, 50000)
	_, err := e.adapter.Submit(context.Background(), it, mode.Live)
	var unknown *order.UnknownStateError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownStateError, got %v", err)
	}

	got, ok := e.adapter.Get(it.ClientID())
	if !ok || got.Status != order.StatusUnknown {
		t.Fatalf("order must be UNKNOWN: %+v", got)
	}

	// 交易所查无此单：对账判定从未被接受
	report, err := e.recon(t).Run(context.Background())
	if err != nil {
		t.Fatalf("recon: %v", err)
	}
	if len(report.Resolved) != 1 {
		t.Fatalf("expected 1 resolved order, got %v", report.Resolved)
	}
	got, _ = e.adapter.Get(it.ClientID())
	if got.Status != order.StatusRejected {
		t.Fatalf("UNKNOWN must resolve to REJECTED: %s", got.Status)
	}
}
