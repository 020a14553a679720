package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"exec-guard-go/config"
	"exec-guard-go/gateway"
	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
	"exec-guard-go/market"
	"exec-guard-go/mode"
	"exec-guard-go/order"
	"exec-guard-go/recon"
	"exec-guard-go/risk"
	"exec-guard-go/sim"
	"exec-guard-go/store"
)

// 灰度/对账演练脚本：对模拟交易所批量下单，
// 观察灰度放量、回滚与对账结论。
func main() {
	orders := flag.Int("orders", 200, "下单笔数")
	rejectRate := flag.Float64("rejectRate", 0, "注入拒单概率 [0,1]")
	dropRate := flag.Float64("dropRate", 0, "注入吞单概率 [0,1]")
	startCanary := flag.Bool("canary", true, "从影子切入灰度")
	flag.Parse()

	lg, err := logger.New(logger.Config{Level: "info", Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	dir, err := os.MkdirTemp("", "eg-sim-*")
	if err != nil {
		log.Fatalf("创建临时目录失败: %v", err)
	}
	defer os.RemoveAll(dir)
	st, err := store.Open(filepath.Join(dir, "drill.db"))
	if err != nil {
		log.Fatalf("打开存储失败: %v", err)
	}
	defer st.Close()

	alerts := alert.NewManager([]alert.Channel{alert.NewLogChannel("stdout", os.Stdout)}, time.Second)
	defer alerts.Close()

	ks, err := killswitch.Load(st, alerts, lg)
	if err != nil {
		log.Fatalf("恢复熔断状态失败: %v", err)
	}
	// 演练环境：存储为空时默认ON，先人工放行
	if ks.Engaged() {
		if err := ks.Deactivate("simulation drill start"); err != nil {
			log.Fatalf("放行失败: %v", err)
		}
	}

	simEx := sim.New(sim.Config{
		RejectRate: *rejectRate,
		DropRate:   *dropRate,
		Seed:       42,
	})
	defer simEx.Close()
	throttled := gateway.NewThrottle(simEx, 200, 50, 3)

	// 静态盘口：演练里市价单的滑点估算走同一条真实路径
	marketWatch := market.NewWatch()
	marketWatch.OnDepth("BTCUSDT",
		[]market.Level{{Price: 49999.9, Qty: 5}},
		[]market.Level{{Price: 50000.1, Qty: 5}},
		time.Now())

	riskEng := risk.NewEngine(config.RiskConfig{
		MaxOrderNotional: 1e6, MaxSymbolExposure: 1e8, MaxTotalExposure: 1e9,
		DailyLossLimit: 1e9, MaxSlippagePct: 0.5, CheckIntervalSec: 1,
	}, ks, risk.NewState(nil), risk.NewAuditor(st, lg, nil), marketWatch, alerts, lg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := order.NewAdapter(order.Config{
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MaxQty: 1000, MinNotional: 10},
		},
		SubmitTimeout: 500 * time.Millisecond,
	}, throttled, riskEng, ks, order.NewLedger(st), nil, lg)
	if err != nil {
		log.Fatalf("初始化适配器失败: %v", err)
	}
	go adapter.Run(ctx)

	controller := mode.NewController(config.ModeConfig{
		Initial: mode.Shadow,
		Canary: config.CanaryConfig{
			PhasesPct:        []int{10, 25, 50, 75, 100},
			SuccessThreshold: 0.95,
			MinSample:        20,
		},
	}, ks, st, alerts, lg)
	adapter.SetOutcomeSink(controller)

	if *startCanary {
		if _, err := controller.StartCanary(); err != nil {
			log.Fatalf("进入灰度失败: %v", err)
		}
	}

	for i := 0; i < *orders; i++ {
		it := order.Intent{
			IntentID: fmt.Sprintf("drill-%04d", i),
			Symbol:   "BTCUSDT",
			Side:     order.SideBuy,
			Type:     order.TypeLimit,
			Quantity: 0.01,
			Price:    50000,
		}
		decision := controller.Decide(it.ClientID())
		if !decision.SendOut {
			continue
		}
		if _, err := adapter.Submit(ctx, it, decision.Mode); err != nil {
			lg.LogError(err, map[string]interface{}{"intent": it.IntentID})
		}
		time.Sleep(5 * time.Millisecond)
	}
	// 等事件流排空
	time.Sleep(500 * time.Millisecond)

	reconEng := recon.NewEngine(adapter, throttled, st, riskEng, alerts, 0.0001, lg)
	report, err := reconEng.Run(ctx)
	if err != nil {
		log.Fatalf("对账失败: %v", err)
	}

	st8 := controller.CanaryState()
	fmt.Printf("\n--- drill summary ---\n")
	fmt.Printf("mode: %s\n", controller.Mode())
	fmt.Printf("canary: phase_pct=%d success_rate=%.3f rolled_back=%v promoted=%v\n",
		st8.PhasePct, st8.SuccessRate(), st8.RolledBack, st8.Promoted)
	fmt.Printf("recon: status=%s discrepancies=%d resolved_unknown=%d\n",
		report.Status, len(report.Discrepancies), len(report.Resolved))
	fmt.Printf("kill_switch: %s\n", string(ks.State().Mode))
}
