package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"exec-guard-go/config"
	"exec-guard-go/gateway"
	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
	"exec-guard-go/market"
	"exec-guard-go/metrics"
	"exec-guard-go/mode"
	"exec-guard-go/ops"
	"exec-guard-go/order"
	"exec-guard-go/recon"
	"exec-guard-go/risk"
	"exec-guard-go/sim"
	"exec-guard-go/store"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	opsAddr := flag.String("opsAddr", ":9200", "运维接口监听地址，留空则关闭")
	useSim := flag.Bool("sim", false, "使用进程内模拟交易所")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	lg, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("打开存储失败: %v", err)
	}
	defer st.Close()

	if cfg.Metrics.Addr != "" {
		metrics.StartMetricsServer(cfg.Metrics.Addr)
	}

	alerts := alert.NewManager([]alert.Channel{
		alert.NewLogChannel("stderr", os.Stderr),
	}, time.Minute)
	defer alerts.Close()

	// 熔断开关最先恢复：状态缺失时保守落在ON，由人工确认后放行
	ks, err := killswitch.Load(st, alerts, lg)
	if err != nil {
		log.Fatalf("恢复熔断状态失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var client gateway.Client
	if *useSim {
		simEx := sim.New(sim.Config{})
		defer simEx.Close()
		client = simEx
		lg.LogRisk("gateway_sim_mode", nil)
	} else {
		// 真实交易所接入在 gateway 包扩展；当前发行版仅支持仿真通道
		log.Fatal("real exchange gateway not configured, run with -sim")
	}
	throttled := gateway.NewThrottle(client, cfg.Gateway.RateLimit, cfg.Gateway.Burst, cfg.Gateway.MaxRetries)

	timeSync := order.NewTimeSync(throttled, time.Duration(cfg.Clock.SyncIntervalMin)*time.Minute, lg)
	go timeSync.Run(ctx)

	marketWatch := market.NewWatch()
	riskState := risk.NewState(nil)
	auditor := risk.NewAuditor(st, lg, nil)
	riskEng := risk.NewEngine(cfg.Risk, ks, riskState, auditor, marketWatch, alerts, lg)

	adapter, err := order.NewAdapter(order.Config{
		Symbols:       cfg.Symbols,
		MaxDriftMs:    int64(cfg.Clock.MaxDriftMs),
		SubmitTimeout: time.Duration(cfg.Gateway.RequestTimeoutMs) * time.Millisecond,
	}, throttled, riskEng, ks, order.NewLedger(st), timeSync, lg)
	if err != nil {
		log.Fatalf("初始化订单适配器失败: %v", err)
	}
	go adapter.Run(ctx)

	controller := mode.NewController(cfg.Mode, ks, st, alerts, lg)
	adapter.SetOutcomeSink(controller)

	reconEng := recon.NewEngine(adapter, throttled, st, riskEng, alerts, cfg.Recon.Epsilon, lg)
	scheduler, err := recon.NewScheduler(reconEng, cfg.Recon.ScheduleUTC)
	if err != nil {
		log.Fatalf("初始化对账调度失败: %v", err)
	}
	go scheduler.Run(ctx)

	// 行情心跳：仿真通道没有外部行情流，跳过心跳巡检
	var heartbeat risk.HeartbeatSource
	if cfg.Gateway.HeartbeatURL != "" {
		feed := gateway.NewHeartbeatFeed(cfg.Gateway.HeartbeatURL, lg)
		go feed.Run(ctx)
		heartbeat = feed
	}
	monitor := risk.NewMonitor(riskEng, heartbeat, time.Duration(cfg.Risk.CheckIntervalSec)*time.Second)
	go monitor.Start(ctx)

	opsSvc := ops.NewService(ks, riskEng, controller, reconEng, timeSync, lg)
	if *opsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*opsAddr, opsSvc.Handler()); err != nil {
				lg.LogError(err, map[string]interface{}{"component": "ops_http"})
			}
		}()
	}

	// 配置热更新：风控阈值与对账容差整体换入
	watcher := &config.Watcher{Path: *cfgPath, Cooldown: 2 * time.Second}
	go func() {
		err := watcher.Start(ctx, func(next config.AppConfig) {
			riskEng.UpdateConfig(next.Risk)
			reconEng.SetEpsilon(next.Recon.Epsilon)
			lg.LogRisk("config_reloaded", map[string]interface{}{"path": *cfgPath})
		}, func(err error) {
			lg.LogError(err, map[string]interface{}{"component": "config_watcher"})
		})
		if err != nil {
			lg.LogError(err, map[string]interface{}{"component": "config_watcher"})
		}
	}()

	go dailyResetLoop(ctx, opsSvc)
	go watchdogLoop(ctx, lg)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	lg.LogRisk("runner_started", map[string]interface{}{
		"mode": controller.Mode(), "kill_switch": string(ks.State().Mode),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	lg.LogRisk("runner_exit", nil)
}

// dailyResetLoop UTC零点重置每日风控计数。
func dailyResetLoop(ctx context.Context, svc *ops.Service) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			svc.ResetDaily()
		}
	}
}

// watchdogLoop systemd看门狗喂狗。未启用看门狗时直接退出。
func watchdogLoop(ctx context.Context, lg *logger.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				lg.LogError(err, map[string]interface{}{"component": "watchdog"})
			}
		}
	}
}
