package risk

import (
	"context"
	"fmt"
	"time"

	"exec-guard-go/killswitch"
)

// HeartbeatSource 行情心跳依赖。gateway.HeartbeatFeed 满足该接口。
type HeartbeatSource interface {
	Age() time.Duration
}

// Monitor 运行时巡检：固定间隔检查心跳、延迟、错误率与合计亏损，
// 越限即请求熔断。与订单流无关，独立运行。
type Monitor struct {
	engine    *Engine
	heartbeat HeartbeatSource
	interval  time.Duration
}

// NewMonitor 创建运行时巡检器
func NewMonitor(engine *Engine, heartbeat HeartbeatSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{engine: engine, heartbeat: heartbeat, interval: interval}
}

// Start 阻塞运行巡检循环，直到 ctx 结束。
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunChecks()
		}
	}
}

// RunChecks 执行一轮运行时检查。测试可直接调用。
func (m *Monitor) RunChecks() {
	e := m.engine
	cfg := e.config()
	snap := e.state.Snapshot()

	// 已经熔断则只审计不重复触发
	if e.ks.Engaged() {
		e.auditor.Record("runtime", "skip", "kill switch already engaged", snap)
		return
	}

	// 行情心跳
	if m.heartbeat != nil && cfg.HeartbeatTimeoutSec > 0 {
		age := m.heartbeat.Age()
		limit := time.Duration(cfg.HeartbeatTimeoutSec) * time.Second
		if age > limit {
			m.escalate(CheckHeartbeat, killswitch.TriggerWSDowntime,
				fmt.Sprintf("heartbeat age %s > limit %s", age.Truncate(time.Millisecond), limit), snap)
			return
		}
		e.auditor.Record(CheckHeartbeat, "pass", "", snap)
	}

	// 滚动p95延迟
	if cfg.LatencyP95Ms > 0 {
		p95 := e.state.LatencyP95()
		limit := time.Duration(cfg.LatencyP95Ms) * time.Millisecond
		if p95 > limit {
			m.escalate(CheckLatency, killswitch.TriggerLatency,
				fmt.Sprintf("p95 latency %s > limit %s", p95, limit), snap)
			return
		}
		e.auditor.Record(CheckLatency, "pass", "", snap)
	}

	// 连续错误
	if cfg.MaxConsecutiveErrors > 0 {
		errs := e.state.ConsecutiveErrors()
		if errs >= cfg.MaxConsecutiveErrors {
			m.escalate(CheckErrorRate, killswitch.TriggerErrorRate,
				fmt.Sprintf("consecutive errors %d >= limit %d", errs, cfg.MaxConsecutiveErrors), snap)
			return
		}
		e.auditor.Record(CheckErrorRate, "pass", "", snap)
	}

	// 合计亏损（已实现+未实现）
	if cfg.DailyLossLimit > 0 {
		combined := snap.CombinedLoss
		if combined >= cfg.DailyLossLimit {
			m.escalate(CheckCombinedLoss, killswitch.TriggerDailyLoss,
				fmt.Sprintf("combined loss %.2f >= hard limit %.2f", combined, cfg.DailyLossLimit), snap)
			return
		}
		e.auditor.Record(CheckCombinedLoss, "pass", "", snap)
	}
}

func (m *Monitor) escalate(check string, trigger killswitch.Trigger, reason string, snap Snapshot) {
	e := m.engine
	e.auditor.Record(check, "fail", reason, snap)
	if err := e.ks.Activate(trigger, reason); err != nil {
		e.log.LogError(err, map[string]interface{}{"component": "risk_monitor", "check": check})
	}
}
