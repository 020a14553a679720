package mode

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"exec-guard-go/config"
	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
)

// 交易模式
const (
	Shadow = "SHADOW"
	Canary = "CANARY"
	Live   = "LIVE"
)

// Decision 单笔意图的路由结论。
type Decision struct {
	Mode    string // 订单归属模式
	SendOut bool   // 是否真实发往交易所
}

// Controller 交易模式控制器。决定每笔意图走影子还是实盘，
// 与熔断开关组合放行：两者同时允许才会真实下单。
type Controller struct {
	ks     *killswitch.Switch
	canary *canary
	alerts *alert.Manager
	log    *logger.Logger

	mu   sync.RWMutex
	mode string
}

// NewController 创建控制器。initial 非法时落到 SHADOW。
func NewController(cfg config.ModeConfig, ks *killswitch.Switch, store CanaryStore, alerts *alert.Manager, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	initial := strings.ToUpper(cfg.Initial)
	if initial != Shadow && initial != Canary && initial != Live {
		initial = Shadow
	}
	c := &Controller{
		ks:     ks,
		canary: newCanary(cfg.Canary, store),
		alerts: alerts,
		log:    log,
		mode:   initial,
	}
	if initial == Canary {
		if st, ok, err := c.canary.resume(); err != nil {
			log.LogError(err, map[string]interface{}{"component": "mode"})
			c.canary.begin()
		} else if ok {
			log.LogRisk("canary_resumed", map[string]interface{}{
				"run_id": st.RunID, "phase_pct": st.PhasePct,
			})
		} else {
			c.canary.begin()
		}
	}
	return c
}

// Mode 当前交易模式。
func (c *Controller) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// CanaryState 当前灰度进度快照。
func (c *Controller) CanaryState() CanaryState {
	return c.canary.state()
}

// Decide 为一笔意图做路由决策。
// SHADOW 全部只记录；CANARY 按稳定哈希分桶放量；LIVE 全量放行。
// 任一模式下熔断ON都直接禁止真实下单。
func (c *Controller) Decide(clientID string) Decision {
	c.mu.RLock()
	mode := c.mode
	c.mu.RUnlock()

	switch mode {
	case Live:
		return Decision{Mode: Live, SendOut: c.permitted()}
	case Canary:
		if bucketOf(clientID) < c.canary.pct() {
			return Decision{Mode: Canary, SendOut: c.permitted()}
		}
		return Decision{Mode: Shadow, SendOut: false}
	default:
		return Decision{Mode: Shadow, SendOut: false}
	}
}

// permitted 与熔断开关的组合放行。
func (c *Controller) permitted() bool {
	return c.ks == nil || !c.ks.Engaged()
}

// StartCanary 从 SHADOW 进入灰度，开启新的一轮。
func (c *Controller) StartCanary() (CanaryState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Shadow {
		return CanaryState{}, fmt.Errorf("canary must start from SHADOW, current mode %s", c.mode)
	}
	c.mode = Canary
	st := c.canary.begin()
	c.log.LogRisk("canary_started", map[string]interface{}{
		"run_id": st.RunID, "phase_pct": st.PhasePct,
	})
	return st, nil
}

// ForceShadow 人工降级回 SHADOW。
func (c *Controller) ForceShadow(reason string) {
	c.mu.Lock()
	prev := c.mode
	c.mode = Shadow
	c.mu.Unlock()
	if prev != Shadow {
		c.log.LogRisk("mode_downgraded", map[string]interface{}{
			"from": prev, "reason": reason,
		})
	}
}

// OrderOutcome 订单结果回调（order.OutcomeSink）。
// 只统计灰度订单；成功率跌破阈值立即整体回滚到 SHADOW。
func (c *Controller) OrderOutcome(clientID, mode string, success bool, reason string) {
	if mode != Canary {
		return
	}
	switch c.canary.record(success) {
	case canaryRollback:
		st := c.canary.state()
		c.mu.Lock()
		c.mode = Shadow
		c.mu.Unlock()
		c.log.LogRisk("canary_rollback", map[string]interface{}{
			"run_id": st.RunID, "phase_pct": st.PhasePct,
			"success_rate": st.SuccessRate(), "reason": st.RollbackWhy,
		})
		if c.alerts != nil {
			c.alerts.CanaryRollback(st.PhasePct, st.RollbackWhy)
		}
	case canaryPromote:
		st := c.canary.state()
		c.mu.Lock()
		c.mode = Live
		c.mu.Unlock()
		c.log.LogRisk("canary_promoted", map[string]interface{}{
			"run_id": st.RunID, "success_rate": st.SuccessRate(),
		})
	case canaryAdvance:
		st := c.canary.state()
		c.log.LogRisk("canary_phase_advanced", map[string]interface{}{
			"run_id": st.RunID, "phase_pct": st.PhasePct,
		})
	}
}

// bucketOf 稳定哈希分桶 [0,100)。同一clientID永远落在同一桶，
// 重试不会在灰度/影子之间摇摆。
func bucketOf(clientID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return int(h.Sum32() % 100)
}
