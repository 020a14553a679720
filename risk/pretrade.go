package risk

import (
	"fmt"
	"sync"

	"exec-guard-go/config"
	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
	"exec-guard-go/metrics"
)

// Intent 提交前的订单意图。由适配器构造，包含风控所需的全部字段。
type Intent struct {
	ClientID string
	Symbol   string
	Side     string  // BUY / SELL
	Type     string  // LIMIT / MARKET
	Quantity float64 // >0
	Price    float64 // 限价单价格；市价单为0
	Mark     float64 // 标记价，市价单名义与滑点估算用
}

// Notional 返回意图的名义价值。
func (it Intent) Notional() float64 {
	price := it.Price
	if price <= 0 {
		price = it.Mark
	}
	return it.Quantity * price
}

// MarketData 行情依赖，市价单滑点估算用。可为 nil（跳过滑点检查）。
type MarketData interface {
	// EstSlippagePct 估算以市价吃掉 qty 数量的滑点百分比。
	EstSlippagePct(symbol string, qty float64) float64
}

// Engine 风控引擎：事前检查 + 运行时巡检入口 + 对账升级决策。
// 阈值配置可热替换，整体换入换出。
type Engine struct {
	mu  sync.RWMutex
	cfg config.RiskConfig

	ks      *killswitch.Switch
	state   *State
	auditor *Auditor
	md      MarketData
	alerts  *alert.Manager
	log     *logger.Logger
}

// NewEngine 创建风控引擎
func NewEngine(cfg config.RiskConfig, ks *killswitch.Switch, state *State, auditor *Auditor, md MarketData, alerts *alert.Manager, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if state == nil {
		state = NewState(nil)
	}
	if auditor == nil {
		auditor = NewAuditor(nil, log, nil)
	}
	return &Engine{
		cfg:     cfg,
		ks:      ks,
		state:   state,
		auditor: auditor,
		md:      md,
		alerts:  alerts,
		log:     log,
	}
}

// State 返回底层风险状态。
func (e *Engine) State() *State { return e.state }

// UpdateConfig 热替换阈值配置。
func (e *Engine) UpdateConfig(cfg config.RiskConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.log.LogRisk("risk_config_updated", map[string]interface{}{
		"daily_loss_limit": cfg.DailyLossLimit,
		"max_notional":     cfg.MaxOrderNotional,
	})
}

func (e *Engine) config() config.RiskConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// PreTrade 按固定顺序执行事前检查，首个失败即短路返回。
// 每项检查无论通过与否都会进审计轨迹。失败为非致命类型化拒绝。
func (e *Engine) PreTrade(it Intent) error {
	cfg := e.config()
	snap := e.state.Snapshot()

	// 1. 熔断开关
	if err := e.ks.Guard(); err != nil {
		e.auditor.Record(CheckKillSwitch, "fail", err.Error(), it)
		metrics.RiskRejects.WithLabelValues(CheckKillSwitch).Inc()
		return err
	}
	e.auditor.Record(CheckKillSwitch, "pass", "", it)

	// 2. 单笔名义上限
	notional := it.Notional()
	if cfg.MaxOrderNotional > 0 && notional > cfg.MaxOrderNotional {
		return e.reject(CheckSingleNotional, ErrSingleExceed,
			fmt.Sprintf("notional %.2f > limit %.2f", notional, cfg.MaxOrderNotional), it)
	}
	e.auditor.Record(CheckSingleNotional, "pass", "", it)

	// 3. 单品种敞口（现有 + 候选）
	symbolExp := snap.Exposure[it.Symbol] + notional
	if cfg.MaxSymbolExposure > 0 && symbolExp > cfg.MaxSymbolExposure {
		return e.reject(CheckSymbolExposure, ErrSymbolExceed,
			fmt.Sprintf("symbol exposure %.2f > limit %.2f", symbolExp, cfg.MaxSymbolExposure), it)
	}
	e.auditor.Record(CheckSymbolExposure, "pass", "", it)

	// 4. 总敞口
	totalExp := snap.TotalExposure + notional
	if cfg.MaxTotalExposure > 0 && totalExp > cfg.MaxTotalExposure {
		return e.reject(CheckTotalExposure, ErrTotalExceed,
			fmt.Sprintf("total exposure %.2f > limit %.2f", totalExp, cfg.MaxTotalExposure), it)
	}
	e.auditor.Record(CheckTotalExposure, "pass", "", it)

	// 5. 市价单滑点估算
	if it.Type == "MARKET" && cfg.MaxSlippagePct > 0 && e.md != nil {
		est := e.md.EstSlippagePct(it.Symbol, it.Quantity)
		if est > cfg.MaxSlippagePct {
			return e.reject(CheckSlippage, ErrSlippageExceed,
				fmt.Sprintf("est slippage %.4f%% > limit %.4f%%", est, cfg.MaxSlippagePct), it)
		}
	}
	e.auditor.Record(CheckSlippage, "pass", "", it)

	// 6. 日亏损：告警线只告警不拦截；硬线拦截并触发熔断
	loss := snap.DailyRealizedLoss
	if cfg.DailyLossWarn > 0 && loss >= cfg.DailyLossWarn && loss < cfg.DailyLossLimit {
		e.auditor.Record(CheckDailyLoss, "warn",
			fmt.Sprintf("daily loss %.2f >= warn %.2f", loss, cfg.DailyLossWarn), it)
		e.log.LogRisk("daily_loss_warning", map[string]interface{}{
			"loss": loss, "warn_threshold": cfg.DailyLossWarn,
		})
	}
	if cfg.DailyLossLimit > 0 && loss >= cfg.DailyLossLimit {
		reason := fmt.Sprintf("daily loss %.2f >= hard limit %.2f", loss, cfg.DailyLossLimit)
		if err := e.ks.Activate(killswitch.TriggerDailyLoss, reason); err != nil {
			e.log.LogError(err, map[string]interface{}{"component": "risk_engine"})
		}
		return e.reject(CheckDailyLoss, ErrDailyLossHard, reason, it)
	}
	e.auditor.Record(CheckDailyLoss, "pass", "", it)

	return nil
}

// AssessReconMismatch 对账发现不一致时由对账引擎咨询：差额名义超阈值则请求熔断。
// 返回是否触发了熔断。
func (e *Engine) AssessReconMismatch(runID string, deltaNotional float64) bool {
	cfg := e.config()
	if deltaNotional < 0 {
		deltaNotional = -deltaNotional
	}
	if cfg.ReconKillNotional <= 0 || deltaNotional < cfg.ReconKillNotional {
		e.auditor.Record(CheckReconMismatch, "pass",
			fmt.Sprintf("delta %.2f below activation threshold %.2f", deltaNotional, cfg.ReconKillNotional),
			map[string]interface{}{"run_id": runID})
		return false
	}
	reason := fmt.Sprintf("reconciliation delta %.2f >= threshold %.2f (run %s)", deltaNotional, cfg.ReconKillNotional, runID)
	e.auditor.Record(CheckReconMismatch, "fail", reason, map[string]interface{}{"run_id": runID})
	if err := e.ks.Activate(killswitch.TriggerPositionLimit, reason); err != nil {
		e.log.LogError(err, map[string]interface{}{"component": "risk_engine"})
	}
	return true
}

func (e *Engine) reject(check string, sentinel error, reason string, it Intent) error {
	e.auditor.Record(check, "fail", reason, it)
	metrics.RiskRejects.WithLabelValues(check).Inc()
	metrics.OrdersRejected.WithLabelValues(it.Symbol, "RISK_REJECTED").Inc()
	return &Rejection{Check: check, Reason: reason, Err: sentinel}
}
