package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"exec-guard-go/gateway"
	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/metrics"
	"exec-guard-go/order"
	"exec-guard-go/risk"
)

// 差异判定
const (
	VerdictMatch     = "MATCH"
	VerdictTolerable = "TOLERABLE"
	VerdictMismatch  = "MISMATCH"
)

// 差异类别
const (
	KindOrderMissing   = "ORDER_MISSING_LOCAL"    // 交易所有、本地无
	KindOrderPhantom   = "ORDER_MISSING_EXCHANGE" // 本地活跃、交易所无
	KindOrderFilledQty = "ORDER_FILLED_QTY"
	KindPositionQty    = "POSITION_QTY"
	KindUnknownOrder   = "UNKNOWN_ORDER"
)

// Discrepancy 单条差异。
type Discrepancy struct {
	Kind     string  `json:"kind"`
	Verdict  string  `json:"verdict"`
	Symbol   string  `json:"symbol,omitempty"`
	ClientID string  `json:"client_id,omitempty"`
	Local    float64 `json:"local"`
	Exchange float64 `json:"exchange"`
	Delta    float64 `json:"delta"`
	Detail   string  `json:"detail,omitempty"`
}

// Report 一次对账的完整结论。只报告，绝不自动改账。
type Report struct {
	RunID         string        `json:"run_id"`
	At            time.Time     `json:"at"`
	LedgerSeq     int64         `json:"ledger_seq"`
	Status        string        `json:"status"` // 最差判定
	Epsilon       float64       `json:"epsilon"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Resolved      []string      `json:"resolved_unknown,omitempty"`
	OrdersLocal   int           `json:"orders_local"`
	OrdersRemote  int           `json:"orders_remote"`
}

// AdapterView 对账所需的本地视图。order.Adapter 满足该接口。
type AdapterView interface {
	LedgerSeq() (int64, error)
	OpenOrders() []*order.Order
	Positions() []order.Position
	ResolveUnknown(clientID string, st order.Status, exchangeID string, filledQty, avgPrice float64) error
}

// ExchangeView 对账所需的交易所视图。gateway.Client 满足该接口。
type ExchangeView interface {
	GetOpenOrders(ctx context.Context) ([]gateway.ExchangeOrder, error)
	GetPositions(ctx context.Context) ([]gateway.ExchangePosition, error)
}

// ReportStore 报告持久化依赖。store.Store 满足该接口。
type ReportStore interface {
	AppendReport(runID string, at time.Time, status string, payload []byte) error
}

// Engine 对账引擎。以账本序号为快照标记，
// 对比本地与交易所的订单和仓位，按容差分级并上报。
type Engine struct {
	adapter  AdapterView
	exchange ExchangeView
	store    ReportStore
	riskEng  *risk.Engine
	alerts   *alert.Manager
	log      *logger.Logger

	mu      sync.RWMutex
	epsilon float64

	runMu sync.Mutex // 同一时刻只允许一轮对账
}

// NewEngine 创建对账引擎
func NewEngine(adapter AdapterView, exchange ExchangeView, store ReportStore, riskEng *risk.Engine, alerts *alert.Manager, epsilon float64, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if epsilon < 0 {
		epsilon = 0
	}
	return &Engine{
		adapter:  adapter,
		exchange: exchange,
		store:    store,
		riskEng:  riskEng,
		alerts:   alerts,
		epsilon:  epsilon,
		log:      log,
	}
}

// SetEpsilon 热更新容差。
func (e *Engine) SetEpsilon(eps float64) {
	if eps < 0 {
		return
	}
	e.mu.Lock()
	e.epsilon = eps
	e.mu.Unlock()
}

// Epsilon 当前容差。
func (e *Engine) Epsilon() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epsilon
}

// Run 执行一轮完整对账并持久化报告。
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	seq, err := e.adapter.LedgerSeq()
	if err != nil {
		return nil, fmt.Errorf("ledger seq: %w", err)
	}
	localOrders := e.adapter.OpenOrders()
	localPositions := e.adapter.Positions()

	remoteOrders, err := e.exchange.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange open orders: %w", err)
	}
	remotePositions, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange positions: %w", err)
	}

	eps := e.Epsilon()
	rep := &Report{
		RunID:        uuid.NewString(),
		At:           time.Now().UTC(),
		LedgerSeq:    seq,
		Epsilon:      eps,
		OrdersLocal:  len(localOrders),
		OrdersRemote: len(remoteOrders),
	}

	remoteByID := make(map[string]gateway.ExchangeOrder, len(remoteOrders))
	for _, ro := range remoteOrders {
		remoteByID[ro.ClientID] = ro
	}

	for _, lo := range localOrders {
		ro, onExchange := remoteByID[lo.ClientID]
		if lo.Status == order.StatusUnknown {
			if onExchange {
				delete(remoteByID, lo.ClientID)
			}
			rep.handleUnknown(e, lo, ro, onExchange)
			continue
		}
		if !onExchange {
			// 本地认为活跃，交易所已无此单：可能终态事件丢失
			rep.add(Discrepancy{
				Kind: KindOrderPhantom, Verdict: VerdictMismatch,
				Symbol: lo.Symbol, ClientID: lo.ClientID,
				Local: lo.Quantity, Exchange: 0,
				Delta:  lo.Quantity,
				Detail: fmt.Sprintf("local status %s, absent on exchange", lo.Status),
			})
			continue
		}
		delete(remoteByID, lo.ClientID)
		diff := math.Abs(lo.FilledQty - ro.FilledQty)
		if diff == 0 {
			continue
		}
		rep.add(Discrepancy{
			Kind: KindOrderFilledQty, Verdict: verdictFor(diff, eps),
			Symbol: lo.Symbol, ClientID: lo.ClientID,
			Local: lo.FilledQty, Exchange: ro.FilledQty, Delta: diff,
		})
	}

	// 剩下的是交易所有、本地无的订单
	for _, ro := range remoteByID {
		rep.add(Discrepancy{
			Kind: KindOrderMissing, Verdict: VerdictMismatch,
			Symbol: ro.Symbol, ClientID: ro.ClientID,
			Local: 0, Exchange: ro.Quantity, Delta: ro.Quantity,
			Detail: "order exists on exchange but not in local ledger",
		})
	}

	e.comparePositions(rep, localPositions, remotePositions, eps)
	e.finalize(rep)
	return rep, nil
}

// handleUnknown UNKNOWN订单以交易所侧状态为准解决；
// 交易所查无此单视为提交从未生效，转REJECTED。
func (r *Report) handleUnknown(e *Engine, lo *order.Order, ro gateway.ExchangeOrder, onExchange bool) {
	var (
		st         order.Status
		exchangeID string
		filled     float64
		avg        float64
		detail     string
	)
	if onExchange {
		st = statusFromExchange(ro)
		exchangeID = ro.ExchangeID
		filled = ro.FilledQty
		avg = ro.AvgPrice
		detail = fmt.Sprintf("resolved from exchange status %s", ro.Status)
	} else {
		st = order.StatusRejected
		detail = "absent on exchange, treated as never accepted"
	}
	if err := e.adapter.ResolveUnknown(lo.ClientID, st, exchangeID, filled, avg); err != nil {
		e.log.LogError(err, map[string]interface{}{"client_id": lo.ClientID, "component": "recon"})
		r.add(Discrepancy{
			Kind: KindUnknownOrder, Verdict: VerdictMismatch,
			Symbol: lo.Symbol, ClientID: lo.ClientID,
			Detail: "failed to resolve: " + err.Error(),
		})
		return
	}
	r.Resolved = append(r.Resolved, lo.ClientID)
	e.log.LogOrder("unknown_resolved", lo.ClientID, map[string]interface{}{
		"status": string(st), "detail": detail,
	})
}

func (e *Engine) comparePositions(rep *Report, local []order.Position, remote []gateway.ExchangePosition, eps float64) {
	localBySym := make(map[string]order.Position, len(local))
	for _, p := range local {
		localBySym[p.Symbol] = p
	}
	seen := make(map[string]bool, len(remote))
	for _, rp := range remote {
		seen[rp.Symbol] = true
		lp := localBySym[rp.Symbol]
		diff := math.Abs(lp.Quantity - rp.Quantity)
		if diff == 0 {
			continue
		}
		rep.add(Discrepancy{
			Kind: KindPositionQty, Verdict: verdictFor(diff, eps),
			Symbol: rp.Symbol,
			Local:  lp.Quantity, Exchange: rp.Quantity, Delta: diff,
		})
	}
	for sym, lp := range localBySym {
		if seen[sym] || lp.Quantity == 0 {
			continue
		}
		rep.add(Discrepancy{
			Kind: KindPositionQty, Verdict: verdictFor(math.Abs(lp.Quantity), eps),
			Symbol: sym,
			Local:  lp.Quantity, Exchange: 0, Delta: math.Abs(lp.Quantity),
		})
	}
}

// finalize 汇总判定、落库、告警、升级风控。
func (e *Engine) finalize(rep *Report) {
	rep.Status = VerdictMatch
	mismatches := 0
	var worstDelta float64
	var worstSymbol string
	for _, d := range rep.Discrepancies {
		switch d.Verdict {
		case VerdictMismatch:
			mismatches++
			if d.Delta > worstDelta {
				worstDelta, worstSymbol = d.Delta, d.Symbol
			}
		case VerdictTolerable:
			if rep.Status == VerdictMatch {
				rep.Status = VerdictTolerable
			}
		}
	}
	if mismatches > 0 {
		rep.Status = VerdictMismatch
		metrics.ReconDiscrepancies.Add(float64(mismatches))
	}
	metrics.ReconRuns.WithLabelValues(rep.Status).Inc()

	payload, err := json.Marshal(rep)
	if err == nil && e.store != nil {
		if serr := e.store.AppendReport(rep.RunID, rep.At, rep.Status, payload); serr != nil {
			e.log.LogError(serr, map[string]interface{}{"run_id": rep.RunID})
		}
	}

	e.log.LogRisk("reconciliation_done", map[string]interface{}{
		"run_id": rep.RunID, "status": rep.Status,
		"discrepancies": len(rep.Discrepancies), "resolved": len(rep.Resolved),
	})

	if rep.Status != VerdictMismatch {
		return
	}
	if e.alerts != nil {
		e.alerts.ReconciliationMismatch(rep.RunID, mismatches)
	}
	if e.riskEng != nil {
		// 名义偏差估算交给风控决定是否熔断；对账自身绝不改仓
		e.riskEng.AssessReconMismatch(rep.RunID, e.worstNotional(worstSymbol, worstDelta))
	}
}

// worstNotional 用本地均价估算最大差异的名义金额。
func (e *Engine) worstNotional(symbol string, delta float64) float64 {
	for _, p := range e.adapter.Positions() {
		if p.Symbol == symbol && p.AvgEntryPrice > 0 {
			return delta * p.AvgEntryPrice
		}
	}
	return delta
}

func (r *Report) add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
}

func verdictFor(delta, eps float64) string {
	if delta <= eps {
		return VerdictTolerable
	}
	return VerdictMismatch
}

// statusFromExchange 映射交易所订单状态到本地状态机。
// 未识别状态保守映射为ACKNOWLEDGED，留给下一轮对账继续跟踪。
func statusFromExchange(ro gateway.ExchangeOrder) order.Status {
	switch ro.Status {
	case "NEW", "ACKNOWLEDGED", "OPEN":
		return order.StatusAck
	case "PARTIALLY_FILLED":
		return order.StatusPartial
	case "FILLED":
		return order.StatusFilled
	case "CANCELED":
		return order.StatusCanceled
	case "REJECTED":
		return order.StatusRejected
	case "EXPIRED":
		return order.StatusExpired
	default:
		return order.StatusAck
	}
}
