package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"exec-guard-go/config"
	"exec-guard-go/gateway"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
	"exec-guard-go/metrics"
	"exec-guard-go/risk"
)

// Gateway 适配器对交易所连接能力的依赖。
// *gateway.Throttle 与 sim.Exchange 均满足。
type Gateway interface {
	SubmitOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Ack, error)
	CancelOrder(ctx context.Context, clientID string) error
	GetOpenOrders(ctx context.Context) ([]gateway.ExchangeOrder, error)
	GetPositions(ctx context.Context) ([]gateway.ExchangePosition, error)
	Events() <-chan gateway.Event
}

// OutcomeSink 订单结果回调，灰度控制器据此统计成功率。
type OutcomeSink interface {
	OrderOutcome(clientID, mode string, success bool, reason string)
}

// Config 适配器配置
type Config struct {
	Symbols       map[string]config.SymbolConfig
	MaxDriftMs    int64
	SubmitTimeout time.Duration
}

// Adapter 订单执行适配器。独占持有订单与仓位，
// 提交前依次通过时钟闸门、幂等去重、风控事前检查。
type Adapter struct {
	cfg       Config
	gw        Gateway
	riskEng   *risk.Engine
	ledger    *Ledger
	sm        *StateMachine
	positions *PositionBook
	timeSync  *TimeSync
	log       *logger.Logger

	// interlock：熔断激活时持写锁，等待在途提交排空。
	// 提交路径在[检查→发出]区间持读锁，消除开关刚触发时订单溜过的竞态。
	interlock sync.RWMutex

	mu        sync.RWMutex
	orders    map[string]*Order
	decided   map[string]bool
	lastPrice map[string]float64

	outcome OutcomeSink

	evMu     sync.Mutex
	symbolCh map[string]chan gateway.Event
	wg       sync.WaitGroup
}

// NewAdapter 创建适配器并从账本恢复内存状态。
func NewAdapter(cfg Config, gw Gateway, riskEng *risk.Engine, ks *killswitch.Switch, ledger *Ledger, timeSync *TimeSync, log *logger.Logger) (*Adapter, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 3 * time.Second
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	orders, err := ledger.Replay()
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}
	a := &Adapter{
		cfg:       cfg,
		gw:        gw,
		riskEng:   riskEng,
		ledger:    ledger,
		sm:        NewStateMachine(),
		positions: NewPositionBook(),
		timeSync:  timeSync,
		log:       log,
		orders:    orders,
		decided:   make(map[string]bool),
		lastPrice: make(map[string]float64),
		symbolCh:  make(map[string]chan gateway.Event),
	}
	if ks != nil {
		ks.RegisterObserver(a)
	}
	return a, nil
}

// SetOutcomeSink 注册订单结果回调。必须在事件流启动前调用。
func (a *Adapter) SetOutcomeSink(sink OutcomeSink) {
	a.outcome = sink
}

// OnActivate 熔断观察者：取写锁等待在途提交排空后立即释放。
// Activate 返回后不存在已通过检查但尚未发出的订单。
func (a *Adapter) OnActivate(killswitch.State) {
	a.interlock.Lock()
	a.interlock.Unlock() //nolint:staticcheck // 栅栏语义：只为排空在途提交
}

// Submit 提交订单。幂等：相同意图重复提交返回既有订单，不产生新订单。
func (a *Adapter) Submit(ctx context.Context, it Intent, mode string) (*Order, error) {
	if err := a.validate(it); err != nil {
		a.log.LogError(err, map[string]interface{}{"intent": it.IntentID, "symbol": it.Symbol})
		return nil, err
	}
	if err := a.checkClockDrift(); err != nil {
		a.log.LogError(err, map[string]interface{}{"intent": it.IntentID})
		return nil, err
	}

	clientID := it.ClientID()

	a.interlock.RLock()
	defer a.interlock.RUnlock()

	// 幂等去重：已存在则直接返回，既不触发风控也不重复下单
	a.mu.Lock()
	if existing, ok := a.orders[clientID]; ok {
		clone := existing.Clone()
		a.mu.Unlock()
		a.log.LogOrder("duplicate_submit", clientID, map[string]interface{}{"symbol": it.Symbol})
		return clone, nil
	}
	a.mu.Unlock()

	// 风控事前检查（内部先查熔断开关）
	riskIntent := risk.Intent{
		ClientID: clientID,
		Symbol:   it.Symbol,
		Side:     it.Side,
		Type:     it.Type,
		Quantity: it.Quantity,
		Price:    it.Price,
		Mark:     a.markPrice(it.Symbol),
	}
	if err := a.riskEng.PreTrade(riskIntent); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	o := &Order{
		ClientID:  clientID,
		Symbol:    it.Symbol,
		Side:      it.Side,
		Type:      it.Type,
		Quantity:  it.Quantity,
		Price:     it.Price,
		Status:    StatusNew,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 账本先行：对外可见（发往交易所）之前必须已持久化
	a.mu.Lock()
	if existing, ok := a.orders[clientID]; ok {
		// 并发提交竞态：另一个流已登记
		clone := existing.Clone()
		a.mu.Unlock()
		return clone, nil
	}
	if _, err := a.ledger.Append(o); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("ledger append: %w", err)
	}
	a.orders[clientID] = o
	a.mu.Unlock()

	a.log.LogOrder("submitted", clientID, map[string]interface{}{
		"symbol": it.Symbol, "side": it.Side, "type": it.Type,
		"qty": it.Quantity, "price": it.Price, "mode": mode,
	})
	metrics.OrdersSubmitted.WithLabelValues(it.Symbol, mode).Inc()

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()
	start := time.Now()
	ack, err := a.gw.SubmitOrder(callCtx, gateway.OrderRequest{
		ClientID: clientID,
		Symbol:   it.Symbol,
		Side:     it.Side,
		Type:     it.Type,
		Quantity: it.Quantity,
		Price:    it.Price,
	})
	a.riskEng.State().RecordLatency(time.Since(start))

	if err != nil {
		return a.handleSubmitError(o, err)
	}

	a.riskEng.State().ResetErrors()
	if ack.Duplicate {
		// 交易所侧已有此单（本地账本丢失后的重放），采纳其回执即可
		a.log.LogOrder("duplicate_ack", clientID, map[string]interface{}{
			"symbol": it.Symbol, "exchange_id": ack.ExchangeID,
		})
	}
	if ack.ExchangeID != "" {
		a.mu.Lock()
		o.ExchangeID = ack.ExchangeID
		a.mu.Unlock()
	}
	a.mu.RLock()
	clone := o.Clone()
	a.mu.RUnlock()
	return clone, nil
}

// handleSubmitError 提交失败处理：超时进UNKNOWN，其余按类型进REJECTED。
func (a *Adapter) handleSubmitError(o *Order, err error) (*Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// 成败未知：绝不猜测，只能由对账解决
		if terr := a.transitionLocked(o, StatusUnknown, func(n *Order) {
			n.LastError = "submit timeout"
		}); terr != nil {
			a.log.LogError(terr, map[string]interface{}{"client_id": o.ClientID})
		}
		metrics.OrdersUnknown.Inc()
		a.riskEng.State().RecordError()
		return o.Clone(), &UnknownStateError{ClientID: o.ClientID}

	case errors.Is(err, gateway.ErrRateLimitExceeded):
		rlErr := &RateLimitError{Op: "submit"}
		if terr := a.transitionLocked(o, StatusRejected, func(n *Order) {
			n.LastError = rlErr.Error()
		}); terr != nil {
			a.log.LogError(terr, map[string]interface{}{"client_id": o.ClientID})
		}
		metrics.OrdersRejected.WithLabelValues(o.Symbol, rlErr.Code()).Inc()
		a.riskEng.State().RecordError()
		a.reportOutcomeLocked(o, false, "rate_limit")
		return nil, rlErr

	default:
		exErr := &ExchangeError{Op: "submit", Err: err}
		if terr := a.transitionLocked(o, StatusRejected, func(n *Order) {
			n.LastError = exErr.Error()
		}); terr != nil {
			a.log.LogError(terr, map[string]interface{}{"client_id": o.ClientID})
		}
		metrics.OrdersRejected.WithLabelValues(o.Symbol, exErr.Code()).Inc()
		a.riskEng.State().RecordError()
		a.reportOutcomeLocked(o, false, "exchange_error")
		return nil, exErr
	}
}

// Cancel 撤单。熔断ON时仍然允许（减仓方向的操作不受联锁限制）。
func (a *Adapter) Cancel(ctx context.Context, clientID string) (bool, error) {
	a.mu.RLock()
	o, ok := a.orders[clientID]
	if !ok {
		a.mu.RUnlock()
		return false, ErrOrderNotFound
	}
	if !a.sm.CanCancel(o.Status) {
		st := o.Status
		a.mu.RUnlock()
		if a.sm.IsTerminal(st) {
			return false, fmt.Errorf("%w: %s is %s", ErrOrderAlreadyTerminal, clientID, st)
		}
		// UNKNOWN：成败未定，撤单请求可能作用在不存在的订单上
		return false, fmt.Errorf("%w: %s is %s", ErrOrderNotCancelable, clientID, st)
	}
	a.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()
	if err := a.gw.CancelOrder(callCtx, clientID); err != nil {
		if errors.Is(err, gateway.ErrRateLimitExceeded) {
			return false, &RateLimitError{Op: "cancel"}
		}
		return false, &ExchangeError{Op: "cancel", Err: err}
	}
	a.log.LogOrder("cancel_requested", clientID, nil)
	// 状态保持现状，等待交易所的CANCEL回报驱动转换
	return true, nil
}

// Get 返回订单副本。
func (a *Adapter) Get(clientID string) (*Order, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	o, ok := a.orders[clientID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// OpenOrders 返回适配器本地视角的活跃订单（与交易所最终一致）。
func (a *Adapter) OpenOrders() []*Order {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*Order
	for _, o := range a.orders {
		if a.sm.IsActive(o.Status) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Positions 返回全部仓位副本。
func (a *Adapter) Positions() []Position {
	return a.positions.All()
}

// Position 返回单品种仓位。
func (a *Adapter) Position(symbol string) Position {
	return a.positions.Get(symbol)
}

// LedgerSeq 返回账本单调序号，对账快照标记用。
func (a *Adapter) LedgerSeq() (int64, error) {
	return a.ledger.Seq()
}

// ResolveUnknown 对账解决UNKNOWN订单：采纳交易所侧的真实状态。
// 仅接受UNKNOWN起点，其他状态一律拒绝。
func (a *Adapter) ResolveUnknown(clientID string, st Status, exchangeID string, filledQty, avgPrice float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[clientID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != StatusUnknown {
		return fmt.Errorf("order %s is %s, not UNKNOWN", clientID, o.Status)
	}
	return a.transitionLocked(o, st, func(n *Order) {
		if exchangeID != "" {
			n.ExchangeID = exchangeID
		}
		n.FilledQty = filledQty
		n.AvgFillPrice = avgPrice
		n.LastError = ""
	})
}

// transitionLocked 校验并执行状态转换：先写账本，成功后才更新内存。
func (a *Adapter) transitionLocked(o *Order, to Status, mutate func(*Order)) error {
	if err := a.sm.ValidateTransition(o.Status, to); err != nil {
		return err
	}
	next := o.Clone()
	next.Status = to
	next.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(next)
	}
	if _, err := a.ledger.Append(next); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}
	*o = *next
	return nil
}

// reportOutcomeLocked 向灰度控制器汇报一次性的订单结果。
func (a *Adapter) reportOutcomeLocked(o *Order, success bool, reason string) {
	if a.outcome == nil || a.decided[o.ClientID] {
		return
	}
	a.decided[o.ClientID] = true
	a.outcome.OrderOutcome(o.ClientID, o.Mode, success, reason)
}

func (a *Adapter) validate(it Intent) error {
	if it.IntentID == "" {
		return &ValidationError{Field: "intent_id", Reason: "required"}
	}
	if it.Side != SideBuy && it.Side != SideSell {
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if it.Type != TypeLimit && it.Type != TypeMarket {
		return &ValidationError{Field: "type", Reason: "must be LIMIT or MARKET"}
	}
	if it.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be > 0"}
	}
	sc, ok := a.cfg.Symbols[it.Symbol]
	if !ok {
		return &ValidationError{Field: "symbol", Reason: fmt.Sprintf("%s not configured", it.Symbol)}
	}
	if sc.StepSize > 0 && !alignedTo(it.Quantity, sc.StepSize) {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%.10f not aligned to step %.10f", it.Quantity, sc.StepSize)}
	}
	if sc.MinQty > 0 && it.Quantity < sc.MinQty {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%.10f below min %.10f", it.Quantity, sc.MinQty)}
	}
	if sc.MaxQty > 0 && it.Quantity > sc.MaxQty {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%.10f above max %.10f", it.Quantity, sc.MaxQty)}
	}
	if it.Type == TypeLimit {
		if it.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "limit order requires price > 0"}
		}
		if sc.TickSize > 0 && !alignedTo(it.Price, sc.TickSize) {
			return &ValidationError{Field: "price", Reason: fmt.Sprintf("%.10f not aligned to tick %.10f", it.Price, sc.TickSize)}
		}
		if sc.MinNotional > 0 && it.Price*it.Quantity < sc.MinNotional {
			return &ValidationError{Field: "notional", Reason: fmt.Sprintf("%.2f below min notional %.2f", it.Price*it.Quantity, sc.MinNotional)}
		}
	}
	return nil
}

func (a *Adapter) checkClockDrift() error {
	if a.timeSync == nil || a.cfg.MaxDriftMs <= 0 {
		return nil
	}
	offset := a.timeSync.OffsetMs()
	if offset < 0 {
		offset = -offset
	}
	if offset > a.cfg.MaxDriftMs {
		return &ClockDriftError{OffsetMs: a.timeSync.OffsetMs(), LimitMs: a.cfg.MaxDriftMs}
	}
	return nil
}

func (a *Adapter) markPrice(symbol string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastPrice[symbol]
}

// alignedTo 校验v是否为step的整数倍（浮点容差内）。
func alignedTo(v, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := v / step
	return math.Abs(ratio-math.Round(ratio)) < 1e-6
}
