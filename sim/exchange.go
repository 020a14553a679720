package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"exec-guard-go/gateway"
)

// Exchange 进程内模拟交易所，实现 gateway.Client。
// 接单后按配置延迟回放 ACK/成交事件，支持故障注入，
// 仿真回归与灰度演练都用它兜底。
type Exchange struct {
	cfg Config

	mu        sync.Mutex
	orders    map[string]*simOrder
	positions map[string]*simPosition
	seq       int64
	rng       *rand.Rand

	events chan gateway.Event
	closed bool
}

// Config 故障注入与行为参数。
type Config struct {
	AckDelay   time.Duration // 接单到ACK的延迟
	FillDelay  time.Duration // ACK到成交的延迟
	FillRatio  float64       // 每单成交比例 [0,1]，1为全部成交
	RejectRate float64       // 拒单概率 [0,1]
	DropRate   float64       // 提交吞掉不响应的概率（制造UNKNOWN）
	TimeOffset time.Duration // 服务器时钟偏移
	Seed       int64
}

type simOrder struct {
	req    gateway.OrderRequest
	id     string
	filled float64
	status string
}

type simPosition struct {
	qty   float64
	entry float64
}

// New 创建模拟交易所
func New(cfg Config) *Exchange {
	if cfg.FillRatio <= 0 || cfg.FillRatio > 1 {
		cfg.FillRatio = 1
	}
	if cfg.AckDelay <= 0 {
		cfg.AckDelay = 5 * time.Millisecond
	}
	if cfg.FillDelay <= 0 {
		cfg.FillDelay = 10 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Exchange{
		cfg:       cfg,
		orders:    make(map[string]*simOrder),
		positions: make(map[string]*simPosition),
		rng:       rand.New(rand.NewSource(seed)),
		events:    make(chan gateway.Event, 256),
	}
}

// SubmitOrder 接单。幂等：同一clientID重复提交返回原单回执。
func (e *Exchange) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Ack, error) {
	e.mu.Lock()
	if existing, ok := e.orders[req.ClientID]; ok {
		e.mu.Unlock()
		return gateway.Ack{ExchangeID: existing.id, Duplicate: true}, nil
	}

	if e.chanceLocked(e.cfg.DropRate) {
		// 吞单：不登记、不回应，等调用方超时
		e.mu.Unlock()
		<-ctx.Done()
		return gateway.Ack{}, ctx.Err()
	}

	e.seq++
	id := fmt.Sprintf("sim-%d", e.seq)

	if e.chanceLocked(e.cfg.RejectRate) {
		e.orders[req.ClientID] = &simOrder{req: req, id: id, status: "REJECTED"}
		e.mu.Unlock()
		e.emitLater(e.cfg.AckDelay, gateway.Event{
			Type: gateway.EventReject, ClientID: req.ClientID, Symbol: req.Symbol,
			At:     time.Now().UTC(),
			Reject: &gateway.RejectDetail{Reason: "injected reject"},
		})
		return gateway.Ack{ExchangeID: id}, nil
	}

	so := &simOrder{req: req, id: id, status: "NEW"}
	e.orders[req.ClientID] = so
	e.mu.Unlock()

	e.emitLater(e.cfg.AckDelay, gateway.Event{
		Type: gateway.EventAck, ClientID: req.ClientID, Symbol: req.Symbol,
		At:  time.Now().UTC(),
		Ack: &gateway.AckDetail{ExchangeID: id},
	})
	e.scheduleFill(req, so)
	return gateway.Ack{ExchangeID: id}, nil
}

// scheduleFill 延迟回放成交并更新模拟侧仓位。
func (e *Exchange) scheduleFill(req gateway.OrderRequest, so *simOrder) {
	fillQty := req.Quantity * e.cfg.FillRatio
	price := req.Price
	if price <= 0 {
		price = 100 // 市价单的占位成交价
	}
	time.AfterFunc(e.cfg.AckDelay+e.cfg.FillDelay, func() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		so.filled = fillQty
		if fillQty >= req.Quantity {
			so.status = "FILLED"
		} else {
			so.status = "PARTIALLY_FILLED"
		}
		e.applyPositionLocked(req.Symbol, req.Side, fillQty, price)
		e.mu.Unlock()

		e.emit(gateway.Event{
			Type: gateway.EventFill, ClientID: req.ClientID, Symbol: req.Symbol,
			At:   time.Now().UTC(),
			Fill: &gateway.FillDetail{Quantity: fillQty, Price: price},
		})
	})
}

// CancelOrder 撤单。活跃订单转CANCELED并回放事件。
func (e *Exchange) CancelOrder(ctx context.Context, clientID string) error {
	e.mu.Lock()
	so, ok := e.orders[clientID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("sim: unknown order %s", clientID)
	}
	if so.status == "FILLED" || so.status == "CANCELED" || so.status == "REJECTED" {
		e.mu.Unlock()
		return fmt.Errorf("sim: order %s already %s", clientID, so.status)
	}
	so.status = "CANCELED"
	symbol := so.req.Symbol
	e.mu.Unlock()

	e.emitLater(e.cfg.AckDelay, gateway.Event{
		Type: gateway.EventCancel, ClientID: clientID, Symbol: symbol,
		At: time.Now().UTC(),
	})
	return nil
}

// GetOpenOrders 返回仍活跃的订单。
func (e *Exchange) GetOpenOrders(ctx context.Context) ([]gateway.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []gateway.ExchangeOrder
	for clientID, so := range e.orders {
		if so.status == "FILLED" || so.status == "CANCELED" || so.status == "REJECTED" {
			continue
		}
		out = append(out, gateway.ExchangeOrder{
			ClientID:   clientID,
			ExchangeID: so.id,
			Symbol:     so.req.Symbol,
			Side:       so.req.Side,
			Type:       so.req.Type,
			Price:      so.req.Price,
			Quantity:   so.req.Quantity,
			FilledQty:  so.filled,
			AvgPrice:   so.req.Price,
			Status:     so.status,
		})
	}
	return out, nil
}

// GetPositions 返回模拟侧仓位。
func (e *Exchange) GetPositions(ctx context.Context) ([]gateway.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []gateway.ExchangePosition
	for sym, p := range e.positions {
		if p.qty == 0 {
			continue
		}
		out = append(out, gateway.ExchangePosition{
			Symbol: sym, Quantity: p.qty, EntryPrice: p.entry,
		})
	}
	return out, nil
}

// ServerTime 返回带偏移的服务器时间。
func (e *Exchange) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC().Add(e.cfg.TimeOffset), nil
}

// Events 事件流。
func (e *Exchange) Events() <-chan gateway.Event {
	return e.events
}

// SetPosition 直接设置交易所侧仓位，对账演练注入差异用。
func (e *Exchange) SetPosition(symbol string, qty, entry float64) {
	e.mu.Lock()
	e.positions[symbol] = &simPosition{qty: qty, entry: entry}
	e.mu.Unlock()
}

// Close 关闭事件流。
func (e *Exchange) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

func (e *Exchange) applyPositionLocked(symbol, side string, qty, price float64) {
	p, ok := e.positions[symbol]
	if !ok {
		p = &simPosition{}
		e.positions[symbol] = p
	}
	signed := qty
	if side == "SELL" {
		signed = -qty
	}
	prev := p.qty
	p.qty += signed
	if prev == 0 || (prev > 0) == (p.qty > 0) && p.qty != 0 {
		total := abs(prev) + qty
		if total > 0 {
			p.entry = (p.entry*abs(prev) + price*qty) / total
		}
	} else if p.qty == 0 {
		p.entry = 0
	} else {
		p.entry = price
	}
}

func (e *Exchange) emit(ev gateway.Event) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		// 队列满：仿真环境直接丢弃
	}
}

func (e *Exchange) emitLater(d time.Duration, ev gateway.Event) {
	time.AfterFunc(d, func() { e.emit(ev) })
}

func (e *Exchange) chanceLocked(p float64) bool {
	if p <= 0 {
		return false
	}
	return e.rng.Float64() < p
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
