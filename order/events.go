package order

import (
	"context"

	"exec-guard-go/gateway"
	"exec-guard-go/metrics"
)

const symbolQueueSize = 128

// Run 消费交易所事件流直到 ctx 结束。
// 单一入口按品种分发到各自的有序队列，同一品种的事件严格串行处理。
func (a *Adapter) Run(ctx context.Context) {
	events := a.gw.Events()
	for {
		select {
		case <-ctx.Done():
			a.closeWorkers()
			return
		case ev, ok := <-events:
			if !ok {
				a.closeWorkers()
				return
			}
			a.dispatch(ev)
		}
	}
}

// dispatch 按品种路由。队列满时阻塞而不是丢弃：乱序比延迟更危险。
func (a *Adapter) dispatch(ev gateway.Event) {
	if ev.Type == gateway.EventUnrecognized {
		// 未识别载荷：记录原文后忽略，绝不猜测语义
		a.log.LogOrder("unrecognized_event", ev.ClientID, map[string]interface{}{
			"symbol": ev.Symbol, "raw": string(ev.Raw),
		})
		return
	}
	a.evMu.Lock()
	ch, ok := a.symbolCh[ev.Symbol]
	if !ok {
		ch = make(chan gateway.Event, symbolQueueSize)
		a.symbolCh[ev.Symbol] = ch
		a.wg.Add(1)
		go a.symbolWorker(ch)
	}
	a.evMu.Unlock()
	ch <- ev
}

func (a *Adapter) symbolWorker(ch <-chan gateway.Event) {
	defer a.wg.Done()
	for ev := range ch {
		a.applyEvent(ev)
	}
}

func (a *Adapter) closeWorkers() {
	a.evMu.Lock()
	for _, ch := range a.symbolCh {
		close(ch)
	}
	a.symbolCh = make(map[string]chan gateway.Event)
	a.evMu.Unlock()
	a.wg.Wait()
}

// applyEvent 将单条交易所事件应用到订单与仓位。
// 非法状态转换只记录不应用，等待对账纠偏。
func (a *Adapter) applyEvent(ev gateway.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[ev.ClientID]
	if !ok {
		a.log.LogOrder("event_for_unknown_order", ev.ClientID, map[string]interface{}{
			"type": ev.Type.String(), "symbol": ev.Symbol,
		})
		return
	}

	switch ev.Type {
	case gateway.EventAck:
		a.applyAck(o, ev)
	case gateway.EventFill:
		a.applyFill(o, ev)
	case gateway.EventReject:
		a.applyReject(o, ev)
	case gateway.EventCancel:
		a.applyTerminal(o, StatusCanceled, "canceled")
	case gateway.EventExpire:
		a.applyTerminal(o, StatusExpired, "expired")
	}
}

func (a *Adapter) applyAck(o *Order, ev gateway.Event) {
	exchangeID := ""
	if ev.Ack != nil {
		exchangeID = ev.Ack.ExchangeID
	}
	if err := a.transitionLocked(o, StatusAck, func(n *Order) {
		if exchangeID != "" {
			n.ExchangeID = exchangeID
		}
	}); err != nil {
		a.log.LogError(err, map[string]interface{}{"client_id": o.ClientID, "event": "ack"})
		return
	}
	a.log.LogOrder("acknowledged", o.ClientID, map[string]interface{}{"exchange_id": o.ExchangeID})
	a.reportOutcomeLocked(o, true, "acknowledged")
}

func (a *Adapter) applyFill(o *Order, ev gateway.Event) {
	if ev.Fill == nil {
		return
	}
	qty, price := ev.Fill.Quantity, ev.Fill.Price
	if qty <= 0 {
		return
	}
	newFilled := o.FilledQty + qty
	if newFilled > o.Quantity+1e-9 {
		// 成交量超出委托量：截断并告警，剩余差额交给对账
		a.log.LogError(errOverfill(o.ClientID), map[string]interface{}{
			"filled": newFilled, "quantity": o.Quantity,
		})
		qty = o.Quantity - o.FilledQty
		if qty <= 0 {
			return
		}
		newFilled = o.Quantity
	}

	to := StatusPartial
	if newFilled >= o.Quantity-1e-9 {
		to = StatusFilled
		newFilled = o.Quantity
	}
	avg := (o.AvgFillPrice*o.FilledQty + price*qty) / newFilled

	if err := a.transitionLocked(o, to, func(n *Order) {
		n.FilledQty = newFilled
		n.AvgFillPrice = avg
	}); err != nil {
		a.log.LogError(err, map[string]interface{}{"client_id": o.ClientID, "event": "fill"})
		return
	}

	realized := a.positions.ApplyFill(o.Symbol, o.Side, qty, price)
	a.lastPrice[o.Symbol] = price
	a.syncRiskLocked(o.Symbol, realized)

	a.log.LogOrder("fill", o.ClientID, map[string]interface{}{
		"qty": qty, "price": price, "filled": newFilled, "status": string(to),
	})
	if to == StatusFilled {
		metrics.OrdersFilled.WithLabelValues(o.Symbol).Inc()
	}
	a.reportOutcomeLocked(o, true, "filled")
}

func (a *Adapter) applyReject(o *Order, ev gateway.Event) {
	reason := ""
	if ev.Reject != nil {
		reason = ev.Reject.Reason
	}
	if err := a.transitionLocked(o, StatusRejected, func(n *Order) {
		n.LastError = reason
	}); err != nil {
		a.log.LogError(err, map[string]interface{}{"client_id": o.ClientID, "event": "reject"})
		return
	}
	metrics.OrdersRejected.WithLabelValues(o.Symbol, "EXCHANGE_REJECT").Inc()
	a.log.LogOrder("rejected", o.ClientID, map[string]interface{}{"reason": reason})
	a.reportOutcomeLocked(o, false, "exchange_reject")
}

func (a *Adapter) applyTerminal(o *Order, to Status, event string) {
	if err := a.transitionLocked(o, to, nil); err != nil {
		a.log.LogError(err, map[string]interface{}{"client_id": o.ClientID, "event": event})
		return
	}
	a.log.LogOrder(event, o.ClientID, nil)
}

// syncRiskLocked 成交后同步风控状态：已实现盈亏、名义敞口、浮动盈亏。
func (a *Adapter) syncRiskLocked(symbol string, realized float64) {
	if realized != 0 {
		a.riskEng.State().AddRealizedPnL(realized)
	}
	pos := a.positions.Get(symbol)
	mark := a.lastPrice[symbol]
	exposure := pos.Quantity * mark
	if exposure < 0 {
		exposure = -exposure
	}
	a.riskEng.State().SetExposure(symbol, exposure)
	metrics.Exposure.WithLabelValues(symbol).Set(exposure)

	// 以最近成交价为标记价估算全账户浮动盈亏
	var unrealized float64
	for _, p := range a.positions.All() {
		m := a.lastPrice[p.Symbol]
		if m <= 0 || p.Quantity == 0 {
			continue
		}
		unrealized += p.Quantity * (m - p.AvgEntryPrice)
	}
	a.riskEng.State().SetUnrealizedPnL(unrealized)
}

type overfillError struct{ clientID string }

func (e *overfillError) Error() string { return "fill exceeds order quantity: " + e.clientID }

func errOverfill(clientID string) error { return &overfillError{clientID: clientID} }
