package sim

import (
	"context"
	"testing"
	"time"

	"exec-guard-go/gateway"
)

func waitEvent(t *testing.T, e *Exchange, want gateway.EventType) gateway.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestSubmitAckThenFill(t *testing.T) {
	e := New(Config{AckDelay: time.Millisecond, FillDelay: 2 * time.Millisecond, Seed: 1})
	defer e.Close()

	req := gateway.OrderRequest{ClientID: "eg-1", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 0.5, Price: 50000}
	ack, err := e.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.ExchangeID == "" || ack.Duplicate {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	ev := waitEvent(t, e, gateway.EventAck)
	if ev.ClientID != "eg-1" || ev.Ack.ExchangeID != ack.ExchangeID {
		t.Fatalf("ack event wrong: %+v", ev)
	}
	fill := waitEvent(t, e, gateway.EventFill)
	if fill.Fill.Quantity != 0.5 || fill.Fill.Price != 50000 {
		t.Fatalf("fill event wrong: %+v", fill.Fill)
	}

	positions, _ := e.GetPositions(context.Background())
	if len(positions) != 1 || positions[0].Quantity != 0.5 {
		t.Fatalf("position not updated: %+v", positions)
	}
}

func TestSubmitDuplicateIdempotent(t *testing.T) {
	e := New(Config{Seed: 1})
	defer e.Close()

	req := gateway.OrderRequest{ClientID: "eg-dup", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 1, Price: 100}
	first, err := e.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := e.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Duplicate || second.ExchangeID != first.ExchangeID {
		t.Fatalf("duplicate submit must return original: %+v", second)
	}
}

func TestInjectedReject(t *testing.T) {
	e := New(Config{RejectRate: 1, Seed: 1})
	defer e.Close()

	req := gateway.OrderRequest{ClientID: "eg-rej", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 1, Price: 100}
	if _, err := e.SubmitOrder(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitEvent(t, e, gateway.EventReject)
	if ev.ClientID != "eg-rej" || ev.Reject == nil {
		t.Fatalf("reject event wrong: %+v", ev)
	}
}

func TestDropSwallowsUntilTimeout(t *testing.T) {
	e := New(Config{DropRate: 1, Seed: 1})
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := gateway.OrderRequest{ClientID: "eg-drop", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 1, Price: 100}
	_, err := e.SubmitOrder(ctx, req)
	if err == nil {
		t.Fatal("dropped submit must surface context error")
	}
	// 吞掉的单不登记：对账视角下交易所查无此单
	orders, _ := e.GetOpenOrders(context.Background())
	if len(orders) != 0 {
		t.Fatalf("dropped order must not register: %+v", orders)
	}
}

func TestCancelActiveOrder(t *testing.T) {
	e := New(Config{AckDelay: time.Millisecond, FillDelay: time.Hour, Seed: 1})
	defer e.Close()

	req := gateway.OrderRequest{ClientID: "eg-c", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 1, Price: 100}
	if _, err := e.SubmitOrder(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.CancelOrder(context.Background(), "eg-c"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitEvent(t, e, gateway.EventCancel)

	if err := e.CancelOrder(context.Background(), "eg-c"); err == nil {
		t.Fatal("second cancel must fail")
	}
	if err := e.CancelOrder(context.Background(), "eg-missing"); err == nil {
		t.Fatal("unknown order cancel must fail")
	}
	orders, _ := e.GetOpenOrders(context.Background())
	if len(orders) != 0 {
		t.Fatalf("canceled order must leave open set: %+v", orders)
	}
}

func TestPartialFillRatio(t *testing.T) {
	e := New(Config{AckDelay: time.Millisecond, FillDelay: 2 * time.Millisecond, FillRatio: 0.4, Seed: 1})
	defer e.Close()

	req := gateway.OrderRequest{ClientID: "eg-p", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 1, Price: 100}
	if _, err := e.SubmitOrder(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fill := waitEvent(t, e, gateway.EventFill)
	if fill.Fill.Quantity != 0.4 {
		t.Fatalf("expected partial fill 0.4, got %f", fill.Fill.Quantity)
	}
	orders, _ := e.GetOpenOrders(context.Background())
	if len(orders) != 1 || orders[0].Status != "PARTIALLY_FILLED" {
		t.Fatalf("partial order must stay open: %+v", orders)
	}
}

func TestServerTimeOffset(t *testing.T) {
	e := New(Config{TimeOffset: 3 * time.Second, Seed: 1})
	defer e.Close()
	st, err := e.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("server time: %v", err)
	}
	drift := time.Until(st)
	if drift < 2*time.Second || drift > 4*time.Second {
		t.Fatalf("offset not applied: drift %s", drift)
	}
}

func TestSetPositionForDrills(t *testing.T) {
	e := New(Config{Seed: 1})
	defer e.Close()
	e.SetPosition("BTCUSDT", 0.48, 50000)
	positions, _ := e.GetPositions(context.Background())
	if len(positions) != 1 || positions[0].Quantity != 0.48 {
		t.Fatalf("injected position missing: %+v", positions)
	}
}
