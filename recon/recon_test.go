package recon

import (
	"context"
	"sync"
	"testing"
	"time"

	"exec-guard-go/gateway"
	"exec-guard-go/order"
)

type fakeAdapter struct {
	mu        sync.Mutex
	seq       int64
	orders    []*order.Order
	positions []order.Position
	resolved  map[string]order.Status
}

func (f *fakeAdapter) LedgerSeq() (int64, error) { return f.seq, nil }

func (f *fakeAdapter) OpenOrders() []*order.Order {
	out := make([]*order.Order, len(f.orders))
	for i, o := range f.orders {
		out[i] = o.Clone()
	}
	return out
}

func (f *fakeAdapter) Positions() []order.Position {
	return append([]order.Position(nil), f.positions...)
}

func (f *fakeAdapter) ResolveUnknown(clientID string, st order.Status, exchangeID string, filledQty, avgPrice float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved == nil {
		f.resolved = make(map[string]order.Status)
	}
	f.resolved[clientID] = st
	return nil
}

type fakeExchange struct {
	orders    []gateway.ExchangeOrder
	positions []gateway.ExchangePosition
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context) ([]gateway.ExchangeOrder, error) {
	return f.orders, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]gateway.ExchangePosition, error) {
	return f.positions, nil
}

type memReports struct {
	mu      sync.Mutex
	reports []string
}

func (m *memReports) AppendReport(runID string, at time.Time, status string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, status)
	return nil
}

func TestReconMatch(t *testing.T) {
	adapter := &fakeAdapter{
		seq: 7,
		orders: []*order.Order{
			{ClientID: "eg-1", Symbol: "BTCUSDT", Status: order.StatusAck, Quantity: 1, FilledQty: 0.5},
		},
		positions: []order.Position{{Symbol: "BTCUSDT", Quantity: 0.5, AvgEntryPrice: 50000}},
	}
	exchange := &fakeExchange{
		orders: []gateway.ExchangeOrder{
			{ClientID: "eg-1", Symbol: "BTCUSDT", Status: "ACKNOWLEDGED", Quantity: 1, FilledQty: 0.5},
		},
		positions: []gateway.ExchangePosition{{Symbol: "BTCUSDT", Quantity: 0.5}},
	}
	reports := &memReports{}
	e := NewEngine(adapter, exchange, reports, nil, nil, 0.0001, nil)

	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != VerdictMatch || len(rep.Discrepancies) != 0 {
		t.Fatalf("expected clean MATCH: %+v", rep)
	}
	if rep.LedgerSeq != 7 {
		t.Fatalf("snapshot marker missing: %d", rep.LedgerSeq)
	}
	if len(reports.reports) != 1 {
		t.Fatal("report must be persisted")
	}
}

func TestReconTolerableWithinEpsilon(t *testing.T) {
	adapter := &fakeAdapter{
		positions: []order.Position{{Symbol: "BTCUSDT", Quantity: 0.50000, AvgEntryPrice: 50000}},
	}
	exchange := &fakeExchange{
		positions: []gateway.ExchangePosition{{Symbol: "BTCUSDT", Quantity: 0.50005}},
	}
	e := NewEngine(adapter, exchange, &memReports{}, nil, nil, 0.001, nil)

	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != VerdictTolerable {
		t.Fatalf("expected TOLERABLE, got %s (%+v)", rep.Status, rep.Discrepancies)
	}
}

func TestReconPositionMismatch(t *testing.T) {
	// 本地0.50 vs 交易所0.48：差0.02远超容差
	adapter := &fakeAdapter{
		positions: []order.Position{{Symbol: "BTCUSDT", Quantity: 0.50, AvgEntryPrice: 50000}},
	}
	exchange := &fakeExchange{
		positions: []gateway.ExchangePosition{{Symbol: "BTCUSDT", Quantity: 0.48}},
	}
	e := NewEngine(adapter, exchange, &memReports{}, nil, nil, 0.0001, nil)

	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != VerdictMismatch {
		t.Fatalf("expected MISMATCH, got %s", rep.Status)
	}
	if len(rep.Discrepancies) != 1 || rep.Discrepancies[0].Kind != KindPositionQty {
		t.Fatalf("unexpected discrepancies: %+v", rep.Discrepancies)
	}
	// 只报告不改账
	if adapter.positions[0].Quantity != 0.50 {
		t.Fatal("reconciliation must never auto-correct local state")
	}
}

func TestReconPhantomAndMissingOrders(t *testing.T) {
	adapter := &fakeAdapter{
		orders: []*order.Order{
			{ClientID: "eg-local", Symbol: "BTCUSDT", Status: order.StatusAck, Quantity: 1},
		},
	}
	exchange := &fakeExchange{
		orders: []gateway.ExchangeOrder{
			{ClientID: "eg-remote", Symbol: "BTCUSDT", Status: "NEW", Quantity: 2},
		},
	}
	e := NewEngine(adapter, exchange, &memReports{}, nil, nil, 0.0001, nil)

	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	kinds := map[string]bool{}
	for _, d := range rep.Discrepancies {
		kinds[d.Kind] = true
	}
	if !kinds[KindOrderPhantom] || !kinds[KindOrderMissing] {
		t.Fatalf("expected phantom+missing, got %+v", rep.Discrepancies)
	}
}

func TestReconResolvesUnknownFromExchange(t *testing.T) {
	adapter := &fakeAdapter{
		orders: []*order.Order{
			{ClientID: "eg-u1", Symbol: "BTCUSDT", Status: order.StatusUnknown, Quantity: 1},
			{ClientID: "eg-u2", Symbol: "BTCUSDT", Status: order.StatusUnknown, Quantity: 1},
		},
	}
	exchange := &fakeExchange{
		orders: []gateway.ExchangeOrder{
			{ClientID: "eg-u1", ExchangeID: "x-1", Symbol: "BTCUSDT", Status: "FILLED", Quantity: 1, FilledQty: 1},
		},
	}
	e := NewEngine(adapter, exchange, &memReports{}, nil, nil, 0.0001, nil)

	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Resolved) != 2 {
		t.Fatalf("expected both UNKNOWN resolved, got %v", rep.Resolved)
	}
	if adapter.resolved["eg-u1"] != order.StatusFilled {
		t.Fatalf("eg-u1 must resolve from exchange status: %s", adapter.resolved["eg-u1"])
	}
	// 交易所查无此单：视为从未被接受
	if adapter.resolved["eg-u2"] != order.StatusRejected {
		t.Fatalf("eg-u2 must resolve to REJECTED: %s", adapter.resolved["eg-u2"])
	}
}

func TestSetEpsilonHotUpdate(t *testing.T) {
	e := NewEngine(&fakeAdapter{}, &fakeExchange{}, nil, nil, nil, 0.0001, nil)
	e.SetEpsilon(0.05)
	if e.Epsilon() != 0.05 {
		t.Fatalf("epsilon not updated: %f", e.Epsilon())
	}
	e.SetEpsilon(-1)
	if e.Epsilon() != 0.05 {
		t.Fatal("negative epsilon must be rejected")
	}
}

func TestSchedulerNextRun(t *testing.T) {
	s, err := NewScheduler(nil, "14:30")
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	next := s.nextRun(now)
	if next.Hour() != 14 || next.Minute() != 30 || next.Day() != 1 {
		t.Fatalf("wrong next run: %v", next)
	}
	// 已过当天时刻则顺延到次日
	later := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	next = s.nextRun(later)
	if next.Day() != 2 {
		t.Fatalf("expected next day, got %v", next)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	for _, bad := range []string{"25:00", "12:61", "noon", "12"} {
		if _, err := NewScheduler(nil, bad); err == nil {
			t.Errorf("schedule %q must be rejected", bad)
		}
	}
}
