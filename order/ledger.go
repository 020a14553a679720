package order

import (
	"encoding/json"
	"fmt"
	"time"

	"exec-guard-go/store"
)

// LedgerStore 账本持久化依赖。store.Store 满足该接口。
type LedgerStore interface {
	AppendOrder(rec store.OrderRecord) (int64, error)
	Orders() ([]store.OrderRecord, error)
	LedgerSeq() (int64, error)
}

// Ledger 追加式订单账本。每次状态转换先写账本再对外可见，
// 崩溃后用物化视图重建内存状态。
type Ledger struct {
	store LedgerStore
}

// NewLedger 创建账本
func NewLedger(s LedgerStore) *Ledger {
	return &Ledger{store: s}
}

// Append 追加订单当前状态，返回账本序号。
func (l *Ledger) Append(o *Order) (int64, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return 0, fmt.Errorf("marshal order: %w", err)
	}
	seq, err := l.store.AppendOrder(store.OrderRecord{
		ClientID:   o.ClientID,
		ExchangeID: o.ExchangeID,
		Symbol:     o.Symbol,
		Status:     string(o.Status),
		Payload:    payload,
	})
	if err != nil {
		return 0, fmt.Errorf("append order %s: %w", o.ClientID, err)
	}
	return seq, nil
}

// Replay 从物化视图恢复全部订单。
func (l *Ledger) Replay() (map[string]*Order, error) {
	records, err := l.store.Orders()
	if err != nil {
		return nil, fmt.Errorf("replay orders: %w", err)
	}
	orders := make(map[string]*Order, len(records))
	for _, rec := range records {
		var o Order
		if err := json.Unmarshal(rec.Payload, &o); err != nil {
			return nil, fmt.Errorf("unmarshal order %s: %w", rec.ClientID, err)
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = rec.UpdatedAt
		}
		orders[o.ClientID] = &o
	}
	return orders, nil
}

// Seq 返回账本当前最大序号，对账快照的单调标记。
func (l *Ledger) Seq() (int64, error) {
	return l.store.LedgerSeq()
}

// memoryLedgerStore 内存实现，测试与影子模式用。
type memoryLedgerStore struct {
	seq     int64
	entries []store.OrderRecord
	latest  map[string]store.OrderRecord
}

// NewMemoryLedger 返回不落盘的账本，测试与纯影子运行用。
func NewMemoryLedger() *Ledger {
	return &Ledger{store: &memoryLedgerStore{latest: make(map[string]store.OrderRecord)}}
}

func (m *memoryLedgerStore) AppendOrder(rec store.OrderRecord) (int64, error) {
	m.seq++
	rec.UpdatedAt = time.Now().UTC()
	m.entries = append(m.entries, rec)
	m.latest[rec.ClientID] = rec
	return m.seq, nil
}

func (m *memoryLedgerStore) Orders() ([]store.OrderRecord, error) {
	out := make([]store.OrderRecord, 0, len(m.latest))
	for _, rec := range m.latest {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memoryLedgerStore) LedgerSeq() (int64, error) {
	return m.seq, nil
}
