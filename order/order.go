package order

import (
	"fmt"
	"sync"
	"time"
)

// Status represents order lifecycle.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusAck      Status = "ACKNOWLEDGED"
	StatusPartial  Status = "PARTIALLY_FILLED"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
	// StatusUnknown 外呼超时后的状态：不猜测成败，只能由对账解决。
	StatusUnknown Status = "UNKNOWN"
)

// Side / Type 常量
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit  = "LIMIT"
	TypeMarket = "MARKET"
)

// Order 订单。由执行适配器独占持有，状态只通过 StateMachine 校验后的转换变更，
// 每次转换先落账本再对外可见。
type Order struct {
	ClientID     string    `json:"client_id"`     // 幂等ID，由意图确定性推导
	ExchangeID   string    `json:"exchange_id"`   // 交易所ID，ACK前为空
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Type         string    `json:"type"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	Status       Status    `json:"status"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Mode         string    `json:"mode"` // 提交时的路由模式 SHADOW/CANARY/LIVE
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastError    string    `json:"last_error,omitempty"`
}

// Clone 返回订单副本，避免调用方持有内部指针。
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机。终态永不再转换。
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[StateTransition]bool)}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legal := []StateTransition{
		// NEW：回报可能乱序先于ACK到达
		{StatusNew, StatusAck},
		{StatusNew, StatusPartial},
		{StatusNew, StatusFilled},
		{StatusNew, StatusCanceled},
		{StatusNew, StatusRejected},
		{StatusNew, StatusExpired},
		{StatusNew, StatusUnknown},

		{StatusAck, StatusPartial},
		{StatusAck, StatusFilled},
		{StatusAck, StatusCanceled},
		{StatusAck, StatusExpired},
		{StatusAck, StatusUnknown},

		{StatusPartial, StatusPartial}, // 多次部分成交
		{StatusPartial, StatusFilled},
		{StatusPartial, StatusCanceled},
		{StatusPartial, StatusExpired},

		// UNKNOWN 只能被对账解决为真实状态
		{StatusUnknown, StatusAck},
		{StatusUnknown, StatusPartial},
		{StatusUnknown, StatusFilled},
		{StatusUnknown, StatusCanceled},
		{StatusUnknown, StatusRejected},
		{StatusUnknown, StatusExpired},

		// 终态（FILLED, CANCELED, REJECTED, EXPIRED）不能转换
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法。相同状态幂等放行。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// IsTerminal 判断是否是终态
func (sm *StateMachine) IsTerminal(status Status) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// IsActive 判断是否是活跃状态（可能产生成交）
func (sm *StateMachine) IsActive(status Status) bool {
	switch status {
	case StatusNew, StatusAck, StatusPartial, StatusUnknown:
		return true
	default:
		return false
	}
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusNew, StatusAck, StatusPartial:
		return true
	default:
		return false
	}
}
