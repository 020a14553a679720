package gateway

import (
	"context"
	"errors"
	"time"
)

// 交易所连接能力契约。任何满足该接口的实现均可接入：
// 真实交易所客户端、sim.Exchange、测试桩。
type Client interface {
	// SubmitOrder 提交订单。clientID 幂等：同一 clientID 重复提交不得产生新订单。
	SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error)
	// CancelOrder 按 clientID 撤单。
	CancelOrder(ctx context.Context, clientID string) error
	// GetOpenOrders 返回交易所侧的全部活跃订单。
	GetOpenOrders(ctx context.Context) ([]ExchangeOrder, error)
	// GetPositions 返回交易所侧的仓位。
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	// ServerTime 返回交易所服务器时间，用于时钟偏移估计。
	ServerTime(ctx context.Context) (time.Time, error)
	// Events 返回按交易所上报顺序排列的事件流。
	Events() <-chan Event
}

var (
	// ErrThrottled 交易所限流应答，可退避重试。
	ErrThrottled = errors.New("exchange throttled")
	// ErrRateLimitExceeded 重试退避达到上限后上浮。
	ErrRateLimitExceeded = errors.New("rate limit exceeded after max retries")
)

// OrderRequest 下单请求
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     string // BUY / SELL
	Type     string // LIMIT / MARKET
	Quantity float64
	Price    float64
}

// Ack 下单应答
type Ack struct {
	ExchangeID string
	Duplicate  bool // 交易所已存在同 clientID 的订单
}

// ExchangeOrder 交易所侧订单快照
type ExchangeOrder struct {
	ClientID   string
	ExchangeID string
	Symbol     string
	Side       string
	Type       string
	Price      float64
	Quantity   float64
	FilledQty  float64
	AvgPrice   float64
	Status     string
}

// ExchangePosition 交易所侧仓位快照
type ExchangePosition struct {
	Symbol     string
	Quantity   float64 // 带符号
	EntryPrice float64
}

// EventType 事件流变体标签
type EventType int

const (
	EventAck EventType = iota
	EventFill
	EventReject
	EventExpire
	EventCancel
	// EventUnrecognized 未识别的交易所消息。保留原始负载，绝不猜测语义。
	EventUnrecognized
)

// String 返回事件类型名称
func (t EventType) String() string {
	switch t {
	case EventAck:
		return "ACK"
	case EventFill:
		return "FILL"
	case EventReject:
		return "REJECT"
	case EventExpire:
		return "EXPIRE"
	case EventCancel:
		return "CANCEL"
	default:
		return "UNRECOGNIZED"
	}
}

// Event 交易所事件。Seq 为交易所上报序号，单订单的事件必须按 Seq 升序应用。
type Event struct {
	Type     EventType
	ClientID string
	Symbol   string
	Seq      int64
	At       time.Time

	Ack    *AckDetail
	Fill   *FillDetail
	Reject *RejectDetail

	Raw []byte // 仅 EventUnrecognized 携带
}

// AckDetail 确认明细
type AckDetail struct {
	ExchangeID string
}

// FillDetail 成交明细
type FillDetail struct {
	Price    float64
	Quantity float64
}

// RejectDetail 拒绝明细
type RejectDetail struct {
	Code   string
	Reason string
}
