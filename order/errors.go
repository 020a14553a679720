package order

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound 撤单/查询目标不存在。
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyTerminal 终态订单不可再操作。
	ErrOrderAlreadyTerminal = errors.New("order already terminal")
	// ErrOrderNotCancelable 当前状态不可撤单（UNKNOWN须先由对账解决）。
	ErrOrderNotCancelable = errors.New("order not cancelable in current status")
)

// ValidationError 调用方参数错误。绝不自动重试。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Code 返回机器可判别的错误码
func (e *ValidationError) Code() string { return "VALIDATION" }

// ClockDriftError 本地时钟偏移超出容差。提交路径致命，需人工处理。
type ClockDriftError struct {
	OffsetMs int64
	LimitMs  int64
}

func (e *ClockDriftError) Error() string {
	return fmt.Sprintf("clock drift %dms exceeds tolerance %dms", e.OffsetMs, e.LimitMs)
}

// Code 返回机器可判别的错误码
func (e *ClockDriftError) Code() string { return "CLOCK_DRIFT" }

// UnknownStateError 外呼超时，订单成败未知。仅对账可解决。
type UnknownStateError struct {
	ClientID string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("order %s in unknown state after timeout; awaiting reconciliation", e.ClientID)
}

// Code 返回机器可判别的错误码
func (e *UnknownStateError) Code() string { return "UNKNOWN_ORDER_STATE" }

// ExchangeError 交易所瞬时错误，退避重试耗尽后上浮。
type ExchangeError struct {
	Op  string
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error during %s: %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Code 返回机器可判别的错误码
func (e *ExchangeError) Code() string { return "EXCHANGE_ERROR" }

// RateLimitError 限流退避达到上限。
type RateLimitError struct {
	Op string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded during %s", e.Op)
}

// Code 返回机器可判别的错误码
func (e *RateLimitError) Code() string { return "RATE_LIMIT_EXCEEDED" }
