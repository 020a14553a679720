package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"exec-guard-go/metrics"
)

const (
	baseDelay = 250 * time.Millisecond
	maxDelay  = 30 * time.Second
)

// Throttle 包装底层 Client，提供出站限速与限流退避。
// 所有对外调用都应穿过它；超过重试上限上浮 ErrRateLimitExceeded。
type Throttle struct {
	inner      Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewThrottle 创建限速包装。rps 为每秒请求配额，burst 为突发额度。
func NewThrottle(inner Client, rps float64, burst, maxRetries int) *Throttle {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Throttle{
		inner:      inner,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries: maxRetries,
	}
}

// SubmitOrder 限速下单。幂等 clientID 使限流重试安全。
func (t *Throttle) SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	var ack Ack
	err := t.call(ctx, func() error {
		var err error
		ack, err = t.inner.SubmitOrder(ctx, req)
		return err
	})
	return ack, err
}

// CancelOrder 限速撤单。
func (t *Throttle) CancelOrder(ctx context.Context, clientID string) error {
	return t.call(ctx, func() error {
		return t.inner.CancelOrder(ctx, clientID)
	})
}

// GetOpenOrders 限速查询活跃订单。
func (t *Throttle) GetOpenOrders(ctx context.Context) ([]ExchangeOrder, error) {
	var out []ExchangeOrder
	err := t.call(ctx, func() error {
		var err error
		out, err = t.inner.GetOpenOrders(ctx)
		return err
	})
	return out, err
}

// GetPositions 限速查询仓位。
func (t *Throttle) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	var out []ExchangePosition
	err := t.call(ctx, func() error {
		var err error
		out, err = t.inner.GetPositions(ctx)
		return err
	})
	return out, err
}

// ServerTime 限速查询服务器时间。
func (t *Throttle) ServerTime(ctx context.Context) (time.Time, error) {
	var out time.Time
	err := t.call(ctx, func() error {
		var err error
		out, err = t.inner.ServerTime(ctx)
		return err
	})
	return out, err
}

// Events 透传事件流。
func (t *Throttle) Events() <-chan Event {
	return t.inner.Events()
}

// call 执行一次调用：先等令牌，限流应答时按指数退避重试。
func (t *Throttle) call(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		err := fn()
		metrics.ExchangeLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrThrottled) {
			return err
		}
		if attempt >= t.maxRetries {
			return ErrRateLimitExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffWithJitter(attempt)):
		}
	}
}

// backoffWithJitter 返回第 attempt 次重试的退避时长：
// baseDelay * 2^attempt，封顶 maxDelay，再叠加 [0, 50%) 抖动。
func backoffWithJitter(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	d := baseDelay * time.Duration(1<<attempt)
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
