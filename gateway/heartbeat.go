package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"exec-guard-go/infrastructure/logger"
)

// HeartbeatFeed 消费行情心跳流并记录最近一条消息的时间。
// 运行时风控用 Age() 判断 WS 停摆。消息内容不解析，收到即视为存活。
type HeartbeatFeed struct {
	URL    string
	Dialer *websocket.Dialer
	Log    *logger.Logger

	mu      sync.RWMutex
	lastMsg time.Time
}

// NewHeartbeatFeed 创建心跳消费端
func NewHeartbeatFeed(url string, log *logger.Logger) *HeartbeatFeed {
	if log == nil {
		log = logger.Nop()
	}
	return &HeartbeatFeed{
		URL:    url,
		Dialer: websocket.DefaultDialer,
		Log:    log,
	}
}

// Run 持续连接并读取，断线按退避重连，直到 ctx 结束。
func (h *HeartbeatFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := h.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.Log.LogError(err, map[string]interface{}{"component": "heartbeat_feed"})
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffWithJitter(attempt)):
		}
	}
}

func (h *HeartbeatFeed) readOnce(ctx context.Context) error {
	conn, _, err := h.Dialer.DialContext(ctx, h.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	h.Touch()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		h.Touch()
	}
}

// Touch 记录一次存活信号。sim 与测试直接调用。
func (h *HeartbeatFeed) Touch() {
	h.mu.Lock()
	h.lastMsg = time.Now()
	h.mu.Unlock()
}

// Age 返回距最近一条消息的时长。从未收到消息时返回一个极大值。
func (h *HeartbeatFeed) Age() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastMsg.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(h.lastMsg)
}
