package order

import (
	"context"
	"sync"
	"time"

	"exec-guard-go/infrastructure/logger"
)

// ServerTimeSource 服务器时间依赖。gateway.Client 满足该接口。
type ServerTimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// TimeSync 周期性估算本地时钟与交易所的偏移，提交路径用它做时钟漂移闸门。
type TimeSync struct {
	source       ServerTimeSource
	syncInterval time.Duration
	log          *logger.Logger

	mu       sync.RWMutex
	offsetMs int64
	lastSync time.Time
}

// NewTimeSync 创建时钟同步器
func NewTimeSync(source ServerTimeSource, syncInterval time.Duration, log *logger.Logger) *TimeSync {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &TimeSync{source: source, syncInterval: syncInterval, log: log}
}

// Run 阻塞运行周期同步，直到 ctx 结束。启动时立即同步一次。
func (ts *TimeSync) Run(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.LogError(err, map[string]interface{}{"component": "timesync"})
	}
	ticker := time.NewTicker(ts.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ts.Sync(ctx); err != nil {
				ts.log.LogError(err, map[string]interface{}{"component": "timesync"})
			}
		}
	}
}

// Sync 同步一次。假设网络延迟对称，取请求往返中点对比服务器时间。
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	serverTime, err := ts.source.ServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offsetMs = serverTime.UnixMilli() - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// OffsetMs 返回当前估算偏移（服务器-本地，毫秒）。
func (ts *TimeSync) OffsetMs() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offsetMs
}

// SetOffsetMs 直接设置偏移，测试用。
func (ts *TimeSync) SetOffsetMs(ms int64) {
	ts.mu.Lock()
	ts.offsetMs = ms
	ts.lastSync = time.Now()
	ts.mu.Unlock()
}
