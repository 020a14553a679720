package alert

import (
	"sync"
	"time"
)

// 核心事件类型。对应安全子系统必须上报的三类事件。
const (
	EventKillSwitchActivated    = "kill_switch_activated"
	EventReconciliationMismatch = "reconciliation_mismatch"
	EventCanaryRollback         = "canary_rollback"
)

// Alert 告警信息
type Alert struct {
	Event     string                 // 事件类型
	Level     string                 // "INFO", "WARNING", "ERROR", "CRITICAL"
	Message   string                 // 告警消息
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器。投递完全异步，绝不阻塞核心状态变更。
type Manager struct {
	channels []Channel
	throttle *Throttler

	queue    chan Alert
	stopChan chan struct{}
	doneChan chan struct{}
	once     sync.Once
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lastTime, exists := t.lastSent[key]
	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器并启动投递协程
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	m := &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
		queue:    make(chan Alert, 256),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Publish 异步投递告警。队列满时丢弃而不是阻塞调用方。
func (m *Manager) Publish(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.Event != "" && !m.throttle.Allow(a.Event+"|"+a.Level) {
		return
	}
	select {
	case m.queue <- a:
	default:
		// 队列满：宁可丢告警也不能拖慢熔断/下单路径
	}
}

// KillSwitchActivated 上报熔断触发事件
func (m *Manager) KillSwitchActivated(trigger, reason string) {
	m.Publish(Alert{
		Event:   EventKillSwitchActivated,
		Level:   "CRITICAL",
		Message: "kill switch activated",
		Fields:  map[string]interface{}{"trigger": trigger, "reason": reason},
	})
}

// ReconciliationMismatch 上报对账不一致事件
func (m *Manager) ReconciliationMismatch(runID string, discrepancies int) {
	m.Publish(Alert{
		Event:   EventReconciliationMismatch,
		Level:   "ERROR",
		Message: "reconciliation mismatch",
		Fields:  map[string]interface{}{"run_id": runID, "discrepancies": discrepancies},
	})
}

// CanaryRollback 上报灰度回滚事件
func (m *Manager) CanaryRollback(phase int, reason string) {
	m.Publish(Alert{
		Event:   EventCanaryRollback,
		Level:   "WARNING",
		Message: "canary rolled back to shadow",
		Fields:  map[string]interface{}{"phase": phase, "reason": reason},
	})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Channels 获取所有通道名
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Close 停止投递协程，排空剩余队列
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stopChan)
		<-m.doneChan
	})
}

func (m *Manager) dispatchLoop() {
	defer close(m.doneChan)
	for {
		select {
		case a := <-m.queue:
			m.deliver(a)
		case <-m.stopChan:
			for {
				select {
				case a := <-m.queue:
					m.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(a Alert) {
	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()
	for _, ch := range channels {
		_ = ch.Send(a) // 单通道失败不影响其它通道
	}
}
