package killswitch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"exec-guard-go/infrastructure/alert"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/metrics"
	"exec-guard-go/store"
)

// Mode 开关状态。AUTO 是监控策略配置而非独立的停机级别：
// AUTO 下任何运行时越限都会被程序强制为 ON。
type Mode string

const (
	ModeOff  Mode = "OFF"
	ModeOn   Mode = "ON"
	ModeAuto Mode = "AUTO"
)

// Trigger 触发类型
type Trigger string

const (
	TriggerManual        Trigger = "MANUAL"
	TriggerDailyLoss     Trigger = "DAILY_LOSS"
	TriggerLatency       Trigger = "LATENCY"
	TriggerWSDowntime    Trigger = "WS_DOWNTIME"
	TriggerErrorRate     Trigger = "ERROR_RATE"
	TriggerPositionLimit Trigger = "POSITION_LIMIT"
	TriggerExternal      Trigger = "EXTERNAL"
	TriggerNone          Trigger = "NONE"
)

var (
	// ErrReasonRequired 激活/解除必须给出原因。
	ErrReasonRequired = errors.New("reason is required")
	// ErrNotEngaged 未激活时不能解除。
	ErrNotEngaged = errors.New("kill switch is not engaged")
)

// ActiveError 表示开关处于 ON，新订单一律拒绝。Code 固定为 KILL_SWITCH_ACTIVE。
type ActiveError struct {
	Trigger Trigger
	Reason  string
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("kill switch active (trigger=%s): %s", e.Trigger, e.Reason)
}

// Code 返回机器可判别的错误码
func (e *ActiveError) Code() string { return "KILL_SWITCH_ACTIVE" }

// State 开关状态快照
type State struct {
	Mode        Mode
	Trigger     Trigger
	Reason      string
	ActivatedAt time.Time
}

// Observer 在激活时同步收到通知。Activate 在所有观察者返回前不会返回，
// 以消除"订单赶在刚触发的开关前溜过去"的竞态。
type Observer interface {
	OnActivate(st State)
}

// Persister 持久化依赖。store.Store 满足该接口。
type Persister interface {
	SaveKillSwitch(rec store.KillSwitchRecord) error
	LoadKillSwitch() (store.KillSwitchRecord, bool, error)
	KillSwitchHistory(limit int) ([]store.KillSwitchEvent, error)
}

// Switch 全局安全联锁。进程内单实例，所有读写经互斥锁全局串行化。
type Switch struct {
	mu          sync.Mutex
	mode        Mode
	trigger     Trigger
	reason      string
	activatedAt time.Time
	version     int64

	persister Persister
	observers []Observer
	alerts    *alert.Manager
	log       *logger.Logger
}

// Load 从持久化状态恢复开关；无持久化状态时默认 ON（fail-safe），绝不默认 OFF。
// 默认状态会立刻同步落盘。
func Load(p Persister, alerts *alert.Manager, log *logger.Logger) (*Switch, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Switch{persister: p, alerts: alerts, log: log}

	rec, ok, err := p.LoadKillSwitch()
	if err != nil {
		return nil, fmt.Errorf("load kill switch: %w", err)
	}
	if !ok {
		s.mode = ModeOn
		s.trigger = TriggerExternal
		s.reason = "no persisted state: defaulting to ON"
		s.activatedAt = time.Now().UTC()
		s.version = 1
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("persist default state: %w", err)
		}
	} else {
		s.mode = Mode(rec.Mode)
		s.trigger = Trigger(rec.TriggerType)
		s.reason = rec.Reason
		s.activatedAt = rec.ActivatedAt
		s.version = rec.Version
	}
	s.updateGauge()
	return s, nil
}

// RegisterObserver 注册激活观察者。必须在订单流启动前完成注册。
func (s *Switch) RegisterObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Activate 切换到 ON。先同步落盘，再同步通知所有观察者，全部确认后才返回。
// 重复激活是幂等的：保留最早的触发信息。
func (s *Switch) Activate(trigger Trigger, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	if trigger == "" || trigger == TriggerNone {
		trigger = TriggerManual
	}

	s.mu.Lock()
	if s.mode == ModeOn {
		s.mu.Unlock()
		return nil
	}
	s.mode = ModeOn
	s.trigger = trigger
	s.reason = reason
	s.activatedAt = time.Now().UTC()
	s.version++
	if err := s.persistLocked(); err != nil {
		// 落盘失败时内存状态保持 ON：宁可误停也不放行
		s.mu.Unlock()
		return fmt.Errorf("persist kill switch: %w", err)
	}
	st := s.stateLocked()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o.OnActivate(st)
	}

	s.updateGauge()
	metrics.KillSwitchActivations.WithLabelValues(string(trigger)).Inc()
	s.log.LogRisk("kill_switch_activated", map[string]interface{}{
		"trigger": string(trigger),
		"reason":  reason,
	})
	if s.alerts != nil {
		s.alerts.KillSwitchActivated(string(trigger), reason)
	}
	return nil
}

// Deactivate 解除开关（ON→OFF）。始终需要人工显式调用并给出原因，
// AUTO 条件恢复也不会自动解除。解除通知走异步告警即可。
func (s *Switch) Deactivate(reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	s.mu.Lock()
	if s.mode != ModeOn {
		s.mu.Unlock()
		return ErrNotEngaged
	}
	prevTrigger, prevReason, prevAt := s.trigger, s.reason, s.activatedAt
	s.mode = ModeOff
	s.trigger = TriggerNone
	s.reason = reason
	s.activatedAt = time.Time{}
	s.version++
	if err := s.persistLocked(); err != nil {
		// 落盘失败则整体回退到激活现场，保持与磁盘一致的保守侧
		s.mode = ModeOn
		s.trigger = prevTrigger
		s.reason = prevReason
		s.activatedAt = prevAt
		s.version--
		s.mu.Unlock()
		return fmt.Errorf("persist kill switch: %w", err)
	}
	s.mu.Unlock()

	s.updateGauge()
	s.log.LogRisk("kill_switch_deactivated", map[string]interface{}{"reason": reason})
	return nil
}

// EnableAuto 将 OFF 切换为 AUTO 监控策略。ON 状态下不可切换。
func (s *Switch) EnableAuto(reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeOn {
		return &ActiveError{Trigger: s.trigger, Reason: s.reason}
	}
	if s.mode == ModeAuto {
		return nil
	}
	s.mode = ModeAuto
	s.trigger = TriggerNone
	s.reason = reason
	s.version++
	return s.persistLocked()
}

// Engaged 返回开关是否处于 ON。
func (s *Switch) Engaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == ModeOn
}

// Guard 供提交路径调用：ON 时返回 *ActiveError，否则返回 nil。
func (s *Switch) Guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeOn {
		return &ActiveError{Trigger: s.trigger, Reason: s.reason}
	}
	return nil
}

// State 返回当前状态快照。
func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// History 返回最近的开关事件历史。
func (s *Switch) History(limit int) ([]store.KillSwitchEvent, error) {
	return s.persister.KillSwitchHistory(limit)
}

func (s *Switch) stateLocked() State {
	return State{
		Mode:        s.mode,
		Trigger:     s.trigger,
		Reason:      s.reason,
		ActivatedAt: s.activatedAt,
	}
}

func (s *Switch) persistLocked() error {
	return s.persister.SaveKillSwitch(store.KillSwitchRecord{
		Version:     s.version,
		Mode:        string(s.mode),
		TriggerType: string(s.trigger),
		Reason:      s.reason,
		ActivatedAt: s.activatedAt,
		UpdatedAt:   time.Now().UTC(),
	})
}

func (s *Switch) updateGauge() {
	if s.Engaged() {
		metrics.KillSwitchOn.Set(1)
	} else {
		metrics.KillSwitchOn.Set(0)
	}
}
