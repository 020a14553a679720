package killswitch

import (
	"errors"
	"sync"
	"testing"

	"exec-guard-go/store"
)

type memPersister struct {
	mu      sync.Mutex
	rec     store.KillSwitchRecord
	has     bool
	events  []store.KillSwitchEvent
	failSet bool
}

func (m *memPersister) SaveKillSwitch(rec store.KillSwitchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("disk full")
	}
	m.rec = rec
	m.has = true
	m.events = append(m.events, store.KillSwitchEvent{
		Seq: int64(len(m.events) + 1), Mode: rec.Mode, TriggerType: rec.TriggerType, Reason: rec.Reason,
	})
	return nil
}

func (m *memPersister) LoadKillSwitch() (store.KillSwitchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec, m.has, nil
}

func (m *memPersister) KillSwitchHistory(limit int) ([]store.KillSwitchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.events) {
		limit = len(m.events)
	}
	return m.events[len(m.events)-limit:], nil
}

func TestLoadDefaultsToOn(t *testing.T) {
	p := &memPersister{}
	s, err := Load(p, nil, nil)
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !s.Engaged() {
		t.Fatal("empty store must default to ON")
	}
	// 默认状态必须已落盘
	if !p.has || p.rec.Mode != string(ModeOn) {
		t.Fatalf("default state not persisted: %+v", p.rec)
	}
}

func TestLoadRestoresPersisted(t *testing.T) {
	p := &memPersister{
		rec: store.KillSwitchRecord{Mode: string(ModeOff), TriggerType: string(TriggerNone), Version: 3},
		has: true,
	}
	s, err := Load(p, nil, nil)
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if s.Engaged() {
		t.Fatal("expected OFF from persisted state")
	}
}

func TestActivateRequiresReason(t *testing.T) {
	s := mustLoadOff(t)
	if err := s.Activate(TriggerManual, ""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestActivateIdempotent(t *testing.T) {
	s := mustLoadOff(t)
	if err := s.Activate(TriggerDailyLoss, "loss limit"); err != nil {
		t.Fatalf("activate err: %v", err)
	}
	if err := s.Activate(TriggerManual, "second"); err != nil {
		t.Fatalf("repeat activate err: %v", err)
	}
	// 保留最早触发信息
	st := s.State()
	if st.Trigger != TriggerDailyLoss || st.Reason != "loss limit" {
		t.Fatalf("first trigger must win: %+v", st)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	states []State
}

func (o *recordingObserver) OnActivate(st State) {
	o.mu.Lock()
	o.states = append(o.states, st)
	o.mu.Unlock()
}

func TestActivateNotifiesObserversBeforeReturn(t *testing.T) {
	s := mustLoadOff(t)
	obs := &recordingObserver{}
	s.RegisterObserver(obs)
	if err := s.Activate(TriggerLatency, "p95 breach"); err != nil {
		t.Fatalf("activate err: %v", err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.states) != 1 || obs.states[0].Mode != ModeOn {
		t.Fatalf("observer not notified synchronously: %+v", obs.states)
	}
}

func TestActivatePersistFailureStaysOn(t *testing.T) {
	p := &memPersister{rec: store.KillSwitchRecord{Mode: string(ModeOff)}, has: true}
	s, err := Load(p, nil, nil)
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	p.failSet = true
	if err := s.Activate(TriggerManual, "drill"); err == nil {
		t.Fatal("expected persist error")
	}
	// 落盘失败也要保持内存ON：宁可误停
	if !s.Engaged() {
		t.Fatal("must stay ON after persist failure")
	}
}

func TestDeactivate(t *testing.T) {
	s := mustLoadOff(t)
	if err := s.Deactivate("not engaged"); !errors.Is(err, ErrNotEngaged) {
		t.Fatalf("expected ErrNotEngaged, got %v", err)
	}
	if err := s.Activate(TriggerManual, "drill"); err != nil {
		t.Fatalf("activate err: %v", err)
	}
	if err := s.Deactivate(""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if err := s.Deactivate("verified clean"); err != nil {
		t.Fatalf("deactivate err: %v", err)
	}
	if s.Engaged() {
		t.Fatal("expected OFF")
	}
}

func TestDeactivatePersistFailureKeepsActivation(t *testing.T) {
	p := &memPersister{rec: store.KillSwitchRecord{Mode: string(ModeOff)}, has: true}
	s, err := Load(p, nil, nil)
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if err := s.Activate(TriggerDailyLoss, "loss limit"); err != nil {
		t.Fatalf("activate err: %v", err)
	}
	before := s.State()

	p.failSet = true
	if err := s.Deactivate("verified clean"); err == nil {
		t.Fatal("expected persist error")
	}

	// 落盘失败要完整回退激活现场，不能留下 ON 却无触发信息的状态
	after := s.State()
	if after.Mode != ModeOn {
		t.Fatal("must stay ON after persist failure")
	}
	if after.Trigger != before.Trigger || after.Reason != before.Reason || !after.ActivatedAt.Equal(before.ActivatedAt) {
		t.Fatalf("activation record lost: before=%+v after=%+v", before, after)
	}

	// 恢复落盘后仍可正常解除
	p.failSet = false
	if err := s.Deactivate("verified clean"); err != nil {
		t.Fatalf("deactivate after recovery: %v", err)
	}
}

func TestGuardReturnsActiveError(t *testing.T) {
	s := mustLoadOff(t)
	if err := s.Guard(); err != nil {
		t.Fatalf("OFF guard must pass: %v", err)
	}
	_ = s.Activate(TriggerWSDowntime, "feed gap")
	err := s.Guard()
	var active *ActiveError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveError, got %v", err)
	}
	if active.Code() != "KILL_SWITCH_ACTIVE" || active.Trigger != TriggerWSDowntime {
		t.Fatalf("unexpected active error: %+v", active)
	}
}

func TestEnableAuto(t *testing.T) {
	s := mustLoadOff(t)
	if err := s.EnableAuto("enable monitoring"); err != nil {
		t.Fatalf("enable auto err: %v", err)
	}
	if s.Engaged() {
		t.Fatal("AUTO is not ON")
	}
	_ = s.Activate(TriggerErrorRate, "errors")
	if err := s.EnableAuto("while on"); err == nil {
		t.Fatal("expected error switching to AUTO while ON")
	}
}

func mustLoadOff(t *testing.T) *Switch {
	t.Helper()
	p := &memPersister{
		rec: store.KillSwitchRecord{Mode: string(ModeOff), TriggerType: string(TriggerNone)},
		has: true,
	}
	s, err := Load(p, nil, nil)
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	return s
}
