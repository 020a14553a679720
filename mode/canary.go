package mode

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"exec-guard-go/config"
	"exec-guard-go/metrics"
)

// RollbackReasonSuccessRate 灰度因成功率不达标回滚的标准原因码。
const RollbackReasonSuccessRate = "success_rate_below_threshold"

// CanaryStore 灰度进度持久化依赖。store.Store 满足该接口。
type CanaryStore interface {
	SaveCanaryRun(runID string, version int64, payload []byte) error
	LoadLatestCanaryRun() (runID string, payload []byte, ok bool, err error)
}

// CanaryState 单次灰度的可持久化进度。
type CanaryState struct {
	RunID        string    `json:"run_id"`
	PhaseIndex   int       `json:"phase_index"`
	PhasePct     int       `json:"phase_pct"`
	PhaseStart   time.Time `json:"phase_start"`
	PhaseTotal   int       `json:"phase_total"`
	PhaseSuccess int       `json:"phase_success"`
	RolledBack   bool      `json:"rolled_back"`
	RollbackWhy  string    `json:"rollback_why,omitempty"`
	Promoted     bool      `json:"promoted"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SuccessRate 当前阶段成功率；无样本时为0。
func (c CanaryState) SuccessRate() float64 {
	if c.PhaseTotal == 0 {
		return 0
	}
	return float64(c.PhaseSuccess) / float64(c.PhaseTotal)
}

// canary 逐阶段放量的执行器。每个阶段累计样本，
// 样本充足后低于阈值立即回滚，达标且满足最短时长后晋级。
type canary struct {
	cfg     config.CanaryConfig
	store   CanaryStore
	version int64

	mu sync.Mutex
	st CanaryState
}

func newCanary(cfg config.CanaryConfig, store CanaryStore) *canary {
	if len(cfg.PhasesPct) == 0 {
		cfg.PhasesPct = []int{10, 25, 50, 75, 100}
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 0.95
	}
	if cfg.MinSample <= 0 {
		cfg.MinSample = 20
	}
	return &canary{cfg: cfg, store: store}
}

// begin 开启一次新的灰度，从第一个阶段起步。
func (c *canary) begin() CanaryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	c.st = CanaryState{
		RunID:      uuid.NewString(),
		PhaseIndex: 0,
		PhasePct:   c.cfg.PhasesPct[0],
		PhaseStart: now,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	c.version = 0
	metrics.CanaryPhase.Set(0)
	c.persistLocked()
	return c.st
}

// resume 从持久化进度恢复未完结的灰度。
func (c *canary) resume() (CanaryState, bool, error) {
	if c.store == nil {
		return CanaryState{}, false, nil
	}
	_, payload, ok, err := c.store.LoadLatestCanaryRun()
	if err != nil || !ok {
		return CanaryState{}, false, err
	}
	var st CanaryState
	if err := json.Unmarshal(payload, &st); err != nil {
		return CanaryState{}, false, fmt.Errorf("decode canary state: %w", err)
	}
	if st.RolledBack || st.Promoted {
		return CanaryState{}, false, nil
	}
	c.mu.Lock()
	c.st = st
	c.mu.Unlock()
	metrics.CanaryPhase.Set(float64(st.PhaseIndex))
	return st, true, nil
}

// pct 当前阶段放量百分比。
func (c *canary) pct() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.PhasePct
}

func (c *canary) state() CanaryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// record 记录一次灰度订单结果，返回评估结论。
// 样本达到MinSample后成功率跌破阈值即回滚，不等阶段结束。
func (c *canary) record(success bool) (verdict canaryVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st.RolledBack || c.st.Promoted {
		return canaryNoop
	}
	c.st.PhaseTotal++
	if success {
		c.st.PhaseSuccess++
	}
	c.st.UpdatedAt = time.Now().UTC()

	if c.st.PhaseTotal >= c.cfg.MinSample && c.st.SuccessRate() < c.cfg.SuccessThreshold {
		c.st.RolledBack = true
		c.st.RollbackWhy = RollbackReasonSuccessRate
		// 回滚即退回第一阶段，持久化的进度不得停在失败阶段
		c.st.PhaseIndex = 0
		c.st.PhasePct = c.cfg.PhasesPct[0]
		metrics.CanaryPhase.Set(0)
		metrics.CanaryRollbacks.Inc()
		c.persistLocked()
		return canaryRollback
	}

	if c.phaseCompleteLocked() {
		if c.st.PhaseIndex == len(c.cfg.PhasesPct)-1 {
			c.st.Promoted = true
			c.persistLocked()
			return canaryPromote
		}
		c.st.PhaseIndex++
		c.st.PhasePct = c.cfg.PhasesPct[c.st.PhaseIndex]
		c.st.PhaseStart = time.Now().UTC()
		c.st.PhaseTotal = 0
		c.st.PhaseSuccess = 0
		metrics.CanaryPhase.Set(float64(c.st.PhaseIndex))
		c.persistLocked()
		return canaryAdvance
	}

	c.persistLocked()
	return canaryNoop
}

// phaseCompleteLocked 阶段晋级条件：样本充足、成功率达标、最短时长已满。
func (c *canary) phaseCompleteLocked() bool {
	if c.st.PhaseTotal < c.cfg.MinSample {
		return false
	}
	if c.st.SuccessRate() < c.cfg.SuccessThreshold {
		return false
	}
	minDur := time.Duration(c.cfg.MinPhaseDurationMin) * time.Minute
	return time.Since(c.st.PhaseStart) >= minDur
}

func (c *canary) persistLocked() {
	if c.store == nil {
		return
	}
	c.version++
	payload, err := json.Marshal(c.st)
	if err != nil {
		return
	}
	// 持久化失败不阻断交易路径，进度以内存为准
	_ = c.store.SaveCanaryRun(c.st.RunID, c.version, payload)
}

type canaryVerdict int

const (
	canaryNoop canaryVerdict = iota
	canaryAdvance
	canaryPromote
	canaryRollback
)
