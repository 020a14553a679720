package risk

import (
	"sort"
	"sync"
	"time"

	"exec-guard-go/metrics"
)

const latencyWindow = 256

// State 维护运行时风险状态：当日盈亏、敞口、延迟样本、连续错误数。
// 写入方固定：盈亏与敞口来自成交处理流，延迟与错误来自适配器调用路径。
// 每日通过 ResetDaily 显式清零。
type State struct {
	mu    sync.RWMutex
	clock Clock

	realizedPnL   float64 // 当日已实现盈亏（负=亏损）
	unrealizedPnL float64

	exposure map[string]float64 // 各品种名义敞口（绝对值）

	latencies [latencyWindow]time.Duration
	latIdx    int
	latCount  int

	consecutiveErrors int
	lastReset         time.Time
}

// NewState 创建风险状态
func NewState(clock Clock) *State {
	if clock == nil {
		clock = NowUTC
	}
	return &State{
		clock:     clock,
		exposure:  make(map[string]float64),
		lastReset: clock.Now(),
	}
}

// AddRealizedPnL 累加当日已实现盈亏（成交处理流专用）。
func (s *State) AddRealizedPnL(delta float64) {
	s.mu.Lock()
	s.realizedPnL += delta
	loss := 0.0
	if s.realizedPnL < 0 {
		loss = -s.realizedPnL
	}
	s.mu.Unlock()
	metrics.DailyRealizedLoss.Set(loss)
}

// SetUnrealizedPnL 更新未实现盈亏。
func (s *State) SetUnrealizedPnL(pnl float64) {
	s.mu.Lock()
	s.unrealizedPnL = pnl
	s.mu.Unlock()
}

// DailyRealizedLoss 返回当日已实现亏损（>=0）。
func (s *State) DailyRealizedLoss() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.realizedPnL >= 0 {
		return 0
	}
	return -s.realizedPnL
}

// CombinedLoss 返回已实现+未实现的合计亏损（>=0）。
func (s *State) CombinedLoss() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.realizedPnL + s.unrealizedPnL
	if total >= 0 {
		return 0
	}
	return -total
}

// SetExposure 更新某品种的名义敞口。
func (s *State) SetExposure(symbol string, notional float64) {
	if notional < 0 {
		notional = -notional
	}
	s.mu.Lock()
	s.exposure[symbol] = notional
	s.mu.Unlock()
	metrics.Exposure.WithLabelValues(symbol).Set(notional)
}

// Exposure 返回某品种当前敞口。
func (s *State) Exposure(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exposure[symbol]
}

// TotalExposure 返回总敞口。
func (s *State) TotalExposure() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, v := range s.exposure {
		total += v
	}
	return total
}

// RecordLatency 记录一次交易所调用延迟。
func (s *State) RecordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[s.latIdx] = d
	s.latIdx = (s.latIdx + 1) % latencyWindow
	if s.latCount < latencyWindow {
		s.latCount++
	}
}

// LatencyP95 返回滚动窗口的p95延迟。样本不足时返回0。
func (s *State) LatencyP95() time.Duration {
	s.mu.RLock()
	n := s.latCount
	if n < 20 {
		s.mu.RUnlock()
		return 0
	}
	samples := make([]time.Duration, n)
	copy(samples, s.latencies[:n])
	s.mu.RUnlock()

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return samples[idx]
}

// RecordError 记录一次适配器错误，返回当前连续错误数。
func (s *State) RecordError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	return s.consecutiveErrors
}

// ResetErrors 成功调用后清零连续错误计数。
func (s *State) ResetErrors() {
	s.mu.Lock()
	s.consecutiveErrors = 0
	s.mu.Unlock()
}

// ConsecutiveErrors 返回当前连续错误数。
func (s *State) ConsecutiveErrors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveErrors
}

// ResetDaily 每日一次的显式重置：清零当日盈亏与错误计数。敞口保留。
func (s *State) ResetDaily() {
	s.mu.Lock()
	s.realizedPnL = 0
	s.unrealizedPnL = 0
	s.consecutiveErrors = 0
	s.lastReset = s.clock.Now()
	s.mu.Unlock()
	metrics.DailyRealizedLoss.Set(0)
}

// LastReset 返回上次日重置时间。
func (s *State) LastReset() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReset
}

// Snapshot 风险状态快照，审计与运维查询共用。
type Snapshot struct {
	RealizedPnL       float64            `json:"realized_pnl"`
	UnrealizedPnL     float64            `json:"unrealized_pnl"`
	DailyRealizedLoss float64            `json:"daily_realized_loss"`
	CombinedLoss      float64            `json:"combined_loss"`
	Exposure          map[string]float64 `json:"exposure"`
	TotalExposure     float64            `json:"total_exposure"`
	LatencyP95Ms      int64              `json:"latency_p95_ms"`
	ConsecutiveErrors int                `json:"consecutive_errors"`
	LastReset         time.Time          `json:"last_reset"`
}

// Snapshot 返回当前状态快照。
func (s *State) Snapshot() Snapshot {
	p95 := s.LatencyP95()
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp := make(map[string]float64, len(s.exposure))
	var total float64
	for k, v := range s.exposure {
		exp[k] = v
		total += v
	}
	realizedLoss := 0.0
	if s.realizedPnL < 0 {
		realizedLoss = -s.realizedPnL
	}
	combined := 0.0
	if s.realizedPnL+s.unrealizedPnL < 0 {
		combined = -(s.realizedPnL + s.unrealizedPnL)
	}
	return Snapshot{
		RealizedPnL:       s.realizedPnL,
		UnrealizedPnL:     s.unrealizedPnL,
		DailyRealizedLoss: realizedLoss,
		CombinedLoss:      combined,
		Exposure:          exp,
		TotalExposure:     total,
		LatencyP95Ms:      p95.Milliseconds(),
		ConsecutiveErrors: s.consecutiveErrors,
		LastReset:         s.lastReset,
	}
}
