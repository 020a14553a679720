package market

import (
	"sync"
	"time"
)

// Watch 维护各品种的最新深度，为风控提供标记价与滑点估算。
// 无行情数据时一律返回0，调用方据此跳过相应检查而不是猜测。
type Watch struct {
	mu    sync.RWMutex
	books map[string]*Book
	last  map[string]time.Time
}

// NewWatch 创建行情观察器
func NewWatch() *Watch {
	return &Watch{
		books: make(map[string]*Book),
		last:  make(map[string]time.Time),
	}
}

// OnDepth 更新某品种的深度快照。
func (w *Watch) OnDepth(symbol string, bids, asks []Level, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.books[symbol]
	if !ok {
		b = &Book{}
		w.books[symbol] = b
	}
	b.SetSnapshot(bids, asks)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	w.last[symbol] = ts
}

// Mark 返回中间价作为标记价；无数据返回0。
func (w *Watch) Mark(symbol string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.books[symbol]
	if !ok {
		return 0
	}
	return b.Mid()
}

// EstSlippagePct 估算市价吃掉qty的滑点百分比：按档位加权均价对比盘口价。
// 深度不足以吃满qty时按最深档外推，宁可高估。
func (w *Watch) EstSlippagePct(symbol string, qty float64) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.books[symbol]
	if !ok || qty <= 0 {
		return 0
	}
	_, bestAsk := b.Best()
	if bestAsk == 0 {
		return 0
	}
	cost, filled := b.WalkCost("BUY", qty)
	if filled <= 0 {
		return 0
	}
	if filled < qty {
		// 残量按最差已知档价计
		worst := cost / filled
		cost += (qty - filled) * worst
		filled = qty
	}
	avg := cost / filled
	return (avg - bestAsk) / bestAsk * 100
}

// Staleness 返回某品种距上次深度更新的间隔；无数据返回一个极大值。
func (w *Watch) Staleness(symbol string) time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ts, ok := w.last[symbol]
	if !ok {
		return time.Hour * 24 * 365
	}
	return time.Since(ts)
}
