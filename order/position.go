package order

import (
	"sync"

	"exec-guard-go/metrics"
)

// Position 仓位。只通过成交事件变更。
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"` // 带符号净仓位
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// PositionBook 维护全部仓位。写入方仅限成交处理流。
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewPositionBook 创建仓位簿
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*Position)}
}

// ApplyFill 应用一笔成交，返回本笔产生的已实现盈亏。
// 同向加仓更新加权均价；反向先平仓结算盈亏，余量反手以成交价开仓。
func (b *PositionBook) ApplyFill(symbol, side string, qty, price float64) float64 {
	signed := qty
	if side == SideSell {
		signed = -qty
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		b.positions[symbol] = pos
	}

	var realized float64
	switch {
	case pos.Quantity == 0 || sameSign(pos.Quantity, signed):
		// 开仓/加仓：加权均价
		total := abs(pos.Quantity) + qty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*abs(pos.Quantity) + price*qty) / total
		pos.Quantity += signed
	default:
		// 平仓方向
		closeQty := qty
		if closeQty > abs(pos.Quantity) {
			closeQty = abs(pos.Quantity)
		}
		if pos.Quantity > 0 {
			realized = closeQty * (price - pos.AvgEntryPrice)
		} else {
			realized = closeQty * (pos.AvgEntryPrice - price)
		}
		pos.RealizedPnL += realized
		pos.Quantity += signed
		if pos.Quantity == 0 {
			pos.AvgEntryPrice = 0
		} else if closeQty < qty {
			// 反手：余量以本次成交价作为新均价
			pos.AvgEntryPrice = price
		}
	}

	metrics.Position.WithLabelValues(symbol).Set(pos.Quantity)
	return realized
}

// Get 返回仓位副本；不存在时返回零值仓位。
func (b *PositionBook) Get(symbol string) Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pos, ok := b.positions[symbol]; ok {
		return *pos
	}
	return Position{Symbol: symbol}
}

// All 返回全部仓位副本。
func (b *PositionBook) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

