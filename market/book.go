package market

import "sort"

// Level 一档深度
type Level struct {
	Price float64
	Qty   float64
}

// Book 单品种深度快照。档位按盘口排序：bids降序、asks升序。
// 只保存最近一次快照，增量合并由上游完成。
type Book struct {
	bids []Level
	asks []Level
}

// SetSnapshot 整体替换深度快照，零量档剔除。
func (b *Book) SetSnapshot(bids, asks []Level) {
	b.bids = normalize(bids, func(i, j Level) bool { return i.Price > j.Price })
	b.asks = normalize(asks, func(i, j Level) bool { return i.Price < j.Price })
}

// Best 返回最优买/卖价；缺侧为0。
func (b *Book) Best() (bestBid, bestAsk float64) {
	if len(b.bids) > 0 {
		bestBid = b.bids[0].Price
	}
	if len(b.asks) > 0 {
		bestAsk = b.asks[0].Price
	}
	return bestBid, bestAsk
}

// Mid 返回中间价；任一侧缺失返回0。
func (b *Book) Mid() float64 {
	bid, ask := b.Best()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// WalkCost 沿给定方向吃掉qty的成交总额与实际可成交数量。
// side为BUY走asks，否则走bids。深度不足时filled<qty。
func (b *Book) WalkCost(side string, qty float64) (cost, filled float64) {
	levels := b.bids
	if side == "BUY" {
		levels = b.asks
	}
	remaining := qty
	for _, lv := range levels {
		if remaining <= 0 {
			break
		}
		take := lv.Qty
		if take > remaining {
			take = remaining
		}
		cost += take * lv.Price
		filled += take
		remaining -= take
	}
	return cost, filled
}

func normalize(levels []Level, less func(i, j Level) bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, lv := range levels {
		if lv.Qty > 0 && lv.Price > 0 {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
