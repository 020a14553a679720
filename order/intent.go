package order

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Intent 策略层下达的交易意图。IntentID 由策略生成，
// 同一意图无论提交多少次都只会产生一个订单。
type Intent struct {
	IntentID string  // 策略侧意图标识，幂等性的输入
	Symbol   string
	Side     string  // BUY / SELL
	Type     string  // LIMIT / MARKET
	Quantity float64
	Price    float64 // 限价单必填；市价单为0
}

// ClientID 从意图确定性推导幂等客户端ID。
// 相同意图永远得到相同ID，重复提交不会产生重复订单。
func (it Intent) ClientID() string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%.10f|%.10f",
		it.IntentID, it.Symbol, it.Side, it.Type, it.Quantity, it.Price)
	sum := sha256.Sum256([]byte(canonical))
	return "eg-" + hex.EncodeToString(sum[:12])
}
