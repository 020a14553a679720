package risk

import (
	"errors"
	"fmt"
)

// 检查项名称。审计记录与拒绝原因均使用这些常量。
const (
	CheckKillSwitch     = "kill_switch"
	CheckSingleNotional = "single_notional"
	CheckSymbolExposure = "symbol_exposure"
	CheckTotalExposure  = "total_exposure"
	CheckSlippage       = "slippage"
	CheckDailyLoss      = "daily_loss"
	CheckHeartbeat      = "heartbeat"
	CheckLatency        = "latency"
	CheckErrorRate      = "error_rate"
	CheckCombinedLoss   = "combined_loss"
	CheckReconMismatch  = "recon_mismatch"
)

var (
	ErrSingleExceed   = errors.New("single order notional exceed")
	ErrSymbolExceed   = errors.New("symbol exposure exceed")
	ErrTotalExceed    = errors.New("total exposure exceed")
	ErrSlippageExceed = errors.New("estimated slippage exceed")
	ErrDailyLossHard  = errors.New("daily realized loss exceed hard limit")
)

// Rejection 风控拒绝。非致命：条件变化后可重试，但绝不可绕过。
type Rejection struct {
	Check  string // 拒绝的检查项
	Reason string
	Err    error // 对应的哨兵错误
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejected by %s: %s", r.Check, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Code 返回机器可判别的错误码
func (r *Rejection) Code() string { return "RISK_REJECTED" }

// IsRejection 判断err是否为风控拒绝并返回明细。
func IsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
