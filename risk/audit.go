package risk

import (
	"encoding/json"
	"time"

	"exec-guard-go/infrastructure/logger"
)

// AuditSink 审计持久化依赖。store.Store 满足该接口。
type AuditSink interface {
	AppendAudit(at time.Time, check, result, reason string, snapshot []byte) error
}

// Auditor 把每次检查（无论通过与否）写进审计轨迹：日志 + 持久化。
type Auditor struct {
	sink  AuditSink
	log   *logger.Logger
	clock Clock
}

// NewAuditor 创建审计器。sink 可为 nil（仅日志）。
func NewAuditor(sink AuditSink, log *logger.Logger, clock Clock) *Auditor {
	if log == nil {
		log = logger.Nop()
	}
	if clock == nil {
		clock = NowUTC
	}
	return &Auditor{sink: sink, log: log, clock: clock}
}

// Record 记录一次检查结果。持久化失败只记日志，不阻断检查本身。
func (a *Auditor) Record(check, result, reason string, snapshot interface{}) {
	at := a.clock.Now()
	var raw []byte
	if snapshot != nil {
		raw, _ = json.Marshal(snapshot)
	}
	a.log.LogAudit(check, result, map[string]interface{}{
		"reason":   reason,
		"snapshot": string(raw),
	})
	if a.sink != nil {
		if err := a.sink.AppendAudit(at, check, result, reason, raw); err != nil {
			a.log.LogError(err, map[string]interface{}{"component": "auditor", "check": check})
		}
	}
}
