package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
	"exec-guard-go/mode"
	"exec-guard-go/order"
	"exec-guard-go/recon"
	"exec-guard-go/risk"
)

// Service 运维操作入口。每次操作产生唯一操作ID并写审计日志，
// 所有人工干预都经由这里，不直接触碰内部组件。
type Service struct {
	ks         *killswitch.Switch
	riskEng    *risk.Engine
	controller *mode.Controller
	reconEng   *recon.Engine
	timeSync   *order.TimeSync
	log        *logger.Logger
}

// NewService 创建运维服务
func NewService(ks *killswitch.Switch, riskEng *risk.Engine, controller *mode.Controller, reconEng *recon.Engine, timeSync *order.TimeSync, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		ks:         ks,
		riskEng:    riskEng,
		controller: controller,
		reconEng:   reconEng,
		timeSync:   timeSync,
		log:        log,
	}
}

// Result 操作结果。
type Result struct {
	OperationID string      `json:"operation_id"`
	At          time.Time   `json:"at"`
	Detail      interface{} `json:"detail,omitempty"`
}

func (s *Service) newResult(op string, fields map[string]interface{}) Result {
	r := Result{OperationID: uuid.NewString(), At: time.Now().UTC()}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["operation_id"] = r.OperationID
	s.log.LogAudit(op, "executed", fields)
	return r
}

// ActivateKillSwitch 人工拉闸。reason 必填。
func (s *Service) ActivateKillSwitch(reason string) (Result, error) {
	if err := s.ks.Activate(killswitch.TriggerManual, reason); err != nil {
		return Result{}, err
	}
	r := s.newResult("kill_switch_activate", map[string]interface{}{"reason": reason})
	r.Detail = s.ks.State()
	return r, nil
}

// DeactivateKillSwitch 人工恢复。reason 必填，且只有人工能恢复。
func (s *Service) DeactivateKillSwitch(reason string) (Result, error) {
	if err := s.ks.Deactivate(reason); err != nil {
		return Result{}, err
	}
	r := s.newResult("kill_switch_deactivate", map[string]interface{}{"reason": reason})
	r.Detail = s.ks.State()
	return r, nil
}

// KillSwitchStatus 开关状态与最近事件。
func (s *Service) KillSwitchStatus(historyLimit int) (killswitch.State, []HistoryEvent, error) {
	st := s.ks.State()
	events, err := s.ks.History(historyLimit)
	if err != nil {
		return st, nil, err
	}
	out := make([]HistoryEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, HistoryEvent{
			Mode: ev.Mode, Trigger: ev.TriggerType, Reason: ev.Reason, At: ev.At,
		})
	}
	return st, out, nil
}

// HistoryEvent 对外暴露的开关历史条目。
type HistoryEvent struct {
	Mode    string    `json:"mode"`
	Trigger string    `json:"trigger"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// RiskStatus 风控快照。
func (s *Service) RiskStatus() risk.Snapshot {
	return s.riskEng.State().Snapshot()
}

// CanaryStatus 当前模式与灰度进度。
func (s *Service) CanaryStatus() (string, mode.CanaryState) {
	return s.controller.Mode(), s.controller.CanaryState()
}

// StartCanary 从影子进入灰度。
func (s *Service) StartCanary() (Result, error) {
	st, err := s.controller.StartCanary()
	if err != nil {
		return Result{}, err
	}
	r := s.newResult("canary_start", map[string]interface{}{"run_id": st.RunID})
	r.Detail = st
	return r, nil
}

// ForceShadow 人工降级回影子模式。
func (s *Service) ForceShadow(reason string) Result {
	s.controller.ForceShadow(reason)
	return s.newResult("force_shadow", map[string]interface{}{"reason": reason})
}

// RunReconciliationNow 立即执行一轮对账。
func (s *Service) RunReconciliationNow(ctx context.Context) (Result, *recon.Report, error) {
	rep, err := s.reconEng.Run(ctx)
	if err != nil {
		return Result{}, nil, fmt.Errorf("run reconciliation: %w", err)
	}
	r := s.newResult("reconciliation_now", map[string]interface{}{
		"run_id": rep.RunID, "status": rep.Status,
	})
	r.Detail = rep
	return r, rep, nil
}

// ResyncAdapter 重新校时并对账一轮，用于交易所连接恢复后的纠偏。
func (s *Service) ResyncAdapter(ctx context.Context) (Result, error) {
	if s.timeSync != nil {
		if err := s.timeSync.Sync(ctx); err != nil {
			return Result{}, fmt.Errorf("time sync: %w", err)
		}
	}
	rep, err := s.reconEng.Run(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}
	r := s.newResult("resync_adapter", map[string]interface{}{
		"recon_run_id": rep.RunID, "recon_status": rep.Status,
	})
	r.Detail = rep
	return r, nil
}

// ResetDaily UTC零点的每日风控计数重置。
func (s *Service) ResetDaily() Result {
	s.riskEng.State().ResetDaily()
	return s.newResult("daily_reset", nil)
}
