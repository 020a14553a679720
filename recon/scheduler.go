package recon

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scheduler 每日定时触发对账。时刻按UTC解析，格式 "HH:MM"。
type Scheduler struct {
	engine *Engine
	hour   int
	minute int
}

// NewScheduler 创建调度器。scheduleUTC 为空时默认 "00:05"。
func NewScheduler(engine *Engine, scheduleUTC string) (*Scheduler, error) {
	if scheduleUTC == "" {
		scheduleUTC = "00:05"
	}
	hour, minute, err := parseClock(scheduleUTC)
	if err != nil {
		return nil, err
	}
	return &Scheduler{engine: engine, hour: hour, minute: minute}, nil
}

// Run 阻塞运行直到 ctx 结束。每天在配置时刻触发一轮对账。
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := time.Until(s.nextRun(time.Now().UTC()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.engine.Run(ctx); err != nil {
				s.engine.log.LogError(err, map[string]interface{}{"component": "recon_scheduler"})
			}
		}
	}
}

// nextRun 计算下一次触发时刻。
func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func parseClock(v string) (hour, minute int, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid schedule %q, want HH:MM", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid schedule hour %q", parts[0])
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid schedule minute %q", parts[1])
	}
	return hour, minute, nil
}
