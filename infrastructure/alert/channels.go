package alert

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// LogChannel 日志告警通道
type LogChannel struct {
	logger *log.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, output *os.File) *LogChannel {
	if output == nil {
		output = os.Stdout
	}
	return &LogChannel{
		logger: log.New(output, "[ALERT] ", log.LstdFlags),
		name:   name,
	}
}

// Send 发送告警到日志
func (c *LogChannel) Send(alert Alert) error {
	msg := fmt.Sprintf("[%s] %s %s", alert.Level, alert.Event, alert.Message)
	if len(alert.Fields) > 0 {
		msg += " |"
		for k, v := range alert.Fields {
			msg += fmt.Sprintf(" %s=%v", k, v)
		}
	}
	c.logger.Println(msg)
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// MemoryChannel 内存告警通道，测试与审计回放用
type MemoryChannel struct {
	name   string
	mu     sync.Mutex
	alerts []Alert
}

// NewMemoryChannel 创建内存告警通道
func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name}
}

// Send 记录告警
func (c *MemoryChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

// Name 返回通道名称
func (c *MemoryChannel) Name() string {
	return c.name
}

// Alerts 返回已收到的告警副本
func (c *MemoryChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}
