// Package metrics provides Prometheus metrics for the execution guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 订单指标
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "order",
		Name: "submitted_total", Help: "订单提交总数",
	}, []string{"symbol", "mode"})
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "order",
		Name: "rejected_total", Help: "订单拒绝总数（按原因码）",
	}, []string{"symbol", "code"})
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "order",
		Name: "filled_total", Help: "订单完全成交总数",
	}, []string{"symbol"})
	OrdersUnknown = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "order",
		Name: "unknown_total", Help: "提交超时进入UNKNOWN的订单数",
	})
	ExchangeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eg", Subsystem: "gateway",
		Name: "request_latency_seconds", Help: "交易所请求延迟分布（秒）",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// 仓位/敞口指标
	Position = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "eg", Subsystem: "position",
		Name: "quantity", Help: "当前净仓位",
	}, []string{"symbol"})
	Exposure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "eg", Subsystem: "position",
		Name: "exposure", Help: "当前名义敞口",
	}, []string{"symbol"})
	DailyRealizedLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eg", Subsystem: "risk",
		Name: "daily_realized_loss", Help: "当日已实现亏损",
	})

	// 安全联锁指标
	KillSwitchOn = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eg", Subsystem: "killswitch",
		Name: "engaged", Help: "熔断开关状态（1=ON）",
	})
	KillSwitchActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "killswitch",
		Name: "activations_total", Help: "熔断触发总数（按触发类型）",
	}, []string{"trigger"})
	RiskRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "risk",
		Name: "rejects_total", Help: "风控拦截总数（按检查项）",
	}, []string{"check"})

	// 灰度指标
	CanaryPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eg", Subsystem: "canary",
		Name: "phase_index", Help: "当前灰度阶段序号",
	})
	CanaryRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "canary",
		Name: "rollbacks_total", Help: "灰度回滚总数",
	})

	// 对账指标
	ReconRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eg", Subsystem: "recon",
		Name: "runs_total", Help: "对账运行总数（按结果）",
	}, []string{"status"})
	ReconDiscrepancies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eg", Subsystem: "recon",
		Name: "discrepancies", Help: "最近一次对账的差异条数",
	})
)

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
