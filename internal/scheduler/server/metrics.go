// Package server Prometheus 指标导出
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batch-orchestrator/internal/shared/model"
)

// Metrics 包含所有调度端指标
type Metrics struct {
	// 任务指标
	TaskResultsTotal *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TasksInFlight    prometheus.Gauge

	// 重试与超时
	RetriesScheduledTotal prometheus.Counter
	ForcedTimeoutsTotal   prometheus.Counter

	// 工作流指标
	RunsFinishedTotal *prometheus.CounterVec
	RunsActive        prometheus.Gauge
	RunDuration       *prometheus.HistogramVec

	// 节点指标
	AgentsOnline prometheus.Gauge
	AgentsTotal  prometheus.Gauge
}

// NewMetrics 创建指标实例并注册到给定 Registerer
//
// 测试传入独立的 prometheus.NewRegistry() 避免重复注册冲突。
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_results_total",
				Help:      "Total terminal task results by status",
			},
			[]string{"status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Current number of in-flight tasks",
			},
		),
		RetriesScheduledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Total retry attempts scheduled",
			},
		),
		ForcedTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_timeouts_total",
				Help:      "Total tasks forcibly timed out by the supervisor",
			},
		),
		RunsFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_finished_total",
				Help:      "Total finished workflow runs by status",
			},
			[]string{"status"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflow_runs_active",
				Help:      "Current number of active workflow runs",
			},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_run_duration_seconds",
				Help:      "Workflow run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		AgentsOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_online",
				Help:      "Number of agents with a live heartbeat",
			},
		),
		AgentsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_total",
				Help:      "Total number of registered agents",
			},
		),
	}
}

// ObserveTaskTerminal 记录任务终态
func (m *Metrics) ObserveTaskTerminal(task *model.Task, willRetry bool) {
	m.TaskResultsTotal.WithLabelValues(string(task.Status)).Inc()
	if task.DurationMs > 0 {
		m.TaskDuration.WithLabelValues(string(task.Status)).
			Observe(float64(task.DurationMs) / 1000)
	}
	if willRetry {
		m.RetriesScheduledTotal.Inc()
	}
	if task.Status == model.TaskStatusTimeout {
		m.ForcedTimeoutsTotal.Inc()
	}
}

// ObserveRunFinished 记录工作流运行完成
func (m *Metrics) ObserveRunFinished(run *model.WorkflowRun) {
	m.RunsFinishedTotal.WithLabelValues(string(run.Status)).Inc()
	if run.DurationMs > 0 {
		m.RunDuration.WithLabelValues(string(run.Status)).
			Observe(float64(run.DurationMs) / 1000)
	}
}

// SetAgentsCount 设置节点数量
func (m *Metrics) SetAgentsCount(online, total int) {
	m.AgentsOnline.Set(float64(online))
	m.AgentsTotal.Set(float64(total))
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObserveGauges 刷新规模类指标（周期采样）
func (m *Metrics) ObserveGauges(tasksInFlight, runsActive int) {
	m.TasksInFlight.Set(float64(tasksInFlight))
	m.RunsActive.Set(float64(runsActive))
}
