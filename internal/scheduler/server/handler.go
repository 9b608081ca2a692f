// Package server 提供调度端 HTTP API
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//   - GET /metrics - Prometheus 指标
//
// 作业管理 (Job):
//   - POST   /api/v1/jobs            - 创建作业
//   - GET    /api/v1/jobs            - 列出作业
//   - GET    /api/v1/jobs/{id}       - 获取作业详情
//   - POST   /api/v1/jobs/{id}/run   - 手动触发一次执行
//   - GET    /api/v1/jobs/{id}/tasks - 列出作业的执行历史
//
// 工作流管理 (Workflow):
//   - POST   /api/v1/workflows           - 创建工作流
//   - GET    /api/v1/workflows/{id}      - 获取工作流详情
//   - POST   /api/v1/workflows/{id}/run  - 触发一次运行
//   - GET    /api/v1/workflows/{id}/runs - 列出运行历史
//   - GET    /api/v1/runs/{id}           - 查询运行进度
//
// 节点管理 (Agent):
//   - POST   /api/v1/agents - 注册执行节点
//   - GET    /api/v1/agents - 列出节点及在线状态
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"batch-orchestrator/internal/scheduler/dispatch"
	"batch-orchestrator/internal/scheduler/taskstate"
	"batch-orchestrator/internal/scheduler/workflow"
	"batch-orchestrator/internal/shared/liveness"
	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/storage"
	"batch-orchestrator/pkg/logging"
)

// Handler API 处理器
type Handler struct {
	store      storage.PersistentStore
	tracker    liveness.Tracker
	machine    *taskstate.Machine
	dispatcher *dispatch.Dispatcher
	executor   *workflow.Executor
	metrics    *Metrics
	log        *logging.Logger
}

// NewHandler 创建 Handler 实例并接好指标观察
func NewHandler(store storage.PersistentStore, tracker liveness.Tracker,
	machine *taskstate.Machine, dispatcher *dispatch.Dispatcher,
	executor *workflow.Executor, log *logging.Logger) *Handler {

	h := &Handler{
		store:      store,
		tracker:    tracker,
		machine:    machine,
		dispatcher: dispatcher,
		executor:   executor,
		metrics:    NewMetrics("scheduler", prometheus.DefaultRegisterer),
		log:        log,
	}

	machine.OnTerminal(h.metrics.ObserveTaskTerminal)
	executor.OnRunFinished(h.metrics.ObserveRunFinished)
	return h
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// Router 返回配置好的 HTTP 路由
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler())

	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/run", h.RunJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/tasks", h.ListJobTasks)

	mux.HandleFunc("POST /api/v1/workflows", h.CreateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/run", h.RunWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/{id}/runs", h.ListWorkflowRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.GetRun)

	mux.HandleFunc("POST /api/v1/agents", h.CreateAgent)
	mux.HandleFunc("GET /api/v1/agents", h.ListAgents)

	return mux
}

// StartGaugeSampler 周期采样规模类指标
func (h *Handler) StartGaugeSampler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.metrics.ObserveGauges(len(h.machine.Active()), h.executor.ActiveRuns())
				h.sampleAgents(ctx)
			}
		}
	}()
}

func (h *Handler) sampleAgents(ctx context.Context) {
	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		return
	}
	online := 0
	for _, a := range agents {
		if ok, err := h.tracker.IsHealthy(ctx, a.QueueName); err == nil && ok {
			online++
		}
	}
	h.metrics.SetAgentsCount(online, len(agents))
}

// Health 健康检查接口
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// Job 接口
// ============================================================================

// CreateJob 创建作业
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var job model.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if job.ID == "" || job.Action == "" || job.AgentID == "" {
		writeError(w, http.StatusBadRequest, "id, action and agent_id are required")
		return
	}
	if job.Type != model.JobTypeRestAPI && job.Type != model.JobTypeExecutable {
		writeError(w, http.StatusBadRequest, "type must be REST_API or EXECUTABLE")
		return
	}
	if job.MaxRunDuration <= 0 {
		job.MaxRunDuration = model.DefaultMaxRunDuration
	}

	if err := h.store.CreateJob(r.Context(), &job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	h.log.Audit("api", "create_job", job.ID, "ok")
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs 列出作业
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	state := model.JobState(r.URL.Query().Get("state"))
	jobs, err := h.store.ListJobs(r.Context(), state, 100, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// GetJob 获取作业详情
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RunJob 手动触发一次执行
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	task, err := h.dispatcher.RunJob(r.Context(), jobID, dispatch.RunParams{Manual: true})
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil && task == nil {
		writeError(w, http.StatusInternalServerError, "failed to dispatch job")
		return
	}
	h.log.Audit("api", "run_job", jobID, string(task.Status))
	writeJSON(w, http.StatusAccepted, task)
}

// ListJobTasks 列出作业的执行历史
func (h *Handler) ListJobTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasksByJob(r.Context(), r.PathValue("id"), 100, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// ============================================================================
// Workflow 接口
// ============================================================================

// CreateWorkflow 创建工作流
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if wf.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	seen := make(map[int]bool)
	for _, g := range wf.Groups {
		if seen[g.Rank] {
			writeError(w, http.StatusBadRequest, "duplicate group rank")
			return
		}
		seen[g.Rank] = true
	}

	if err := h.store.CreateWorkflow(r.Context(), &wf); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}
	h.log.Audit("api", "create_workflow", wf.ID, "ok")
	writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow 获取工作流详情
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// RunWorkflow 触发一次工作流运行
func (h *Handler) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	wfID := r.PathValue("id")
	run, err := h.executor.StartRun(r.Context(), wfID, true)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.log.Audit("api", "run_workflow", wfID, run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

// ListWorkflowRuns 列出运行历史
func (h *Handler) ListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListWorkflowRuns(r.Context(), r.PathValue("id"), 100, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun 查询运行进度
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.executor.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ============================================================================
// Agent 接口
// ============================================================================

// agentView 节点目录信息加实时在线状态
type agentView struct {
	*model.Agent
	Online        bool  `json:"online"`
	LastHeartbeat int64 `json:"last_heartbeat,omitempty"`
}

// CreateAgent 注册执行节点
//
// 队列名由节点标识确定性派生，请求中给出的队列名会被覆盖。
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent model.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if agent.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	agent.QueueName = model.DeriveQueueName(agent.ID)
	if agent.Capacity <= 0 {
		agent.Capacity = 4
	}

	if err := h.store.CreateAgent(r.Context(), &agent); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}
	h.log.Audit("api", "create_agent", agent.ID, "ok")
	writeJSON(w, http.StatusCreated, agent)
}

// ListAgents 列出节点及在线状态
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		v := agentView{Agent: a}
		if info, err := h.tracker.GetInfo(r.Context(), a.QueueName); err == nil && info != nil {
			v.Online = true
			v.LastHeartbeat = info.LastHeartbeat
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": views})
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
