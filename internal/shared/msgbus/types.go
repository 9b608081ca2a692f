package msgbus

// ============================================================================
// 通道命名（线上格式，不可变更）
// ============================================================================

const (
	// dispatchChannelPrefix 投递通道前缀，每个队列一个通道
	dispatchChannelPrefix = "job:queue:"

	// resultChannel 所有执行节点共享的结果通道
	resultChannel = "job:result"
)

// DispatchChannel 队列名对应的投递通道
func DispatchChannel(queueName string) string {
	return dispatchChannelPrefix + queueName
}

// ResultChannel 共享结果通道
func ResultChannel() string {
	return resultChannel
}

// ============================================================================
// 消息定义
// ============================================================================

// DispatchMessage 任务投递消息（调度端 → 执行节点）
//
// 自包含：携带执行所需的全部信息，执行节点无需回查数据库。
type DispatchMessage struct {
	JobID   string `json:"job_id"`
	TaskID  string `json:"task_id"`
	JobName string `json:"job_name,omitempty"`

	// Type 作业类型：REST_API / EXECUTABLE
	Type string `json:"type"`

	// Action REST 作业为 URL，命令作业为命令行
	Action  string `json:"action"`
	Method  string `json:"method,omitempty"`
	Body    string `json:"body,omitempty"`
	Headers string `json:"headers,omitempty"`

	// MaxDurationMs 单次执行时长上限
	MaxDurationMs int64 `json:"max_duration_ms"`

	RetryCount   int   `json:"retry_count"`
	RetryDelayMs int64 `json:"retry_delay_ms"`

	// WorkflowRunID 所属工作流运行（独立作业为空）
	WorkflowRunID string `json:"workflow_run_id,omitempty"`

	// Attempt 尝试序号，从 1 开始
	Attempt int `json:"attempt"`

	QueueName   string `json:"queue_name"`
	ManuallyRun bool   `json:"manually_run"`
}

// ResultMessage 任务结果消息（执行节点 → 调度端）
//
// Status 为线上小写状态字符串；running 表示执行已开始的确认回报，
// 其余为终态回报。
type ResultMessage struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`

	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`

	// StartTime / EndTime epoch-ms，running 回报只带 StartTime
	StartTime int64 `json:"start_time,omitempty"`
	EndTime   int64 `json:"end_time,omitempty"`

	Attempt   int    `json:"attempt"`
	QueueName string `json:"queue_name,omitempty"`
}
