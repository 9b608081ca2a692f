package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"batch-orchestrator/internal/shared/model"
	"batch-orchestrator/internal/shared/msgbus"
)

// RestExecutor REST_API 作业执行器
//
// Action 为目标 URL，Method 缺省为 GET，Headers 为 JSON 对象字符串。
// 2xx 视为成功，其余状态码视为失败并带上状态码。
type RestExecutor struct {
	client *http.Client
}

// NewRestExecutor 创建 REST 执行器
//
// 客户端不设整体超时，单次执行的时长上限由调用方通过 ctx 控制。
func NewRestExecutor() *RestExecutor {
	return &RestExecutor{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (e *RestExecutor) Execute(ctx context.Context, msg *msgbus.DispatchMessage) *Result {
	method := strings.ToUpper(msg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if msg.Body != "" {
		body = strings.NewReader(msg.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, msg.Action, body)
	if err != nil {
		return &Result{
			Status: model.TaskStatusFailed,
			Error:  fmt.Sprintf("invalid request: %v", err),
		}
	}

	if msg.Headers != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(msg.Headers), &headers); err != nil {
			return &Result{
				Status: model.TaskStatusFailed,
				Error:  fmt.Sprintf("invalid headers: %v", err),
			}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	if msg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Result{
				Status: model.TaskStatusTimeout,
				Error:  "request exceeded max run duration",
			}
		}
		return &Result{
			Status: model.TaskStatusFailed,
			Error:  fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	// 多读一个 rune 的余量，交给 truncate 退回到合法边界
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutputLen+utf8.UTFMax))
	output := truncate(string(data))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Result{
			Status:    model.TaskStatusFailed,
			Output:    output,
			Error:     fmt.Sprintf("unexpected status %d", resp.StatusCode),
			ErrorCode: resp.StatusCode,
		}
	}
	return &Result{
		Status: model.TaskStatusSuccess,
		Output: output,
	}
}

var _ Executor = (*RestExecutor)(nil)
