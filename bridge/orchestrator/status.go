package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/types"
	"go.uber.org/zap"
)

// StatusReport 工作流进度，只由父任务元数据计算得出
type StatusReport struct {
	TaskID         string        `json:"task_id"`
	State          a2a.TaskState `json:"state"`
	Pattern        string        `json:"pattern,omitempty"`
	CurrentStep    string        `json:"current_step,omitempty"`
	CompletedSteps []string      `json:"completed_steps"`
	PendingSteps   []string      `json:"pending_steps"`
	Percentage     int           `json:"percentage"`
	Message        string        `json:"message"`
	Error          string        `json:"error,omitempty"`
}

// GetStatus 读取父任务并计算进度，不修改任务
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (*StatusReport, error) {
	task, ok := o.store.Get(ctx, taskID)
	if !ok {
		return nil, types.NewError(types.ErrTaskNotFound, "workflow task not found").WithTask(taskID).WithCause(a2a.ErrTaskNotFound)
	}
	return Report(task), nil
}

// Report 由任务元数据计算进度报告
func Report(task *a2a.Task) *StatusReport {
	meta := task.Metadata
	r := &StatusReport{
		TaskID:         task.ID,
		State:          task.Status.State,
		CompletedSteps: stringList(meta[MetaCompletedSteps]),
		PendingSteps:   stringList(meta[MetaPendingSteps]),
	}
	r.Pattern, _ = meta[MetaPattern].(string)
	r.CurrentStep, _ = meta[MetaCurrentStep].(string)
	r.Error, _ = meta[MetaError].(string)

	done, total := len(r.CompletedSteps), len(r.CompletedSteps)+len(r.PendingSteps)
	r.Percentage = percent(done, total)

	switch task.Status.State {
	case a2a.TaskStateCompleted:
		r.Percentage = 100
		r.Message = fmt.Sprintf("Workflow completed (%d/%d steps)", done, total)
	case a2a.TaskStateFailed:
		step, _ := meta[MetaFailedStep].(string)
		r.Message = fmt.Sprintf("Workflow failed at step %s after %d/%d steps: %s", step, done, total, r.Error)
	case a2a.TaskStateCancelled:
		r.Message = fmt.Sprintf("Workflow cancelled after %d/%d steps", done, total)
	default:
		if total == 0 {
			r.Message = "Workflow is waiting to start"
		} else if r.CurrentStep != "" {
			r.Message = fmt.Sprintf("Processing %s (%d/%d steps completed, %d%%)", r.CurrentStep, done, total, r.Percentage)
		} else {
			r.Message = fmt.Sprintf("%d/%d steps completed (%d%%)", done, total, r.Percentage)
		}
	}
	return r
}

// StatusHandler 返回 GET /workflows/{id}/status 的处理函数，注册时需使用带 {id} 的路由模式
func (o *Orchestrator) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing workflow id"}, o.logger)
			return
		}
		report, err := o.GetStatus(r.Context(), id)
		if err != nil {
			status := http.StatusInternalServerError
			if types.IsErrorCode(err, types.ErrTaskNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()}, o.logger)
			return
		}
		writeJSON(w, http.StatusOK, report, o.logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write status response", zap.Error(err))
	}
}

func stringList(v any) []string {
	out := []string{}
	switch x := v.(type) {
	case []string:
		out = append(out, x...)
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
