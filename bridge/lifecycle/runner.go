package lifecycle

import (
	"context"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
)

// RunRequest 一次执行的输入
type RunRequest struct {
	// Task 执行开始时的任务快照
	Task *a2a.Task
	// Message 触发执行的入站消息
	Message *a2a.Message
	// Resuming 为 true 表示该消息用于恢复 input_required 任务
	Resuming bool
	// Metadata 请求附带的元数据（如 execution_mode）
	Metadata map[string]any
}

// Runner 驱动一个任务直到终态或 input_required。
// 实现必须通过 Updater 写状态；返回错误时调用方负责将任务置为 failed。
type Runner interface {
	Run(ctx context.Context, u *Updater, req RunRequest) error
}

// RunnerFunc 函数适配器
type RunnerFunc func(ctx context.Context, u *Updater, req RunRequest) error

// Run 实现 Runner
func (f RunnerFunc) Run(ctx context.Context, u *Updater, req RunRequest) error {
	return f(ctx, u, req)
}
