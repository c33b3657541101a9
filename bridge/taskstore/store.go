// Package taskstore 保存任务记录。实现仅驻留内存，进程重启后数据丢失。
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
)

// Common errors
var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// Store 任务表。读写都以副本进行，调用方持有的对象与存储互不影响。
type Store interface {
	// Create 插入新任务，ID 已存在时返回 ErrAlreadyExists
	Create(ctx context.Context, task *a2a.Task) error
	// Get 按 ID 读取，未找到返回 ok=false
	Get(ctx context.Context, id string) (*a2a.Task, bool)
	// Save 整体覆盖已存在的任务
	Save(ctx context.Context, task *a2a.Task) error
	// Update 在锁内对任务执行读-改-写，fn 返回错误时不落盘
	Update(ctx context.Context, id string, fn func(task *a2a.Task) error) (*a2a.Task, error)
	// FindByContext 返回上下文中最近创建的任务
	FindByContext(ctx context.Context, contextID string) (*a2a.Task, bool)
	// Cleanup 删除早于 olderThan 的终态任务，返回删除数
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	// Stats 按状态统计
	Stats(ctx context.Context) Stats
	Close() error
}

// Stats 存储统计
type Stats struct {
	Total        int
	StateCounts  map[a2a.TaskState]int
	ContextCount int
}
