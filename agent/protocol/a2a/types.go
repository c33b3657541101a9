package a2a

import (
	"time"
)

// TaskState 任务生命周期状态
type TaskState string

const (
	// TaskStateSubmitted 任务已创建，尚未开始执行
	TaskStateSubmitted TaskState = "submitted"
	// TaskStateWorking 任务执行中
	TaskStateWorking TaskState = "working"
	// TaskStateInputRequired 计算暂停，等待外部输入
	TaskStateInputRequired TaskState = "input_required"
	// TaskStateCompleted 任务已产出最终结果
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed 任务执行失败
	TaskStateFailed TaskState = "failed"
	// TaskStateCancelled 任务被外部取消
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal 终态任务不再接受任何变更
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// IsValid 是否为已知状态
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired,
		TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// TaskStatus 任务当前状态，附带可选的状态消息
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact 任务的最终输出
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task 协议可见的异步工作单元
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Kind      string         `json:"kind"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// 事件类型标识
const (
	KindTask           = "task"
	KindMessage        = "message"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// Clone 深拷贝任务，存储层以副本隔离调用方
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Status = t.Status.clone()
	if t.History != nil {
		c.History = make([]Message, len(t.History))
		for i := range t.History {
			c.History[i] = *t.History[i].Clone()
		}
	}
	if t.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(t.Artifacts))
		for i := range t.Artifacts {
			c.Artifacts[i] = t.Artifacts[i].Clone()
		}
	}
	c.Metadata = CloneMap(t.Metadata)
	return &c
}

// TrimHistory 仅保留最近 n 条历史，n <= 0 时不裁剪
func (t *Task) TrimHistory(n int) {
	if n <= 0 || len(t.History) <= n {
		return
	}
	t.History = t.History[len(t.History)-n:]
}

func (s TaskStatus) clone() TaskStatus {
	c := s
	if s.Message != nil {
		c.Message = s.Message.Clone()
	}
	return c
}

// Clone 深拷贝产物
func (a Artifact) Clone() Artifact {
	c := a
	c.Parts = cloneParts(a.Parts)
	c.Metadata = CloneMap(a.Metadata)
	return c
}

// TaskStatusUpdateEvent 状态变更事件；Final 为 true 时订阅方应停止监听
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskArtifactUpdateEvent 产物追加事件
type TaskArtifactUpdateEvent struct {
	Kind      string   `json:"kind"`
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	LastChunk bool     `json:"lastChunk,omitempty"`
}

// CloneMap 递归拷贝 map[string]any，切片与嵌套 map 一并复制
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
