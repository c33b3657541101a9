package a2a

import (
	"encoding/json"
	"fmt"
)

// StreamEvent 流式响应中的单个事件，恰好一个字段非空。
// 线上格式按 "kind" 字段区分。
type StreamEvent struct {
	Task           *Task
	Message        *Message
	StatusUpdate   *TaskStatusUpdateEvent
	ArtifactUpdate *TaskArtifactUpdateEvent
}

// TaskEvent 包装任务快照
func TaskEvent(t *Task) StreamEvent { return StreamEvent{Task: t} }

// StatusEvent 包装状态变更
func StatusEvent(e *TaskStatusUpdateEvent) StreamEvent { return StreamEvent{StatusUpdate: e} }

// ArtifactEvent 包装产物追加
func ArtifactEvent(e *TaskArtifactUpdateEvent) StreamEvent { return StreamEvent{ArtifactUpdate: e} }

// Kind 返回已填充变体的 kind 判别值
func (e StreamEvent) Kind() string {
	switch {
	case e.Task != nil:
		return KindTask
	case e.Message != nil:
		return KindMessage
	case e.StatusUpdate != nil:
		return KindStatusUpdate
	case e.ArtifactUpdate != nil:
		return KindArtifactUpdate
	}
	return ""
}

// TaskID 返回事件所属任务
func (e StreamEvent) TaskID() string {
	switch {
	case e.Task != nil:
		return e.Task.ID
	case e.Message != nil:
		return e.Message.TaskID
	case e.StatusUpdate != nil:
		return e.StatusUpdate.TaskID
	case e.ArtifactUpdate != nil:
		return e.ArtifactUpdate.TaskID
	}
	return ""
}

// ContextID 返回事件所属上下文
func (e StreamEvent) ContextID() string {
	switch {
	case e.Task != nil:
		return e.Task.ContextID
	case e.Message != nil:
		return e.Message.ContextID
	case e.StatusUpdate != nil:
		return e.StatusUpdate.ContextID
	case e.ArtifactUpdate != nil:
		return e.ArtifactUpdate.ContextID
	}
	return ""
}

// IsFinal 订阅方收到 final 事件后应停止监听
func (e StreamEvent) IsFinal() bool {
	switch {
	case e.StatusUpdate != nil:
		return e.StatusUpdate.Final
	case e.Task != nil:
		return e.Task.Status.State.IsTerminal()
	case e.Message != nil:
		return true
	}
	return false
}

// MarshalJSON 输出已填充的变体
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch {
	case e.Task != nil:
		t := *e.Task
		t.Kind = KindTask
		return json.Marshal(t)
	case e.Message != nil:
		m := *e.Message
		m.Kind = KindMessage
		return json.Marshal(m)
	case e.StatusUpdate != nil:
		s := *e.StatusUpdate
		s.Kind = KindStatusUpdate
		return json.Marshal(s)
	case e.ArtifactUpdate != nil:
		a := *e.ArtifactUpdate
		a.Kind = KindArtifactUpdate
		return json.Marshal(a)
	}
	return nil, fmt.Errorf("%w: empty stream event", ErrInvalidMessage)
}

// UnmarshalJSON 依据 kind 解码为对应变体
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	*e = StreamEvent{}
	switch head.Kind {
	case KindTask:
		e.Task = &Task{}
		return json.Unmarshal(data, e.Task)
	case KindMessage:
		e.Message = &Message{}
		return json.Unmarshal(data, e.Message)
	case KindStatusUpdate:
		e.StatusUpdate = &TaskStatusUpdateEvent{}
		return json.Unmarshal(data, e.StatusUpdate)
	case KindArtifactUpdate:
		e.ArtifactUpdate = &TaskArtifactUpdateEvent{}
		return json.Unmarshal(data, e.ArtifactUpdate)
	}
	return fmt.Errorf("%w: unknown event kind %q", ErrInvalidMessage, head.Kind)
}
