package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/taskstore"
	"github.com/BaSui01/agentbridge/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder 记录状态迁移，由 metrics.Collector 实现
type Recorder interface {
	RecordTaskTransition(from, to string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTaskTransition(string, string) {}

// MetadataError 失败原因在任务元数据中的键
const MetadataError = "error"

var errFrozen = errors.New("task is frozen")

// Updater 单个任务的状态写入方。每个任务同一时刻只有一个 Updater 在写。
type Updater struct {
	store     taskstore.Store
	broker    *Broker
	sinks     []Sink
	recorder  Recorder
	logger    *zap.Logger
	taskID    string
	contextID string

	frozen    atomic.Bool
	completed atomic.Bool
}

// Option 配置 Updater
type Option func(*Updater)

// WithSinks 追加进程外事件出口
func WithSinks(sinks ...Sink) Option {
	return func(u *Updater) { u.sinks = append(u.sinks, sinks...) }
}

// WithRecorder 设置迁移记录器
func WithRecorder(r Recorder) Option {
	return func(u *Updater) {
		if r != nil {
			u.recorder = r
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(u *Updater) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUpdater 为已存在的任务创建写入方；broker 可为 nil
func NewUpdater(store taskstore.Store, broker *Broker, taskID, contextID string, opts ...Option) *Updater {
	u := &Updater{
		store:     store,
		broker:    broker,
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		taskID:    taskID,
		contextID: contextID,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With(zap.String("task_id", taskID), zap.String("context_id", contextID))
	return u
}

// TaskID 任务 ID
func (u *Updater) TaskID() string { return u.taskID }

// ContextID 上下文 ID
func (u *Updater) ContextID() string { return u.contextID }

// Snapshot 读取当前任务副本
func (u *Updater) Snapshot(ctx context.Context) (*a2a.Task, bool) {
	return u.store.Get(ctx, u.taskID)
}

// Start 进入 working
func (u *Updater) Start(ctx context.Context) error {
	return u.UpdateStatus(ctx, a2a.TaskStateWorking, nil, false)
}

// Progress 以 working 状态追加一条中间消息
func (u *Updater) Progress(ctx context.Context, msg *a2a.Message) error {
	return u.UpdateStatus(ctx, a2a.TaskStateWorking, msg, false)
}

// UpdateStatus 追加可选消息并切换状态，然后发布状态事件。
// 任务冻结后调用为空操作（记录 Warn）；非法迁移返回 INVALID_TRANSITION 错误。
// final 为 true 时事件带 final 标记，但只有终态会冻结任务。
func (u *Updater) UpdateStatus(ctx context.Context, state a2a.TaskState, msg *a2a.Message, final bool) error {
	return u.transition(ctx, state, msg, final, nil, nil)
}

// Complete 以 completed 结束任务；消息片段同时作为结果产物保存
func (u *Updater) Complete(ctx context.Context, msg *a2a.Message) error {
	var artifacts []a2a.Artifact
	if msg != nil && len(msg.Parts) > 0 {
		artifacts = append(artifacts, a2a.Artifact{
			ArtifactID: uuid.New().String(),
			Name:       "result",
			Parts:      msg.Parts,
		})
	}
	return u.transition(ctx, a2a.TaskStateCompleted, msg, true, artifacts, nil)
}

// Fail 以 failed 结束任务，错误信息写入元数据并作为最后一条历史消息
func (u *Updater) Fail(ctx context.Context, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	msg := a2a.NewAgentText("Task failed: " + reason)
	return u.transition(ctx, a2a.TaskStateFailed, msg, true, nil, map[string]any{MetadataError: reason})
}

// Cancel 以 cancelled 结束任务
func (u *Updater) Cancel(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "Task cancelled"
	}
	return u.transition(ctx, a2a.TaskStateCancelled, a2a.NewAgentText(reason), true, nil, nil)
}

// RequireInput 进入 input_required。事件带 final 标记让订阅方停止监听，任务本身不冻结。
func (u *Updater) RequireInput(ctx context.Context, prompt string, payload map[string]any) error {
	if prompt == "" {
		prompt = "Input required"
	}
	parts := []a2a.Part{a2a.NewTextPart(prompt)}
	if len(payload) > 0 {
		parts = append(parts, a2a.NewDataPart(a2a.CloneMap(payload)))
	}
	return u.transition(ctx, a2a.TaskStateInputRequired, a2a.NewMessage(a2a.RoleAgent, parts...), true, nil, nil)
}

// AddArtifact 追加产物并发布产物事件
func (u *Updater) AddArtifact(ctx context.Context, artifact a2a.Artifact, lastChunk bool) error {
	if u.frozen.Load() {
		u.logger.Warn("ignoring artifact on frozen task")
		return nil
	}
	if artifact.ArtifactID == "" {
		artifact.ArtifactID = uuid.New().String()
	}
	_, err := u.store.Update(ctx, u.taskID, func(t *a2a.Task) error {
		if t.Status.State.IsTerminal() {
			return errFrozen
		}
		t.Artifacts = append(t.Artifacts, artifact.Clone())
		return nil
	})
	if errors.Is(err, errFrozen) {
		u.frozen.Store(true)
		u.logger.Warn("ignoring artifact on frozen task")
		return nil
	}
	if err != nil {
		return u.storeError(err)
	}

	u.publish(ctx, a2a.ArtifactEvent(&a2a.TaskArtifactUpdateEvent{
		TaskID:    u.taskID,
		ContextID: u.contextID,
		Artifact:  artifact.Clone(),
		LastChunk: lastChunk,
	}))
	return nil
}

// MergeMetadata 将键值写入任务元数据（同名键覆盖）
func (u *Updater) MergeMetadata(ctx context.Context, kv map[string]any) error {
	if u.frozen.Load() {
		u.logger.Warn("ignoring metadata update on frozen task")
		return nil
	}
	_, err := u.store.Update(ctx, u.taskID, func(t *a2a.Task) error {
		if t.Status.State.IsTerminal() {
			return errFrozen
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(kv))
		}
		for k, v := range a2a.CloneMap(kv) {
			t.Metadata[k] = v
		}
		return nil
	})
	if errors.Is(err, errFrozen) {
		u.frozen.Store(true)
		u.logger.Warn("ignoring metadata update on frozen task")
		return nil
	}
	if err != nil {
		return u.storeError(err)
	}
	return nil
}

// Heartbeat 任务仍在 working 时重发一次无消息的 working 事件，不写存储
func (u *Updater) Heartbeat(ctx context.Context) {
	if u.frozen.Load() {
		return
	}
	task, ok := u.store.Get(ctx, u.taskID)
	if !ok || task.Status.State != a2a.TaskStateWorking {
		return
	}
	u.publish(ctx, a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{
		TaskID:    u.taskID,
		ContextID: u.contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateWorking, Timestamp: time.Now().UTC()},
		Metadata:  map[string]any{"heartbeat": true},
	}))
}

// ClaimCompletion 原子地认领完成权，只有第一个调用者得到 true
func (u *Updater) ClaimCompletion() bool {
	return u.completed.CompareAndSwap(false, true)
}

// IsCompleted 是否已有调用者认领完成权
func (u *Updater) IsCompleted() bool {
	return u.completed.Load()
}

// IsFrozen 任务是否已进入终态
func (u *Updater) IsFrozen() bool {
	return u.frozen.Load()
}

func (u *Updater) transition(ctx context.Context, state a2a.TaskState, msg *a2a.Message, final bool, artifacts []a2a.Artifact, meta map[string]any) error {
	if u.frozen.Load() {
		u.logger.Warn("ignoring status update on frozen task", zap.String("state", string(state)))
		return nil
	}

	var from a2a.TaskState
	now := time.Now().UTC()
	var statusMsg *a2a.Message
	if msg != nil {
		statusMsg = msg.Clone()
		statusMsg.TaskID = u.taskID
		statusMsg.ContextID = u.contextID
	}

	_, err := u.store.Update(ctx, u.taskID, func(t *a2a.Task) error {
		from = t.Status.State
		if from.IsTerminal() {
			return errFrozen
		}
		if !CanTransition(from, state) {
			return invalidTransition(u.taskID, from, state)
		}
		if statusMsg != nil {
			t.History = append(t.History, *statusMsg.Clone())
		}
		for _, a := range artifacts {
			t.Artifacts = append(t.Artifacts, a.Clone())
		}
		if len(meta) > 0 {
			if t.Metadata == nil {
				t.Metadata = make(map[string]any, len(meta))
			}
			for k, v := range meta {
				t.Metadata[k] = v
			}
		}
		t.Status = a2a.TaskStatus{State: state, Message: statusMsg, Timestamp: now}
		return nil
	})
	switch {
	case errors.Is(err, errFrozen):
		u.frozen.Store(true)
		u.logger.Warn("ignoring status update on frozen task", zap.String("state", string(state)))
		return nil
	case err != nil:
		return u.storeError(err)
	}

	if state.IsTerminal() {
		u.frozen.Store(true)
	}
	u.recorder.RecordTaskTransition(string(from), string(state))
	u.logger.Debug("task transitioned", zap.String("from", string(from)), zap.String("state", string(state)))

	for _, a := range artifacts {
		u.publish(ctx, a2a.ArtifactEvent(&a2a.TaskArtifactUpdateEvent{
			TaskID: u.taskID, ContextID: u.contextID, Artifact: a.Clone(), LastChunk: true,
		}))
	}
	u.publish(ctx, a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{
		TaskID:    u.taskID,
		ContextID: u.contextID,
		Status:    a2a.TaskStatus{State: state, Message: statusMsg, Timestamp: now},
		Final:     final || state.IsTerminal(),
	}))
	return nil
}

func (u *Updater) storeError(err error) error {
	if errors.Is(err, taskstore.ErrNotFound) {
		return types.NewError(types.ErrTaskNotFound, "task not found").WithTask(u.taskID).WithCause(a2a.ErrTaskNotFound)
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.WrapError(err, types.ErrInternalError, "task store update failed").WithTask(u.taskID)
}

func (u *Updater) publish(ctx context.Context, ev a2a.StreamEvent) {
	if u.broker != nil {
		u.broker.Publish(ev)
	}
	for _, s := range u.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			u.logger.Warn("event sink publish failed", zap.Error(err))
		}
	}
}
