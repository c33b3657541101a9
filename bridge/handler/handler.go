// Package handler 实现入站任务协议面：创建、恢复、查询、取消与订阅任务。
//
// 每次执行在独立 goroutine 中进行，生命周期与请求解耦；请求只通过事件分发器观察进度。
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/lifecycle"
	"github.com/BaSui01/agentbridge/bridge/taskstore"
	"github.com/BaSui01/agentbridge/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed 处理器已关闭
var ErrClosed = errors.New("handler: closed")

const terminalWriteTimeout = 5 * time.Second

// Recorder 任务指标记录，由 metrics.Collector 实现
type Recorder interface {
	lifecycle.Recorder
	RecordTaskCreated()
}

type nopRecorder struct{}

func (nopRecorder) RecordTaskTransition(string, string) {}
func (nopRecorder) RecordTaskCreated()                  {}

// Config 处理器配置
type Config struct {
	// RequestTimeout message/send 等待终态或 input_required 的最长时间，超时后返回当前快照
	RequestTimeout time.Duration
	Sinks          []lifecycle.Sink
	Recorder       Recorder
	Logger         *zap.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{RequestTimeout: 60 * time.Second}
}

type run struct {
	cancel  context.CancelFunc
	updater *lifecycle.Updater
	done    chan struct{}
}

// Handler 实现 a2a.TaskHandler
type Handler struct {
	store    taskstore.Store
	broker   *lifecycle.Broker
	runner   lifecycle.Runner
	cfg      Config
	recorder Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	runs     map[string]*run
	closed   bool
	resumeMu sync.Mutex

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// New 创建处理器
func New(store taskstore.Store, broker *lifecycle.Broker, runner lifecycle.Runner, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout < 0 {
		cfg.RequestTimeout = 0
	}
	if broker == nil {
		broker = lifecycle.NewBroker(cfg.Logger)
	}
	var rec Recorder = nopRecorder{}
	if cfg.Recorder != nil {
		rec = cfg.Recorder
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		store:     store,
		broker:    broker,
		runner:    runner,
		cfg:       cfg,
		recorder:  rec,
		logger:    cfg.Logger.With(zap.String("component", "task_handler")),
		runs:      make(map[string]*run),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// SendMessage 创建或恢复任务，等待到 final 事件或超时后返回快照
func (h *Handler) SendMessage(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error) {
	task, events, unsub, err := h.begin(ctx, params)
	if err != nil {
		return nil, err
	}
	defer unsub()

	var timeout <-chan time.Time
	if h.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(h.cfg.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

wait:
	for {
		select {
		case ev, ok := <-events:
			if !ok || ev.IsFinal() {
				break wait
			}
		case <-timeout:
			h.logger.Debug("send wait timed out, returning snapshot", zap.String("task_id", task.ID))
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	snap, ok := h.store.Get(context.WithoutCancel(ctx), task.ID)
	if !ok {
		return nil, notFound(task.ID)
	}
	if params.Configuration != nil {
		snap.TrimHistory(params.Configuration.HistoryLength)
	}
	return snap, nil
}

// StreamMessage 创建或恢复任务。首个事件为任务快照，之后转发状态与产物事件，final 后关闭
func (h *Handler) StreamMessage(ctx context.Context, params *a2a.MessageSendParams) (<-chan a2a.StreamEvent, error) {
	task, events, unsub, err := h.begin(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make(chan a2a.StreamEvent, 16)
	go func() {
		defer close(out)
		defer unsub()
		if !emit(ctx, out, a2a.TaskEvent(task)) {
			return
		}
		forward(ctx, out, events)
	}()
	return out, nil
}

// GetTask 查询任务，historyLength > 0 时只保留最近的历史
func (h *Handler) GetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error) {
	if params == nil || params.ID == "" {
		return nil, invalidParams("task id is required")
	}
	task, ok := h.store.Get(ctx, params.ID)
	if !ok {
		return nil, notFound(params.ID)
	}
	task.TrimHistory(params.HistoryLength)
	return task, nil
}

// CancelTask 取消非终态任务，并中止进行中的执行
func (h *Handler) CancelTask(ctx context.Context, params *a2a.TaskIDParams) (*a2a.Task, error) {
	if params == nil || params.ID == "" {
		return nil, invalidParams("task id is required")
	}
	task, ok := h.store.Get(ctx, params.ID)
	if !ok {
		return nil, notFound(params.ID)
	}
	if task.Status.State.IsTerminal() {
		return nil, types.NewError(types.ErrTaskNotCancelable,
			fmt.Sprintf("task is already %s", task.Status.State)).
			WithTask(task.ID).WithCause(a2a.ErrTaskNotCancelable)
	}

	reason, _ := params.Metadata["reason"].(string)
	r := h.activeRun(task.ID)
	u := h.newUpdater(task)
	if r != nil {
		u = r.updater
	}

	if u.ClaimCompletion() {
		if err := u.Cancel(ctx, reason); err != nil {
			return nil, err
		}
		h.logger.Info("task cancelled", zap.String("task_id", task.ID))
		if r != nil {
			r.cancel()
		}
	} else if r != nil {
		// 执行方已在写终态，等它结束
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}

	snap, ok := h.store.Get(context.WithoutCancel(ctx), task.ID)
	if !ok {
		return nil, notFound(task.ID)
	}
	return snap, nil
}

// Resubscribe 重新订阅任务事件。首个事件为当前快照；
// 任务已终态时只发快照，处于 input_required 时补发一条 final 状态事件。
func (h *Handler) Resubscribe(ctx context.Context, params *a2a.TaskIDParams) (<-chan a2a.StreamEvent, error) {
	if params == nil || params.ID == "" {
		return nil, invalidParams("task id is required")
	}
	if _, ok := h.store.Get(ctx, params.ID); !ok {
		return nil, notFound(params.ID)
	}

	// 先订阅再取快照，避免丢事件
	events, unsub := h.broker.Subscribe(params.ID)
	task, ok := h.store.Get(ctx, params.ID)
	if !ok {
		unsub()
		return nil, notFound(params.ID)
	}

	out := make(chan a2a.StreamEvent, 16)
	go func() {
		defer close(out)
		defer unsub()
		if !emit(ctx, out, a2a.TaskEvent(task)) {
			return
		}
		switch {
		case task.Status.State.IsTerminal():
			return
		case task.Status.State == a2a.TaskStateInputRequired:
			emit(ctx, out, a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{
				TaskID:    task.ID,
				ContextID: task.ContextID,
				Status:    task.Status,
				Final:     true,
			}))
			return
		}
		forward(ctx, out, events)
	}()
	return out, nil
}

// Running 进行中的执行数
func (h *Handler) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}

// Close 中止所有执行并等待其写完终态
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancelAll()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin 校验消息，新建或恢复任务，订阅事件后启动执行
func (h *Handler) begin(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, <-chan a2a.StreamEvent, func(), error) {
	if params == nil {
		return nil, nil, nil, invalidParams("missing params")
	}
	msg := params.Message.Clone()
	if err := msg.Validate(); err != nil {
		return nil, nil, nil, types.NewValidationError(err.Error()).WithCause(err)
	}
	if h.isClosed() {
		return nil, nil, nil, types.NewError(types.ErrInternalError, "server is shutting down").WithCause(ErrClosed)
	}

	if msg.TaskID != "" {
		return h.resume(ctx, msg.TaskID, msg, params.Metadata)
	}
	if msg.ContextID != "" {
		if task, ok := h.store.FindByContext(ctx, msg.ContextID); ok && task.Status.State == a2a.TaskStateInputRequired {
			return h.resume(ctx, task.ID, msg, params.Metadata)
		}
	}
	return h.create(ctx, msg, params.Metadata)
}

func (h *Handler) create(ctx context.Context, msg *a2a.Message, meta map[string]any) (*a2a.Task, <-chan a2a.StreamEvent, func(), error) {
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.New().String()
	}
	task := &a2a.Task{
		ID:        uuid.New().String(),
		ContextID: contextID,
		Kind:      a2a.KindTask,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: time.Now().UTC()},
	}
	msg.TaskID = task.ID
	msg.ContextID = contextID
	task.History = []a2a.Message{*msg}

	if err := h.store.Create(ctx, task); err != nil {
		return nil, nil, nil, types.WrapError(err, types.ErrInternalError, "create task failed")
	}
	h.recorder.RecordTaskCreated()
	h.logger.Info("task created", zap.String("task_id", task.ID), zap.String("context_id", contextID))

	events, unsub, err := h.start(ctx, task, lifecycle.RunRequest{Task: task.Clone(), Message: msg, Metadata: meta})
	if err != nil {
		return nil, nil, nil, err
	}
	return task, events, unsub, nil
}

func (h *Handler) resume(ctx context.Context, taskID string, msg *a2a.Message, meta map[string]any) (*a2a.Task, <-chan a2a.StreamEvent, func(), error) {
	h.resumeMu.Lock()
	defer h.resumeMu.Unlock()

	task, ok := h.store.Get(ctx, taskID)
	if !ok {
		return nil, nil, nil, notFound(taskID)
	}
	if r := h.activeRun(taskID); r != nil {
		if task.Status.State != a2a.TaskStateInputRequired {
			return nil, nil, nil, stillRunning(taskID)
		}
		// 上一轮执行刚发出 input_required，等它退出
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		}
	}

	msg.TaskID = taskID
	msg.ContextID = task.ContextID
	task, err := h.store.Update(ctx, taskID, func(t *a2a.Task) error {
		if t.Status.State.IsTerminal() {
			return types.NewValidationError(fmt.Sprintf("task is already %s", t.Status.State)).WithTask(taskID)
		}
		if t.Status.State != a2a.TaskStateInputRequired {
			return stillRunning(taskID)
		}
		t.History = append(t.History, *msg.Clone())
		return nil
	})
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return nil, nil, nil, notFound(taskID)
		}
		return nil, nil, nil, err
	}
	h.logger.Info("resuming task", zap.String("task_id", taskID))

	events, unsub, err := h.start(ctx, task, lifecycle.RunRequest{Task: task.Clone(), Message: msg, Resuming: true, Metadata: meta})
	if err != nil {
		return nil, nil, nil, err
	}
	return task, events, unsub, nil
}

// start 订阅事件，同步切到 working 后启动执行
func (h *Handler) start(ctx context.Context, task *a2a.Task, req lifecycle.RunRequest) (<-chan a2a.StreamEvent, func(), error) {
	events, unsub := h.broker.Subscribe(task.ID)
	u := h.newUpdater(task)
	if err := u.Start(ctx); err != nil {
		unsub()
		return nil, nil, err
	}
	if err := h.launch(u, req); err != nil {
		unsub()
		return nil, nil, err
	}
	return events, unsub, nil
}

func (h *Handler) launch(u *lifecycle.Updater, req lifecycle.RunRequest) error {
	ctx, cancel := context.WithCancel(h.baseCtx)
	r := &run{cancel: cancel, updater: u, done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		if u.ClaimCompletion() {
			h.writeTerminal(func(ctx context.Context) error { return u.Cancel(ctx, "server shutting down") })
		}
		return types.NewError(types.ErrInternalError, "server is shutting down").WithCause(ErrClosed)
	}
	h.runs[u.TaskID()] = r
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer cancel()
		err := h.execute(ctx, u, req)
		h.ensureTerminal(ctx, u, err)
		close(r.done)
		h.forget(u.TaskID(), r)
	}()
	return nil
}

func (h *Handler) execute(ctx context.Context, u *lifecycle.Updater, req lifecycle.RunRequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("runner panicked", zap.String("task_id", u.TaskID()), zap.Any("panic", p))
			err = types.NewExecutionError(fmt.Sprintf("runner panic: %v", p), nil).WithTask(u.TaskID())
		}
	}()
	return h.runner.Run(ctx, u, req)
}

// ensureTerminal 执行结束后任务必须处于终态或 input_required
func (h *Handler) ensureTerminal(ctx context.Context, u *lifecycle.Updater, runErr error) {
	logger := h.logger.With(zap.String("task_id", u.TaskID()))
	if runErr == nil {
		task, ok := u.Snapshot(context.Background())
		if !ok || task.Status.State.IsTerminal() || task.Status.State == a2a.TaskStateInputRequired {
			return
		}
	}
	if !u.ClaimCompletion() {
		return
	}

	switch {
	case ctx.Err() != nil:
		logger.Info("execution aborted, cancelling task", zap.Error(runErr))
		h.writeTerminal(func(ctx context.Context) error { return u.Cancel(ctx, "Task cancelled") })
	case runErr != nil:
		logger.Warn("execution failed", zap.Error(runErr))
		h.writeTerminal(func(ctx context.Context) error { return u.Fail(ctx, runErr) })
	default:
		logger.Warn("runner returned without a terminal state")
		h.writeTerminal(func(ctx context.Context) error {
			return u.Fail(ctx, errors.New("execution ended without a result"))
		})
	}
}

func (h *Handler) writeTerminal(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		h.logger.Error("failed to write terminal state", zap.Error(err))
	}
}

func (h *Handler) newUpdater(task *a2a.Task) *lifecycle.Updater {
	return lifecycle.NewUpdater(h.store, h.broker, task.ID, task.ContextID,
		lifecycle.WithSinks(h.cfg.Sinks...),
		lifecycle.WithRecorder(h.recorder),
		lifecycle.WithLogger(h.cfg.Logger),
	)
}

func (h *Handler) activeRun(taskID string) *run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[taskID]
}

func (h *Handler) forget(taskID string, r *run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runs[taskID] == r {
		delete(h.runs, taskID)
	}
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func emit(ctx context.Context, out chan<- a2a.StreamEvent, ev a2a.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func forward(ctx context.Context, out chan<- a2a.StreamEvent, events <-chan a2a.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !emit(ctx, out, ev) || ev.IsFinal() {
				return
			}
		}
	}
}

func notFound(taskID string) error {
	return types.NewError(types.ErrTaskNotFound, "task not found").WithTask(taskID).WithCause(a2a.ErrTaskNotFound)
}

func stillRunning(taskID string) error {
	return types.NewValidationError("task is still running").WithTask(taskID)
}

func invalidParams(msg string) error {
	return types.NewValidationError(msg).WithCause(a2a.ErrInvalidMessage)
}

var _ a2a.TaskHandler = (*Handler)(nil)
