// Package orchestrator 按固定步骤顺序调用对端代理，并在父任务元数据中记录进度。
//
// 失败时保留已完成步骤的结果，不做回滚。
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/client"
	"github.com/BaSui01/agentbridge/bridge/lifecycle"
	"github.com/BaSui01/agentbridge/bridge/merge"
	"github.com/BaSui01/agentbridge/bridge/taskstore"
	"github.com/BaSui01/agentbridge/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// 父任务元数据键
const (
	MetaPattern        = "pattern"
	MetaCurrentStep    = "current_step"
	MetaCompletedSteps = "completed_steps"
	MetaPendingSteps   = "pending_steps"
	MetaProgress       = "progress"
	MetaAgentResponses = "agent_responses"
	MetaError          = lifecycle.MetadataError
	MetaFailedStep     = "failed_step"
)

// terminalWriteTimeout 上下文结束后写入终态的时限
const terminalWriteTimeout = 5 * time.Second

// Peer 一个步骤对应的对端代理，client.Engine 实现该接口
type Peer interface {
	Send(ctx context.Context, msg *a2a.Message) (*client.UnifiedResponse, error)
}

// Recorder 步骤指标，由 metrics.Collector 实现
type Recorder interface {
	RecordWorkflowStep(step, outcome string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowStep(string, string, time.Duration) {}

// Option 配置编排器
type Option func(*Orchestrator)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithBroker 设置事件分发器，Execute 创建的父任务通过它发布事件
func WithBroker(b *lifecycle.Broker) Option {
	return func(o *Orchestrator) { o.broker = b }
}

// Orchestrator 工作流编排器，实现 lifecycle.Runner
type Orchestrator struct {
	store    taskstore.Store
	broker   *lifecycle.Broker
	peers    map[Step]Peer
	recorder Recorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New 创建编排器；peers 按步骤提供对端
func New(store taskstore.Store, peers map[Step]Peer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		peers:    peers,
		recorder: nopRecorder{},
		tracer:   otel.Tracer("agentbridge/orchestrator"),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o
}

// Execute 以 text 创建父任务并同步执行工作流，返回最终任务快照。
// 步骤失败时任务为 failed，同时返回带步骤名的错误。
func (o *Orchestrator) Execute(ctx context.Context, text string, data map[string]any) (*a2a.Task, error) {
	parts := []a2a.Part{a2a.NewTextPart(text)}
	if len(data) > 0 {
		parts = append(parts, a2a.NewDataPart(data))
	}
	msg := a2a.NewMessage(a2a.RoleUser, parts...)
	task := &a2a.Task{
		ID:        uuid.New().String(),
		ContextID: uuid.New().String(),
		Kind:      a2a.KindTask,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: time.Now().UTC()},
	}
	msg.TaskID, msg.ContextID = task.ID, task.ContextID
	task.History = []a2a.Message{*msg}
	if err := o.store.Create(ctx, task); err != nil {
		return nil, types.WrapError(err, types.ErrInternalError, "create workflow task failed")
	}

	u := lifecycle.NewUpdater(o.store, o.broker, task.ID, task.ContextID, lifecycle.WithLogger(o.logger))
	runErr := o.Run(ctx, u, lifecycle.RunRequest{Task: task, Message: msg})
	snap, ok := o.store.Get(context.WithoutCancel(ctx), task.ID)
	if !ok {
		return nil, types.NewError(types.ErrTaskNotFound, "workflow task disappeared").WithTask(task.ID)
	}
	return snap, runErr
}

// Run 实现 lifecycle.Runner：分类输入，依次执行步骤，最后写入汇总结果
func (o *Orchestrator) Run(ctx context.Context, u *lifecycle.Updater, req lifecycle.RunRequest) error {
	text := req.Message.Text()
	pattern := Classify(text)
	steps := StepsFor(pattern)
	logger := o.logger.With(zap.String("task_id", u.TaskID()), zap.String("pattern", string(pattern)))

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("task.id", u.TaskID()),
		attribute.String("workflow.pattern", string(pattern)),
	))
	defer span.End()

	if task, ok := u.Snapshot(ctx); !ok || task.Status.State != a2a.TaskStateWorking {
		if err := u.Start(ctx); err != nil {
			return err
		}
	}

	var input map[string]any
	if req.Message != nil {
		input = merge.Many(req.Message.DataParts())
	}
	completed := make([]Step, 0, len(steps))
	responses := make(map[string]any, len(steps))

	if err := u.MergeMetadata(ctx, map[string]any{
		MetaPattern:        string(pattern),
		MetaCurrentStep:    "",
		MetaCompletedSteps: stepList(nil),
		MetaPendingSteps:   stepList(steps),
		MetaProgress:       0,
		MetaAgentResponses: map[string]any{},
	}); err != nil {
		return err
	}
	logger.Info("workflow started", zap.Int("steps", len(steps)))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			logger.Info("workflow aborted", zap.String("step", string(step)), zap.Error(err))
			return o.abort(ctx, u, step, err)
		}
		if err := u.MergeMetadata(ctx, map[string]any{MetaCurrentStep: string(step)}); err != nil {
			return err
		}
		if err := u.Progress(ctx, a2a.NewAgentText(fmt.Sprintf("Starting step %d/%d: %s", i+1, len(steps), step))); err != nil {
			return err
		}

		result, err := o.runStep(ctx, step, text, input, responses)
		if err != nil && ctx.Err() != nil {
			logger.Info("workflow aborted during step", zap.String("step", string(step)), zap.Error(err))
			return o.abort(ctx, u, step, ctx.Err())
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("workflow step failed", zap.String("step", string(step)), zap.Error(err))
			return o.failStep(ctx, u, step, err)
		}

		completed = append(completed, step)
		responses[string(step)] = result
		if err := u.MergeMetadata(ctx, map[string]any{
			MetaCompletedSteps: stepList(completed),
			MetaPendingSteps:   stepList(steps[i+1:]),
			MetaProgress:       percent(len(completed), len(steps)),
			MetaAgentResponses: a2a.CloneMap(responses),
		}); err != nil {
			return err
		}
		done := a2a.NewMessage(a2a.RoleAgent,
			a2a.NewTextPart(fmt.Sprintf("Completed step %d/%d: %s", i+1, len(steps), step)),
			a2a.NewDataPart(a2a.CloneMap(result)),
		)
		if err := u.Progress(ctx, done); err != nil {
			return err
		}
	}

	if !u.ClaimCompletion() {
		return nil
	}
	if err := u.MergeMetadata(ctx, map[string]any{MetaCurrentStep: ""}); err != nil {
		return err
	}
	logger.Info("workflow completed")
	return u.Complete(ctx, a2a.NewMessage(a2a.RoleAgent,
		a2a.NewTextPart(summary(pattern, steps, responses)),
		a2a.NewDataPart(map[string]any{
			MetaPattern:        string(pattern),
			MetaAgentResponses: a2a.CloneMap(responses),
		}),
	))
}

func (o *Orchestrator) runStep(ctx context.Context, step Step, text string, input, previous map[string]any) (map[string]any, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(attribute.String("workflow.step", string(step))))
	defer span.End()

	result, err := o.callPeer(ctx, step, text, input, previous)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.recorder.RecordWorkflowStep(string(step), outcome, time.Since(start))
	return result, err
}

func (o *Orchestrator) callPeer(ctx context.Context, step Step, text string, input, previous map[string]any) (map[string]any, error) {
	peer, ok := o.peers[step]
	if !ok || peer == nil {
		return nil, types.NewValidationError("no peer configured").WithStep(string(step))
	}

	data := map[string]any{"workflow_step": string(step)}
	if len(input) > 0 {
		data["input"] = a2a.CloneMap(input)
	}
	if len(previous) > 0 {
		data["previous_results"] = a2a.CloneMap(previous)
	}
	resp, err := peer.Send(ctx, a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart(text), a2a.NewDataPart(data)))
	switch {
	case err != nil:
		if e, ok := types.AsError(err); ok && e.Step == "" {
			return nil, wrapStep(e, step)
		}
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.NewExecutionError("peer call failed", err).WithStep(string(step))
	case resp.TimedOut:
		return nil, types.NewTimeoutError("peer did not finish within the poll ceiling").
			WithTask(resp.TaskID).WithStep(string(step))
	case resp.State == a2a.TaskStateInputRequired:
		return nil, types.NewExecutionError("peer requires input: "+resp.MergedText, nil).
			WithTask(resp.TaskID).WithStep(string(step))
	}

	result := map[string]any{"task_id": resp.TaskID, "state": string(resp.State)}
	if resp.MergedText != "" {
		result["text"] = resp.MergedText
	}
	if len(resp.MergedData) > 0 {
		result["data"] = a2a.CloneMap(resp.MergedData)
	}
	return result, nil
}

// failStep 保留已完成步骤，记录失败步骤后将父任务置为 failed
func (o *Orchestrator) failStep(ctx context.Context, u *lifecycle.Updater, step Step, cause error) error {
	if err := u.MergeMetadata(ctx, map[string]any{
		MetaFailedStep:  string(step),
		MetaCurrentStep: string(step),
	}); err != nil {
		o.logger.Warn("failed to record failed step", zap.Error(err))
	}
	if u.ClaimCompletion() {
		if err := u.Fail(ctx, cause); err != nil {
			return err
		}
	}
	return cause
}

// abort 上下文结束时以 cancelled 结束父任务，已完成步骤保留；完成权已被认领时直接返回
func (o *Orchestrator) abort(ctx context.Context, u *lifecycle.Updater, step Step, cause error) error {
	if !u.ClaimCompletion() {
		return cause
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := u.Cancel(wctx, fmt.Sprintf("Workflow cancelled at step %s", step)); err != nil {
		o.logger.Warn("failed to cancel workflow task", zap.String("task_id", u.TaskID()), zap.Error(err))
	}
	return cause
}

func wrapStep(e *types.Error, step Step) *types.Error {
	c := *e
	c.Step = string(step)
	return &c
}

func stepList(steps []Step) []any {
	out := make([]any, len(steps))
	for i, s := range steps {
		out[i] = string(s)
	}
	return out
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

func summary(pattern Pattern, steps []Step, responses map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %s completed (%d steps)", pattern, len(steps))
	for _, s := range steps {
		r, _ := responses[string(s)].(map[string]any)
		if text, _ := r["text"].(string); text != "" {
			fmt.Fprintf(&b, "\n- %s: %s", s, text)
		}
	}
	return b.String()
}

var _ lifecycle.Runner = (*Orchestrator)(nil)
