// Package client 实现对端代理的消息引擎：发送消息、消费事件流、轮询权威结果并合并片段。
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/fingerprint"
	"github.com/BaSui01/agentbridge/bridge/merge"
	"github.com/BaSui01/agentbridge/internal/retry"
	"github.com/BaSui01/agentbridge/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Transport 出站任务协议，a2a.HTTPClient 实现该接口
type Transport interface {
	Discover(ctx context.Context) (*a2a.AgentCard, error)
	SendMessage(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error)
	StreamMessage(ctx context.Context, params *a2a.MessageSendParams) (a2a.Stream, error)
	GetTask(ctx context.Context, taskID string, historyLength int) (*a2a.Task, error)
}

// Recorder 客户端指标，由 metrics.Collector 实现
type Recorder interface {
	RecordClientRequest(peer, outcome string, duration time.Duration)
	RecordPollAttempt(peer string)
	RecordRetry(peer string)
	RecordCacheLookup(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordClientRequest(string, string, time.Duration) {}
func (nopRecorder) RecordPollAttempt(string)                          {}
func (nopRecorder) RecordRetry(string)                                {}
func (nopRecorder) RecordCacheLookup(bool)                            {}

// Config 引擎配置
type Config struct {
	// PollAttempts 与 PollInterval 共同决定轮询上限
	PollAttempts int
	PollInterval time.Duration
	// MaxAttempts 单次网络调用的总尝试次数
	MaxAttempts int
	RetryDelay  time.Duration
	// Streaming 对端声明支持时使用 message/stream
	Streaming bool
	// ReuseCachedTasks 命中指纹且远端任务已完成时复用结果，默认关闭
	ReuseCachedTasks bool
	HistoryLength    int
}

// DefaultConfig 12 次 × 10s 轮询，3 次尝试，1s 退避基数
func DefaultConfig() Config {
	return Config{
		PollAttempts: 12,
		PollInterval: 10 * time.Second,
		MaxAttempts:  3,
		RetryDelay:   time.Second,
		Streaming:    true,
	}
}

// UnifiedResponse 一次发送的归一化结果
type UnifiedResponse struct {
	TaskID    string            `json:"task_id"`
	ContextID string            `json:"context_id,omitempty"`
	State     a2a.TaskState     `json:"state"`
	TextParts []string          `json:"text_parts,omitempty"`
	DataParts []map[string]any  `json:"data_parts,omitempty"`
	FileParts []a2a.FileContent `json:"file_parts,omitempty"`
	// MergedText 权威文本；没有权威文本时为流式文本的合并
	MergedText string `json:"merged_text"`
	// MergedData 所有结构化片段的深度合并
	MergedData map[string]any `json:"merged_data,omitempty"`
	// TimedOut 轮询达到上限仍未结束，远端任务可能仍在运行
	TimedOut bool `json:"timed_out,omitempty"`
	// Reused 结果来自指纹缓存命中的已完成任务
	Reused bool `json:"reused,omitempty"`
}

// Option 配置引擎
type Option func(*Engine)

// WithCache 设置指纹缓存
func WithCache(c fingerprint.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithName 设置对端名称，用于日志与指标
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine 面向单个对端的消息引擎，可并发使用
type Engine struct {
	transport Transport
	cfg       Config
	cache     fingerprint.Cache
	recorder  Recorder
	retryer   *retry.Retryer
	tracer    trace.Tracer
	name      string
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine 创建消息引擎
func NewEngine(transport Transport, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	e := &Engine{
		transport: transport,
		cfg:       cfg,
		recorder:  nopRecorder{},
		tracer:    otel.Tracer("agentbridge/client"),
		name:      "peer",
		logger:    zap.NewNop(),
		sleep:     retry.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "message_engine"), zap.String("peer", e.name))

	policy := retry.PolicyForAttempts(cfg.MaxAttempts, cfg.RetryDelay)
	policy.OnRetry = func(int, error, time.Duration) { e.recorder.RecordRetry(e.name) }
	e.retryer = retry.New(policy, e.logger)
	return e
}

// Name 对端名称
func (e *Engine) Name() string { return e.name }

// Config 返回生效配置
func (e *Engine) Config() Config { return e.cfg }

// SendText 发送单文本（可附带一个数据片段）的用户消息
func (e *Engine) SendText(ctx context.Context, text string, data map[string]any) (*UnifiedResponse, error) {
	parts := []a2a.Part{a2a.NewTextPart(text)}
	if len(data) > 0 {
		parts = append(parts, a2a.NewDataPart(data))
	}
	return e.Send(ctx, a2a.NewMessage(a2a.RoleUser, parts...))
}

// Send 发送消息并等待结果。
// 远端任务 failed/cancelled 时返回 EXECUTION 错误；轮询达到上限时返回 TimedOut=true 且不返回错误。
func (e *Engine) Send(ctx context.Context, msg *a2a.Message) (resp *UnifiedResponse, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "client.send", trace.WithAttributes(attribute.String("peer", e.name)))
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case resp.TimedOut:
			outcome = "timeout"
		case resp.Reused:
			outcome = "reused"
		}
		if resp != nil {
			span.SetAttributes(attribute.String("task.id", resp.TaskID), attribute.String("task.state", string(resp.State)))
		}
		e.recorder.RecordClientRequest(e.name, outcome, time.Since(start))
		span.End()
	}()

	if err := msg.Validate(); err != nil {
		return nil, types.NewValidationError(err.Error()).WithCause(err)
	}
	fp, err := fingerprint.Compute(msg)
	if err != nil {
		return nil, types.NewValidationError("fingerprint message").WithCause(err)
	}

	if e.cfg.ReuseCachedTasks && e.cache != nil {
		if resp, ok := e.reuse(ctx, fp); ok {
			return resp, nil
		}
	}

	card, err := retry.Do(ctx, e.retryer, e.transport.Discover)
	if err != nil {
		return nil, err
	}

	params := &a2a.MessageSendParams{
		Message: *msg.Clone(),
		Configuration: &a2a.MessageSendConfiguration{
			AcceptedOutputModes: []string{"text/plain", "application/json"},
			HistoryLength:       e.cfg.HistoryLength,
		},
	}

	acc := &accumulator{}
	if e.cfg.Streaming && card.Capabilities.Streaming {
		err = e.stream(ctx, params, acc)
	} else {
		var task *a2a.Task
		task, err = retry.Do(ctx, e.retryer, func(ctx context.Context) (*a2a.Task, error) {
			return e.transport.SendMessage(ctx, params)
		})
		if err == nil {
			acc.addTask(task)
		}
	}
	if err != nil {
		return nil, err
	}
	if acc.taskID == "" {
		return nil, types.NewProtocolError("peer did not report a task id", nil).WithRetryable(false)
	}
	logger := e.logger.With(zap.String("task_id", acc.taskID))

	if e.cache != nil {
		entry := fingerprint.Entry{TaskID: acc.taskID, ContextID: acc.contextID, Peer: e.name, CreatedAt: time.Now().UTC()}
		if err := e.cache.Put(ctx, fp, entry); err != nil {
			logger.Warn("failed to cache fingerprint", zap.Error(err))
		}
	}

	// 流结束不代表权威产物已经挂上，始终轮询
	task, err := e.poll(ctx, acc.taskID)
	if errors.Is(err, errPollExhausted) {
		logger.Warn("poll ceiling reached, outcome unknown",
			zap.Int("attempts", e.cfg.PollAttempts), zap.Duration("interval", e.cfg.PollInterval))
		resp := acc.response()
		resp.TimedOut = true
		if task != nil {
			resp.State = task.Status.State
		}
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return e.finish(task, acc)
}

func (e *Engine) stream(ctx context.Context, params *a2a.MessageSendParams, acc *accumulator) error {
	stream, err := retry.Do(ctx, e.retryer, func(ctx context.Context) (a2a.Stream, error) {
		return e.transport.StreamMessage(ctx, params)
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if acc.taskID != "" && ctx.Err() == nil {
				// 已知任务 ID，流中断后交给轮询
				e.logger.Warn("event stream interrupted, falling back to polling",
					zap.String("task_id", acc.taskID), zap.Error(err))
				return nil
			}
			return err
		}
		acc.addEvent(ev)
		if ev.IsFinal() {
			return nil
		}
	}
}

var errPollExhausted = errors.New("poll attempts exhausted")

// poll 查询任务直到终态或 input_required，最多 PollAttempts 次
func (e *Engine) poll(ctx context.Context, taskID string) (*a2a.Task, error) {
	var last *a2a.Task
	for attempt := 1; attempt <= e.cfg.PollAttempts; attempt++ {
		task, err := retry.Do(ctx, e.retryer, func(ctx context.Context) (*a2a.Task, error) {
			return e.transport.GetTask(ctx, taskID, e.cfg.HistoryLength)
		})
		if err != nil {
			return nil, err
		}
		e.recorder.RecordPollAttempt(e.name)
		last = task
		state := task.Status.State
		if state.IsTerminal() || state == a2a.TaskStateInputRequired {
			return task, nil
		}
		e.logger.Debug("task not finished yet",
			zap.String("task_id", taskID), zap.String("state", string(state)), zap.Int("attempt", attempt))
		if attempt < e.cfg.PollAttempts {
			if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
				return nil, err
			}
		}
	}
	return last, errPollExhausted
}

func (e *Engine) finish(task *a2a.Task, acc *accumulator) (*UnifiedResponse, error) {
	switch task.Status.State {
	case a2a.TaskStateCompleted:
		auth := authoritative(task)
		resp := acc.response()
		resp.State = task.Status.State
		if auth.text != "" {
			resp.TextParts = auth.texts
			resp.MergedText = auth.text
		}
		resp.DataParts = append(resp.DataParts, auth.data...)
		resp.FileParts = append(resp.FileParts, auth.files...)
		resp.MergedData = merge.Many(resp.DataParts)
		return resp, nil

	case a2a.TaskStateInputRequired:
		resp := acc.response()
		resp.State = task.Status.State
		if m := task.Status.Message; m != nil {
			f := fragmentsOf(m.Parts)
			if f.text != "" {
				resp.TextParts = f.texts
				resp.MergedText = f.text
			}
			resp.DataParts = append(resp.DataParts, f.data...)
			resp.MergedData = merge.Many(resp.DataParts)
		}
		return resp, nil

	default:
		reason := failureReason(task)
		return nil, types.NewExecutionError(
			fmt.Sprintf("peer %s task %s: %s", e.name, task.Status.State, reason), nil).WithTask(task.ID)
	}
}

// reuse 指纹命中且远端任务确认已完成时复用结果，否则丢弃缓存项
func (e *Engine) reuse(ctx context.Context, fp string) (*UnifiedResponse, bool) {
	entry, ok, err := e.cache.Get(ctx, fp)
	if err != nil {
		e.logger.Warn("fingerprint cache lookup failed", zap.Error(err))
		return nil, false
	}
	e.recorder.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}

	task, err := e.transport.GetTask(ctx, entry.TaskID, e.cfg.HistoryLength)
	if err != nil || task.Status.State != a2a.TaskStateCompleted {
		e.logger.Debug("cached task not reusable", zap.String("task_id", entry.TaskID), zap.Error(err))
		if err := e.cache.Delete(ctx, fp); err != nil {
			e.logger.Warn("failed to drop fingerprint", zap.Error(err))
		}
		return nil, false
	}
	resp, err := e.finish(task, &accumulator{taskID: task.ID, contextID: task.ContextID})
	if err != nil {
		return nil, false
	}
	resp.Reused = true
	return resp, true
}

type fragments struct {
	texts []string
	text  string
	data  []map[string]any
	files []a2a.FileContent
}

func fragmentsOf(parts []a2a.Part) fragments {
	var f fragments
	for _, p := range parts {
		switch p.Kind {
		case a2a.PartKindText:
			if strings.TrimSpace(p.Text) != "" {
				f.texts = append(f.texts, p.Text)
			}
		case a2a.PartKindData:
			if len(p.Data) > 0 {
				f.data = append(f.data, a2a.CloneMap(p.Data))
			}
		case a2a.PartKindFile:
			if p.File != nil {
				f.files = append(f.files, *p.File)
			}
		}
	}
	f.text = merge.TextAll(f.texts)
	return f
}

// authoritative 产物优先，没有产物内容时退回到最后一条 agent 历史消息
func authoritative(task *a2a.Task) fragments {
	var parts []a2a.Part
	for _, a := range task.Artifacts {
		parts = append(parts, a.Parts...)
	}
	if f := fragmentsOf(parts); f.text != "" || len(f.data) > 0 || len(f.files) > 0 {
		return f
	}
	for i := len(task.History) - 1; i >= 0; i-- {
		if task.History[i].Role != a2a.RoleAgent {
			continue
		}
		if f := fragmentsOf(task.History[i].Parts); f.text != "" || len(f.data) > 0 {
			return f
		}
	}
	return fragments{}
}

func failureReason(task *a2a.Task) string {
	if s, ok := task.Metadata["error"].(string); ok && s != "" {
		return s
	}
	if m := task.Status.Message; m != nil {
		if t := m.Text(); t != "" {
			return t
		}
	}
	return "no reason reported"
}

// accumulator 汇总流式事件中的片段
type accumulator struct {
	taskID    string
	contextID string
	state     a2a.TaskState
	text      string
	texts     []string
	data      []map[string]any
	files     []a2a.FileContent
}

func (a *accumulator) addEvent(ev a2a.StreamEvent) {
	switch {
	case ev.Task != nil:
		a.addTask(ev.Task)
	case ev.StatusUpdate != nil:
		a.ids(ev.StatusUpdate.TaskID, ev.StatusUpdate.ContextID)
		a.state = ev.StatusUpdate.Status.State
		if m := ev.StatusUpdate.Status.Message; m != nil && m.Role == a2a.RoleAgent {
			a.addParts(m.Parts)
		}
	case ev.ArtifactUpdate != nil:
		a.ids(ev.ArtifactUpdate.TaskID, ev.ArtifactUpdate.ContextID)
		a.addParts(ev.ArtifactUpdate.Artifact.Parts)
	case ev.Message != nil:
		a.ids(ev.Message.TaskID, ev.Message.ContextID)
		if ev.Message.Role == a2a.RoleAgent {
			a.addParts(ev.Message.Parts)
		}
	}
}

func (a *accumulator) addTask(t *a2a.Task) {
	if t == nil {
		return
	}
	a.ids(t.ID, t.ContextID)
	a.state = t.Status.State
	for _, art := range t.Artifacts {
		a.addParts(art.Parts)
	}
}

func (a *accumulator) ids(taskID, contextID string) {
	if a.taskID == "" {
		a.taskID = taskID
	}
	if a.contextID == "" {
		a.contextID = contextID
	}
}

func (a *accumulator) addParts(parts []a2a.Part) {
	f := fragmentsOf(parts)
	for _, t := range f.texts {
		a.texts = append(a.texts, t)
		a.text = merge.Text(a.text, t)
	}
	a.data = append(a.data, f.data...)
	a.files = append(a.files, f.files...)
}

func (a *accumulator) response() *UnifiedResponse {
	return &UnifiedResponse{
		TaskID:     a.taskID,
		ContextID:  a.contextID,
		State:      a.state,
		TextParts:  append([]string(nil), a.texts...),
		DataParts:  append([]map[string]any(nil), a.data...),
		FileParts:  append([]a2a.FileContent(nil), a.files...),
		MergedText: a.text,
		MergedData: merge.Many(a.data),
	}
}
