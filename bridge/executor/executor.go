// Package executor 端到端驱动单个任务：选择执行模式、调用计算图、驱动事件翻译，
// 并保证每个任务只写入一次终态。
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/graph"
	"github.com/BaSui01/agentbridge/bridge/lifecycle"
	"github.com/BaSui01/agentbridge/bridge/merge"
	"github.com/BaSui01/agentbridge/bridge/translator"
	"github.com/BaSui01/agentbridge/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Mode 执行模式
type Mode string

const (
	// ModeStreaming 驱动事件翻译器消费实时事件流
	ModeStreaming Mode = "streaming"
	// ModeBlocking 同步执行到结束后一次性写入完成消息
	ModeBlocking Mode = "blocking"
)

// MetadataExecutionMode 请求元数据中选择执行模式的键
const MetadataExecutionMode = "execution_mode"

// ParseMode 解析模式字符串，未知值返回 ok=false
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStreaming:
		return ModeStreaming, true
	case ModeBlocking:
		return ModeBlocking, true
	}
	return "", false
}

// ModeFrom 从请求元数据读取模式，缺省或非法时返回 def
func ModeFrom(meta map[string]any, def Mode) Mode {
	switch v := meta[MetadataExecutionMode].(type) {
	case string:
		if m, ok := ParseMode(v); ok {
			return m
		}
	case bool:
		// 兼容布尔开关：true 表示阻塞
		if v {
			return ModeBlocking
		}
		return ModeStreaming
	}
	return def
}

// Config 执行器配置
type Config struct {
	DefaultMode Mode
	Translator  translator.Config
	Logger      *zap.Logger
}

// Executor 实现 lifecycle.Runner
type Executor struct {
	graph      graph.Graph
	translator *translator.Translator
	mode       Mode
	tracer     trace.Tracer
	logger     *zap.Logger
}

// New 创建执行器
func New(g graph.Graph, cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeStreaming
	}
	if cfg.Translator.Logger == nil {
		cfg.Translator.Logger = cfg.Logger
	}
	return &Executor{
		graph:      g,
		translator: translator.New(g, cfg.Translator),
		mode:       cfg.DefaultMode,
		tracer:     otel.Tracer("agentbridge/executor"),
		logger:     cfg.Logger.With(zap.String("component", "executor")),
	}
}

// Run 实现 lifecycle.Runner
func (e *Executor) Run(ctx context.Context, u *lifecycle.Updater, req lifecycle.RunRequest) error {
	mode := ModeFrom(req.Metadata, e.mode)
	threadID := u.ContextID()

	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("task.id", u.TaskID()),
		attribute.String("task.context_id", threadID),
		attribute.String("execution.mode", string(mode)),
		attribute.Bool("execution.resuming", req.Resuming),
	))
	defer span.End()

	logger := e.logger.With(zap.String("task_id", u.TaskID()), zap.String("mode", string(mode)))

	// 调用方可能已同步切到 working
	if task, ok := u.Snapshot(ctx); !ok || task.Status.State != a2a.TaskStateWorking {
		if err := u.Start(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	in := buildInput(req)
	var (
		outcome translator.Outcome
		err     error
	)
	switch mode {
	case ModeBlocking:
		outcome, err = e.runBlocking(ctx, u, in, threadID)
	default:
		outcome, err = e.runStreaming(ctx, u, in, threadID)
	}
	span.SetAttributes(attribute.String("execution.outcome", outcome.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if outcome == translator.OutcomeAborted {
			logger.Info("execution aborted", zap.Error(err))
			return nil
		}
		return types.NewExecutionError("graph execution failed", err).WithTask(u.TaskID())
	}

	return nil
}

func (e *Executor) runStreaming(ctx context.Context, u *lifecycle.Updater, in graph.Input, threadID string) (translator.Outcome, error) {
	events, err := e.graph.Stream(ctx, in, threadID)
	if err != nil {
		return translator.OutcomeFailed, e.fail(ctx, u, err)
	}
	return e.translator.Run(ctx, u, events, threadID)
}

func (e *Executor) runBlocking(ctx context.Context, u *lifecycle.Updater, in graph.Input, threadID string) (translator.Outcome, error) {
	stop := e.heartbeat(ctx, u)
	state, err := e.graph.Invoke(ctx, in, threadID)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return translator.OutcomeAborted, ctx.Err()
		}
		var interrupt *graph.InterruptError
		if errors.As(err, &interrupt) {
			if err := u.RequireInput(ctx, interrupt.Prompt, interrupt.Payload); err != nil {
				return translator.OutcomeFailed, err
			}
			return translator.OutcomeInputRequired, nil
		}
		return translator.OutcomeFailed, e.fail(ctx, u, err)
	}
	return translator.OutcomeCompleted, e.translator.CompleteFromState(ctx, u, threadID, state, "")
}

// heartbeat 在阻塞调用期间按间隔发送心跳，返回的函数停止并等待协程退出
func (e *Executor) heartbeat(ctx context.Context, u *lifecycle.Updater) func() {
	interval := e.translator.Config().HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.Heartbeat(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// fail 认领完成权后写入 failed，返回原始错误
func (e *Executor) fail(ctx context.Context, u *lifecycle.Updater, cause error) error {
	if u.ClaimCompletion() {
		if err := u.Fail(ctx, cause); err != nil {
			return fmt.Errorf("%w (while recording failure: %v)", cause, err)
		}
	}
	return cause
}

func buildInput(req lifecycle.RunRequest) graph.Input {
	in := graph.Input{Resuming: req.Resuming}
	if req.Message == nil {
		return in
	}
	in.Text = req.Message.Text()
	if data := req.Message.DataParts(); len(data) > 0 {
		in.Data = merge.Many(data)
	}
	if req.Resuming {
		if len(in.Data) > 0 {
			in.Resume = in.Data
		} else {
			in.Resume = in.Text
		}
	}
	return in
}

var _ lifecycle.Runner = (*Executor)(nil)
