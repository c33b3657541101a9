// Package translator 将计算图事件流翻译为任务状态与消息。
package translator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/graph"
	"github.com/BaSui01/agentbridge/bridge/lifecycle"
	"go.uber.org/zap"
)

// FallbackText 无法得到任何输出时的完成消息
const FallbackText = "task finished"

// Config 翻译器配置
type Config struct {
	// FlushThreshold 文本缓冲达到该字符数时作为 working 消息发出
	FlushThreshold int
	// HeartbeatInterval 心跳间隔，0 表示关闭
	HeartbeatInterval time.Duration
	// TerminalNodes 结束后触发完成的节点
	TerminalNodes []string
	// Extractor 从状态快照提取最终结果
	Extractor graph.Extractor
	Logger    *zap.Logger
}

// DefaultConfig 阈值 100 字符、心跳 10s、终止节点 __end__
func DefaultConfig() Config {
	return Config{
		FlushThreshold:    100,
		HeartbeatInterval: 10 * time.Second,
		TerminalNodes:     []string{graph.EndNode},
		Extractor:         graph.DefaultExtractor,
	}
}

// Outcome 一次翻译的结局
type Outcome int

const (
	// OutcomeCompleted 任务已完成（或完成权已被他方认领）
	OutcomeCompleted Outcome = iota
	// OutcomeInputRequired 计算暂停等待输入
	OutcomeInputRequired
	// OutcomeFailed 计算图报错
	OutcomeFailed
	// OutcomeAborted 上下文取消，未写终态
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInputRequired:
		return "input_required"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Translator 事件翻译器，可被多个任务并发使用
type Translator struct {
	graph    graph.Graph
	cfg      Config
	terminal map[string]struct{}
	logger   *zap.Logger
}

// New 创建翻译器；g 用于读取状态快照
func New(g graph.Graph, cfg Config) *Translator {
	def := DefaultConfig()
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = def.FlushThreshold
	}
	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	}
	if len(cfg.TerminalNodes) == 0 {
		cfg.TerminalNodes = def.TerminalNodes
	}
	if cfg.Extractor == nil {
		cfg.Extractor = def.Extractor
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	terminal := make(map[string]struct{}, len(cfg.TerminalNodes))
	for _, n := range cfg.TerminalNodes {
		terminal[n] = struct{}{}
	}
	return &Translator{
		graph:    g,
		cfg:      cfg,
		terminal: terminal,
		logger:   cfg.Logger.With(zap.String("component", "event_translator")),
	}
}

// Config 返回生效配置
func (t *Translator) Config() Config { return t.cfg }

type textBuffer struct {
	pending   strings.Builder
	runes     int
	collected strings.Builder
}

func (b *textBuffer) add(s string) {
	b.pending.WriteString(s)
	b.runes += utf8.RuneCountInString(s)
	b.collected.WriteString(s)
}

func (b *textBuffer) take() string {
	s := b.pending.String()
	b.pending.Reset()
	b.runes = 0
	return s
}

// Run 消费事件流直到终态、中断、出错或流结束。
// 流结束而未命中终止节点时，按快照与已收集文本合成完成消息。
func (t *Translator) Run(ctx context.Context, u *lifecycle.Updater, events <-chan graph.Envelope, threadID string) (Outcome, error) {
	var heartbeat <-chan time.Time
	if t.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	logger := t.logger.With(zap.String("task_id", u.TaskID()))
	buf := &textBuffer{}

	for {
		select {
		case <-ctx.Done():
			return OutcomeAborted, ctx.Err()

		case <-heartbeat:
			u.Heartbeat(ctx)

		case env, ok := <-events:
			if !ok {
				// 取消导致的流关闭不算正常结束
				if err := ctx.Err(); err != nil {
					return OutcomeAborted, err
				}
				if err := t.flush(ctx, u, buf); err != nil {
					return OutcomeFailed, err
				}
				logger.Debug("event stream ended without terminal node, completing from state")
				return OutcomeCompleted, t.CompleteFromState(ctx, u, threadID, nil, buf.collected.String())
			}

			if env.Err != nil {
				_ = t.flush(ctx, u, buf)
				logger.Warn("graph execution failed", zap.Error(env.Err))
				if u.ClaimCompletion() {
					if err := u.Fail(ctx, env.Err); err != nil {
						return OutcomeFailed, err
					}
				}
				return OutcomeFailed, env.Err
			}

			switch ev := env.Event.(type) {
			case graph.TokenChunk:
				buf.add(ev.Text)
				if buf.runes >= t.cfg.FlushThreshold {
					if err := t.flush(ctx, u, buf); err != nil {
						return OutcomeFailed, err
					}
				}

			case graph.Interrupt:
				if err := t.flush(ctx, u, buf); err != nil {
					return OutcomeFailed, err
				}
				logger.Info("graph interrupted, waiting for input", zap.String("node", ev.Node))
				if err := u.RequireInput(ctx, ev.Prompt, ev.Payload); err != nil {
					return OutcomeFailed, err
				}
				return OutcomeInputRequired, nil

			case graph.NodeEnd:
				if _, ok := t.terminal[ev.Node]; !ok {
					logger.Debug("node finished", zap.String("node", ev.Node))
					continue
				}
				if err := t.flush(ctx, u, buf); err != nil {
					return OutcomeFailed, err
				}
				return OutcomeCompleted, t.CompleteFromState(ctx, u, threadID, ev.Output, buf.collected.String())

			case graph.NodeStart:
				logger.Debug("node started", zap.String("node", ev.Node))
			case graph.ToolStart:
				logger.Debug("tool started", zap.String("node", ev.Node), zap.String("tool", ev.Tool))
			case graph.ToolEnd:
				logger.Debug("tool finished", zap.String("node", ev.Node), zap.String("tool", ev.Tool))
			case nil:
				logger.Warn("empty graph event")
			}
		}
	}
}

func (t *Translator) flush(ctx context.Context, u *lifecycle.Updater, buf *textBuffer) error {
	if buf.runes == 0 {
		return nil
	}
	return u.Progress(ctx, a2a.NewAgentText(buf.take()))
}

// CompleteFromState 认领完成权并写入完成消息。
// 结果依次取自状态快照、终止节点输出、已收集文本，都为空时使用 FallbackText。
// 已被他方认领时直接返回。
func (t *Translator) CompleteFromState(ctx context.Context, u *lifecycle.Updater, threadID string, nodeOutput map[string]any, collected string) error {
	if !u.ClaimCompletion() {
		t.logger.Debug("completion already claimed", zap.String("task_id", u.TaskID()))
		return nil
	}
	return u.Complete(ctx, t.completionMessage(ctx, threadID, nodeOutput, collected))
}

func (t *Translator) completionMessage(ctx context.Context, threadID string, nodeOutput map[string]any, collected string) (msg *a2a.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic while building completion message", zap.Any("panic", r))
			msg = a2a.NewAgentText(FallbackText)
		}
	}()

	out, err := t.resolveOutput(ctx, threadID, nodeOutput, collected)
	if err != nil {
		t.logger.Warn("failed to build completion message", zap.Error(err))
		return a2a.NewAgentText(FallbackText)
	}

	var parts []a2a.Part
	if strings.TrimSpace(out.Text) != "" {
		parts = append(parts, a2a.NewTextPart(out.Text))
	}
	if len(out.Data) > 0 {
		parts = append(parts, a2a.NewDataPart(a2a.CloneMap(out.Data)))
	}
	if len(parts) == 0 {
		return a2a.NewAgentText(FallbackText)
	}
	return a2a.NewMessage(a2a.RoleAgent, parts...)
}

func (t *Translator) resolveOutput(ctx context.Context, threadID string, nodeOutput map[string]any, collected string) (graph.Output, error) {
	if t.graph != nil {
		state, ok, err := t.graph.StateSnapshot(ctx, threadID)
		if err != nil {
			return graph.Output{}, fmt.Errorf("read state snapshot: %w", err)
		}
		if ok {
			out, err := t.cfg.Extractor(state)
			if err != nil {
				return graph.Output{}, fmt.Errorf("extract from snapshot: %w", err)
			}
			if !out.Empty() {
				return out, nil
			}
		}
	}
	if len(nodeOutput) > 0 {
		out, err := t.cfg.Extractor(nodeOutput)
		if err != nil {
			return graph.Output{}, fmt.Errorf("extract from node output: %w", err)
		}
		if !out.Empty() {
			return out, nil
		}
	}
	return graph.Output{Text: collected}, nil
}
