package graph

import (
	"context"
	"strings"
	"sync"
)

// ConfirmMarker 输入包含该标记时 EchoGraph 先请求确认
const ConfirmMarker = "[confirm]"

// EchoGraph 回显输入的演示计算图：按词输出文本块，带 ConfirmMarker 时先中断等待确认。
// 用于本地联调与无外部计算图时的默认部署。
type EchoGraph struct {
	mu     sync.Mutex
	states map[string]map[string]any
}

// NewEchoGraph 创建 EchoGraph
func NewEchoGraph() *EchoGraph {
	return &EchoGraph{states: make(map[string]map[string]any)}
}

// Stream 实现 Graph.Stream
func (g *EchoGraph) Stream(ctx context.Context, in Input, threadID string) (<-chan Envelope, error) {
	out := make(chan Envelope)
	go func() {
		defer close(out)
		emit := func(ev Event) bool {
			select {
			case out <- Envelope{Event: ev}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		text, interrupt := g.prepare(in, threadID)
		if !emit(NodeStart{Node: "echo"}) {
			return
		}
		if interrupt != nil {
			emit(*interrupt)
			return
		}
		for i, word := range strings.Fields(text) {
			if i > 0 {
				word = " " + word
			}
			if !emit(TokenChunk{Node: "echo", Text: word}) {
				return
			}
		}
		output := g.finish(threadID, text)
		if !emit(NodeEnd{Node: "echo", Output: output}) {
			return
		}
		emit(NodeEnd{Node: EndNode})
	}()
	return out, nil
}

// StateSnapshot 实现 Graph.StateSnapshot
func (g *EchoGraph) StateSnapshot(_ context.Context, threadID string) (map[string]any, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[threadID]
	if !ok {
		return nil, false, nil
	}
	cp := make(map[string]any, len(st))
	for k, v := range st {
		cp[k] = v
	}
	return cp, true, nil
}

// Invoke 实现 Graph.Invoke
func (g *EchoGraph) Invoke(_ context.Context, in Input, threadID string) (map[string]any, error) {
	text, interrupt := g.prepare(in, threadID)
	if interrupt != nil {
		return nil, &InterruptError{Node: interrupt.Node, Prompt: interrupt.Prompt, Payload: interrupt.Payload}
	}
	return g.finish(threadID, text), nil
}

func (g *EchoGraph) prepare(in Input, threadID string) (string, *Interrupt) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if in.Resuming {
		pending, _ := g.states[threadID]["pending"].(string)
		if answer, _ := in.Resume.(string); strings.EqualFold(strings.TrimSpace(answer), "no") {
			return "cancelled by user", nil
		}
		return pending, nil
	}

	text := strings.TrimSpace(in.Text)
	if strings.Contains(text, ConfirmMarker) {
		text = strings.TrimSpace(strings.ReplaceAll(text, ConfirmMarker, ""))
		g.states[threadID] = map[string]any{"pending": text}
		return "", &Interrupt{
			Node:    "echo",
			Prompt:  "Reply yes to echo: " + text,
			Payload: map[string]any{"pending": text},
		}
	}
	return text, nil
}

func (g *EchoGraph) finish(threadID, text string) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := map[string]any{"output": text, "result": map[string]any{"echo": text, "words": len(strings.Fields(text))}}
	g.states[threadID] = st
	return st
}

var _ Graph = (*EchoGraph)(nil)
