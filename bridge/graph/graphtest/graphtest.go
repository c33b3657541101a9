// Package graphtest 提供按脚本回放事件的计算图替身。
package graphtest

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentbridge/bridge/graph"
)

// Script 一次 Stream 调用回放的内容
type Script struct {
	Events []graph.Event
	// Err 在事件之后作为错误项发送
	Err error
	// Delay 每个事件之前的等待
	Delay time.Duration
	// Hold 非空时回放完事件后阻塞，直到通道关闭或 ctx 取消
	Hold chan struct{}
	// State 回放完成后写入的快照
	State map[string]any
}

// Graph 脚本化计算图。每次 Stream 依次消费一个 Script，用尽后重复最后一个。
type Graph struct {
	mu      sync.Mutex
	scripts []Script
	next    int
	state   map[string]map[string]any
	calls   []graph.Input

	// StreamErr Stream 直接返回的错误
	StreamErr error
	// SnapshotErr StateSnapshot 返回的错误
	SnapshotErr error
	// InvokeResult/InvokeErr Invoke 的返回值
	InvokeResult map[string]any
	InvokeErr    error
	// InvokeHold 非空时 Invoke 先阻塞，直到通道关闭或 ctx 取消
	InvokeHold chan struct{}
}

// New 创建脚本化计算图
func New(scripts ...Script) *Graph {
	return &Graph{scripts: scripts, state: make(map[string]map[string]any)}
}

// SetState 预置线程快照
func (g *Graph) SetState(threadID string, state map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state[threadID] = state
}

// Calls 返回所有调用的输入
func (g *Graph) Calls() []graph.Input {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]graph.Input(nil), g.calls...)
}

// Stream 实现 graph.Graph
func (g *Graph) Stream(ctx context.Context, in graph.Input, threadID string) (<-chan graph.Envelope, error) {
	g.mu.Lock()
	g.calls = append(g.calls, in)
	if g.StreamErr != nil {
		g.mu.Unlock()
		return nil, g.StreamErr
	}
	var script Script
	if len(g.scripts) > 0 {
		idx := g.next
		if idx >= len(g.scripts) {
			idx = len(g.scripts) - 1
		}
		script = g.scripts[idx]
		g.next++
	}
	g.mu.Unlock()

	out := make(chan graph.Envelope)
	go func() {
		defer close(out)
		for _, ev := range script.Events {
			if script.Delay > 0 {
				select {
				case <-time.After(script.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- graph.Envelope{Event: ev}:
			case <-ctx.Done():
				return
			}
		}
		if script.State != nil {
			g.SetState(threadID, script.State)
		}
		if script.Hold != nil {
			select {
			case <-script.Hold:
			case <-ctx.Done():
				return
			}
		}
		if script.Err != nil {
			select {
			case out <- graph.Envelope{Err: script.Err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// StateSnapshot 实现 graph.Graph
func (g *Graph) StateSnapshot(_ context.Context, threadID string) (map[string]any, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SnapshotErr != nil {
		return nil, false, g.SnapshotErr
	}
	st, ok := g.state[threadID]
	return st, ok, nil
}

// Invoke 实现 graph.Graph
func (g *Graph) Invoke(ctx context.Context, in graph.Input, threadID string) (map[string]any, error) {
	g.mu.Lock()
	g.calls = append(g.calls, in)
	hold := g.InvokeHold
	g.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.InvokeErr != nil {
		return nil, g.InvokeErr
	}
	if g.InvokeResult != nil {
		g.state[threadID] = g.InvokeResult
	}
	return g.InvokeResult, nil
}

var _ graph.Graph = (*Graph)(nil)
