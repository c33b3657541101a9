// Package graph 定义桥接层消费的计算图接口。
//
// 计算图的节点调度与业务逻辑不在本模块内；桥接层只读取事件流与状态快照。
package graph

import (
	"context"
	"fmt"
)

// EndNode 计算图结束哨兵节点
const EndNode = "__end__"

// Event 计算图事件，封闭集合：NodeStart、NodeEnd、TokenChunk、ToolStart、ToolEnd、Interrupt。
type Event interface {
	// NodeName 产生事件的节点
	NodeName() string
	isEvent()
}

// NodeStart 节点开始执行
type NodeStart struct {
	Node string
}

// NodeEnd 节点执行完毕
type NodeEnd struct {
	Node   string
	Output map[string]any
}

// TokenChunk 节点产出的增量文本
type TokenChunk struct {
	Node string
	Text string
}

// ToolStart 工具调用开始
type ToolStart struct {
	Node  string
	Tool  string
	Input map[string]any
}

// ToolEnd 工具调用结束
type ToolEnd struct {
	Node   string
	Tool   string
	Output any
}

// Interrupt 计算暂停，等待外部输入
type Interrupt struct {
	Node    string
	Prompt  string
	Payload map[string]any
}

func (e NodeStart) NodeName() string  { return e.Node }
func (e NodeEnd) NodeName() string    { return e.Node }
func (e TokenChunk) NodeName() string { return e.Node }
func (e ToolStart) NodeName() string  { return e.Node }
func (e ToolEnd) NodeName() string    { return e.Node }
func (e Interrupt) NodeName() string  { return e.Node }

func (NodeStart) isEvent()  {}
func (NodeEnd) isEvent()    {}
func (TokenChunk) isEvent() {}
func (ToolStart) isEvent()  {}
func (ToolEnd) isEvent()    {}
func (Interrupt) isEvent()  {}

// Envelope 事件流中的一项；Err 非空表示计算图自身出错，流随即结束
type Envelope struct {
	Event Event
	Err   error
}

// Input 计算图输入
type Input struct {
	Text string
	Data map[string]any
	// Resuming 为 true 时 Resume 携带中断点所需的值
	Resuming bool
	Resume   any
}

// Graph 计算图。threadID 即任务的上下文 ID，用于关联持久状态。
type Graph interface {
	// Stream 以事件流方式执行；通道在执行结束后关闭
	Stream(ctx context.Context, in Input, threadID string) (<-chan Envelope, error)
	// StateSnapshot 返回线程最近的持久状态，不存在时 ok=false
	StateSnapshot(ctx context.Context, threadID string) (state map[string]any, ok bool, err error)
	// Invoke 阻塞执行到结束，返回最终状态；暂停时返回 *InterruptError
	Invoke(ctx context.Context, in Input, threadID string) (map[string]any, error)
}

// InterruptError 阻塞执行遇到中断点
type InterruptError struct {
	Node    string
	Prompt  string
	Payload map[string]any
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s: %s", e.Node, e.Prompt)
}
