package lifecycle

import (
	"sync"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"go.uber.org/zap"
)

const (
	defaultSubscriberBuffer = 64
	defaultFinalTimeout     = 5 * time.Second
)

// Broker 按任务分发状态事件。
// 非 final 事件在订阅者缓冲区满时丢弃；final 事件阻塞投递后关闭订阅通道。
type Broker struct {
	mu           sync.Mutex
	subs         map[string]map[*subscription]struct{}
	buffer       int
	finalTimeout time.Duration
	logger       *zap.Logger
}

type subscription struct {
	ch     chan a2a.StreamEvent
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// NewBroker 创建事件分发器
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:         make(map[string]map[*subscription]struct{}),
		buffer:       defaultSubscriberBuffer,
		finalTimeout: defaultFinalTimeout,
		logger:       logger.With(zap.String("component", "event_broker")),
	}
}

// Subscribe 订阅任务事件。返回的取消函数可重复调用。
func (b *Broker) Subscribe(taskID string) (<-chan a2a.StreamEvent, func()) {
	sub := &subscription{
		ch:   make(chan a2a.StreamEvent, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[*subscription]struct{})
	}
	b.subs[taskID][sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() { b.remove(taskID, sub) }
}

// Subscribers 当前订阅数
func (b *Broker) Subscribers(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

// Publish 投递事件给该任务的所有订阅者
func (b *Broker) Publish(ev a2a.StreamEvent) {
	taskID := ev.TaskID()
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[taskID]))
	for sub := range b.subs[taskID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	final := ev.IsFinal()
	for _, sub := range targets {
		if !sub.send(ev, final, b.finalTimeout) {
			b.logger.Debug("subscriber lagging, event dropped",
				zap.String("task_id", taskID), zap.String("kind", ev.Kind()))
		}
		if final {
			b.remove(taskID, sub)
		}
	}
}

func (s *subscription) send(ev a2a.StreamEvent, block bool, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !block {
		select {
		case s.ch <- ev:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		return false
	}
}

func (b *Broker) remove(taskID string, sub *subscription) {
	sub.once.Do(func() {
		close(sub.done)

		b.mu.Lock()
		if set := b.subs[taskID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, taskID)
			}
		}
		b.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	})
}
