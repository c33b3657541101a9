package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Sink 进程外的状态事件出口，投递失败只记录日志，不影响任务本身。
type Sink interface {
	Publish(ctx context.Context, ev a2a.StreamEvent) error
	Close() error
}

// DefaultRedisChannelPrefix Redis 频道前缀，频道名为前缀加任务 ID
const DefaultRedisChannelPrefix = "agentbridge:task:"

// RedisSink 通过 Redis PUBLISH 广播事件
type RedisSink struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSink 创建 Redis 事件出口
func NewRedisSink(client redis.Cmdable, prefix string) *RedisSink {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisSink{client: client, prefix: prefix}
}

// Channel 返回任务对应的频道名
func (s *RedisSink) Channel(taskID string) string {
	return s.prefix + taskID
}

// Publish 实现 Sink.Publish
func (s *RedisSink) Publish(ctx context.Context, ev a2a.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(ev.TaskID()), data).Err(); err != nil {
		return fmt.Errorf("发布事件到 Redis 失败: %w", err)
	}
	return nil
}

// Close 实现 Sink.Close；客户端由调用方管理
func (s *RedisSink) Close() error { return nil }

// AMQPConfig RabbitMQ 事件出口配置
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPSink 将事件发布到 topic 交换机，路由键见 RoutingKey
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPSink 连接 RabbitMQ 并声明交换机
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentbridge.tasks"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// RoutingKey 状态事件为 task.status.<state>，产物事件为 task.artifact，快照为 task.snapshot
func RoutingKey(ev a2a.StreamEvent) string {
	switch {
	case ev.StatusUpdate != nil:
		return "task.status." + string(ev.StatusUpdate.Status.State)
	case ev.ArtifactUpdate != nil:
		return "task.artifact"
	case ev.Task != nil:
		return "task.snapshot"
	}
	return "task.message"
}

// Publish 实现 Sink.Publish
func (s *AMQPSink) Publish(ctx context.Context, ev a2a.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return errors.New("RabbitMQ 事件出口已关闭")
	}
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(ev), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: ev.TaskID(),
		Timestamp:     time.Now(),
		Body:          data,
	})
}

// Close 关闭 channel 与连接
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

var (
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*AMQPSink)(nil)
)
