package bus

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/metrics"
	"OpenGuardian/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现总线。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *slog.Logger
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "guardian.envelopes"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(CodeBusFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(CodeBusFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(CodeBusFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	_, err = ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(CodeBusFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, log: logger.Named("bus.rabbitmq")}, nil
}

// Publish 将信封投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, env Envelope) error {
	if q == nil || q.ch == nil {
		return xerrors.New(CodeBusFailure, "RabbitMQ 队列未初始化")
	}
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.CreatedAt,
		Type:         env.Kind,
		Body:         data,
	})
	if err != nil {
		return xerrors.Wrap(CodeBusFailure, err, "RabbitMQ 发布信封失败")
	}
	return nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。可重试的失败会 Nack 并重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(CodeBusFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(CodeBusFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.handle(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) handle(ctx context.Context, msg amqp.Delivery, handler Handler) {
	env, err := Unmarshal(msg.Body)
	if err != nil {
		metrics.ObserveEnvelope("rabbitmq", metrics.OutcomeFailed)
		q.log.Error("丢弃无法解码的信封", slog.String("message_id", msg.MessageId), slog.Any("error", err))
		_ = msg.Ack(false)
		return
	}
	if err := handler(ctx, env); err != nil {
		metrics.ObserveEnvelope("rabbitmq", metrics.OutcomeFailed)
		if xerrors.RetryableError(err) {
			_ = msg.Nack(false, true)
			return
		}
		q.log.Warn("信封处理失败", slog.String("envelope_id", env.ID), slog.String("error_code", string(xerrors.CodeOf(err))), slog.Any("error", err))
		_ = msg.Ack(false)
		return
	}
	metrics.ObserveEnvelope("rabbitmq", metrics.OutcomeSucceeded)
	_ = msg.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
