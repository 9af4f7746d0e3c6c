package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/metrics"
	"OpenGuardian/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现总线：LPUSH 投递，BRPOP 消费。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(CodeBusFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "guardian:envelopes"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, log: logger.Named("bus.redis")}
}

// Publish 将信封投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, env Envelope) error {
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, data).Err(); err != nil {
		return xerrors.Wrap(CodeBusFailure, err, "Redis 发布信封失败")
	}
	if depth, err := q.client.LLen(ctx, q.queue).Result(); err == nil {
		metrics.SetBusDepth("redis", int(depth))
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取信封。可重试的处理失败会重新放回队尾，
// 下一次 BRPOP 会立即取回，从而保持顺序。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(CodeBusFailure, err, "Redis 取信封失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				q.handle(ctx, values[1], handler)
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) handle(ctx context.Context, raw string, handler Handler) {
	env, err := Unmarshal([]byte(raw))
	if err != nil {
		metrics.ObserveEnvelope("redis", metrics.OutcomeFailed)
		q.log.Error("丢弃无法解码的信封", slog.Any("error", err))
		return
	}
	if handlerErr := handler(ctx, env); handlerErr != nil {
		metrics.ObserveEnvelope("redis", metrics.OutcomeFailed)
		if xerrors.RetryableError(handlerErr) {
			if err := q.client.RPush(ctx, q.queue, raw).Err(); err != nil {
				q.log.Error("重新投递信封失败", slog.String("envelope_id", env.ID), slog.Any("error", err))
			}
			return
		}
		q.log.Warn("信封处理失败", slog.String("envelope_id", env.ID), slog.String("error_code", string(xerrors.CodeOf(handlerErr))), slog.Any("error", handlerErr))
		return
	}
	metrics.ObserveEnvelope("redis", metrics.OutcomeSucceeded)
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("关闭 Redis 连接失败: %w", err)
	}
	return nil
}
