package bus

import (
	"context"
	"fmt"

	"OpenGuardian/internal/config"
	xerrors "OpenGuardian/internal/errors"
)

// Open 按配置创建总线驱动。
func Open(ctx context.Context, cfg config.EventBusConfig) (Queue, error) {
	var (
		q   Queue
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.BufferSize), nil
	case "redis":
		q, err = NewRedisQueue(ctx, RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		q, err = NewRabbitMQQueue(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的事件总线驱动 %s", cfg.Driver))
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}
