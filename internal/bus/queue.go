package bus

import (
	"context"
)

// Handler 处理来自总线的信封。返回可重试错误时，支持重投的驱动会重新投递。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向总线投递信封。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责从总线消费信封。workerCount 为 1 时保持投递顺序。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
