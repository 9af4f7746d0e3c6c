package journal

import "context"

// Store 抽象了反应日志的持久化接口。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, outcome Outcome) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
