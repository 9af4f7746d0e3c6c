package reactor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultRetryInterval = 500 * time.Millisecond

// Item 描述队列中的一个条目，供错误接收器与观察者使用。
type Item struct {
	Reactor  string
	Seq      uint64
	Value    any
	Attempts int
	QueuedAt time.Time
}

// Subject 返回条目的业务标识（例如拍卖 ID），值未实现 Subjecter 时为空。
func (i Item) Subject() string {
	if s, ok := i.Value.(Subjecter); ok {
		return s.Subject()
	}
	return ""
}

// Subjecter 由带业务标识的条目实现，用于日志与流水记录。
type Subjecter interface {
	Subject() string
}

// ErrorSink 接收处理失败或被拒绝的条目。
type ErrorSink func(ctx context.Context, item Item, err error)

// Observer 观察条目的生命周期。回调在反应器的工作协程中同步执行。
type Observer interface {
	OnQueued(ctx context.Context, item Item)
	OnStart(ctx context.Context, item Item)
	OnFinish(ctx context.Context, item Item, err error)
}

// Option 定义可选配置。
type Option func(*settings)

type settings struct {
	timeout    time.Duration
	maxRetries uint64
	newBackOff func() backoff.BackOff
	sink       ErrorSink
	observer   Observer
	logger     *slog.Logger
}

// WithTimeout 为每次处理设置超时。超时只取消处理函数的 ctx。
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetry 对可重试的失败进行重试，newBackOff 为空时使用指数退避。
// 业务拒绝与不可重试的错误不会重试。
func WithRetry(maxRetries int, newBackOff func() backoff.BackOff) Option {
	return func(s *settings) {
		if maxRetries <= 0 {
			return
		}
		s.maxRetries = uint64(maxRetries)
		s.newBackOff = newBackOff
	}
}

// WithErrorSink 指定失败条目的接收器。
func WithErrorSink(sink ErrorSink) Option {
	return func(s *settings) {
		s.sink = sink
	}
}

// WithObserver 指定生命周期观察者。
func WithObserver(observer Observer) Option {
	return func(s *settings) {
		s.observer = observer
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func (s *settings) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if s.newBackOff != nil {
		b = s.newBackOff()
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = defaultRetryInterval
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)
}
