package stream

import (
	"context"
	"sync"
)

// Producer 向订阅推送值。emit 返回 false 表示订阅已关闭，生产者应尽快返回。
type Producer[T any] func(ctx context.Context, emit func(T) bool) error

// Subscription 是一个可取消的值序列。
//
// Values 关闭之前，终止错误（若有）已经写入 Err，因此消费者可以在 Values
// 关闭后非阻塞地读取 Err。
type Subscription[T any] struct {
	values chan T
	err    chan error
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// Start 在独立 goroutine 中运行 producer。emit 在消费者读取之前阻塞。
func Start[T any](parent context.Context, producer Producer[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription[T]{
		values: make(chan T),
		err:    make(chan error, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer cancel()

		emit := func(v T) bool {
			select {
			case s.values <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := producer(ctx, emit)
		if err != nil && ctx.Err() == nil {
			s.err <- err
		}
		close(s.err)
		close(s.values)
	}()
	return s
}

// Values 返回值通道，序列结束时关闭。
func (s *Subscription[T]) Values() <-chan T { return s.values }

// Err 返回终止错误。正常结束或被取消时通道直接关闭。
func (s *Subscription[T]) Err() <-chan error { return s.err }

// Done 在生产者退出后关闭。
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Close 取消订阅并等待生产者退出。可重复调用。
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
	<-s.done
}

// Just 发出一个值后结束。
func Just[T any](ctx context.Context, v T) *Subscription[T] {
	return Start(ctx, func(_ context.Context, emit func(T) bool) error {
		emit(v)
		return nil
	})
}

// Once 执行一次查询，成功时发出结果后结束，失败时以错误结束。
func Once[T any](ctx context.Context, query func(context.Context) (T, error)) *Subscription[T] {
	return Start(ctx, func(ctx context.Context, emit func(T) bool) error {
		v, err := query(ctx)
		if err != nil {
			return err
		}
		emit(v)
		return nil
	})
}

// Fail 返回立即以 err 结束的订阅。
func Fail[T any](ctx context.Context, err error) *Subscription[T] {
	return Start(ctx, func(context.Context, func(T) bool) error {
		return err
	})
}

// FilterMap 对上游的每个值做转换，fn 返回 false 时丢弃该值。上游的终止错误原样传递。
func FilterMap[T, U any](ctx context.Context, src *Subscription[T], fn func(T) (U, bool)) *Subscription[U] {
	return Start(ctx, func(ctx context.Context, emit func(U) bool) error {
		defer src.Close()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v, ok := <-src.Values():
				if !ok {
					return <-src.Err()
				}
				out, keep := fn(v)
				if !keep {
					continue
				}
				if !emit(out) {
					return ctx.Err()
				}
			}
		}
	})
}

// Merge 合并多个订阅的输出，值的先后只在同一上游内有序。
// 任一上游以错误结束时整体以该错误结束；全部正常结束后序列结束。
func Merge[T any](ctx context.Context, srcs ...*Subscription[T]) *Subscription[T] {
	return Start(ctx, func(ctx context.Context, emit func(T) bool) error {
		defer func() {
			for _, src := range srcs {
				src.Close()
			}
		}()

		type result struct {
			v    T
			err  error
			done bool
		}
		out := make(chan result)
		for _, src := range srcs {
			go func(src *Subscription[T]) {
				for v := range src.Values() {
					select {
					case out <- result{v: v}:
					case <-ctx.Done():
						return
					}
				}
				select {
				case out <- result{err: <-src.Err(), done: true}:
				case <-ctx.Done():
				}
			}(src)
		}

		remaining := len(srcs)
		for remaining > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r := <-out:
				if r.done {
					if r.err != nil {
						return r.err
					}
					remaining--
					continue
				}
				if !emit(r.v) {
					return ctx.Err()
				}
			}
		}
		return nil
	})
}
