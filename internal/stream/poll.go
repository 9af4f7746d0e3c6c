package stream

import (
	"context"
	"time"

	xerrors "OpenGuardian/internal/errors"

	"github.com/benbjohnson/clock"
)

// Poll 立即执行一次 query，之后每隔 period 再执行一次。
//
// 每次触发都会关闭上一次 query 返回的订阅，只保留最新一次的结果流。
// 序列不会自行结束，直到调用方关闭订阅或取消 ctx；内部订阅以错误结束时，
// 轮询随之终止并通过 Err 上报。
func Poll[T any](ctx context.Context, clk clock.Clock, period time.Duration, query func(context.Context) *Subscription[T]) *Subscription[T] {
	if period <= 0 {
		return Fail[T](ctx, xerrors.New(xerrors.CodeInvalidArgument, "轮询周期必须大于 0"))
	}
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(period)

	return Start(ctx, func(ctx context.Context, emit func(T) bool) error {
		defer ticker.Stop()

		var inner *Subscription[T]
		defer func() { inner.Close() }()

		var values <-chan T
		subscribe := func() {
			inner.Close()
			inner = query(ctx)
			values = inner.Values()
		}
		subscribe()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				subscribe()
			case v, ok := <-values:
				if !ok {
					if err := <-inner.Err(); err != nil {
						return err
					}
					values = nil
					continue
				}
				if !emit(v) {
					return ctx.Err()
				}
			}
		}
	})
}
