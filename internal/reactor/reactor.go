package reactor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/metrics"
	"OpenGuardian/internal/stream"
	"OpenGuardian/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

const (
	// CodeReactorClosed 表示反应器已停止接收新条目。
	CodeReactorClosed xerrors.Code = "REACTOR_CLOSED"
	// CodeHandlerPanic 表示处理函数发生 panic。
	CodeHandlerPanic xerrors.Code = "HANDLER_PANIC"
)

func init() {
	xerrors.Register(CodeReactorClosed, xerrors.Attributes{
		Message:  "reactor closed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeHandlerPanic, xerrors.Attributes{
		Message:  "handler panic",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// ErrClosed 在反应器关闭后提交条目时返回。
var ErrClosed = xerrors.New(CodeReactorClosed, "")

// Handler 处理单个条目。
type Handler[T any] func(ctx context.Context, item T) error

type entry[T any] struct {
	seq      uint64
	value    T
	queuedAt time.Time
}

// Reactor 按到达顺序逐个处理条目，任意时刻最多只有一个处理函数在执行。
//
// 队列不设上限，积压深度通过 guardian_reactor_queue_depth 指标暴露。
// 某个条目失败只上报给错误接收器，不影响后续条目。关闭反应器会停止
// 后续派发，但正在执行的处理函数使用 context.WithoutCancel 派生的 ctx，
// 会执行完毕。
type Reactor[T any] struct {
	name     string
	handler  Handler[T]
	settings settings
	base     context.Context
	halt     context.Context
	stopHalt context.CancelFunc
	log      *slog.Logger

	submitMu sync.Mutex
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []entry[T]
	seq      uint64
	sealed   bool
	stopped  bool
	upstream error

	done      chan struct{}
	stopWatch func() bool
}

// New 创建反应器并启动工作协程。ctx 被取消时反应器停止后续派发。
func New[T any](ctx context.Context, name string, handler Handler[T], opts ...Option) *Reactor[T] {
	s := settings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	log := s.logger
	if log == nil {
		log = logger.Named("reactor")
	}
	if s.sink == nil {
		s.sink = logSink(log)
	}

	halt, stopHalt := context.WithCancel(context.Background())
	r := &Reactor[T]{
		name:     name,
		handler:  handler,
		settings: s,
		base:     context.WithoutCancel(ctx),
		halt:     halt,
		stopHalt: stopHalt,
		log:      log.With("reactor", name),
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.stopWatch = context.AfterFunc(ctx, r.Close)
	go r.run()
	return r
}

// Attach 将订阅中的每个值提交给新建的反应器。
//
// 上游正常结束时，反应器处理完剩余条目后退出；上游以错误结束时，错误通过
// Wait 返回给调用方，由调用方决定重连策略。
func Attach[T any](ctx context.Context, name string, src *stream.Subscription[T], handler Handler[T], opts ...Option) *Reactor[T] {
	r := New(ctx, name, handler, opts...)
	go func() {
		defer src.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case v, ok := <-src.Values():
				if !ok {
					r.seal(<-src.Err())
					return
				}
				if err := r.Submit(v); err != nil {
					return
				}
			}
		}
	}()
	return r
}

// Name 返回反应器名称。
func (r *Reactor[T]) Name() string { return r.name }

// Submit 将条目加入队列。反应器关闭后返回 ErrClosed。
func (r *Reactor[T]) Submit(v T) error {
	r.submitMu.Lock()
	defer r.submitMu.Unlock()

	r.mu.Lock()
	if r.sealed || r.stopped {
		r.mu.Unlock()
		return ErrClosed
	}
	r.seq++
	e := entry[T]{seq: r.seq, value: v, queuedAt: time.Now()}
	r.mu.Unlock()

	// 观察者先于工作协程看到条目。
	if r.settings.observer != nil {
		r.settings.observer.OnQueued(r.base, r.item(e, 0))
	}

	r.mu.Lock()
	if r.sealed || r.stopped {
		r.mu.Unlock()
		return ErrClosed
	}
	r.queue = append(r.queue, e)
	depth := len(r.queue)
	r.cond.Signal()
	r.mu.Unlock()

	metrics.SetQueueDepth(r.name, depth)
	return nil
}

// Len 返回等待处理的条目数量，不含正在执行的条目。
func (r *Reactor[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close 停止后续派发并丢弃排队的条目。正在执行的处理函数不会被中断。
// Close 不等待工作协程退出，需要等待时使用 Done 或 Wait。
func (r *Reactor[T]) Close() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	dropped := len(r.queue)
	r.queue = nil
	r.cond.Broadcast()
	r.mu.Unlock()

	r.stopHalt()
	metrics.SetQueueDepth(r.name, 0)
	if dropped > 0 {
		r.log.Warn("反应器关闭，丢弃排队条目", slog.Int("dropped", dropped))
	}
}

// Done 在工作协程退出后关闭。
func (r *Reactor[T]) Done() <-chan struct{} { return r.done }

// Wait 等待工作协程退出，返回上游订阅的终止错误。
func (r *Reactor[T]) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstream
}

// seal 停止接收新条目，处理完剩余条目后退出。
func (r *Reactor[T]) seal(upstream error) {
	r.mu.Lock()
	r.sealed = true
	if upstream != nil {
		r.upstream = upstream
	}
	r.cond.Broadcast()
	r.mu.Unlock()
	if upstream != nil {
		r.log.Error("上游订阅中断", slog.Any("error", upstream), slog.String("error_code", string(xerrors.CodeOf(upstream))))
	}
}

func (r *Reactor[T]) run() {
	defer close(r.done)
	defer r.stopWatch()
	defer r.stopHalt()

	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.sealed && !r.stopped {
			r.cond.Wait()
		}
		if r.stopped || len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		e := r.queue[0]
		r.queue[0] = entry[T]{}
		r.queue = r.queue[1:]
		depth := len(r.queue)
		r.mu.Unlock()

		metrics.SetQueueDepth(r.name, depth)
		r.process(e)
	}
}

func (r *Reactor[T]) item(e entry[T], attempts int) Item {
	return Item{Reactor: r.name, Seq: e.seq, Value: e.value, Attempts: attempts, QueuedAt: e.queuedAt}
}

func (r *Reactor[T]) process(e entry[T]) {
	ctx := r.base
	attempts := 0
	if r.settings.observer != nil {
		r.settings.observer.OnStart(ctx, r.item(e, 0))
	}

	started := time.Now()
	var last error
	op := func() error {
		attempts++
		err := r.invoke(ctx, e.value)
		last = err
		if err == nil {
			return nil
		}
		if xerrors.IsRefusal(err) || !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		if uint64(attempts) <= r.settings.maxRetries {
			r.log.Warn("处理失败，准备重试", slog.Uint64("seq", e.seq), slog.Int("attempt", attempts), slog.Any("error", err))
		}
		return err
	}

	var err error
	if r.settings.maxRetries > 0 {
		err = backoff.Retry(op, r.settings.backOff(r.halt))
		if err != nil && last != nil {
			err = last
		}
	} else {
		err = op()
	}
	var permanent *backoff.PermanentError
	if stdErrors.As(err, &permanent) {
		err = permanent.Err
	}

	item := r.item(e, attempts)
	outcome := metrics.OutcomeSucceeded
	switch {
	case err == nil:
	case xerrors.IsRefusal(err):
		outcome = metrics.OutcomeSkipped
	default:
		outcome = metrics.OutcomeFailed
	}
	metrics.ObserveReaction(r.name, outcome, time.Since(started))

	if r.settings.observer != nil {
		r.settings.observer.OnFinish(ctx, item, err)
	}
	if err != nil {
		r.settings.sink(ctx, item, err)
	}
}

func (r *Reactor[T]) invoke(ctx context.Context, v T) (err error) {
	if r.settings.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.settings.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.New(CodeHandlerPanic, fmt.Sprintf("处理函数 panic: %v", p))
		}
	}()
	return r.handler(ctx, v)
}

func logSink(log *slog.Logger) ErrorSink {
	return func(_ context.Context, item Item, err error) {
		attrs := []any{
			slog.String("reactor", item.Reactor),
			slog.Uint64("seq", item.Seq),
			slog.String("subject", item.Subject()),
			slog.Int("attempts", item.Attempts),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		}
		if xerrors.IsRefusal(err) {
			log.Info("条目被跳过", attrs...)
			return
		}
		log.Error("条目处理失败", attrs...)
	}
}
