package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"OpenGuardian/internal/bus"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/metrics"
	"OpenGuardian/internal/registry"
	"OpenGuardian/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Runner 运行任务并将每次输出按动作扇出为信封投递到总线。
type Runner struct {
	bindings []Binding
	producer bus.Producer
	logger   *slog.Logger
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithRunnerLogger 指定日志输出。
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner 构造 Runner。
func NewRunner(producer bus.Producer, bindings []Binding, opts ...RunnerOption) *Runner {
	r := &Runner{
		bindings: append([]Binding(nil), bindings...),
		producer: producer,
		logger:   logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 并发运行全部任务，直到 ctx 结束。
//
// 任一任务的上游中断或投递失败都会结束整个 Run 并返回错误，由调用方决定是否重启。
// 正常结束的任务（例如只发出一次固定价格的稳定币）不影响其他任务。
func (r *Runner) Run(ctx context.Context) error {
	if r.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置总线生产者")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range r.bindings {
		b := b
		g.Go(func() error {
			return r.run(ctx, b)
		})
	}
	err := g.Wait()
	if stdErrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) run(ctx context.Context, b Binding) error {
	t := b.Task
	sub := t.Start(ctx)
	defer sub.Close()

	r.logger.Info("任务已启动",
		slog.String("task_id", t.ID()),
		slog.String("kind", t.Kind()),
		slog.String("network", t.Network()),
		slog.Int("actions", len(b.Actions)),
	)

	var seq uint64
	for out := range sub.Values() {
		seq++
		metrics.ObserveTaskOutput(t.ID())
		if err := r.fanout(ctx, b, seq, out); err != nil {
			return err
		}
	}
	if err := <-sub.Err(); err != nil {
		return xerrors.Wrap(CodeTaskUpstream, err, fmt.Sprintf("任务 %s 的上游中断", t.ID()),
			xerrors.WithMetadata("task_id", t.ID()))
	}
	r.logger.Info("任务输出结束", slog.String("task_id", t.ID()), slog.Uint64("outputs", seq))
	return nil
}

func (r *Runner) fanout(ctx context.Context, b Binding, seq uint64, out any) error {
	t := b.Task
	for _, action := range b.Actions {
		md := registry.Metadata{
			Network:      t.Network(),
			NodeEndpoint: b.Endpoints,
			Action:       action,
		}
		env, err := bus.NewEnvelope(t.ID(), t.Kind(), md.Method(), out, md.Clone())
		if err != nil {
			r.logger.Error("编码任务输出失败",
				slog.String("task_id", t.ID()),
				slog.String("error_code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
			)
			continue
		}
		env.Seq = seq
		if err := r.producer.Publish(ctx, env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 的输出投递失败", t.ID()),
				xerrors.WithMetadata("task_id", t.ID()))
		}
	}
	return nil
}
