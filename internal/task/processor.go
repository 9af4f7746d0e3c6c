package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"OpenGuardian/internal/bus"
	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/alerting"
	"OpenGuardian/internal/registry"
	"OpenGuardian/pkg/logger"
)

// Dispatcher 定义了处理器所需的动作派发能力。
type Dispatcher interface {
	Dispatch(ctx context.Context, ev registry.Event, md registry.Metadata) error
}

// Decoder 将信封负载还原为动作收到的数据。
type Decoder func(env bus.Envelope) (any, error)

// Processor 负责从总线消费信封并派发给动作。
type Processor struct {
	dispatcher  Dispatcher
	consumer    bus.Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	decoders    map[string]Decoder
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。大于 1 时不再保证派发顺序。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithDecoder 为任务类型注册负载解码器。
func WithDecoder(kind string, decoder Decoder) ProcessorOption {
	return func(p *Processor) {
		if decoder != nil {
			p.decoders[kind] = decoder
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(dispatcher Dispatcher, consumer bus.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		dispatcher:  dispatcher,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("processor"),
		decoders: map[string]Decoder{
			KindEvents:      decodeAs[chain.Event],
			KindOraclePrice: decodeAs[PricePoint],
			KindPoll:        decodeAs[PollResult],
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消费循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.dispatcher == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 解码并派发单个信封。
//
// 解码失败的信封返回错误，由总线驱动丢弃。动作失败只记录与告警，
// 不会触发重投，避免同一输出的其他动作被重复执行。
func (p *Processor) Handle(ctx context.Context, env bus.Envelope) error {
	data, err := p.decode(env)
	if err != nil {
		p.logger.Error("解码信封失败",
			slog.String("envelope_id", env.ID),
			slog.String("task_id", env.TaskID),
			slog.String("kind", env.Kind),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		p.emitAlert(ctx, env, err, "decode")
		return err
	}

	started := time.Now()
	err = p.dispatcher.Dispatch(ctx, registry.Event{Name: env.Action, Data: data}, env.Metadata)
	if err == nil {
		p.logger.Debug("信封已派发",
			slog.String("envelope_id", env.ID),
			slog.String("task_id", env.TaskID),
			slog.String("action", env.Action),
			slog.Uint64("seq", env.Seq),
			slog.Duration("elapsed", time.Since(started)),
		)
		return nil
	}

	for _, cause := range unjoin(err) {
		logger.Audit().Warn("动作执行失败",
			slog.String("envelope_id", env.ID),
			slog.String("task_id", env.TaskID),
			slog.String("action", env.Action),
			slog.String("network", env.Metadata.Network),
			slog.String("error_code", string(xerrors.CodeOf(cause))),
			slog.String("error", cause.Error()),
		)
		if xerrors.ShouldAlert(cause) {
			p.emitAlert(ctx, env, cause, "dispatch")
		}
	}
	return nil
}

func (p *Processor) decode(env bus.Envelope) (any, error) {
	decoder, ok := p.decoders[env.Kind]
	if !ok {
		return env.Payload, nil
	}
	data, err := decoder(env)
	if err != nil {
		return nil, xerrors.Wrap(CodeTaskDecode, err, fmt.Sprintf("信封 %s 的 %s 负载无法解码", env.ID, env.Kind))
	}
	return data, nil
}

func decodeAs[T any](env bus.Envelope) (any, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func (p *Processor) emitAlert(ctx context.Context, env bus.Envelope, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	event := alerting.FromError("task/"+env.TaskID, env.ID, 1, cause)
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["stage"] = stage
	event.Metadata["action"] = env.Action
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", env.TaskID),
			slog.String("stage", stage),
		)
	}
}
