package alerting

import (
	"context"
	"log/slog"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/reactor"
	"OpenGuardian/pkg/logger"
)

// LogNotifier 将事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 按严重程度选择日志级别。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	level := slog.LevelWarn
	switch event.Severity {
	case xerrors.SeverityCritical:
		level = slog.LevelError
	case xerrors.SeverityInfo:
		level = slog.LevelInfo
	}
	attrs := []any{
		slog.String("alert_code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("source", event.Source),
		slog.String("subject", event.Subject),
		slog.Int("attempts", event.Attempts),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	log.Log(ctx, level, event.Message, attrs...)
	return nil
}

// Sink 返回反应器的错误接收器：先交给 next，再对需要告警的错误码发出事件。
func Sink(d Dispatcher, next reactor.ErrorSink) reactor.ErrorSink {
	return func(ctx context.Context, item reactor.Item, err error) {
		if next != nil {
			next(ctx, item, err)
		}
		NotifyError(ctx, d, FromError(item.Reactor, item.Subject(), item.Attempts, err), err)
	}
}
