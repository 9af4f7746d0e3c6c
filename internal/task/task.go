package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/stream"
)

// 任务类型
const (
	KindEvents      = "events"
	KindOraclePrice = "oracle.price"
	KindPoll        = "poll"
)

const (
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskUnknown    xerrors.Code = "TASK_UNKNOWN_KIND"
	CodeTaskUpstream   xerrors.Code = "TASK_UPSTREAM_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskDecode     xerrors.Code = "TASK_DECODE_FAILED"
)

func init() {
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskUnknown, xerrors.Attributes{
		Message:  "unknown task kind",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskUpstream, xerrors.Attributes{
		Message:   "task upstream failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "task output publish failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskDecode, xerrors.Attributes{
		Message:  "task output decode failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Task 是一个持续产生输出的数据源。输出会派发给任务配置的每个动作。
type Task interface {
	ID() string
	Kind() string
	Network() string
	// Start 启动输出序列。序列以错误结束表示上游中断。
	Start(ctx context.Context) *stream.Subscription[any]
}

// base 保存各类任务共有的标识。
type base struct {
	id      string
	kind    string
	network string
}

func (b base) ID() string      { return b.id }
func (b base) Kind() string    { return b.kind }
func (b base) Network() string { return b.network }

func validationError(taskID, format string, args ...any) error {
	return xerrors.New(CodeTaskValidation, fmt.Sprintf("任务 %s: ", taskID)+fmt.Sprintf(format, args...))
}

// stringList 读取 string 或字符串列表形式的参数，去除空白并丢弃空项。
func stringList(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var out []string
	switch v := raw.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("参数 %s 只能包含字符串", key)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		return nil, fmt.Errorf("参数 %s 的类型 %T 不受支持", key, raw)
	}
	return out, nil
}

// durationArg 读取时长参数，支持 "10s" 形式的字符串与毫秒数，与动作配置的约定一致。
func durationArg(args map[string]any, key string) (time.Duration, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("参数 %s 不是合法的时长: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("参数 %s 的类型 %T 不受支持", key, raw)
	}
}
