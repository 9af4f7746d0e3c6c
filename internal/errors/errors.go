package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示守护进程内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志级别与告警。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
//
// Refusal 表示业务规则拒绝（例如余额不足、出价没有竞争力），它不是故障，
// 反应器只记录并跳过该条目。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	Refusal   bool
}

// 通用错误码。链、守护者、任务等包在各自的 init 中注册领域错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeCanceled              Code = "CANCELED"
)

var (
	codesMu sync.RWMutex
	codes   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityCritical, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeCanceled:              {Message: "operation canceled", Severity: SeverityInfo},
	}
)

// Register 在 init 阶段登记错误码的默认行为，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	codesMu.Lock()
	defer codesMu.Unlock()
	codes[code] = attr
}

func lookup(code Code) Attributes {
	codesMu.RLock()
	defer codesMu.RUnlock()
	if attr, ok := codes[code]; ok {
		return attr
	}
	return codes[CodeUnknown]
}

// Error 携带错误码、上下文元数据以及对默认行为的覆盖。
// 属性在读取时才查表，包级变量可以在错误码登记之前创建。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加上下文，例如 auction_id、tx_hash。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 覆盖错误码的告警属性。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// New 创建错误。message 为空时使用错误码登记的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以错误码包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.message
	if msg == "" {
		msg = lookup(e.code).Message
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, msg, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return lookup(e.code).Retryable
}

func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return lookup(e.code).Alert
}

// Refusal 判断错误是否为业务规则拒绝。拒绝不可覆盖。
func (e *Error) Refusal() bool {
	return e != nil && lookup(e.code).Refusal
}

// From 取出错误链上最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误码。未编码的上下文错误映射为 CANCELED 或 TIMEOUT。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	switch {
	case stdErrors.Is(err, context.Canceled):
		return CodeCanceled
	case stdErrors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return lookup(CodeOf(err)).Retryable
}

// ShouldAlert 判断是否需要触发告警。未编码的普通错误告警，上下文错误不告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return err != nil && CodeOf(err) == CodeUnknown
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	return lookup(CodeOf(err)).Severity
}

// IsRefusal 判断错误是否为业务规则拒绝（跳过当前条目，而不是失败）。
func IsRefusal(err error) bool {
	e, ok := From(err)
	return ok && e.Refusal()
}
