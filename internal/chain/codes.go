package chain

import (
	stdErrors "errors"
	"net"

	xerrors "OpenGuardian/internal/errors"
)

const (
	// CodeChainUnavailable 表示节点不可达或 RPC 调用失败。
	CodeChainUnavailable xerrors.Code = "CHAIN_UNAVAILABLE"
	// CodeDecodeFailure 表示链上返回值无法按预期类型解码。
	CodeDecodeFailure xerrors.Code = "CHAIN_DECODE_FAILURE"
	// CodeUnknownPath 表示目录中不存在请求的合约或方法。
	CodeUnknownPath xerrors.Code = "CHAIN_UNKNOWN_PATH"
	// CodeTransactionRejected 表示交易被节点拒绝或执行失败。
	CodeTransactionRejected xerrors.Code = "TRANSACTION_REJECTED"
	// CodeTransactionUnknown 表示交易可能已被节点接收，但广播结果未知。
	// 重新构造交易会使用新的 nonce，因此该错误不可重试。
	CodeTransactionUnknown xerrors.Code = "TRANSACTION_STATUS_UNKNOWN"
)

func init() {
	xerrors.Register(CodeChainUnavailable, xerrors.Attributes{
		Message:   "chain node unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDecodeFailure, xerrors.Attributes{
		Message:  "chain value decode failure",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeUnknownPath, xerrors.Attributes{
		Message:  "unknown contract path",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTransactionRejected, xerrors.Attributes{
		Message:  "transaction rejected",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTransactionUnknown, xerrors.Attributes{
		Message:  "transaction broadcast outcome unknown",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// NotBroadcast 判断提交失败是否发生在连接建立之前，即节点一定没有收到交易。
func NotBroadcast(err error) bool {
	var opErr *net.OpError
	return stdErrors.As(err, &opErr) && opErr.Op == "dial"
}
