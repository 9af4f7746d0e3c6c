package guardian

import xerrors "OpenGuardian/internal/errors"

const (
	// CodeBidNotCompetitive 表示当前最高出价已不低于我们的最高出价。
	CodeBidNotCompetitive xerrors.Code = "BID_NOT_COMPETITIVE"
	// CodeInsufficientBalance 表示可用余额不足以支付出价。
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	// CodeStalePrice 表示池价格与预言机参考价偏离过大。
	CodeStalePrice xerrors.Code = "STALE_PRICE"
	// CodeEmptyPool 表示交易池某一侧流动性为零，无法定价。
	CodeEmptyPool xerrors.Code = "EMPTY_POOL"
	// CodeInvalidAuction 表示事件数据缺失或无法解码。
	CodeInvalidAuction xerrors.Code = "INVALID_AUCTION"
)

func init() {
	xerrors.Register(CodeBidNotCompetitive, xerrors.Attributes{
		Message:  "last bid already meets max bid",
		Severity: xerrors.SeverityInfo,
		Refusal:  true,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "not enough free balance",
		Severity: xerrors.SeverityWarning,
		Refusal:  true,
		Alert:    true,
	})
	xerrors.Register(CodeStalePrice, xerrors.Attributes{
		Message:  "pool price deviates from oracle",
		Severity: xerrors.SeverityWarning,
		Refusal:  true,
	})
	xerrors.Register(CodeEmptyPool, xerrors.Attributes{
		Message:  "pool liquidity is zero",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidAuction, xerrors.Attributes{
		Message:  "malformed auction data",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
