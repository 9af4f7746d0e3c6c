package guardian

import (
	"encoding/json"
	"fmt"

	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"

	"github.com/shopspring/decimal"
)

// Lot 是从拍卖事件中解出的拍卖标的：拍卖 ID、抵押资产与数量。
// 创建与成交事件都按 [auction_id, collateral_type, collateral_amount, ...] 排列。
type Lot struct {
	AuctionID  string          `json:"auction_id"`
	Collateral string          `json:"collateral"`
	Amount     decimal.Decimal `json:"amount"`

	id chain.Value
}

// Event 位置回退下标
const (
	posAuctionID  = 0
	posCollateral = 1
	posAmount     = 2
)

// DecodeLot 从事件中解出拍卖标的。参数名缺失时按位置回退。
func DecodeLot(ev chain.Event, decimals int32) (Lot, error) {
	id, ok := ev.Arg("auction_id", posAuctionID)
	if !ok || id.IsNone() {
		return Lot{}, invalid(ev, "缺少 auction_id")
	}
	idText, err := id.Text()
	if err != nil {
		return Lot{}, invalid(ev, "auction_id 无法解码: %v", err)
	}

	collateral, ok := ev.Arg("collateral_type", posCollateral)
	if !ok {
		return Lot{}, invalid(ev, "缺少 collateral_type")
	}
	asset, err := collateral.Text()
	if err != nil || asset == "" {
		return Lot{}, invalid(ev, "collateral_type 无法解码")
	}

	raw, ok := ev.Arg("collateral_amount", posAmount)
	if !ok {
		return Lot{}, invalid(ev, "缺少 collateral_amount")
	}
	amount, err := fixedPoint(raw, decimals)
	if err != nil {
		return Lot{}, invalid(ev, "collateral_amount 无法解码: %v", err)
	}
	if !amount.IsPositive() {
		return Lot{}, invalid(ev, "collateral_amount 必须为正数")
	}
	return Lot{AuctionID: idText, Collateral: asset, Amount: amount, id: id}, nil
}

// eventFrom 接受动作收到的数据：已解码的事件或其 JSON 形式。
func eventFrom(data any) (chain.Event, error) {
	switch v := data.(type) {
	case chain.Event:
		return v, nil
	case *chain.Event:
		if v == nil {
			break
		}
		return *v, nil
	case json.RawMessage:
		var ev chain.Event
		if err := json.Unmarshal(v, &ev); err != nil {
			return chain.Event{}, xerrors.Wrap(CodeInvalidAuction, err, "事件数据无法解码")
		}
		return ev, nil
	}
	return chain.Event{}, xerrors.New(CodeInvalidAuction, fmt.Sprintf("不支持的事件数据类型 %T", data))
}

func invalid(ev chain.Event, format string, args ...any) error {
	return xerrors.New(CodeInvalidAuction, fmt.Sprintf(format, args...),
		xerrors.WithMetadata("event", ev.Name),
		xerrors.WithMetadata("tx_hash", ev.TxHash),
	)
}

// fixedPoint 将链上定点整数转换为小数。带 value 字段的结构体会被展开。
func fixedPoint(v chain.Value, decimals int32) (decimal.Decimal, error) {
	if v.Kind() == chain.KindStruct {
		inner, ok := v.Field("value")
		if !ok {
			return decimal.Zero, fmt.Errorf("结构体缺少 value 字段")
		}
		return fixedPoint(inner, decimals)
	}
	n, err := v.BigInt()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(n, -decimals), nil
}

// toFixed 将小数转换回链上定点整数，多余的小数位被截断。
func toFixed(d decimal.Decimal, decimals int32) chain.Value {
	return chain.Numeric(d.Shift(decimals).Truncate(0).BigInt())
}
