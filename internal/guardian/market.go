package guardian

import (
	"context"
	"fmt"

	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Balance 是账户在某个资产上的余额。
type Balance struct {
	Free decimal.Decimal
}

// Pool 是稳定币与抵押资产组成的交易池。Base 为稳定币一侧的流动性。
type Pool struct {
	Base  decimal.Decimal
	Other decimal.Decimal
}

// Price 返回以稳定币计价的抵押资产价格。
func (p Pool) Price() (decimal.Decimal, bool) {
	return PoolPrice(p.Base, p.Other)
}

// Market 提供出价决策需要的链上状态。每次调用都重新查询，不做缓存。
type Market interface {
	StableAsset() string
	Balance(ctx context.Context, asset string) (Balance, error)
	Pool(ctx context.Context, asset string) (Pool, error)
	// LastBid 返回拍卖当前的最高出价，尚无出价时 ok 为 false。
	LastBid(ctx context.Context, lot Lot) (bid decimal.Decimal, ok bool, err error)
}

// Paths 是市场查询与交易使用的合约路径。
type Paths struct {
	Balance string
	Pool    string
	LastBid string
	Bid     string
	Swap    string
}

// DefaultPaths 返回默认合约路径。
func DefaultPaths() Paths {
	return Paths{
		Balance: "tokens.balanceOf",
		Pool:    "dex.getLiquidityPool",
		LastBid: "auction.lastBid",
		Bid:     "auction.bid",
		Swap:    "dex.swapWithExactSupply",
	}
}

// ConstStableAsset 是链常量中稳定币 ID 的名称。
const ConstStableAsset = "stable_currency_id"

// ChainMarket 通过链客户端查询市场状态。
type ChainMarket struct {
	client   chain.Client
	account  common.Address
	paths    Paths
	decimals int32
	stable   string
}

// NewChainMarket 创建链上市场。stable 为空时读取链常量 stable_currency_id。
func NewChainMarket(client chain.Client, account common.Address, paths Paths, decimals int32, stable string) (*ChainMarket, error) {
	if stable == "" {
		v, ok := client.Constant(ConstStableAsset)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置稳定币，且链常量 "+ConstStableAsset+" 不存在")
		}
		text, err := v.Text()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "链常量 "+ConstStableAsset+" 无法解码")
		}
		stable = text
	}
	return &ChainMarket{client: client, account: account, paths: paths, decimals: decimals, stable: stable}, nil
}

// StableAsset 返回稳定币 ID。
func (m *ChainMarket) StableAsset() string { return m.stable }

// Balance 查询出价账户的余额。返回值可以是整数或带 free 字段的结构体。
func (m *ChainMarket) Balance(ctx context.Context, asset string) (Balance, error) {
	v, err := m.client.Query(ctx, m.paths.Balance, m.account, asset)
	if err != nil {
		return Balance{}, err
	}
	if v.Kind() == chain.KindStruct {
		if free, ok := v.Field("free"); ok {
			v = free
		}
	}
	free, err := fixedPoint(v, m.decimals)
	if err != nil {
		return Balance{}, xerrors.Wrap(chain.CodeDecodeFailure, err, fmt.Sprintf("余额 %s 无法解码", asset))
	}
	return Balance{Free: free}, nil
}

// Pool 查询稳定币与 asset 的交易池。返回值为 [base, other] 列表或带同名字段的结构体。
func (m *ChainMarket) Pool(ctx context.Context, asset string) (Pool, error) {
	v, err := m.client.Query(ctx, m.paths.Pool, m.stable, asset)
	if err != nil {
		return Pool{}, err
	}
	var base, other chain.Value
	var ok1, ok2 bool
	switch v.Kind() {
	case chain.KindList:
		base, ok1 = v.Index(0)
		other, ok2 = v.Index(1)
	case chain.KindStruct:
		base, ok1 = v.Field("base")
		other, ok2 = v.Field("other")
	}
	if !ok1 || !ok2 {
		return Pool{}, xerrors.New(chain.CodeDecodeFailure, fmt.Sprintf("交易池 %s/%s 的返回值格式不正确: %s", m.stable, asset, v))
	}
	b, err := fixedPoint(base, m.decimals)
	if err != nil {
		return Pool{}, xerrors.Wrap(chain.CodeDecodeFailure, err, "交易池 base 无法解码")
	}
	o, err := fixedPoint(other, m.decimals)
	if err != nil {
		return Pool{}, xerrors.Wrap(chain.CodeDecodeFailure, err, "交易池 other 无法解码")
	}
	return Pool{Base: b, Other: o}, nil
}

// LastBid 查询拍卖的最高出价。None 或零表示尚无出价。
func (m *ChainMarket) LastBid(ctx context.Context, lot Lot) (decimal.Decimal, bool, error) {
	id := lot.id
	if id.IsNone() {
		id = chain.String(lot.AuctionID)
	}
	v, err := m.client.Query(ctx, m.paths.LastBid, id)
	if err != nil {
		return decimal.Zero, false, err
	}
	if v.IsNone() {
		return decimal.Zero, false, nil
	}
	if v.Kind() == chain.KindStruct {
		if amount, ok := v.Field("amount"); ok {
			v = amount
		}
	}
	bid, err := fixedPoint(v, m.decimals)
	if err != nil {
		return decimal.Zero, false, xerrors.Wrap(chain.CodeDecodeFailure, err, fmt.Sprintf("拍卖 %s 的出价无法解码", lot.AuctionID))
	}
	return bid, bid.IsPositive(), nil
}
