package oracle

import (
	"context"
	"strings"
	"time"

	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/config"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/stream"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

const (
	// DefaultPath 是预言机查询的默认合约路径。
	DefaultPath = "oracle.getValue"
	// DefaultPeriod 是默认的轮询周期。
	DefaultPeriod = 10 * time.Second
	// DefaultDecimals 是链上定点数的小数位数。
	DefaultDecimals = 18
)

// Feed 为每个资产生成持续的价格序列。
type Feed struct {
	querier     chain.Querier
	clock       clock.Clock
	period      time.Duration
	path        string
	provider    string
	decimals    int32
	stableAsset string
	stablePrice decimal.Decimal
}

// Option 定义可选配置。
type Option func(*Feed)

// WithClock 替换时钟，测试中使用 clock.NewMock。
func WithClock(clk clock.Clock) Option {
	return func(f *Feed) {
		if clk != nil {
			f.clock = clk
		}
	}
}

// WithPeriod 设置轮询周期。
func WithPeriod(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.period = d
		}
	}
}

// WithProvider 设置预言机数据提供方，作为查询的第一个参数。
func WithProvider(provider string) Option {
	return func(f *Feed) {
		f.provider = strings.TrimSpace(provider)
	}
}

// WithPath 覆盖查询路径。
func WithPath(path string) Option {
	return func(f *Feed) {
		if path != "" {
			f.path = path
		}
	}
}

// WithDecimals 设置定点数的小数位数。
func WithDecimals(decimals int32) Option {
	return func(f *Feed) {
		f.decimals = decimals
	}
}

// WithStable 配置稳定币及其固定价格。
func WithStable(asset string, price decimal.Decimal) Option {
	return func(f *Feed) {
		f.stableAsset = strings.TrimSpace(asset)
		f.stablePrice = price
	}
}

// NewFeed 创建价格源。
func NewFeed(querier chain.Querier, opts ...Option) *Feed {
	f := &Feed{
		querier:     querier,
		clock:       clock.New(),
		period:      DefaultPeriod,
		path:        DefaultPath,
		decimals:    DefaultDecimals,
		stablePrice: decimal.NewFromInt(1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StableAsset 返回配置的稳定币。
func (f *Feed) StableAsset() string { return f.stableAsset }

// PriceOf 返回资产的价格序列。
//
// 稳定币直接发出固定价格，不发起任何查询。其他资产按周期轮询预言机，
// 丢弃缺失值与非正值，只发出严格为正的价格。每次调用都会启动新的轮询。
func (f *Feed) PriceOf(ctx context.Context, asset string) *stream.Subscription[decimal.Decimal] {
	if f.stableAsset != "" && asset == f.stableAsset {
		return stream.Just(ctx, f.stablePrice)
	}

	raw := stream.Poll(ctx, f.clock, f.period, func(ctx context.Context) *stream.Subscription[chain.Value] {
		return stream.Once(ctx, func(ctx context.Context) (chain.Value, error) {
			return f.querier.Query(ctx, f.path, f.args(asset)...)
		})
	})
	return stream.FilterMap(ctx, raw, func(v chain.Value) (decimal.Decimal, bool) {
		return DecodePrice(v, f.decimals)
	})
}

func (f *Feed) args(asset string) []any {
	if f.provider == "" {
		return []any{asset}
	}
	return []any{f.provider, asset}
}

// DecodePrice 将预言机返回值解码为价格。带时间戳的嵌套值会被逐层展开，
// 缺失值与非正值返回 false。
func DecodePrice(v chain.Value, decimals int32) (decimal.Decimal, bool) {
	switch v.Kind() {
	case chain.KindStruct:
		inner, ok := v.Field("value")
		if !ok {
			return decimal.Decimal{}, false
		}
		return DecodePrice(inner, decimals)
	case chain.KindNumeric, chain.KindString:
		n, err := v.BigInt()
		if err != nil || n.Sign() <= 0 {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromBigInt(n, -decimals), true
	default:
		return decimal.Decimal{}, false
	}
}

// OptionsFromConfig 将预言机配置转换为价格源选项。
func OptionsFromConfig(cfg config.OracleConfig) ([]Option, error) {
	opts := []Option{
		WithPath(cfg.Path),
		WithPeriod(cfg.Period),
		WithProvider(cfg.Provider),
	}
	if cfg.Decimals > 0 {
		opts = append(opts, WithDecimals(cfg.Decimals))
	}
	if cfg.StableAsset != "" {
		price := decimal.NewFromInt(1)
		if cfg.StablePrice != "" {
			parsed, err := decimal.NewFromString(cfg.StablePrice)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "oracle.stable_price 不是合法的数字")
			}
			price = parsed
		}
		opts = append(opts, WithStable(cfg.StableAsset, price))
	}
	return opts, nil
}
