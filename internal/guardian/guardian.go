// Package guardian 实现抵押品拍卖守护者：对新拍卖出价，对成交的拍卖把抵押品兑换为稳定币。
//
// 两条流水线分别运行在以动作名命名的反应器通道上，同一通道内严格按到达顺序逐个处理。
package guardian

import (
	"context"
	"fmt"
	"log/slog"

	"OpenGuardian/internal/config"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/alerting"
	"OpenGuardian/internal/oracle"
	"OpenGuardian/internal/reactor"
	"OpenGuardian/internal/registry"
	"OpenGuardian/pkg/logger"

	"github.com/shopspring/decimal"
)

// 守护者注册的动作，同时也是反应器通道名。
const (
	ActionAuctionCreated = "collateral_auction_created"
	ActionAuctionDealt   = "collateral_auction_dealt"
)

// Params 是出价与兑换的业务参数。
type Params struct {
	Margin            decimal.Decimal
	MaxPriceDeviation decimal.Decimal
	ExchangeFee       decimal.Decimal
	Slippage          decimal.Decimal
}

// ParamsFromConfig 从守护者配置中读取业务参数。
func ParamsFromConfig(cfg config.GuardianConfig) Params {
	return Params{
		Margin:            decimal.NewFromFloat(cfg.Margin),
		MaxPriceDeviation: decimal.NewFromFloat(cfg.MaxPriceDeviation),
		ExchangeFee:       decimal.NewFromFloat(cfg.ExchangeFee),
		Slippage:          decimal.NewFromFloat(cfg.Slippage),
	}
}

// PriceSource 提供预言机参考价，oracle.Cache 实现了该接口。
type PriceSource interface {
	Price(asset string) (oracle.Quote, bool)
}

// Guardian 将拍卖动作接入顺序反应器。
type Guardian struct {
	name     string
	market   Market
	executor Executor
	params   Params
	decimals int32
	prices   PriceSource
	alerter  alerting.Dispatcher
	log      *slog.Logger
	group    *reactor.Group[*job]
}

// Option 定义可选配置。
type Option func(*settings)

type settings struct {
	decimals   int32
	prices     PriceSource
	alerter    alerting.Dispatcher
	log        *slog.Logger
	reactorOpt []reactor.Option
}

// WithDecimals 设置事件金额的定点小数位数。
func WithDecimals(decimals int32) Option {
	return func(s *settings) { s.decimals = decimals }
}

// WithPriceSource 启用池价格与预言机参考价的偏离检查。
func WithPriceSource(prices PriceSource) Option {
	return func(s *settings) { s.prices = prices }
}

// WithAlerter 对需要告警的失败发送通知。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(s *settings) { s.alerter = d }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithReactorOptions 透传反应器选项，例如超时、重试与流水记录。
func WithReactorOptions(opts ...reactor.Option) Option {
	return func(s *settings) { s.reactorOpt = append(s.reactorOpt, opts...) }
}

// New 创建守护者。ctx 结束时反应器停止派发后续条目。
func New(ctx context.Context, name string, market Market, executor Executor, params Params, opts ...Option) *Guardian {
	s := settings{decimals: oracle.DefaultDecimals}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("guardian")
	}
	g := &Guardian{
		name:     name,
		market:   market,
		executor: executor,
		params:   params,
		decimals: s.decimals,
		prices:   s.prices,
		alerter:  s.alerter,
		log:      s.log.With(slog.String("guardian", name)),
	}
	reactorOpts := append([]reactor.Option{
		reactor.WithLogger(s.log),
		reactor.WithErrorSink(alerting.Sink(s.alerter, g.logFailure)),
	}, s.reactorOpt...)
	g.group = reactor.NewGroup(ctx, g.handler, reactorOpts...)
	return g
}

// Name 返回守护者名称。
func (g *Guardian) Name() string { return g.name }

// Register 在注册表上注册拍卖动作。
func (g *Guardian) Register(reg *registry.Registry) error {
	if err := reg.Register(ActionAuctionCreated, g.onAuction(ActionAuctionCreated)); err != nil {
		return err
	}
	return reg.Register(ActionAuctionDealt, g.onAuction(ActionAuctionDealt))
}

// Pending 返回各通道积压的条目数。
func (g *Guardian) Pending() map[string]int { return g.group.Pending() }

// Close 停止接收新条目并等待正在执行的处理函数结束。
func (g *Guardian) Close() { g.group.Close() }

// onAuction 只做解码并入队，实际处理在反应器中进行，派发方不会被阻塞。
func (g *Guardian) onAuction(channel string) registry.Action {
	return func(_ context.Context, data any, md registry.Metadata) error {
		ev, err := eventFrom(data)
		if err != nil {
			return err
		}
		lot, err := DecodeLot(ev, g.decimals)
		if err != nil {
			return err
		}
		margin := g.params.Margin
		if f, ok := md.Float("margin"); ok {
			if f < 0 || f >= 1 {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("margin %v 超出 [0, 1)", f))
			}
			margin = decimal.NewFromFloat(f)
		}
		return g.group.Submit(channel, &job{
			channel: channel,
			lot:     lot,
			margin:  margin,
			network: md.Network,
			event:   ev.Name,
		})
	}
}

func (g *Guardian) handler(channel string) reactor.Handler[*job] {
	switch channel {
	case ActionAuctionCreated:
		return g.bid
	case ActionAuctionDealt:
		return g.swap
	default:
		return func(context.Context, *job) error {
			return xerrors.New(xerrors.CodeInvalidArgument, "未知的守护者通道 "+channel)
		}
	}
}

// bid 在处理时重新读取池价格、最高出价与余额，计算最高出价后提交。
func (g *Guardian) bid(ctx context.Context, j *job) error {
	pool, err := g.market.Pool(ctx, j.lot.Collateral)
	if err != nil {
		return err
	}
	price, ok := pool.Price()
	if !ok {
		return xerrors.New(CodeEmptyPool, fmt.Sprintf("%s 交易池流动性为零", j.lot.Collateral))
	}
	j.note("pool_price", price.String())

	if g.prices != nil && g.params.MaxPriceDeviation.IsPositive() {
		if quote, ok := g.prices.Price(j.lot.Collateral); ok {
			dev := Deviation(price, quote.Price)
			j.note("oracle_price", quote.Price.String())
			if dev.GreaterThan(g.params.MaxPriceDeviation) {
				return xerrors.New(CodeStalePrice, fmt.Sprintf("池价格 %s 偏离预言机价格 %s 达 %s", price, quote.Price, dev.StringFixed(4)))
			}
		}
	}

	maxBid := MaxBid(j.margin, price)
	j.note("max_bid", maxBid.String())

	last, hasBid, err := g.market.LastBid(ctx, j.lot)
	if err != nil {
		return err
	}
	if hasBid {
		j.note("last_bid", last.String())
		if last.GreaterThanOrEqual(maxBid) {
			return xerrors.New(CodeBidNotCompetitive, fmt.Sprintf("最高出价 %s 不低于我们的上限 %s", last, maxBid))
		}
	}

	balance, err := g.market.Balance(ctx, g.market.StableAsset())
	if err != nil {
		return err
	}
	need := maxBid.Mul(j.lot.Amount)
	if balance.Free.LessThan(need) {
		return xerrors.New(CodeInsufficientBalance, fmt.Sprintf("可用余额 %s 不足 %s", balance.Free, need))
	}

	hash, err := g.executor.Bid(ctx, j.lot, maxBid)
	j.txHash = hash
	if err != nil {
		return err
	}
	logger.Audit().Info("出价已上链",
		slog.String("guardian", g.name),
		slog.String("auction_id", j.lot.AuctionID),
		slog.String("collateral", j.lot.Collateral),
		slog.String("bid", maxBid.String()),
		slog.String("tx_hash", hash),
	)
	return nil
}

// swap 将成交拍卖得到的抵押品按恒定乘积价格兑换为稳定币。
func (g *Guardian) swap(ctx context.Context, j *job) error {
	stable := g.market.StableAsset()
	pool, err := g.market.Pool(ctx, j.lot.Collateral)
	if err != nil {
		return err
	}
	target, ok := SwapTarget(j.lot.Amount, pool.Other, pool.Base, g.params.ExchangeFee, g.params.Slippage)
	if !ok {
		return xerrors.New(CodeEmptyPool, fmt.Sprintf("%s 交易池流动性为零", j.lot.Collateral))
	}
	j.note("supply", j.lot.Amount.String())
	j.note("min_target", target.String())

	hash, err := g.executor.Swap(ctx, j.lot.Collateral, stable, j.lot.Amount, target)
	j.txHash = hash
	if err != nil {
		return err
	}
	logger.Audit().Info("兑换已上链",
		slog.String("guardian", g.name),
		slog.String("auction_id", j.lot.AuctionID),
		slog.String("supply", j.lot.Amount.String()+" "+j.lot.Collateral),
		slog.String("min_target", target.String()+" "+stable),
		slog.String("tx_hash", hash),
	)
	return nil
}

func (g *Guardian) logFailure(_ context.Context, item reactor.Item, err error) {
	attrs := []any{
		slog.String("channel", item.Reactor),
		slog.String("auction_id", item.Subject()),
		slog.Int("attempts", item.Attempts),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()),
	}
	if xerrors.IsRefusal(err) {
		g.log.Info("跳过拍卖", attrs...)
		return
	}
	g.log.Error("拍卖处理失败", attrs...)
}

// job 是反应器中的一个条目。处理结果写回条目，供流水记录读取。
type job struct {
	channel string
	lot     Lot
	margin  decimal.Decimal
	network string
	event   string

	txHash string
	detail map[string]any
}

func (j *job) Subject() string { return j.lot.AuctionID }

func (j *job) TxHash() string { return j.txHash }

func (j *job) Detail() map[string]any {
	out := map[string]any{
		"collateral": j.lot.Collateral,
		"amount":     j.lot.Amount.String(),
		"margin":     j.margin.String(),
		"network":    j.network,
		"event":      j.event,
	}
	for k, v := range j.detail {
		out[k] = v
	}
	return out
}

func (j *job) note(key string, value any) {
	if j.detail == nil {
		j.detail = make(map[string]any)
	}
	j.detail[key] = value
}
