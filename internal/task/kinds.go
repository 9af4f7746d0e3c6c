package task

import (
	"context"
	"time"

	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/oracle"
	"OpenGuardian/internal/stream"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

// EventsTask 订阅指定名称的链上事件，每个事件作为一次输出。
type EventsTask struct {
	base
	subscriber chain.Subscriber
	names      []string
}

// NewEventsTask 创建事件任务，names 不能为空。
func NewEventsTask(id, network string, subscriber chain.Subscriber, names ...string) (*EventsTask, error) {
	if len(names) == 0 {
		return nil, validationError(id, "事件名称不能为空")
	}
	return &EventsTask{
		base:       base{id: id, kind: KindEvents, network: network},
		subscriber: subscriber,
		names:      append([]string(nil), names...),
	}, nil
}

// Names 返回订阅的事件名称。
func (t *EventsTask) Names() []string { return append([]string(nil), t.names...) }

// Start 订阅事件。订阅建立失败时序列立即以错误结束。
func (t *EventsTask) Start(ctx context.Context) *stream.Subscription[any] {
	events, err := t.subscriber.SubscribeEvents(ctx, t.names...)
	if err != nil {
		return stream.Fail[any](ctx, err)
	}
	return stream.FilterMap(ctx, events, func(ev chain.Event) (any, bool) {
		return ev, true
	})
}

// PricePoint 是价格任务的一次输出。
type PricePoint struct {
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// PriceTask 轮询一个或多个资产的预言机价格。
type PriceTask struct {
	base
	feed   *oracle.Feed
	clock  clock.Clock
	assets []string
}

// NewPriceTask 创建价格任务，assets 不能为空。
func NewPriceTask(id, network string, feed *oracle.Feed, clk clock.Clock, assets ...string) (*PriceTask, error) {
	if len(assets) == 0 {
		return nil, validationError(id, "currency 不能为空")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PriceTask{
		base:   base{id: id, kind: KindOraclePrice, network: network},
		feed:   feed,
		clock:  clk,
		assets: append([]string(nil), assets...),
	}, nil
}

// Start 合并每个资产的价格序列。
func (t *PriceTask) Start(ctx context.Context) *stream.Subscription[any] {
	subs := make([]*stream.Subscription[any], 0, len(t.assets))
	for _, asset := range t.assets {
		asset := asset
		subs = append(subs, stream.FilterMap(ctx, t.feed.PriceOf(ctx, asset), func(price decimal.Decimal) (any, bool) {
			return PricePoint{Asset: asset, Price: price, At: t.clock.Now().UTC()}, true
		}))
	}
	if len(subs) == 1 {
		return subs[0]
	}
	return stream.Merge(ctx, subs...)
}

// PollResult 是轮询任务的一次输出。
type PollResult struct {
	Path  string      `json:"path"`
	Value chain.Value `json:"value"`
	At    time.Time   `json:"at"`
}

// PollTask 按周期执行一次链上只读查询。
type PollTask struct {
	base
	querier chain.Querier
	clock   clock.Clock
	period  time.Duration
	path    string
	args    []any
}

// NewPollTask 创建轮询任务。
func NewPollTask(id, network string, querier chain.Querier, clk clock.Clock, period time.Duration, path string, args ...any) (*PollTask, error) {
	if path == "" {
		return nil, validationError(id, "path 不能为空")
	}
	if period <= 0 {
		return nil, validationError(id, "period 必须大于 0")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PollTask{
		base:    base{id: id, kind: KindPoll, network: network},
		querier: querier,
		clock:   clk,
		period:  period,
		path:    path,
		args:    append([]any(nil), args...),
	}, nil
}

// Start 立即查询一次，之后每个周期再查询一次。查询失败时序列结束。
func (t *PollTask) Start(ctx context.Context) *stream.Subscription[any] {
	values := stream.Poll(ctx, t.clock, t.period, func(ctx context.Context) *stream.Subscription[chain.Value] {
		return stream.Once(ctx, func(ctx context.Context) (chain.Value, error) {
			return t.querier.Query(ctx, t.path, t.args...)
		})
	})
	return stream.FilterMap(ctx, values, func(v chain.Value) (any, bool) {
		return PollResult{Path: t.path, Value: v, At: t.clock.Now().UTC()}, true
	})
}
