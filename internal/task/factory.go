package task

import (
	"fmt"
	"strings"
	"sync"

	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/config"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/oracle"

	"github.com/benbjohnson/clock"
)

// ChainSource 按网络名提供链客户端，provider.Registry 实现了该接口。
type ChainSource interface {
	Client(name string) (chain.Client, bool)
	Endpoints(name string) []string
}

// Binding 将任务与其动作配置绑定在一起。
type Binding struct {
	Task      Task
	Actions   []map[string]any
	Endpoints []string
}

// Factory 根据配置构造任务。
type Factory struct {
	chains   ChainSource
	clock    clock.Clock
	feedOpts []oracle.Option

	mu    sync.Mutex
	feeds map[string]*oracle.Feed
}

// FactoryOption 定义可选配置。
type FactoryOption func(*Factory)

// WithClock 替换任务使用的时钟。
func WithClock(clk clock.Clock) FactoryOption {
	return func(f *Factory) {
		if clk != nil {
			f.clock = clk
		}
	}
}

// WithFeedOptions 设置价格任务使用的预言机选项。
func WithFeedOptions(opts ...oracle.Option) FactoryOption {
	return func(f *Factory) {
		f.feedOpts = append(f.feedOpts, opts...)
	}
}

// NewFactory 创建任务工厂。
func NewFactory(chains ChainSource, opts ...FactoryOption) *Factory {
	f := &Factory{
		chains: chains,
		clock:  clock.New(),
		feeds:  make(map[string]*oracle.Feed),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Build 构造单个任务。
func (f *Factory) Build(cfg config.TaskConfig) (Task, error) {
	client, ok := f.chains.Client(cfg.Network)
	if !ok {
		return nil, validationError(cfg.ID, "未知网络 %q", cfg.Network)
	}

	switch cfg.Kind {
	case KindEvents:
		names, err := stringList(cfg.Args, "name")
		if err != nil {
			return nil, validationError(cfg.ID, "%v", err)
		}
		return NewEventsTask(cfg.ID, cfg.Network, client, names...)
	case KindOraclePrice:
		assets, err := stringList(cfg.Args, "currency")
		if err != nil {
			return nil, validationError(cfg.ID, "%v", err)
		}
		return NewPriceTask(cfg.ID, cfg.Network, f.feed(cfg.Network, client), f.clock, assets...)
	case KindPoll:
		path, _ := cfg.Args["path"].(string)
		period, err := durationArg(cfg.Args, "period")
		if err != nil {
			return nil, validationError(cfg.ID, "%v", err)
		}
		var args []any
		if raw, ok := cfg.Args["args"].([]any); ok {
			args = raw
		}
		return NewPollTask(cfg.ID, cfg.Network, client, f.clock, period, strings.TrimSpace(path), args...)
	default:
		return nil, xerrors.New(CodeTaskUnknown, fmt.Sprintf("任务 %s 的类型 %q 不受支持", cfg.ID, cfg.Kind))
	}
}

// Bind 构造任务并校验其动作配置，每个动作必须声明 method。
func (f *Factory) Bind(cfg config.TaskConfig) (Binding, error) {
	t, err := f.Build(cfg)
	if err != nil {
		return Binding{}, err
	}
	if len(cfg.Actions) == 0 {
		return Binding{}, validationError(cfg.ID, "至少需要一个动作")
	}
	actions := make([]map[string]any, 0, len(cfg.Actions))
	for i, action := range cfg.Actions {
		method, _ := action["method"].(string)
		if strings.TrimSpace(method) == "" {
			return Binding{}, validationError(cfg.ID, "第 %d 个动作缺少 method", i)
		}
		actions = append(actions, action)
	}
	return Binding{Task: t, Actions: actions, Endpoints: f.chains.Endpoints(cfg.Network)}, nil
}

// BindAll 构造全部任务，任一失败即返回。
func (f *Factory) BindAll(cfgs []config.TaskConfig) ([]Binding, error) {
	out := make([]Binding, 0, len(cfgs))
	for _, cfg := range cfgs {
		b, err := f.Bind(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Feed 返回网络对应的价格源，同一网络共享一个实例。
func (f *Factory) Feed(network string) (*oracle.Feed, bool) {
	client, ok := f.chains.Client(network)
	if !ok {
		return nil, false
	}
	return f.feed(network, client), true
}

func (f *Factory) feed(network string, client chain.Querier) *oracle.Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	if feed, ok := f.feeds[network]; ok {
		return feed
	}
	opts := append([]oracle.Option{oracle.WithClock(f.clock)}, f.feedOpts...)
	feed := oracle.NewFeed(client, opts...)
	f.feeds[network] = feed
	return feed
}
