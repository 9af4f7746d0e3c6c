package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"OpenGuardian/internal/actions"
	"OpenGuardian/internal/api"
	"OpenGuardian/internal/bus"
	"OpenGuardian/internal/chain/provider"
	"OpenGuardian/internal/config"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/guardian"
	"OpenGuardian/internal/journal"
	"OpenGuardian/internal/observability/alerting"
	"OpenGuardian/internal/oracle"
	"OpenGuardian/internal/reactor"
	"OpenGuardian/internal/registry"
	"OpenGuardian/internal/signer"
	"OpenGuardian/internal/task"
	"OpenGuardian/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// 未配置任务时订阅的拍卖事件。
const (
	eventAuctionCreated = "auction.CollateralAuctionCreated"
	eventAuctionDealt   = "auction.CollateralAuctionDealt"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "启动守护者",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return run(c.Context, cfg, filepath.Dir(c.String("config")))
		},
	}
}

func run(ctx context.Context, cfg *config.Config, baseDir string) error {
	log := logger.Named("guardian")

	chains, err := provider.NewRegistry(ctx, cfg.Networks, cfg.Guardian.Network, baseDir, provider.DialEVM)
	if err != nil {
		return err
	}
	defer chains.Close()

	client, ok := chains.Client(cfg.Guardian.Network)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("守护者网络 %s 未连接", cfg.Guardian.Network))
	}

	key, err := signer.Load(cfg.Guardian.Signer, cfg.Guardian.BidderAddress)
	if err != nil {
		return err
	}

	store, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := bus.Open(ctx, cfg.EventBus)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭事件总线失败", slog.Any("error", err))
		}
	}()

	var notifiers []alerting.Notifier
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout))
	}
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	alerter := alerting.NewFanout(notifiers...)

	feedOpts, err := oracle.OptionsFromConfig(cfg.Oracle)
	if err != nil {
		return err
	}
	factory := task.NewFactory(chains, task.WithFeedOptions(feedOpts...))
	feed, ok := factory.Feed(cfg.Guardian.Network)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("网络 %s 没有价格源", cfg.Guardian.Network))
	}
	prices := oracle.NewCache(feed)

	market, err := guardian.NewChainMarket(client, key.Address(), guardian.DefaultPaths(), cfg.Oracle.Decimals, cfg.Oracle.StableAsset)
	if err != nil {
		return err
	}
	executor := guardian.NewChainExecutor(client, key, guardian.DefaultPaths(), cfg.Oracle.Decimals)

	g := guardian.New(ctx, cfg.Guardian.Name, market, executor, guardian.ParamsFromConfig(cfg.Guardian),
		guardian.WithDecimals(cfg.Oracle.Decimals),
		guardian.WithPriceSource(prices),
		guardian.WithAlerter(alerter),
		guardian.WithReactorOptions(
			reactor.WithObserver(journal.NewRecorder(store, cfg.Guardian.Name)),
			reactor.WithTimeout(cfg.Reactor.Timeout),
			reactor.WithRetry(cfg.Reactor.MaxRetries, nil),
		),
	)
	defer g.Close()

	reg := registry.New()
	if err := actions.Register(reg, actions.Options{}); err != nil {
		return err
	}
	if err := g.Register(reg); err != nil {
		return err
	}

	tasks := cfg.Guardian.Tasks
	if len(tasks) == 0 {
		tasks = defaultTasks(cfg.Guardian.Network)
	}
	bindings, err := factory.BindAll(tasks)
	if err != nil {
		return err
	}
	runner := task.NewRunner(queue, bindings)
	processor := task.NewProcessor(reg, queue, task.WithAlertDispatcher(alerter))
	server := api.NewServer(cfg.API.Address, store, api.WithReporters(g), api.WithToken(cfg.API.Token))

	log.Info("守护者启动",
		slog.String("name", cfg.Guardian.Name),
		slog.String("network", cfg.Guardian.Network),
		slog.String("bidder", key.Address().Hex()),
		slog.Int("tasks", len(bindings)),
		slog.Int("alert_channels", alerter.Channels()),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return server.Start(ctx) })
	eg.Go(func() error { return processor.Start(ctx) })
	eg.Go(func() error { return runTasks(ctx, runner, log) })
	if len(cfg.Oracle.Assets) > 0 {
		eg.Go(func() error { return prices.Track(ctx, cfg.Oracle.Assets...) })
	}

	err = eg.Wait()
	if err == nil || stdErrors.Is(err, context.Canceled) {
		log.Info("守护者已停止")
		return nil
	}
	return err
}

// runTasks 在任务上游中断后按指数退避重启，只有不可重试的错误会结束守护进程。
func runTasks(ctx context.Context, runner *task.Runner, log *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	op := func() error {
		err := runner.Run(ctx)
		switch {
		case err == nil:
			return nil
		case xerrors.RetryableError(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("任务中断，准备重启",
			slog.Duration("wait", wait),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func defaultTasks(network string) []config.TaskConfig {
	return []config.TaskConfig{
		{
			ID:      "auction-created",
			Kind:    task.KindEvents,
			Network: network,
			Args:    map[string]any{"name": eventAuctionCreated},
			Actions: []map[string]any{{"method": guardian.ActionAuctionCreated}},
		},
		{
			ID:      "auction-dealt",
			Kind:    task.KindEvents,
			Network: network,
			Args:    map[string]any{"name": eventAuctionDealt},
			Actions: []map[string]any{{"method": guardian.ActionAuctionDealt}},
		},
	}
}
