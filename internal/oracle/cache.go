package oracle

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Quote 是某个资产最近一次观测到的价格。
type Quote struct {
	Asset string
	Price decimal.Decimal
	At    time.Time
}

// Cache 持续跟踪资产价格，保留每个资产的最新报价。
type Cache struct {
	feed       *Feed
	newBackOff func() backoff.BackOff
	log        *slog.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// CacheOption 定义可选配置。
type CacheOption func(*Cache)

// WithBackOff 设置上游中断后的重启退避策略。
func WithBackOff(newBackOff func() backoff.BackOff) CacheOption {
	return func(c *Cache) {
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// NewCache 基于价格源创建缓存。
func NewCache(feed *Feed, opts ...CacheOption) *Cache {
	c := &Cache{
		feed:   feed,
		quotes: make(map[string]Quote),
		log:    logger.Named("oracle"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Track 为每个资产订阅价格，直到 ctx 结束。上游失败时按退避策略重新订阅。
func (c *Cache) Track(ctx context.Context, assets ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			return c.track(ctx, asset)
		})
	}
	err := g.Wait()
	if stdErrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Cache) track(ctx context.Context, asset string) error {
	op := func() error {
		sub := c.feed.PriceOf(ctx, asset)
		defer sub.Close()
		for price := range sub.Values() {
			c.store(asset, price)
		}
		if err := <-sub.Err(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("价格订阅中断，准备重启",
			slog.String("asset", asset),
			slog.Duration("wait", wait),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
}

func (c *Cache) store(asset string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[asset] = Quote{Asset: asset, Price: price, At: c.feed.clock.Now()}
}

// Price 返回资产的最新报价。
func (c *Cache) Price(asset string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[asset]
	return q, ok
}
