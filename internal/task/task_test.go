package task

import (
	"context"
	"math/big"
	"testing"
	"time"

	"OpenGuardian/internal/bus"
	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/chain/chaintest"
	"OpenGuardian/internal/config"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/oracle"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type staticChains map[string]*chaintest.Client

func (s staticChains) Client(name string) (chain.Client, bool) {
	c, ok := s[name]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s staticChains) Endpoints(name string) []string {
	return []string{"wss://" + name + ".example"}
}

type capturingProducer struct {
	ch chan bus.Envelope
}

func (p *capturingProducer) Publish(ctx context.Context, env bus.Envelope) error {
	select {
	case p.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *capturingProducer) Close() error { return nil }

func receive(t *testing.T, ch <-chan bus.Envelope) bus.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return bus.Envelope{}
}

func TestEventsTaskRequiresName(t *testing.T) {
	factory := NewFactory(staticChains{"karura": chaintest.New()})
	for _, args := range []map[string]any{
		{"name": ""},
		{"name": []any{}},
		{"name": []any{" "}},
		{},
	} {
		_, err := factory.Build(config.TaskConfig{ID: "auctions", Kind: KindEvents, Network: "karura", Args: args})
		require.Error(t, err, "args %v", args)
		require.Equal(t, CodeTaskValidation, xerrors.CodeOf(err))
	}

	_, err := factory.Build(config.TaskConfig{ID: "auctions", Kind: KindEvents, Network: "karura", Args: map[string]any{"name": 42}})
	require.Equal(t, CodeTaskValidation, xerrors.CodeOf(err))
}

func TestFactoryValidation(t *testing.T) {
	factory := NewFactory(staticChains{"karura": chaintest.New()})

	_, err := factory.Build(config.TaskConfig{ID: "x", Kind: "cron", Network: "karura"})
	require.Equal(t, CodeTaskUnknown, xerrors.CodeOf(err))

	_, err = factory.Build(config.TaskConfig{ID: "x", Kind: KindEvents, Network: "acala", Args: map[string]any{"name": "auction.CollateralAuctionCreated"}})
	require.Equal(t, CodeTaskValidation, xerrors.CodeOf(err))

	_, err = factory.Build(config.TaskConfig{ID: "x", Kind: KindPoll, Network: "karura", Args: map[string]any{"period": "1s"}})
	require.Equal(t, CodeTaskValidation, xerrors.CodeOf(err))

	_, err = factory.Build(config.TaskConfig{ID: "x", Kind: KindOraclePrice, Network: "karura"})
	require.Equal(t, CodeTaskValidation, xerrors.CodeOf(err))

	_, err = factory.Bind(config.TaskConfig{
		ID: "x", Kind: KindEvents, Network: "karura",
		Args:    map[string]any{"name": "auction.CollateralAuctionCreated"},
		Actions: []map[string]any{{"url": "http://localhost"}},
	})
	require.Equal(t, CodeTaskValidation, xerrors.CodeOf(err))
}

func TestDurationArg(t *testing.T) {
	cases := map[string]struct {
		raw  any
		want time.Duration
	}{
		"string":  {raw: "2s", want: 2 * time.Second},
		"integer": {raw: 3000, want: 3 * time.Second},
		"float":   {raw: 1500.0, want: 1500 * time.Millisecond},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := durationArg(map[string]any{"period": tc.raw}, "period")
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
	_, err := durationArg(map[string]any{"period": "soon"}, "period")
	require.Error(t, err)
}

func TestRunnerFansOutEachOutputToEveryAction(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := chaintest.New()
	factory := NewFactory(staticChains{"karura": client})
	binding, err := factory.Bind(config.TaskConfig{
		ID:      "auctions",
		Kind:    KindEvents,
		Network: "karura",
		Args:    map[string]any{"name": []any{"auction.CollateralAuctionCreated"}},
		Actions: []map[string]any{
			{"method": "collateral_auction_created"},
			{"method": "log"},
		},
	})
	require.NoError(t, err)

	producer := &capturingProducer{ch: make(chan bus.Envelope, 8)}
	runner := NewRunner(producer, []Binding{binding})
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool { return client.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	client.Emit(ctx, chain.NewEvent("auction.CollateralAuctionCreated", nil, []chain.Value{chain.Int64(1)}))

	first := receive(t, producer.ch)
	second := receive(t, producer.ch)
	require.Equal(t, "collateral_auction_created", first.Action)
	require.Equal(t, "log", second.Action)
	for _, env := range []bus.Envelope{first, second} {
		require.Equal(t, "auctions", env.TaskID)
		require.Equal(t, KindEvents, env.Kind)
		require.Equal(t, uint64(1), env.Seq)
		require.Equal(t, "karura", env.Metadata.Network)
		require.Equal(t, []string{"wss://karura.example"}, env.Metadata.NodeEndpoint)
		var ev chain.Event
		require.NoError(t, env.Decode(&ev))
		require.Equal(t, "auction.CollateralAuctionCreated", ev.Name)
	}
	require.NotEqual(t, first.ID, second.ID)

	cancel()
	require.NoError(t, <-done)
}

func TestRunnerEndsOnUpstreamFailure(t *testing.T) {
	factory := NewFactory(staticChains{"karura": chaintest.New()}, WithClock(clock.NewMock()))
	binding, err := factory.Bind(config.TaskConfig{
		ID:      "positions",
		Kind:    KindPoll,
		Network: "karura",
		Args:    map[string]any{"path": "loans.missing", "period": "1s"},
		Actions: []map[string]any{{"method": "log"}},
	})
	require.NoError(t, err)

	runner := NewRunner(&capturingProducer{ch: make(chan bus.Envelope, 1)}, []Binding{binding})
	err = runner.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, CodeTaskUpstream, xerrors.CodeOf(err))
	require.True(t, xerrors.RetryableError(err))
}

func TestPriceTaskMergesAssets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := chaintest.New()
	client.SetResult(oracle.DefaultPath, chain.Numeric(new(big.Int).Mul(big.NewInt(3), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))))
	factory := NewFactory(staticChains{"karura": client},
		WithClock(clock.NewMock()),
		WithFeedOptions(oracle.WithStable("AUSD", decimal.NewFromInt(1))),
	)
	tk, err := factory.Build(config.TaskConfig{
		ID: "prices", Kind: KindOraclePrice, Network: "karura",
		Args: map[string]any{"currency": []any{"AUSD", "DOT"}},
	})
	require.NoError(t, err)

	sub := tk.Start(ctx)
	defer sub.Close()

	got := map[string]string{}
	for len(got) < 2 {
		select {
		case v := <-sub.Values():
			point := v.(PricePoint)
			got[point.Asset] = point.Price.String()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	require.Equal(t, map[string]string{"AUSD": "1", "DOT": "3"}, got)
	for _, q := range client.Queries() {
		require.Equal(t, []any{"DOT"}, q.Args, "stable asset must not be queried")
	}
}
