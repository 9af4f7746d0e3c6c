package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"OpenGuardian/internal/bus"
	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/alerting"
	"OpenGuardian/internal/registry"

	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, ev alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func eventEnvelope(t *testing.T, action string, seq uint64, ev chain.Event) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope("auctions", KindEvents, action, ev, registry.Metadata{
		Network: "karura",
		Action:  map[string]any{"method": action},
	})
	require.NoError(t, err)
	env.Seq = seq
	return env
}

func TestProcessorDispatchesDecodedEventsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := bus.NewMemoryQueue(16)
	reg := registry.New()

	var (
		mu  sync.Mutex
		ids []string
	)
	reg.MustRegister("collateral_auction_created", func(_ context.Context, data any, md registry.Metadata) error {
		ev, ok := data.(chain.Event)
		if !ok {
			return errors.New("unexpected payload type")
		}
		id, _ := ev.Arg("auction_id", 0)
		text, _ := id.Text()
		mu.Lock()
		ids = append(ids, text+"@"+md.Network)
		mu.Unlock()
		return nil
	})

	docs := []string{"Collateral auction created. [auction_id, collateral_type, collateral_amount, target_bid_price]"}
	for i, id := range []string{"1", "2", "3"} {
		ev := chain.NewEvent("auction.CollateralAuctionCreated", docs, []chain.Value{
			chain.String(id), chain.String("DOT"), chain.Int64(100), chain.Int64(900),
		})
		require.NoError(t, queue.Publish(ctx, eventEnvelope(t, "collateral_auction_created", uint64(i+1), ev)))
	}

	p := NewProcessor(reg, queue)
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"1@karura", "2@karura", "3@karura"}, ids)
	mu.Unlock()

	require.NoError(t, queue.Close())
	require.NoError(t, <-done)
}

func TestProcessorReportsUndecodablePayload(t *testing.T) {
	alerter := &recordingAlerter{}
	reg := registry.New()
	called := false
	reg.MustRegister("*", func(context.Context, any, registry.Metadata) error {
		called = true
		return nil
	})
	p := NewProcessor(reg, bus.NewMemoryQueue(1), WithAlertDispatcher(alerter))

	env := bus.Envelope{ID: "env-1", TaskID: "prices", Kind: KindOraclePrice, Action: "log", Payload: json.RawMessage(`"garbage"`)}
	err := p.Handle(context.Background(), env)
	require.Error(t, err)
	require.Equal(t, CodeTaskDecode, xerrors.CodeOf(err))
	require.False(t, called)
	require.Equal(t, 1, alerter.count())
	require.Equal(t, "decode", alerter.events[0].Metadata["stage"])
}

func TestProcessorSwallowsActionFailures(t *testing.T) {
	alerter := &recordingAlerter{}
	reg := registry.New()
	reg.MustRegister("POST", func(context.Context, any, registry.Metadata) error {
		return xerrors.New(xerrors.CodeStorageFailure, "webhook unreachable")
	})
	reg.MustRegister("POST", func(context.Context, any, registry.Metadata) error {
		return xerrors.New(xerrors.CodeInvalidArgument, "bad url")
	})
	p := NewProcessor(reg, bus.NewMemoryQueue(1), WithAlertDispatcher(alerter))

	payload, err := json.Marshal(PollResult{Path: "loans.positions", Value: chain.Int64(3)})
	require.NoError(t, err)
	env := bus.Envelope{ID: "env-2", TaskID: "positions", Kind: KindPoll, Action: "POST", Payload: payload}

	require.NoError(t, p.Handle(context.Background(), env))
	require.Equal(t, 1, alerter.count(), "only alerting codes notify")
	require.Equal(t, xerrors.CodeStorageFailure, alerter.events[0].Code)
}

func TestProcessorPassesUnknownKindsRaw(t *testing.T) {
	reg := registry.New()
	var got any
	reg.MustRegister("log", func(_ context.Context, data any, _ registry.Metadata) error {
		got = data
		return nil
	})
	p := NewProcessor(reg, bus.NewMemoryQueue(1))
	env := bus.Envelope{ID: "env-3", Kind: "custom", Action: "log", Payload: json.RawMessage(`{"a":1}`)}
	require.NoError(t, p.Handle(context.Background(), env))
	require.Equal(t, json.RawMessage(`{"a":1}`), got)
}
