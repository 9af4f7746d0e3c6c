package stream

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenGuardian/internal/errors"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func next[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.Values():
		require.True(t, ok, "subscription ended early")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
	}
	var zero T
	return zero
}

func TestPollEmitsTickZeroAndEveryPeriod(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	sub := Poll(ctx, mock, time.Second, func(ctx context.Context) *Subscription[int32] {
		return Just(ctx, calls.Add(1))
	})
	defer sub.Close()

	got := []int32{next(t, sub)}
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		got = append(got, next(t, sub))
	}
	require.Equal(t, []int32{1, 2, 3, 4}, got)

	select {
	case v := <-sub.Values():
		t.Fatalf("unexpected extra emission %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollClosesPreviousTickSubscription(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	closed := map[int]bool{}
	var ticks atomic.Int32

	sub := Poll(ctx, mock, time.Minute, func(ctx context.Context) *Subscription[string] {
		id := int(ticks.Add(1))
		return Start(ctx, func(ctx context.Context, emit func(string) bool) error {
			defer func() {
				mu.Lock()
				closed[id] = true
				mu.Unlock()
			}()
			for emit("tick-" + strconv.Itoa(id)) {
			}
			return ctx.Err()
		})
	})
	defer sub.Close()

	require.Equal(t, "tick-1", next(t, sub))
	mock.Add(time.Minute)
	for next(t, sub) != "tick-2" {
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, closed[1], "first tick subscription should be closed")
	require.False(t, closed[2])
}

func TestPollStopsOnInnerFailure(t *testing.T) {
	boom := errors.New("connection reset")
	sub := Poll(context.Background(), clock.NewMock(), time.Second, func(ctx context.Context) *Subscription[int] {
		return Fail[int](ctx, boom)
	})

	select {
	case _, ok := <-sub.Values():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not terminate")
	}
	require.ErrorIs(t, <-sub.Err(), boom)
}

func TestPollRejectsNonPositivePeriod(t *testing.T) {
	sub := Poll(context.Background(), clock.NewMock(), 0, func(ctx context.Context) *Subscription[int] {
		t.Fatal("query must not run")
		return nil
	})
	for range sub.Values() {
	}
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(<-sub.Err()))
}

func TestCloseStopsTicks(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32
	sub := Poll(context.Background(), mock, time.Second, func(ctx context.Context) *Subscription[int32] {
		return Just(ctx, calls.Add(1))
	})
	next(t, sub)
	sub.Close()

	mock.Add(5 * time.Second)
	require.Equal(t, int32(1), calls.Load())
	require.NoError(t, <-sub.Err())
}
