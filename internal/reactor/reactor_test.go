package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/stream"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type span struct {
	item       int
	start, end time.Time
}

type recorder struct {
	mu       sync.Mutex
	spans    []span
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (r *recorder) handler(delays map[int]time.Duration, fail map[int]error) Handler[int] {
	return func(ctx context.Context, item int) error {
		n := r.inFlight.Add(1)
		defer r.inFlight.Add(-1)
		for {
			prev := r.maxSeen.Load()
			if n <= prev || r.maxSeen.CompareAndSwap(prev, n) {
				break
			}
		}
		start := time.Now()
		time.Sleep(delays[item])
		r.mu.Lock()
		r.spans = append(r.spans, span{item: item, start: start, end: time.Now()})
		r.mu.Unlock()
		return fail[item]
	}
}

func (r *recorder) items() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.spans))
	for _, s := range r.spans {
		out = append(out, s.item)
	}
	return out
}

type sinkEntry struct {
	item Item
	err  error
}

type memorySink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

func (s *memorySink) sink(_ context.Context, item Item, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{item: item, err: err})
}

func (s *memorySink) list() []sinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEntry(nil), s.entries...)
}

func sealAndWait(t *testing.T, r *Reactor[int]) {
	t.Helper()
	r.seal(nil)
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not drain")
	}
}

func TestItemsRunSequentiallyInArrivalOrder(t *testing.T) {
	rec := &recorder{}
	r := New(context.Background(), "ordered", rec.handler(map[int]time.Duration{
		1: 40 * time.Millisecond,
		2: 5 * time.Millisecond,
		3: 20 * time.Millisecond,
	}, nil))

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, r.Submit(v))
	}
	sealAndWait(t, r)

	require.Equal(t, []int{1, 2, 3}, rec.items())
	require.EqualValues(t, 1, rec.maxSeen.Load())
	for i := 1; i < len(rec.spans); i++ {
		assert.False(t, rec.spans[i].start.Before(rec.spans[i-1].end),
			"item %d started before item %d settled", rec.spans[i].item, rec.spans[i-1].item)
	}
}

func TestFailureIsLocalToItem(t *testing.T) {
	rec := &recorder{}
	sink := &memorySink{}
	boom := errors.New("bid rejected")
	r := New(context.Background(), "failing", rec.handler(nil, map[int]error{2: boom}), WithErrorSink(sink.sink))

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, r.Submit(v))
	}
	sealAndWait(t, r)

	require.Equal(t, []int{1, 2, 3}, rec.items())
	entries := sink.list()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].item.Value)
	assert.ErrorIs(t, entries[0].err, boom)
}

func TestCloseStopsDispatchButLetsInFlightFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var handled []int
	var ctxErr error
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, "cancel", func(hctx context.Context, v int) error {
		if v == 1 {
			close(started)
			<-release
		}
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, v)
		ctxErr = hctx.Err()
		return nil
	})

	require.NoError(t, r.Submit(1))
	require.NoError(t, r.Submit(2))
	<-started
	cancel()

	require.Eventually(t, func() bool {
		return errors.Is(r.Submit(3), ErrClosed)
	}, time.Second, 5*time.Millisecond)
	close(release)
	<-r.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1}, handled)
	require.NoError(t, ctxErr, "in-flight handler must not observe cancellation")
}

func TestRetryOnlyRetryableFailures(t *testing.T) {
	var transient, refused atomic.Int32
	zero := func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	r := New(context.Background(), "retry", func(_ context.Context, v int) error {
		switch v {
		case 1:
			if transient.Add(1) < 3 {
				return xerrors.New(xerrors.CodeTimeout, "rpc timeout")
			}
			return nil
		default:
			refused.Add(1)
			return xerrors.New(xerrors.CodeInvalidArgument, "malformed auction")
		}
	}, WithRetry(5, zero))

	require.NoError(t, r.Submit(1))
	require.NoError(t, r.Submit(2))
	sealAndWait(t, r)

	assert.EqualValues(t, 3, transient.Load())
	assert.EqualValues(t, 1, refused.Load())
}

func TestRetryGivesUpAfterLimit(t *testing.T) {
	sink := &memorySink{}
	var calls atomic.Int32
	r := New(context.Background(), "exhausted", func(context.Context, int) error {
		calls.Add(1)
		return xerrors.New(xerrors.CodeTimeout, "rpc timeout")
	}, WithRetry(2, func() backoff.BackOff { return &backoff.ZeroBackOff{} }), WithErrorSink(sink.sink))

	require.NoError(t, r.Submit(1))
	sealAndWait(t, r)

	assert.EqualValues(t, 3, calls.Load())
	entries := sink.list()
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].item.Attempts)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(entries[0].err))
}

func TestPanicAndTimeoutAreReported(t *testing.T) {
	sink := &memorySink{}
	r := New(context.Background(), "guarded", func(ctx context.Context, v int) error {
		switch v {
		case 1:
			panic("nil pool")
		case 2:
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, WithTimeout(20*time.Millisecond), WithErrorSink(sink.sink))

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, r.Submit(v))
	}
	sealAndWait(t, r)

	entries := sink.list()
	require.Len(t, entries, 2)
	assert.Equal(t, CodeHandlerPanic, xerrors.CodeOf(entries[0].err))
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(entries[1].err))
}

type lifecycle struct {
	mu     sync.Mutex
	events []string
}

func (l *lifecycle) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *lifecycle) OnQueued(_ context.Context, item Item) { l.add("queued") }
func (l *lifecycle) OnStart(_ context.Context, item Item)  { l.add("start") }
func (l *lifecycle) OnFinish(_ context.Context, item Item, err error) {
	if err != nil {
		l.add("failed")
		return
	}
	l.add("done")
}

func TestAttachDrainsAndReportsUpstreamFailure(t *testing.T) {
	upstream := errors.New("websocket closed")
	src := stream.Start(context.Background(), func(_ context.Context, emit func(int) bool) error {
		for _, v := range []int{1, 2, 3} {
			emit(v)
		}
		return upstream
	})

	rec := &recorder{}
	obs := &lifecycle{}
	r := Attach(context.Background(), "attached", src, rec.handler(nil, nil), WithObserver(obs))

	err := r.Wait()
	require.ErrorIs(t, err, upstream)
	require.Equal(t, []int{1, 2, 3}, rec.items())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.events, 9)
	require.Equal(t, "done", obs.events[len(obs.events)-1])
}

func TestGroupKeepsOneReactorPerChannel(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}
	g := NewGroup(context.Background(), func(channel string) Handler[int] {
		return func(_ context.Context, v int) error {
			mu.Lock()
			defer mu.Unlock()
			seen[channel] = append(seen[channel], v)
			return nil
		}
	})

	for i := 1; i <= 3; i++ {
		require.NoError(t, g.Submit("created", i))
		require.NoError(t, g.Submit("dealt", i*10))
	}
	require.Equal(t, []string{"created", "dealt"}, g.Channels())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["created"]) == 3 && len(seen["dealt"]) == 3
	}, 2*time.Second, 5*time.Millisecond)
	g.Close()

	require.Equal(t, []int{1, 2, 3}, seen["created"])
	require.Equal(t, []int{10, 20, 30}, seen["dealt"])
	require.ErrorIs(t, g.Submit("created", 4), ErrClosed)
}
