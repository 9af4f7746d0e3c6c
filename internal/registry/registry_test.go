package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchInvokesEveryHandler(t *testing.T) {
	reg := New()
	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) Action {
		return func(_ context.Context, data any, md Metadata) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name+":"+data.(string)+"@"+md.Network)
			return nil
		}
	}
	reg.MustRegister("collateral_auction_created", record("first"))
	reg.MustRegister("collateral_auction_created", record("second"))

	err := reg.Dispatch(context.Background(), Event{Name: "collateral_auction_created", Data: "auction-1"}, Metadata{Network: "karura"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	sort.Strings(calls)
	want := []string{"first:auction-1@karura", "second:auction-1@karura"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	reg := New()
	boom := errors.New("webhook down")
	var ran atomic.Int32
	reg.MustRegister("auction.*", func(context.Context, any, Metadata) error {
		ran.Add(1)
		return boom
	})
	reg.MustRegister("auction.*", func(context.Context, any, Metadata) error {
		ran.Add(1)
		panic("nil map")
	})
	reg.MustRegister("auction.CollateralAuctionDealt", func(context.Context, any, Metadata) error {
		ran.Add(1)
		return nil
	})

	err := reg.Dispatch(context.Background(), Event{Name: "auction.CollateralAuctionDealt"}, Metadata{})
	if ran.Load() != 3 {
		t.Fatalf("expected all actions to run, got %d", ran.Load())
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to contain cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "action panic") {
		t.Fatalf("expected panic to be reported, got %v", err)
	}
	if strings.Index(err.Error(), "webhook down") > strings.Index(err.Error(), "action panic") {
		t.Fatalf("errors should be joined in registration order, got %v", err)
	}
}

func TestSlowHandlerDoesNotDelayOthers(t *testing.T) {
	reg := New()
	release := make(chan struct{})
	secondRan := make(chan struct{})
	reg.MustRegister("ev", func(context.Context, any, Metadata) error {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return nil
	})
	reg.MustRegister("ev", func(context.Context, any, Metadata) error {
		close(secondRan)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- reg.Dispatch(context.Background(), Event{Name: "ev"}, Metadata{}) }()

	select {
	case <-secondRan:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second handler blocked behind the first")
	}
	select {
	case <-done:
		t.Fatal("dispatch returned before the slow handler finished")
	default:
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestDispatchWithoutHandlersIsNoop(t *testing.T) {
	reg := New()
	if err := reg.Dispatch(context.Background(), Event{Name: "unknown"}, Metadata{}); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if reg.Has("unknown") {
		t.Fatal("no handler should match")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := New()
	if err := reg.Register("", func(context.Context, any, Metadata) error { return nil }); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := reg.Register("x", nil); err == nil {
		t.Fatal("expected error for nil action")
	}
	if err := reg.Register("[", func(context.Context, any, Metadata) error { return nil }); err == nil {
		t.Fatal("expected error for malformed pattern")
	}
}

func TestMetadataAccessors(t *testing.T) {
	md := Metadata{Action: map[string]any{
		"method":  "POST",
		"url":     "http://localhost/hook",
		"timeout": "3s",
		"margin":  "0.05",
		"retry":   true,
	}}
	if md.Method() != "POST" {
		t.Fatalf("unexpected method %q", md.Method())
	}
	if d, ok := md.Duration("timeout"); !ok || d != 3*time.Second {
		t.Fatalf("unexpected timeout %v", d)
	}
	if f, ok := md.Float("margin"); !ok || f != 0.05 {
		t.Fatalf("unexpected margin %v", f)
	}
	if b, ok := md.Bool("retry"); !ok || !b {
		t.Fatal("unexpected retry flag")
	}

	clone := md.Clone()
	clone.Action["method"] = "log"
	if md.Method() != "POST" {
		t.Fatal("clone must not alias the original map")
	}
}
