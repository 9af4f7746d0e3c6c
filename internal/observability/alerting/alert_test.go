package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/reactor"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Channel() Channel { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Event{
		Code:     xerrors.CodeStorageFailure,
		Message:  "rpc down",
		Severity: xerrors.SeverityCritical,
		Source:   "collateral_auction_created",
		Subject:  "17",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Code != xerrors.CodeStorageFailure || got.Subject != "17" || got.Source != "collateral_auction_created" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifierReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestFanoutJoinsNotifierErrors(t *testing.T) {
	boom := errors.New("offline")
	failing := &recordingNotifier{err: boom}
	d := NewFanout(failing, &LogNotifier{}, nil)
	if d.Channels() != 2 {
		t.Fatalf("expected 2 channels, got %d", d.Channels())
	}
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
}

func TestSinkAlertsOnlyFlaggedCodes(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewFanout(rec)
	var forwarded int
	sink := Sink(d, func(context.Context, reactor.Item, error) { forwarded++ })

	item := reactor.Item{Reactor: "collateral_auction_dealt", Attempts: 3}
	sink(context.Background(), item, xerrors.New(xerrors.CodeStorageFailure, "journal down"))
	sink(context.Background(), item, xerrors.New(xerrors.CodeInvalidArgument, "bad amount"))

	if forwarded != 2 {
		t.Fatalf("expected every error forwarded, got %d", forwarded)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Source != "collateral_auction_dealt" || ev.Attempts != 3 || ev.Code != xerrors.CodeStorageFailure {
		t.Fatalf("unexpected event %+v", ev)
	}
}
