package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReactorMetrics(t *testing.T) {
	SetQueueDepth("collateral_auction_created", 3)
	ObserveReaction("collateral_auction_created", OutcomeSkipped, 20*time.Millisecond)

	if got := testutil.ToFloat64(queueDepth.WithLabelValues("collateral_auction_created")); got != 3 {
		t.Fatalf("unexpected queue depth %v", got)
	}
	if got := testutil.ToFloat64(reactions.WithLabelValues("collateral_auction_created", OutcomeSkipped)); got != 1 {
		t.Fatalf("unexpected skipped count %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	ObserveHTTPRequest("/healthz", "GET", 200, time.Millisecond)
	ObserveTransaction("bid", OutcomeSucceeded)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`guardian_http_requests_total{code="200",handler="/healthz",method="GET"}`,
		`guardian_chain_transactions_total{kind="bid",outcome="succeeded"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
