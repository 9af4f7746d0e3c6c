package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenGuardian/internal/api"
	"OpenGuardian/internal/config"
	"OpenGuardian/internal/journal"
	"OpenGuardian/internal/task"
)

const paramsConfig = `
networks:
  karura:
    rpc_url: http://localhost:8545
    events:
      auction.CollateralAuctionCreated:
        docs:
          - "Collateral auction created. \\[auction_id, collateral_type, collateral_amount, target_bid_price\\]"
      auction.CollateralAuctionDealt:
        docs:
          - "[auction_id, collateral_type, collateral_amount, winner, payment_amount]"
      loans.PositionUpdated:
        docs:
          - "Position updated."
`

func TestParamsCommandPrintsCatalogEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	if err := os.WriteFile(path, []byte(paramsConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.Run([]string{"guardian", "--config", path, "params"}); err != nil {
		t.Fatalf("params: %v", err)
	}

	want := []string{
		"karura:",
		"  auction.CollateralAuctionCreated: auction_id, collateral_type, collateral_amount, target_bid_price",
		"  auction.CollateralAuctionDealt: auction_id, collateral_type, collateral_amount, winner, payment_amount",
		"  loans.PositionUpdated: (无参数文档)",
	}
	if got := strings.TrimSpace(out.String()); got != strings.Join(want, "\n") {
		t.Fatalf("unexpected output:\n%s", got)
	}

	cfg, err := config.LoadWithEnv(path, map[string]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := printParams(&out, cfg, dir, "acala"); err == nil {
		t.Fatalf("expected unknown network to fail")
	}
}

func TestDefaultTasksBindAuctionActions(t *testing.T) {
	tasks := defaultTasks("karura")
	if len(tasks) != 2 {
		t.Fatalf("expected two default tasks, got %d", len(tasks))
	}
	for _, tc := range tasks {
		if tc.Kind != task.KindEvents || tc.Network != "karura" {
			t.Fatalf("unexpected task %+v", tc)
		}
		if len(tc.Actions) != 1 || tc.Actions[0]["method"] == "" {
			t.Fatalf("task %s has no action", tc.ID)
		}
	}
}

func TestPrintRecords(t *testing.T) {
	var out bytes.Buffer
	err := printRecords(&out, []*journal.Record{
		{Channel: "collateral_auction_created", Subject: "7", Status: journal.StatusSucceeded, Attempts: 1, TxHash: "0xabc", UpdatedAt: 1700000000},
		{Channel: "collateral_auction_created", Subject: "8", Status: journal.StatusSkipped, Attempts: 1, ErrorCode: "BID_NOT_COMPETITIVE", UpdatedAt: 1700000001},
	})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", out.String())
	}
	if !strings.Contains(lines[1], "0xabc") || !strings.Contains(lines[2], "BID_NOT_COMPETITIVE") {
		t.Fatalf("unexpected rows %q", lines[1:])
	}
}

func TestJournalCommandQueriesRunningGuardian(t *testing.T) {
	store := journal.NewMemoryStore()
	if err := store.Create(context.Background(), &journal.Record{
		ID: "r-1", Guardian: "karura", Channel: "collateral_auction_created", Subject: "42",
		Status: journal.StatusFailed, ErrorCode: "CHAIN_UNAVAILABLE",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(":0", store, api.WithToken("t0ken")).Handler())
	defer srv.Close()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run([]string{"guardian", "journal", "--api", srv.URL, "--token", "t0ken", "--status", "failed"})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if !strings.Contains(out.String(), "CHAIN_UNAVAILABLE") || !strings.Contains(out.String(), "42") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
