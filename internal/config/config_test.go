package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
log:
  level: debug
networks:
  karura:
    rpc_url: http://localhost:8545
    catalog_file: catalog.yaml
    constants:
      cdpEngine.getStableCurrencyId: AUSD
reactor:
  timeout: 30s
  max_retries: 2
oracle:
  provider: Aggregated
  stable_asset: AUSD
guardian:
  bidder_address: "0x0000000000000000000000000000000000000abc"
  margin: 0.05
  max_price_deviation: 0.1
  exchange_fee: 0.003
  slippage: 0.01
  tasks:
    - kind: events
      args:
        name: auction.CollateralAuctionCreated
      actions:
        - method: collateral_auction_created
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadWithEnv(path, map[string]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Guardian.Network != "karura" {
		t.Fatalf("expected single network to become default, got %q", cfg.Guardian.Network)
	}
	if cfg.Journal.Driver != "memory" || cfg.EventBus.Driver != "memory" {
		t.Fatalf("unexpected drivers %q %q", cfg.Journal.Driver, cfg.EventBus.Driver)
	}
	if cfg.Reactor.Timeout != 30*time.Second {
		t.Fatalf("unexpected reactor timeout %v", cfg.Reactor.Timeout)
	}
	n := cfg.Networks["karura"]
	if n.Type != "evm" || n.CatalogFile != filepath.Join(filepath.Dir(path), "catalog.yaml") {
		t.Fatalf("unexpected network defaults %+v", n)
	}
	task := cfg.Guardian.Tasks[0]
	if task.ID != "events-0" || task.Network != "karura" {
		t.Fatalf("unexpected task defaults %+v", task)
	}
	if task.Actions[0]["method"] != "collateral_auction_created" {
		t.Fatalf("unexpected actions %+v", task.Actions)
	}
}

func TestEnvironmentOverridesSecretsAndEndpoints(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadWithEnv(path, map[string]string{
		"GUARDIAN_RPC_URL":           "http://node:8545",
		"GUARDIAN_PRIVATE_KEY":       "deadbeef",
		"GUARDIAN_JOURNAL_DRIVER":    "mysql",
		"GUARDIAN_JOURNAL_DSN":       "guardian:secret@tcp(db:3306)/guardian",
		"GUARDIAN_ALERT_WEBHOOK_URL": "http://alerts/hook",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Networks["karura"].RPCURL != "http://node:8545" {
		t.Fatalf("rpc url not overridden: %q", cfg.Networks["karura"].RPCURL)
	}
	if cfg.Guardian.Signer.PrivateKey != "deadbeef" {
		t.Fatal("private key not overridden")
	}
	if cfg.Journal.Driver != "mysql" || cfg.Journal.DSN == "" {
		t.Fatalf("journal not overridden: %+v", cfg.Journal)
	}
	if cfg.Alerting.WebhookURL != "http://alerts/hook" {
		t.Fatalf("webhook not overridden: %q", cfg.Alerting.WebhookURL)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
networks:
  karura: {}
journal:
  driver: mysql
event_bus:
  driver: kafka
guardian:
  margin: 1.5
`)
	_, err := LoadWithEnv(path, map[string]string{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"rpc_url", "journal.dsn", "kafka", "guardian.margin"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestCatalogMergesInlineEntries(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "catalog.yaml")
	content := "events:\n  auction.CollateralAuctionDealt:\n    docs:\n      - \"Collateral auction dealt. [auction_id, collateral_type, collateral_amount]\"\nconstants:\n  cdpEngine.getStableCurrencyId: KUSD\n"
	if err := os.WriteFile(catalog, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	n := NetworkConfig{CatalogFile: catalog, Constants: map[string]any{"cdpEngine.getStableCurrencyId": "AUSD"}}
	cat, err := n.Catalog(dir)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(cat.Docs("auction.CollateralAuctionDealt")) != 1 {
		t.Fatal("expected docs from catalog file")
	}
	v, ok := cat.Constant("cdpEngine.getStableCurrencyId")
	if !ok {
		t.Fatal("expected stable currency constant")
	}
	if s, _ := v.Text(); s != "AUSD" {
		t.Fatalf("inline constant should win, got %q", s)
	}
}
