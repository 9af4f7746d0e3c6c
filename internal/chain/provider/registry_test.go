package provider

import (
	"context"
	"errors"
	"testing"

	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/chain/chaintest"
	"OpenGuardian/internal/config"
)

func TestRegistryCreatesOneClientPerNetwork(t *testing.T) {
	created := map[string]*chaintest.Client{}
	dial := func(_ context.Context, name string, _ config.NetworkConfig, catalog chain.Catalog) (chain.Client, error) {
		c := chaintest.New()
		if v, ok := catalog.Constant("stable"); ok {
			c.SetConstant("stable", v)
		}
		created[name] = c
		return c, nil
	}
	networks := map[string]config.NetworkConfig{
		"karura":  {RPCURL: "http://karura:8545", WSURL: "ws://karura:8546", Constants: map[string]any{"stable": "KUSD"}},
		"mandala": {RPCURL: "http://mandala:8545"},
	}
	reg, err := NewRegistry(context.Background(), networks, "", t.TempDir(), dial)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got := reg.Networks(); len(got) != 2 || got[0] != "karura" {
		t.Fatalf("unexpected networks %v", got)
	}
	def, err := reg.Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if v, ok := def.Constant("stable"); !ok || v.String() != chain.String("KUSD").String() {
		t.Fatalf("default network should be karura with its catalog, got %v", v)
	}
	if eps := reg.Endpoints("karura"); len(eps) != 2 {
		t.Fatalf("unexpected endpoints %v", eps)
	}
	if _, ok := reg.Client("unknown"); ok {
		t.Fatal("unexpected client for unknown network")
	}

	reg.Close()
	for name, c := range created {
		if !c.Closed() {
			t.Fatalf("client %s not closed", name)
		}
	}
}

func TestRegistryClosesClientsOnFailure(t *testing.T) {
	var opened []*chaintest.Client
	dial := func(_ context.Context, name string, _ config.NetworkConfig, _ chain.Catalog) (chain.Client, error) {
		if name == "broken" {
			return nil, errors.New("dial refused")
		}
		c := chaintest.New()
		opened = append(opened, c)
		return c, nil
	}
	_, err := NewRegistry(context.Background(), map[string]config.NetworkConfig{
		"karura": {RPCURL: "http://karura:8545"},
		"broken": {RPCURL: "http://broken:8545"},
	}, "karura", t.TempDir(), dial)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	for _, c := range opened {
		if !c.Closed() {
			t.Fatal("opened clients must be closed when construction fails")
		}
	}

	if _, err := NewRegistry(context.Background(), map[string]config.NetworkConfig{"x": {Type: "substrate"}}, "", t.TempDir(), dial); err == nil {
		t.Fatal("expected unsupported type error")
	}
}
