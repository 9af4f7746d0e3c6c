package guardian

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMaxBid(t *testing.T) {
	if got := MaxBid(d("0.05"), d("10")); !got.Equal(d("9.5")) {
		t.Fatalf("unexpected max bid %s", got)
	}
	if got := MaxBid(d("0"), d("3")); !got.Equal(d("3")) {
		t.Fatalf("zero margin must bid the full price, got %s", got)
	}
}

func TestPoolPrice(t *testing.T) {
	if _, ok := PoolPrice(d("1000"), d("0")); ok {
		t.Fatal("empty pool must not price")
	}
	if p, ok := PoolPrice(d("1000"), d("100")); !ok || !p.Equal(d("10")) {
		t.Fatalf("unexpected price %s", p)
	}
}

func TestSwapTarget(t *testing.T) {
	got, ok := SwapTarget(d("10"), d("90"), d("1000"), d("0"), d("0"))
	if !ok || !got.Equal(d("100")) {
		t.Fatalf("constant product without fee: got %s", got)
	}
	withCosts, _ := SwapTarget(d("10"), d("90"), d("1000"), d("0.003"), d("0.01"))
	if !withCosts.LessThan(got) {
		t.Fatalf("fee and slippage must reduce the target: %s >= %s", withCosts, got)
	}
	if _, ok := SwapTarget(d("10"), d("0"), d("1000"), d("0"), d("0")); ok {
		t.Fatal("empty supply pool must fail")
	}
}

func TestDeviation(t *testing.T) {
	if got := Deviation(d("11"), d("10")); !got.Equal(d("0.1")) {
		t.Fatalf("unexpected deviation %s", got)
	}
	if got := Deviation(d("9"), d("0")); !got.IsZero() {
		t.Fatalf("zero reference must yield zero, got %s", got)
	}
}
