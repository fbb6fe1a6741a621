package filters

import (
	"context"
	"testing"

	"futures_orchestrator/internal/core"
	"futures_orchestrator/internal/mock"
	"futures_orchestrator/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*Cache, *mock.Exchange) {
	t.Helper()
	ex := mock.NewExchange("BTCUSDT")
	ex.SetFilters(&core.SymbolFilters{
		Symbol:        "BTCUSDT",
		TickSize:      decimal.RequireFromString("0.10"),
		StepSize:      decimal.RequireFromString("0.001"),
		MinNotional:   decimal.NewFromInt(5),
		PriceDecimals: 1,
		QtyDecimals:   3,
	})
	return NewCache(ex, logging.Nop()), ex
}

func TestQuantizePriceHalfUp(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	cases := []struct {
		in   string
		want string
	}{
		{"50000.04", "50000.0"},
		{"50000.05", "50000.1"}, // exactly half a tick rounds up
		{"50000.06", "50000.1"},
		{"50000.10", "50000.1"},
		{"50000.00", "50000.0"},
	}
	for _, tc := range cases {
		got, err := cache.QuantizePrice(ctx, "BTCUSDT", decimal.RequireFromString(tc.in))
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"quantize(%s) = %s, want %s", tc.in, got, tc.want)
	}
}

func TestQuantizePriceIdempotent(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	once, err := cache.QuantizePrice(ctx, "BTCUSDT", decimal.RequireFromString("50000.037"))
	require.NoError(t, err)
	twice, err := cache.QuantizePrice(ctx, "BTCUSDT", once)
	require.NoError(t, err)
	assert.True(t, once.Equal(twice), "second quantization moved the price: %s -> %s", once, twice)
}

func TestQuantizeQtyFloors(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	cases := []struct {
		in   string
		want string
	}{
		{"0.12345", "0.123"},
		{"0.1239", "0.123"}, // never rounds up
		{"0.001", "0.001"},
		{"0.0009", "0"},
	}
	for _, tc := range cases {
		got, err := cache.QuantizeQty(ctx, "BTCUSDT", decimal.RequireFromString(tc.in))
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"quantize(%s) = %s, want %s", tc.in, got, tc.want)
	}
}

func TestQuantizedQtyDivisibleByStep(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()
	step := decimal.RequireFromString("0.001")

	for _, raw := range []string{"1.23456789", "0.999999", "42.0001"} {
		got, err := cache.QuantizeQty(ctx, "BTCUSDT", decimal.RequireFromString(raw))
		require.NoError(t, err)
		assert.True(t, got.Mod(step).IsZero(), "%s not divisible by step", got)
	}
}

func TestInvalidateRefetches(t *testing.T) {
	cache, ex := newCache(t)
	ctx := context.Background()

	f1, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f1.TickSize.Equal(decimal.RequireFromString("0.10")))

	// Exchange changes the tick size; the cache still serves the old value
	ex.SetFilters(&core.SymbolFilters{
		Symbol:   "BTCUSDT",
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString("0.001"),
	})
	f2, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f2.TickSize.Equal(f1.TickSize))

	cache.Invalidate("BTCUSDT")
	f3, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f3.TickSize.Equal(decimal.RequireFromString("0.01")))
}

func TestUnknownSymbol(t *testing.T) {
	cache, _ := newCache(t)
	_, err := cache.Get(context.Background(), "NOPEUSDT")
	assert.Error(t, err)
}
