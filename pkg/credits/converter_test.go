package credits

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sartap/keel/pkg/store"
)

func newTestConverter(t *testing.T, cfg Config) (*Converter, *store.Store) {
	t.Helper()

	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "keel.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewConverter(st, cfg, zerolog.Nop()), st
}

func TestCalculateCreditsZeroUsageCostsMinimum(t *testing.T) {
	c, _ := newTestConverter(t, Config{MinimumCreditCost: 1})

	cost, err := c.CalculateCredits(context.Background(), "model-x", Usage{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost.CreditsConsumed)
	assert.Zero(t, cost.AICostUSD)
	assert.Zero(t, cost.PlatformCostUSD)
}

func TestCalculateCreditsRoundsUpward(t *testing.T) {
	c, st := newTestConverter(t, Config{
		MarkupMultiplier:  1.0,
		CreditValueUSD:    0.01,
		MinimumCreditCost: 1,
	})

	// 1000 prompt tokens at $0.00001/token is $0.01 exactly: one credit.
	require.NoError(t, st.UpsertPricing(context.Background(), store.ModelPricing{
		Model:           "flat",
		PromptPrice:     0.00001,
		CompletionPrice: 0.00001,
	}))

	cost, err := c.CalculateCredits(context.Background(), "flat", Usage{PromptTokens: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost.CreditsConsumed)

	// One token over the boundary rounds up to two credits.
	cost, err = c.CalculateCredits(context.Background(), "flat", Usage{PromptTokens: 1001})
	require.NoError(t, err)
	assert.Equal(t, int64(2), cost.CreditsConsumed)
}

func TestCalculateCreditsMonotonic(t *testing.T) {
	c, _ := newTestConverter(t, Config{})

	var prev int64
	for tokens := 0; tokens <= 100000; tokens += 5000 {
		cost, err := c.CalculateCredits(context.Background(), "claude-sonnet-4", Usage{
			PromptTokens:     tokens,
			CompletionTokens: tokens / 2,
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cost.CreditsConsumed, prev)
		prev = cost.CreditsConsumed
	}
}

func TestCalculateCreditsAppliesMarkup(t *testing.T) {
	c, st := newTestConverter(t, Config{
		MarkupMultiplier:  2.0,
		CreditValueUSD:    0.01,
		MinimumCreditCost: 1,
	})

	require.NoError(t, st.UpsertPricing(context.Background(), store.ModelPricing{
		Model:           "flat",
		PromptPrice:     0.00001,
		CompletionPrice: 0.00001,
	}))

	cost, err := c.CalculateCredits(context.Background(), "flat", Usage{PromptTokens: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost.AICostUSD, 1e-9)
	assert.InDelta(t, 0.02, cost.PlatformCostUSD, 1e-9)
	assert.Equal(t, int64(2), cost.CreditsConsumed)
}

func TestCalculateCreditsUnknownModelUsesDefaultTier(t *testing.T) {
	c, _ := newTestConverter(t, Config{})

	cost, err := c.CalculateCredits(context.Background(), "mystery-model-99", Usage{
		PromptTokens:     1000,
		CompletionTokens: 1000,
	})
	require.NoError(t, err)
	assert.Positive(t, cost.CreditsConsumed)

	want := float64(1000)*defaultTier.PromptPrice + float64(1000)*defaultTier.CompletionPrice
	assert.InDelta(t, want, cost.AICostUSD, 1e-12)
}

func TestPricingCacheHidesLaterUpdates(t *testing.T) {
	c, st := newTestConverter(t, Config{
		MarkupMultiplier:  1.0,
		CreditValueUSD:    0.01,
		MinimumCreditCost: 1,
		CacheTTL:          time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, st.UpsertPricing(ctx, store.ModelPricing{
		Model:           "cached",
		PromptPrice:     0.00001,
		CompletionPrice: 0.00001,
	}))

	first, err := c.CalculateCredits(ctx, "cached", Usage{PromptTokens: 1000})
	require.NoError(t, err)

	// A price change is invisible until the cache entry expires.
	require.NoError(t, st.UpsertPricing(ctx, store.ModelPricing{
		Model:           "cached",
		PromptPrice:     0.0001,
		CompletionPrice: 0.0001,
	}))
	second, err := c.CalculateCredits(ctx, "cached", Usage{PromptTokens: 1000})
	require.NoError(t, err)
	assert.Equal(t, first.CreditsConsumed, second.CreditsConsumed)

	c.InvalidateCache()
	third, err := c.CalculateCredits(ctx, "cached", Usage{PromptTokens: 1000})
	require.NoError(t, err)
	assert.Greater(t, third.CreditsConsumed, second.CreditsConsumed)
}

func TestChargeUser(t *testing.T) {
	c, st := newTestConverter(t, Config{})
	ctx := context.Background()

	_, err := st.GrantCredits(ctx, "user-1", 10, "seed")
	require.NoError(t, err)

	after, err := c.ChargeUser(ctx, "user-1", Cost{CreditsConsumed: 3}, "run abc")
	require.NoError(t, err)
	assert.Equal(t, int64(7), after)

	_, err = c.ChargeUser(ctx, "user-1", Cost{CreditsConsumed: 100}, "run xyz")
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)
}

func TestSumCosts(t *testing.T) {
	total := SumCosts(
		Cost{AICostUSD: 0.01, PlatformCostUSD: 0.013, CreditsConsumed: 2},
		Cost{AICostUSD: 0.02, PlatformCostUSD: 0.026, CreditsConsumed: 3},
	)
	assert.InDelta(t, 0.03, total.AICostUSD, 1e-9)
	assert.InDelta(t, 0.039, total.PlatformCostUSD, 1e-9)
	assert.Equal(t, int64(5), total.CreditsConsumed)
}

func TestUsageTotal(t *testing.T) {
	assert.Equal(t, 30, Usage{PromptTokens: 10, CompletionTokens: 20}.Total())
}
