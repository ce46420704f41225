package credits

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sartap/keel/internal/observability"
	"github.com/sartap/keel/internal/tracing"
	"github.com/sartap/keel/pkg/store"
)

// Defaults for the conversion business rules.
const (
	DefaultMarkupMultiplier  = 1.3
	DefaultCreditValueUSD    = 0.01
	DefaultMinimumCreditCost = 1
	DefaultCacheTTL          = 5 * time.Minute
)

// Usage is the token consumption of one model turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Cost is the priced outcome of one turn.
type Cost struct {
	AICostUSD       float64 `json:"ai_cost_usd"`
	PlatformCostUSD float64 `json:"platform_cost_usd"`
	CreditsConsumed int64   `json:"credits_consumed"`
}

// Config tunes the conversion rules. Zero values take the defaults.
type Config struct {
	MarkupMultiplier  float64
	CreditValueUSD    float64
	MinimumCreditCost int64
	CacheTTL          time.Duration
}

type cachedPricing struct {
	pricing store.ModelPricing
	expires time.Time
}

// Converter turns token usage into metered credits. Pricing rows are read
// from the store and cached for a bounded interval.
type Converter struct {
	store  *store.Store
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPricing
}

// NewConverter creates a converter backed by the store's pricing table.
func NewConverter(st *store.Store, cfg Config, logger zerolog.Logger) *Converter {
	observability.EnsureRegistered()

	if cfg.MarkupMultiplier <= 0 {
		cfg.MarkupMultiplier = DefaultMarkupMultiplier
	}
	if cfg.CreditValueUSD <= 0 {
		cfg.CreditValueUSD = DefaultCreditValueUSD
	}
	if cfg.MinimumCreditCost <= 0 {
		cfg.MinimumCreditCost = DefaultMinimumCreditCost
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	return &Converter{
		store:  st,
		cfg:    cfg,
		logger: logger.With().Str("component", "credits").Logger(),
		cache:  make(map[string]cachedPricing),
	}
}

// CalculateCredits prices one turn's usage. Unknown models fall back to
// the default tier instead of failing the run.
func (c *Converter) CalculateCredits(ctx context.Context, model string, usage Usage) (Cost, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.credits",
		"credits.calculate",
		attribute.String("model", model),
	)
	defer span.End()

	pricing := c.lookupPricing(ctx, model)

	aiCost := float64(usage.PromptTokens)*pricing.PromptPrice +
		float64(usage.CompletionTokens)*pricing.CompletionPrice
	platformCost := aiCost * c.cfg.MarkupMultiplier

	// Rounding is always upward and never below the minimum charge. The
	// epsilon keeps float noise from pushing an exact boundary into the
	// next credit.
	credits := int64(math.Ceil(platformCost/c.cfg.CreditValueUSD - 1e-9))
	if credits < c.cfg.MinimumCreditCost {
		credits = c.cfg.MinimumCreditCost
	}

	return Cost{
		AICostUSD:       aiCost,
		PlatformCostUSD: platformCost,
		CreditsConsumed: credits,
	}, nil
}

// SumCosts aggregates per-turn results. No cross-turn discounting.
func SumCosts(costs ...Cost) Cost {
	var total Cost
	for _, c := range costs {
		total.AICostUSD += c.AICostUSD
		total.PlatformCostUSD += c.PlatformCostUSD
		total.CreditsConsumed += c.CreditsConsumed
	}
	return total
}

// ChargeUser deducts a priced turn from the user's balance and returns the
// balance after the deduction.
func (c *Converter) ChargeUser(ctx context.Context, userID string, cost Cost, description string) (int64, error) {
	tx, err := c.store.DeductCredits(ctx, userID, cost.CreditsConsumed, description)
	if err != nil {
		return 0, err
	}

	observability.RecordCreditsConsumed(cost.CreditsConsumed)
	c.logger.Debug().
		Str("user_id", userID).
		Int64("credits", cost.CreditsConsumed).
		Int64("balance_after", tx.BalanceAfter).
		Msg("Credits deducted")

	return tx.BalanceAfter, nil
}

// lookupPricing resolves a model's pricing through the cache, the store,
// the builtin table, then the default tier.
func (c *Converter) lookupPricing(ctx context.Context, model string) store.ModelPricing {
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.cache[model]; ok && now.Before(entry.expires) {
		c.mu.Unlock()
		return entry.pricing
	}
	c.mu.Unlock()

	pricing := c.resolvePricing(ctx, model)

	c.mu.Lock()
	c.cache[model] = cachedPricing{pricing: pricing, expires: now.Add(c.cfg.CacheTTL)}
	c.mu.Unlock()

	return pricing
}

func (c *Converter) resolvePricing(ctx context.Context, model string) store.ModelPricing {
	if c.store != nil {
		p, err := c.store.GetPricing(ctx, model)
		if err == nil {
			return *p
		}
	}

	if p, ok := builtinPricing[model]; ok {
		return p
	}

	c.logger.Debug().Str("model", model).Msg("Unknown model, using default pricing tier")
	return defaultTier
}

// InvalidateCache drops all cached pricing rows.
func (c *Converter) InvalidateCache() {
	c.mu.Lock()
	c.cache = make(map[string]cachedPricing)
	c.mu.Unlock()
}
