package shipping

import (
	"math"
	"strings"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
)

// Engine evaluates the injected rate table. It is a pure function over its
// configuration: lookups never fail, missing data degrades to the default rule
// or to an identity conversion rate.
type Engine struct {
	cfg Config
}

// NewEngine constructs an Engine, falling back to the production rate table
// when no rules were supplied.
func NewEngine(cfg Config) *Engine {
	if len(cfg.Rules) == 0 {
		cfg = DefaultConfig()
	}
	if cfg.Default.NativeCurrency == "" {
		cfg.Default = DefaultConfig().Default
	}
	return &Engine{cfg: cfg}
}

// Zone returns the shipping zone identifier for a country.
func (e *Engine) Zone(countryCode string) string {
	return e.rule(countryCode).Zone
}

// Cost computes the shipping cost in minor units of the checkout currency.
//
// The always-free hub check runs before any conversion so that a zero-cost,
// zero-threshold rule never depends on the rate table. Cost and threshold are
// converted independently, each rounded to the nearest minor unit, and the
// threshold comparison is inclusive: a cart total exactly at the converted
// threshold ships free.
func (e *Engine) Cost(countryCode string, currency domain.CurrencyCode, cartTotal int64) int64 {
	rule := e.rule(countryCode)
	if rule.AlwaysFree() {
		return 0
	}

	target := domain.NormalizeCurrency(string(currency))
	cost := convert(rule.Cost, rule.NativeCurrency, target)
	threshold := convert(rule.FreeThreshold, rule.NativeCurrency, target)

	if cartTotal >= threshold {
		return 0
	}
	return cost
}

func (e *Engine) rule(countryCode string) Rule {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if rule, ok := e.cfg.Rules[code]; ok {
		return rule
	}
	return e.cfg.Default
}

// convert moves a minor-unit amount between currencies through the reference
// rate table, rounded to the nearest integer minor unit.
func convert(amount int64, from, to domain.CurrencyCode) int64 {
	return int64(math.Round(convertExact(float64(amount), from, to)))
}

// convertExact carries a conversion without rounding, adjusting for differing
// minor-unit exponents. Chained conversions go through this form so precision
// is lost only at the single final rounding in convert.
func convertExact(amount float64, from, to domain.CurrencyCode) float64 {
	if amount == 0 || from == to {
		return amount
	}
	ratio := domain.RateToReference(from) / domain.RateToReference(to)
	scale := float64(domain.MinorUnitDivisor(to)) / float64(domain.MinorUnitDivisor(from))
	return amount * ratio * scale
}
