package shipping

import (
	domain "github.com/velora-commerce/checkout-api/internal/domain"
)

// Rule is the shipping policy for one destination country. Cost and threshold
// are always stored in the rule's native currency; conversion into the checkout
// currency happens at evaluation time, never ahead of it.
type Rule struct {
	Zone           string
	NativeCurrency domain.CurrencyCode
	// Cost is the flat shipping cost in native minor units.
	Cost int64
	// FreeThreshold is the cart total (native minor units) at or above which
	// shipping is free. Zero together with a zero cost marks an always-free hub.
	FreeThreshold int64
}

// AlwaysFree reports whether the rule ships free regardless of cart total.
func (r Rule) AlwaysFree() bool {
	return r.Cost == 0 && r.FreeThreshold == 0
}

// Config is the immutable rate table injected at process start.
type Config struct {
	// Rules maps ISO country codes to their shipping policy.
	Rules map[string]Rule
	// Default applies to countries without an explicit rule.
	Default Rule
}

// Shipping zone identifiers.
const (
	ZoneUAE         = "UAE"
	ZoneOman        = "OMAN"
	ZoneMiddleEast  = "MIDDLE_EAST"
	ZoneUK          = "UK"
	ZoneEurope      = "EUROPE"
	ZoneUSA         = "USA"
	ZoneRestOfWorld = "ROW"
)

var europeanCountries = []string{
	"AL", "AD", "AT", "BE", "BA", "BG", "HR", "CY", "CZ", "DK", "EE", "FI",
	"FR", "DE", "GR", "HU", "IS", "IE", "IT", "LV", "LI", "LT", "LU", "MT",
	"MC", "ME", "NL", "MK", "NO", "PL", "PT", "RO", "SM", "RS", "SK", "SI",
	"ES", "SE", "CH", "VA",
}

// DefaultConfig returns the production rate table. UAE and Oman are fulfilment
// hubs and always ship free; every other zone carries a flat cost with a
// free-shipping threshold in the zone's native currency.
func DefaultConfig() Config {
	rules := map[string]Rule{
		"AE": {Zone: ZoneUAE, NativeCurrency: domain.CurrencyAED, Cost: 0, FreeThreshold: 0},
		"OM": {Zone: ZoneOman, NativeCurrency: domain.CurrencyOMR, Cost: 0, FreeThreshold: 0},

		"SA": {Zone: ZoneMiddleEast, NativeCurrency: domain.CurrencyUSD, Cost: 3400, FreeThreshold: 23000},
		"KW": {Zone: ZoneMiddleEast, NativeCurrency: domain.CurrencyUSD, Cost: 3400, FreeThreshold: 23000},
		"BH": {Zone: ZoneMiddleEast, NativeCurrency: domain.CurrencyUSD, Cost: 3400, FreeThreshold: 23000},
		"QA": {Zone: ZoneMiddleEast, NativeCurrency: domain.CurrencyUSD, Cost: 3400, FreeThreshold: 23000},

		"GB": {Zone: ZoneUK, NativeCurrency: domain.CurrencyGBP, Cost: 2200, FreeThreshold: 20000},

		"US": {Zone: ZoneUSA, NativeCurrency: domain.CurrencyUSD, Cost: 5000, FreeThreshold: 23000},
	}
	for _, country := range europeanCountries {
		rules[country] = Rule{Zone: ZoneEurope, NativeCurrency: domain.CurrencyEUR, Cost: 1000, FreeThreshold: 21200}
	}
	return Config{
		Rules:   rules,
		Default: Rule{Zone: ZoneRestOfWorld, NativeCurrency: domain.CurrencyUSD, Cost: 5000, FreeThreshold: 23000},
	}
}
