package domain

import (
	"fmt"
	"strings"
)

// CurrencyCode identifies an ISO 4217 currency supported by the storefront.
type CurrencyCode string

// Supported checkout currencies.
const (
	CurrencyUSD CurrencyCode = "USD"
	CurrencyEUR CurrencyCode = "EUR"
	CurrencyGBP CurrencyCode = "GBP"
	CurrencySAR CurrencyCode = "SAR"
	CurrencyAED CurrencyCode = "AED"
	CurrencyQAR CurrencyCode = "QAR"
	CurrencyOMR CurrencyCode = "OMR"
	CurrencyKWD CurrencyCode = "KWD"
	CurrencyBHD CurrencyCode = "BHD"
)

// ReferenceCurrency is the common currency cross-currency conversions route through.
const ReferenceCurrency = CurrencyEUR

// CurrencyInfo describes display and conversion attributes of a supported currency.
type CurrencyInfo struct {
	Symbol string
	// Exponent is the number of minor-unit decimal places (2 or 3).
	Exponent int
	// RateToReference is the approximate value of one major unit expressed in the
	// reference currency. Static configuration, not a live rate.
	RateToReference float64
}

var currencyRegistry = map[CurrencyCode]CurrencyInfo{
	CurrencyUSD: {Symbol: "$", Exponent: 2, RateToReference: 0.92},
	CurrencyEUR: {Symbol: "€", Exponent: 2, RateToReference: 1.0},
	CurrencyGBP: {Symbol: "£", Exponent: 2, RateToReference: 1.16},
	CurrencySAR: {Symbol: "SAR", Exponent: 2, RateToReference: 0.245},
	CurrencyAED: {Symbol: "AED", Exponent: 2, RateToReference: 0.25},
	CurrencyQAR: {Symbol: "QAR", Exponent: 2, RateToReference: 0.25},
	CurrencyOMR: {Symbol: "OMR", Exponent: 3, RateToReference: 2.36},
	CurrencyKWD: {Symbol: "KWD", Exponent: 3, RateToReference: 2.96},
	CurrencyBHD: {Symbol: "BHD", Exponent: 3, RateToReference: 2.41},
}

// NormalizeCurrency canonicalises a raw currency string to upper case.
func NormalizeCurrency(raw string) CurrencyCode {
	return CurrencyCode(strings.ToUpper(strings.TrimSpace(raw)))
}

// LookupCurrency returns the registry entry for the code when supported.
func LookupCurrency(code CurrencyCode) (CurrencyInfo, bool) {
	info, ok := currencyRegistry[code]
	return info, ok
}

// IsSupportedCurrency reports whether the storefront accepts the currency.
func IsSupportedCurrency(code CurrencyCode) bool {
	_, ok := currencyRegistry[code]
	return ok
}

// SupportedCurrencies lists the accepted currency codes in unspecified order.
func SupportedCurrencies() []CurrencyCode {
	out := make([]CurrencyCode, 0, len(currencyRegistry))
	for code := range currencyRegistry {
		out = append(out, code)
	}
	return out
}

// IsThreeDecimalCurrency reports whether the currency uses a minor-unit exponent
// of three. Unknown currencies default to two decimal places.
func IsThreeDecimalCurrency(code CurrencyCode) bool {
	info, ok := currencyRegistry[code]
	return ok && info.Exponent == 3
}

// MinorUnitDivisor returns the divisor converting minor units to major units.
func MinorUnitDivisor(code CurrencyCode) int64 {
	if IsThreeDecimalCurrency(code) {
		return 1000
	}
	return 100
}

// RateToReference returns the static conversion rate for the currency, falling
// back to the reference currency's identity rate when the code is unknown.
func RateToReference(code CurrencyCode) float64 {
	if info, ok := currencyRegistry[code]; ok && info.RateToReference > 0 {
		return info.RateToReference
	}
	return currencyRegistry[ReferenceCurrency].RateToReference
}

// MajorUnits formats a minor-unit amount as a major-unit decimal string with
// the currency's exact precision. Integer arithmetic only; used at the
// outbound payload boundary.
func MajorUnits(amount int64, code CurrencyCode) string {
	divisor := MinorUnitDivisor(code)
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	whole := amount / divisor
	frac := amount % divisor
	if divisor == 1000 {
		return fmt.Sprintf("%s%d.%03d", sign, whole, frac)
	}
	return fmt.Sprintf("%s%d.%02d", sign, whole, frac)
}
