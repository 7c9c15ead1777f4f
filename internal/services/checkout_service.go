package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
	"github.com/velora-commerce/checkout-api/internal/payments"
	"github.com/velora-commerce/checkout-api/internal/shipping"
)

const (
	defaultSessionTTL      = 30 * time.Minute
	defaultCountryFallback = "US"
	shippingItemName       = "International Shipping"
	sessionIDPlaceholder   = "{CHECKOUT_SESSION_ID}"
)

var (
	// ErrInvalidCart indicates the cart is empty or carries invalid lines.
	ErrInvalidCart = errors.New("checkout: invalid cart")
	// ErrUnsupportedCurrency indicates the cart currency is outside the supported set.
	ErrUnsupportedCurrency = errors.New("checkout: unsupported currency")
	// ErrCheckoutUnavailable indicates checkout dependencies are not usable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrPaymentSessionFailed indicates the processor rejected session creation.
	ErrPaymentSessionFailed = errors.New("checkout: payment session failed")
)

// sessionCreator abstracts the processor for easier testing.
type sessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Payments   sessionCreator
	Shipping   *shipping.Engine
	SuccessURL string
	CancelURL  string
	// AllowedCountries restricts where the processor collects shipping
	// addresses. Empty means no restriction.
	AllowedCountries []string
	SessionTTL       time.Duration
	// FallbackCountry is assumed when the storefront sends no destination.
	FallbackCountry string
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	payments         sessionCreator
	shipping         *shipping.Engine
	successURL       string
	cancelURL        string
	allowedCountries []string
	sessionTTL       time.Duration
	fallbackCountry  string
	now              func() time.Time
	logger           func(ctx context.Context, event string, fields map[string]any)

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment provider is required")
	}
	if deps.Shipping == nil {
		return nil, errors.New("checkout service: shipping engine is required")
	}
	successURL := strings.TrimSpace(deps.SuccessURL)
	cancelURL := strings.TrimSpace(deps.CancelURL)
	if successURL == "" || cancelURL == "" {
		return nil, errors.New("checkout service: success and cancel URLs are required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	fallbackCountry := strings.ToUpper(strings.TrimSpace(deps.FallbackCountry))
	if fallbackCountry == "" {
		fallbackCountry = defaultCountryFallback
	}

	return &checkoutService{
		payments:         deps.Payments,
		shipping:         deps.Shipping,
		successURL:       successURL,
		cancelURL:        cancelURL,
		allowedCountries: deps.AllowedCountries,
		sessionTTL:       ttl,
		fallbackCountry:  fallbackCountry,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:  logger,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// CreateSession validates the cart, computes shipping, serialises the cart
// snapshot into session metadata, and creates the hosted checkout session.
func (s *checkoutService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (CheckoutSessionResult, error) {
	if s == nil || s.payments == nil {
		return CheckoutSessionResult{}, ErrCheckoutUnavailable
	}

	cart := cmd.Cart
	if len(cart.Items) == 0 {
		return CheckoutSessionResult{}, fmt.Errorf("%w: cart is empty", ErrInvalidCart)
	}
	if !domain.IsSupportedCurrency(cart.Currency) {
		return CheckoutSessionResult{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, cart.Currency)
	}
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return CheckoutSessionResult{}, fmt.Errorf("%w: item %q has non-positive quantity", ErrInvalidCart, item.Title)
		}
		if item.UnitPrice < 0 {
			return CheckoutSessionResult{}, fmt.Errorf("%w: item %q has negative price", ErrInvalidCart, item.Title)
		}
	}

	currency := domain.NormalizeCurrency(string(cart.Currency))
	country := strings.ToUpper(strings.TrimSpace(cart.DestinationCountry))
	if country == "" {
		country = s.fallbackCountry
	}

	cartTotal := cart.Subtotal()
	var shippingCost int64
	if !cart.IsTestOrder() {
		shippingCost = s.shipping.Cost(country, currency, cartTotal)
	}

	metadata, err := s.buildMetadata(cart, currency, country)
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("checkout: serialize cart metadata: %w", err)
	}

	items := make([]payments.CheckoutLineItem, 0, len(cart.Items)+1)
	for _, item := range cart.Items {
		items = append(items, payments.CheckoutLineItem{
			Name:     item.Title,
			ImageURL: item.ImageURL,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
			Metadata: map[string]string{
				"variant_id": strconv.FormatInt(item.VariantID, 10),
			},
		})
	}
	if shippingCost > 0 {
		items = append(items, payments.CheckoutLineItem{
			Name:     shippingItemName,
			Quantity: 1,
			Amount:   shippingCost,
		})
	}

	now := s.now()
	req := payments.CheckoutSessionRequest{
		Currency:         currency,
		SuccessURL:       withSessionPlaceholder(s.successURL),
		CancelURL:        s.cancelURL,
		CustomerEmail:    strings.TrimSpace(cart.CustomerEmail),
		Items:            items,
		Metadata:         metadata,
		ExpiresAt:        now.Add(s.sessionTTL),
		AllowedCountries: s.allowedCountries,
		CollectPhone:     true,
		AllowPromotion:   true,
	}

	session, err := s.payments.CreateCheckoutSession(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.session.create_failed", map[string]any{
			"currency": string(currency),
			"country":  country,
			"error":    err.Error(),
		})
		return CheckoutSessionResult{}, fmt.Errorf("%w: %v", ErrPaymentSessionFailed, err)
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"sessionId":    session.ID,
		"currency":     string(currency),
		"country":      country,
		"zone":         s.shipping.Zone(country),
		"cartTotal":    cartTotal,
		"shippingCost": shippingCost,
		"itemCount":    len(cart.Items),
	})

	return CheckoutSessionResult{
		SessionID:    session.ID,
		CheckoutURL:  session.RedirectURL,
		ExpiresAt:    session.ExpiresAt,
		CartTotal:    cartTotal,
		ShippingCost: shippingCost,
		Currency:     currency,
	}, nil
}

// buildMetadata serialises the minimal cart reconstruction into the session's
// metadata bag. Only variant id, quantity, and unit price survive; the
// processor's own line items lose the backend variant identifier.
func (s *checkoutService) buildMetadata(cart domain.CartSnapshot, currency domain.CurrencyCode, country string) (map[string]string, error) {
	encoded, err := json.Marshal(cart.MetadataItems())
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		metadataKeyCartItems:   string(encoded),
		metadataKeyCurrency:    string(currency),
		metadataKeyCountryCode: country,
		metadataKeyCheckoutRef: s.newReference(),
	}
	if email := strings.TrimSpace(cart.CustomerEmail); email != "" {
		metadata[metadataKeyCustomerEmail] = email
		metadata[metadataKeyMarketingConsent] = strconv.FormatBool(cart.MarketingConsent)
	}
	if token := strings.TrimSpace(cart.CartToken); token != "" {
		metadata[metadataKeyCartToken] = token
	}
	return metadata, nil
}

func (s *checkoutService) newReference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

func withSessionPlaceholder(successURL string) string {
	if strings.Contains(successURL, sessionIDPlaceholder) {
		return successURL
	}
	separator := "?"
	if strings.Contains(successURL, "?") {
		separator = "&"
	}
	return successURL + separator + "session_id=" + sessionIDPlaceholder
}
