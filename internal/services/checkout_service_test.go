package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
	"github.com/velora-commerce/checkout-api/internal/payments"
	"github.com/velora-commerce/checkout-api/internal/shipping"
)

type stubSessionCreator struct {
	lastReq payments.CheckoutSessionRequest
	session payments.CheckoutSession
	err     error
	calls   int
}

func (s *stubSessionCreator) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.calls++
	s.lastReq = req
	return s.session, s.err
}

func newCheckoutService(t *testing.T, creator *stubSessionCreator) CheckoutService {
	t.Helper()
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Payments:   creator,
		Shipping:   shipping.NewEngine(shipping.DefaultConfig()),
		SuccessURL: "https://shop.example/thanks",
		CancelURL:  "https://shop.example/cart",
		Clock: func() time.Time {
			return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return svc
}

func usCart() domain.CartSnapshot {
	return domain.CartSnapshot{
		Items: []domain.CartItem{
			{ProductHandle: "desk-lamp", VariantID: 42, Title: "Desk Lamp", Quantity: 2, UnitPrice: 4500, ImageURL: "https://cdn.example/lamp.png"},
		},
		Currency:           domain.CurrencyUSD,
		DestinationCountry: "US",
		CustomerEmail:      "buyer@example.com",
		MarketingConsent:   true,
		CartToken:          "tok_abc",
	}
}

func TestCreateSessionRejectsEmptyCart(t *testing.T) {
	svc := newCheckoutService(t, &stubSessionCreator{})

	_, err := svc.CreateSession(context.Background(), CreateSessionCommand{
		Cart: domain.CartSnapshot{Currency: domain.CurrencyUSD},
	})
	if !errors.Is(err, ErrInvalidCart) {
		t.Fatalf("expected ErrInvalidCart, got %v", err)
	}
}

func TestCreateSessionRejectsUnsupportedCurrency(t *testing.T) {
	svc := newCheckoutService(t, &stubSessionCreator{})

	cart := usCart()
	cart.Currency = "XXX"
	_, err := svc.CreateSession(context.Background(), CreateSessionCommand{Cart: cart})
	if !errors.Is(err, ErrUnsupportedCurrency) {
		t.Fatalf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestCreateSessionRejectsNonPositiveQuantity(t *testing.T) {
	svc := newCheckoutService(t, &stubSessionCreator{})

	cart := usCart()
	cart.Items[0].Quantity = 0
	_, err := svc.CreateSession(context.Background(), CreateSessionCommand{Cart: cart})
	if !errors.Is(err, ErrInvalidCart) {
		t.Fatalf("expected ErrInvalidCart, got %v", err)
	}
}

func TestCreateSessionBuildsRequest(t *testing.T) {
	creator := &stubSessionCreator{session: payments.CheckoutSession{
		ID:          "cs_1",
		RedirectURL: "https://checkout.example/cs_1",
		ExpiresAt:   time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
	}}
	svc := newCheckoutService(t, creator)

	result, err := svc.CreateSession(context.Background(), CreateSessionCommand{Cart: usCart()})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if result.SessionID != "cs_1" || result.CheckoutURL == "" {
		t.Fatalf("result = %+v", result)
	}
	if result.CartTotal != 9000 {
		t.Fatalf("cart total = %d", result.CartTotal)
	}
	// US rule: $50.00 flat below the $230.00 threshold.
	if result.ShippingCost != 5000 {
		t.Fatalf("shipping cost = %d", result.ShippingCost)
	}

	req := creator.lastReq
	if !strings.Contains(req.SuccessURL, "session_id={CHECKOUT_SESSION_ID}") {
		t.Fatalf("success url = %q", req.SuccessURL)
	}
	if req.CustomerEmail != "buyer@example.com" {
		t.Fatalf("customer email = %q", req.CustomerEmail)
	}
	if !req.ExpiresAt.Equal(time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)) {
		t.Fatalf("expires at = %v", req.ExpiresAt)
	}
	if !req.CollectPhone || !req.AllowPromotion {
		t.Fatal("expected phone collection and promotion codes enabled")
	}

	// One cart line plus the shipping line.
	if len(req.Items) != 2 {
		t.Fatalf("items = %d", len(req.Items))
	}
	if req.Items[0].Metadata["variant_id"] != "42" {
		t.Fatalf("variant metadata = %v", req.Items[0].Metadata)
	}
	if req.Items[1].Name != "International Shipping" || req.Items[1].Amount != 5000 {
		t.Fatalf("shipping line = %+v", req.Items[1])
	}

	if req.Metadata[metadataKeyCurrency] != "USD" || req.Metadata[metadataKeyCountryCode] != "US" {
		t.Fatalf("metadata = %v", req.Metadata)
	}
	if req.Metadata[metadataKeyCustomerEmail] != "buyer@example.com" || req.Metadata[metadataKeyMarketingConsent] != "true" {
		t.Fatalf("metadata = %v", req.Metadata)
	}
	if req.Metadata[metadataKeyCartToken] != "tok_abc" {
		t.Fatalf("metadata = %v", req.Metadata)
	}
	if req.Metadata[metadataKeyCheckoutRef] == "" {
		t.Fatal("expected checkout reference in metadata")
	}

	var items []domain.MetadataItem
	if err := json.Unmarshal([]byte(req.Metadata[metadataKeyCartItems]), &items); err != nil {
		t.Fatalf("decode cart items: %v", err)
	}
	if len(items) != 1 || items[0].VariantID != 42 || items[0].Quantity != 2 || items[0].Price != 4500 {
		t.Fatalf("metadata items = %+v", items)
	}
}

func TestCreateSessionOmitsShippingAboveThreshold(t *testing.T) {
	creator := &stubSessionCreator{session: payments.CheckoutSession{ID: "cs_2"}}
	svc := newCheckoutService(t, creator)

	cart := usCart()
	cart.Items[0].UnitPrice = 23000
	cart.Items[0].Quantity = 1

	result, err := svc.CreateSession(context.Background(), CreateSessionCommand{Cart: cart})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if result.ShippingCost != 0 {
		t.Fatalf("shipping cost = %d", result.ShippingCost)
	}
	if len(creator.lastReq.Items) != 1 {
		t.Fatalf("items = %d, free shipping should add no line", len(creator.lastReq.Items))
	}
}

func TestCreateSessionSkipsShippingForTestCarts(t *testing.T) {
	creator := &stubSessionCreator{session: payments.CheckoutSession{ID: "cs_3"}}
	svc := newCheckoutService(t, creator)

	cart := usCart()
	cart.Items[0].ProductHandle = "sample-test-product"

	result, err := svc.CreateSession(context.Background(), CreateSessionCommand{Cart: cart})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if result.ShippingCost != 0 {
		t.Fatalf("shipping cost = %d", result.ShippingCost)
	}
}

func TestCreateSessionDefaultsDestinationCountry(t *testing.T) {
	creator := &stubSessionCreator{session: payments.CheckoutSession{ID: "cs_4"}}
	svc := newCheckoutService(t, creator)

	cart := usCart()
	cart.DestinationCountry = ""

	result, err := svc.CreateSession(context.Background(), CreateSessionCommand{Cart: cart})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if creator.lastReq.Metadata[metadataKeyCountryCode] != "US" {
		t.Fatalf("country metadata = %q", creator.lastReq.Metadata[metadataKeyCountryCode])
	}
	if result.ShippingCost != 5000 {
		t.Fatalf("shipping cost = %d", result.ShippingCost)
	}
}

func TestCreateSessionWrapsProviderFailure(t *testing.T) {
	creator := &stubSessionCreator{err: errors.New("processor down")}
	svc := newCheckoutService(t, creator)

	_, err := svc.CreateSession(context.Background(), CreateSessionCommand{Cart: usCart()})
	if !errors.Is(err, ErrPaymentSessionFailed) {
		t.Fatalf("expected ErrPaymentSessionFailed, got %v", err)
	}
}

func TestNewCheckoutServiceValidatesDeps(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatal("expected error for missing payments provider")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{
		Payments: &stubSessionCreator{},
		Shipping: shipping.NewEngine(shipping.DefaultConfig()),
	}); err == nil {
		t.Fatal("expected error for missing URLs")
	}
}

func TestCreateSessionConfiguredFallbackCountry(t *testing.T) {
	creator := &stubSessionCreator{
		session: payments.CheckoutSession{ID: "cs_1", RedirectURL: "https://pay.example/cs_1"},
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Payments:        creator,
		Shipping:        shipping.NewEngine(shipping.DefaultConfig()),
		SuccessURL:      "https://shop.example/thanks",
		CancelURL:       "https://shop.example/cart",
		FallbackCountry: "ae",
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	_, err = svc.CreateSession(context.Background(), CreateSessionCommand{
		Cart: domain.CartSnapshot{
			Items:    []domain.CartItem{{VariantID: 1, Title: "Ring", Quantity: 1, UnitPrice: 5000}},
			Currency: domain.CurrencyUSD,
		},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if creator.lastReq.Metadata[metadataKeyCountryCode] != "AE" {
		t.Fatalf("country metadata = %q", creator.lastReq.Metadata[metadataKeyCountryCode])
	}
	// AE is a free-shipping hub, so no shipping line is added.
	for _, item := range creator.lastReq.Items {
		if item.Name == shippingItemName {
			t.Fatalf("unexpected shipping line for hub country")
		}
	}
}
