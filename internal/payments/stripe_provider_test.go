package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
)

type stubSessionAPI struct {
	newParams *stripe.CheckoutSessionParams
	getID     string
	getParams *stripe.CheckoutSessionParams
	session   *stripe.CheckoutSession
	err       error
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.newParams = params
	return s.session, s.err
}

func (s *stubSessionAPI) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.getID = id
	s.getParams = params
	return s.session, s.err
}

type stubCustomerAPI struct {
	getID    string
	customer *stripe.Customer
	err      error
}

func (s *stubCustomerAPI) Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	s.getID = id
	return s.customer, s.err
}

func newTestProvider(t *testing.T, sessions *stubSessionAPI, customers *stubCustomerAPI) *StripeProvider {
	t.Helper()
	if customers == nil {
		customers = &stubCustomerAPI{}
	}
	provider, err := NewStripeProvider(StripeProviderConfig{
		SigningSecret: "whsec_test",
		Clients:       &stripeClients{sessions: sessions, customers: customers},
		Clock: func() time.Time {
			return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestNewStripeProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestCreateCheckoutSessionBuildsParams(t *testing.T) {
	expires := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	sessions := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID:        "cs_test_123",
		URL:       "https://checkout.example/pay/cs_test_123",
		ExpiresAt: expires.Unix(),
	}}
	provider := newTestProvider(t, sessions, nil)

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Currency:      domain.CurrencyUSD,
		SuccessURL:    "https://shop.example/thanks?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     "https://shop.example/cart",
		CustomerEmail: "buyer@example.com",
		Items: []CheckoutLineItem{
			{Name: "Lamp", Quantity: 2, Amount: 4500, ImageURL: "https://cdn.example/lamp.png", Metadata: map[string]string{"variant_id": "42"}},
			{Name: "Bulb", Quantity: 0, Amount: 900},
		},
		Metadata:         map[string]string{"country_code": "US"},
		ExpiresAt:        expires,
		AllowedCountries: []string{"US", "GB"},
		CollectPhone:     true,
		AllowPromotion:   true,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.ID != "cs_test_123" {
		t.Fatalf("session id = %q", session.ID)
	}
	if session.RedirectURL != "https://checkout.example/pay/cs_test_123" {
		t.Fatalf("redirect url = %q", session.RedirectURL)
	}
	if !session.ExpiresAt.Equal(expires) {
		t.Fatalf("expires at = %v", session.ExpiresAt)
	}

	params := sessions.newParams
	if params == nil {
		t.Fatal("expected session params")
	}
	if got := stripe.StringValue(params.Mode); got != string(stripe.CheckoutSessionModePayment) {
		t.Fatalf("mode = %q", got)
	}
	if got := stripe.StringValue(params.CustomerEmail); got != "buyer@example.com" {
		t.Fatalf("customer email = %q", got)
	}
	if params.PhoneNumberCollection == nil || !stripe.BoolValue(params.PhoneNumberCollection.Enabled) {
		t.Fatal("expected phone collection enabled")
	}
	if params.ShippingAddressCollection == nil || len(params.ShippingAddressCollection.AllowedCountries) != 2 {
		t.Fatal("expected two allowed shipping countries")
	}
	if got := stripe.Int64Value(params.ExpiresAt); got != expires.Unix() {
		t.Fatalf("expires_at = %d", got)
	}
	if !stripe.BoolValue(params.AllowPromotionCodes) {
		t.Fatal("expected promotion codes enabled")
	}
	if params.Metadata["country_code"] != "US" {
		t.Fatalf("metadata = %v", params.Metadata)
	}
	if len(params.LineItems) != 2 {
		t.Fatalf("line items = %d", len(params.LineItems))
	}
	first := params.LineItems[0]
	if got := stripe.StringValue(first.PriceData.Currency); got != "usd" {
		t.Fatalf("currency = %q", got)
	}
	if got := stripe.Int64Value(first.PriceData.UnitAmount); got != 4500 {
		t.Fatalf("unit amount = %d", got)
	}
	if len(first.PriceData.ProductData.Images) != 1 {
		t.Fatal("expected product image")
	}
	if first.PriceData.ProductData.Metadata["variant_id"] != "42" {
		t.Fatal("expected variant metadata on product data")
	}
	// Zero quantities are clamped so Stripe never rejects the line.
	if got := stripe.Int64Value(params.LineItems[1].Quantity); got != 1 {
		t.Fatalf("clamped quantity = %d", got)
	}
}

func TestCreateCheckoutSessionWrapsProviderError(t *testing.T) {
	sessions := &stubSessionAPI{err: errors.New("boom")}
	provider := newTestProvider(t, sessions, nil)

	if _, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetrieveSessionNormalizesDetail(t *testing.T) {
	sessions := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID:             "cs_test_456",
		PaymentStatus:  stripe.CheckoutSessionPaymentStatusPaid,
		AmountSubtotal: 12000,
		AmountTotal:    11000,
		Currency:       stripe.CurrencyUSD,
		CustomerEmail:  "fallback@example.com",
		Metadata:       map[string]string{"currency": "USD"},
		Customer:       &stripe.Customer{ID: "cus_9"},
		PaymentIntent:  &stripe.PaymentIntent{ID: "pi_7"},
		Consent: &stripe.CheckoutSessionConsent{
			Promotions: stripe.CheckoutSessionConsentPromotionsOptIn,
		},
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{
			Email: "buyer@example.com",
			Name:  "Ada Lovelace",
			Phone: "+15550001111",
		},
		ShippingDetails: &stripe.ShippingDetails{
			Address: &stripe.Address{
				Line1:      "1 Main St",
				City:       "Austin",
				State:      "TX",
				Country:    "US",
				PostalCode: "78701",
			},
		},
		TotalDetails: &stripe.CheckoutSessionTotalDetails{
			Breakdown: &stripe.CheckoutSessionTotalDetailsBreakdown{
				Discounts: []*stripe.CheckoutSessionTotalDetailsBreakdownDiscount{{
					Amount: 1000,
					Discount: &stripe.Discount{
						PromotionCode: &stripe.PromotionCode{Code: "SAVE10"},
					},
				}},
			},
		},
		LineItems: &stripe.LineItemList{Data: []*stripe.LineItem{{
			Description: "Lamp",
			Quantity:    2,
			AmountTotal: 9000,
			Price: &stripe.Price{Product: &stripe.Product{
				Name:   "Desk Lamp",
				Images: []string{"https://cdn.example/lamp.png"},
			}},
		}}},
	}}
	provider := newTestProvider(t, sessions, nil)

	detail, err := provider.RetrieveSession(context.Background(), "cs_test_456")
	if err != nil {
		t.Fatalf("retrieve session: %v", err)
	}

	if sessions.getID != "cs_test_456" {
		t.Fatalf("fetched id = %q", sessions.getID)
	}
	if len(sessions.getParams.Expand) != 4 {
		t.Fatalf("expand count = %d", len(sessions.getParams.Expand))
	}
	if !detail.Paid {
		t.Fatal("expected paid session")
	}
	if detail.Currency != domain.CurrencyUSD {
		t.Fatalf("currency = %q", detail.Currency)
	}
	if detail.Customer.Email != "buyer@example.com" {
		t.Fatalf("customer email = %q", detail.Customer.Email)
	}
	if detail.FallbackEmail != "fallback@example.com" {
		t.Fatalf("fallback email = %q", detail.FallbackEmail)
	}
	if detail.CustomerID != "cus_9" || detail.PaymentReference != "pi_7" {
		t.Fatalf("references = %q / %q", detail.CustomerID, detail.PaymentReference)
	}
	if !detail.PromotionalConsent {
		t.Fatal("expected promotional consent")
	}
	if detail.ShippingAddress == nil || detail.ShippingAddress.City != "Austin" {
		t.Fatalf("shipping address = %+v", detail.ShippingAddress)
	}
	if detail.Discount == nil || detail.Discount.Code != "SAVE10" || detail.Discount.Amount != 1000 {
		t.Fatalf("discount = %+v", detail.Discount)
	}
	if len(detail.LineItems) != 1 || detail.LineItems[0].Name != "Desk Lamp" {
		t.Fatalf("line items = %+v", detail.LineItems)
	}
}

func TestRetrieveSessionDiscountCouponNameWins(t *testing.T) {
	sessions := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID: "cs_test_789",
		TotalDetails: &stripe.CheckoutSessionTotalDetails{
			Breakdown: &stripe.CheckoutSessionTotalDetailsBreakdown{
				Discounts: []*stripe.CheckoutSessionTotalDetailsBreakdownDiscount{{
					Amount: 500,
					Discount: &stripe.Discount{
						Coupon:        &stripe.Coupon{Name: "Spring Sale"},
						PromotionCode: &stripe.PromotionCode{Code: "SPRING"},
					},
				}},
			},
		},
	}}
	provider := newTestProvider(t, sessions, nil)

	detail, err := provider.RetrieveSession(context.Background(), "cs_test_789")
	if err != nil {
		t.Fatalf("retrieve session: %v", err)
	}
	if detail.Discount.Code != "Spring Sale" {
		t.Fatalf("discount code = %q", detail.Discount.Code)
	}
}

func TestRetrieveSessionRequiresID(t *testing.T) {
	provider := newTestProvider(t, &stubSessionAPI{}, nil)
	if _, err := provider.RetrieveSession(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank session id")
	}
}

func TestRetrieveCustomer(t *testing.T) {
	customers := &stubCustomerAPI{customer: &stripe.Customer{
		ID:    "cus_1",
		Email: "buyer@example.com",
		Name:  "Ada Lovelace",
		Phone: "+15550001111",
	}}
	provider := newTestProvider(t, &stubSessionAPI{}, customers)

	customer, err := provider.RetrieveCustomer(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("retrieve customer: %v", err)
	}
	if customers.getID != "cus_1" {
		t.Fatalf("fetched id = %q", customers.getID)
	}
	if customer.Email != "buyer@example.com" {
		t.Fatalf("email = %q", customer.Email)
	}
}

func TestVerifyEventRejectsMissingSignature(t *testing.T) {
	provider := newTestProvider(t, &stubSessionAPI{}, nil)

	_, err := provider.VerifyEvent([]byte(`{}`), "")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyEventRejectsBadSignature(t *testing.T) {
	provider := newTestProvider(t, &stubSessionAPI{}, nil)

	_, err := provider.VerifyEvent([]byte(`{"id":"evt_1"}`), "t=1,v1=deadbeef")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}
