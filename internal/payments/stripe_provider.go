package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeCustomerAPI interface {
	Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripeClients struct {
	sessions  stripeSessionAPI
	customers stripeCustomerAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	SigningSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements Provider and EventVerifier using Stripe APIs.
type StripeProvider struct {
	api           stripeClients
	signingSecret string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions:  sc.CheckoutSessions,
			customers: sc.Customers,
		}
	}

	if clients.sessions == nil || clients.customers == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		signingSecret: strings.TrimSpace(cfg.SigningSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session for the cart.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}

	currency := strings.ToLower(string(req.Currency))
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		BillingAddressCollection: stripe.String(
			string(stripe.CheckoutSessionBillingAddressCollectionRequired),
		),
	}
	params.Context = ctx

	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if req.CollectPhone {
		params.PhoneNumberCollection = &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		}
	}
	if len(req.AllowedCountries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(req.AllowedCountries),
		}
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	if req.AllowPromotion {
		params.AllowPromotionCodes = stripe.Bool(true)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.ImageURL != "" {
			line.PriceData.ProductData.Images = stripe.StringSlice([]string{item.ImageURL})
		}
		if len(item.Metadata) > 0 {
			line.PriceData.ProductData.Metadata = make(map[string]string, len(item.Metadata))
			for k, v := range item.Metadata {
				line.PriceData.ProductData.Metadata[k] = v
			}
		}
		lineItems = append(lineItems, line)
	}
	params.LineItems = lineItems

	session, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// RetrieveSession fetches the authoritative session state with line items,
// customer details, payment reference, and discount breakdown expanded.
func (p *StripeProvider) RetrieveSession(ctx context.Context, sessionID string) (SessionDetail, error) {
	if p == nil {
		return SessionDetail{}, errors.New("stripe: provider is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionDetail{}, errors.New("stripe: session id is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	params.AddExpand("line_items.data.price.product")
	params.AddExpand("payment_intent")
	params.AddExpand("total_details.breakdown")

	session, err := p.api.sessions.Get(sessionID, params)
	if err != nil {
		return SessionDetail{}, fmt.Errorf("stripe: retrieve checkout session: %w", err)
	}
	return normalizeSession(session), nil
}

// RetrieveCustomer fetches the processor's persistent customer record.
func (p *StripeProvider) RetrieveCustomer(ctx context.Context, customerID string) (Customer, error) {
	if p == nil {
		return Customer{}, errors.New("stripe: provider is nil")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Customer{}, errors.New("stripe: customer id is required")
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	customer, err := p.api.customers.Get(customerID, params)
	if err != nil {
		return Customer{}, fmt.Errorf("stripe: retrieve customer: %w", err)
	}

	return Customer{
		ID:    customer.ID,
		Email: customer.Email,
		Name:  customer.Name,
		Phone: customer.Phone,
	}, nil
}

// VerifyEvent authenticates the raw delivery against the signing secret and
// extracts the correlated session id. Verification runs on the raw body before
// any parsing is trusted.
func (p *StripeProvider) VerifyEvent(payload []byte, signatureHeader string) (Event, error) {
	if p == nil || p.signingSecret == "" {
		return Event{}, errors.New("stripe: signing secret not configured")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return Event{}, fmt.Errorf("%w: signature header missing", ErrSignatureInvalid)
	}

	stripeEvent, err := webhook.ConstructEvent(payload, signatureHeader, p.signingSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	event := Event{
		ID:   stripeEvent.ID,
		Type: string(stripeEvent.Type),
	}
	var object struct {
		ID string `json:"id"`
	}
	if len(stripeEvent.Data.Raw) > 0 {
		if err := json.Unmarshal(stripeEvent.Data.Raw, &object); err == nil {
			event.SessionID = object.ID
		}
	}
	return event, nil
}

func normalizeSession(session *stripe.CheckoutSession) SessionDetail {
	if session == nil {
		return SessionDetail{}
	}

	detail := SessionDetail{
		ID:             session.ID,
		Paid:           session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountSubtotal: session.AmountSubtotal,
		AmountTotal:    session.AmountTotal,
		Currency:       domain.NormalizeCurrency(string(session.Currency)),
		Metadata:       session.Metadata,
		FallbackEmail:  session.CustomerEmail,
	}

	if details := session.CustomerDetails; details != nil {
		detail.Customer = CustomerDetails{
			Email:   details.Email,
			Name:    details.Name,
			Phone:   details.Phone,
			Address: normalizeAddress(details.Address),
		}
	}
	if shipping := session.ShippingDetails; shipping != nil {
		detail.ShippingAddress = normalizeAddress(shipping.Address)
	}
	if session.Customer != nil {
		detail.CustomerID = session.Customer.ID
	}
	if session.PaymentIntent != nil {
		detail.PaymentReference = session.PaymentIntent.ID
	}
	if session.Consent != nil {
		detail.PromotionalConsent = session.Consent.Promotions == stripe.CheckoutSessionConsentPromotionsOptIn
	}
	detail.Discount = extractDiscount(session.TotalDetails)
	detail.LineItems = extractLineItems(session.LineItems)

	return detail
}

func normalizeAddress(addr *stripe.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	out := &domain.Address{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		Country:    addr.Country,
		PostalCode: addr.PostalCode,
	}
	if out.IsZero() {
		return nil
	}
	return out
}

func extractDiscount(totals *stripe.CheckoutSessionTotalDetails) *domain.DiscountInfo {
	if totals == nil || totals.Breakdown == nil || len(totals.Breakdown.Discounts) == 0 {
		return nil
	}
	applied := totals.Breakdown.Discounts[0]
	info := &domain.DiscountInfo{Amount: applied.Amount, Code: "DISCOUNT"}
	if applied.Discount != nil {
		if coupon := applied.Discount.Coupon; coupon != nil && coupon.Name != "" {
			info.Code = coupon.Name
		} else if promo := applied.Discount.PromotionCode; promo != nil && promo.Code != "" {
			info.Code = promo.Code
		}
	}
	return info
}

func extractLineItems(list *stripe.LineItemList) []SessionLineItem {
	if list == nil || len(list.Data) == 0 {
		return nil
	}
	items := make([]SessionLineItem, 0, len(list.Data))
	for _, line := range list.Data {
		if line == nil {
			continue
		}
		item := SessionLineItem{
			Description: line.Description,
			Quantity:    line.Quantity,
			AmountTotal: line.AmountTotal,
		}
		if line.Price != nil && line.Price.Product != nil {
			item.Name = line.Price.Product.Name
			if len(line.Price.Product.Images) > 0 {
				item.ImageURL = line.Price.Product.Images[0]
			}
		}
		if item.Name == "" {
			item.Name = line.Description
		}
		items = append(items, item)
	}
	return items
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
