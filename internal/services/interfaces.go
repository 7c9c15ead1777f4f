package services

import (
	"context"
	"time"

	"github.com/velora-commerce/checkout-api/internal/analytics"
	"github.com/velora-commerce/checkout-api/internal/commerce"
	domain "github.com/velora-commerce/checkout-api/internal/domain"
	"github.com/velora-commerce/checkout-api/internal/payments"
)

// Session metadata keys. The processor persists cart semantics only through
// this opaque key/value bag, so both the assembler (writer) and reconciliation
// (reader) depend on these names staying stable.
const (
	metadataKeyCartItems        = "cart_items_json"
	metadataKeyCurrency         = "currency"
	metadataKeyCountryCode      = "country_code"
	metadataKeyCustomerEmail    = "customer_email"
	metadataKeyMarketingConsent = "marketing_consent"
	metadataKeyCartToken        = "cart_token"
	metadataKeyCheckoutRef      = "checkout_ref"
)

// CreateSessionCommand carries one checkout attempt.
type CreateSessionCommand struct {
	Cart domain.CartSnapshot
}

// CheckoutSessionResult is returned to the storefront after session creation.
type CheckoutSessionResult struct {
	SessionID    string
	CheckoutURL  string
	ExpiresAt    time.Time
	CartTotal    int64
	ShippingCost int64
	Currency     domain.CurrencyCode
}

// CheckoutService assembles processor checkout sessions from storefront carts.
type CheckoutService interface {
	CreateSession(ctx context.Context, cmd CreateSessionCommand) (CheckoutSessionResult, error)
}

// SessionService exposes the post-payment view of a checkout session.
type SessionService interface {
	Summary(ctx context.Context, sessionID string) (domain.SessionSummary, error)
}

// OutcomeStatus classifies the result of processing one lifecycle event.
type OutcomeStatus string

const (
	OutcomeOrderCreated OutcomeStatus = "order_created"
	OutcomeDraftCreated OutcomeStatus = "draft_created"
	OutcomeSkipped      OutcomeStatus = "skipped"
	OutcomeFailed       OutcomeStatus = "failed"
	OutcomeIgnored      OutcomeStatus = "ignored"
)

// Skip reasons recorded on OutcomeSkipped.
const (
	SkipReasonMissingCartData = "missing_cart_data"
	SkipReasonMissingAddress  = "missing_address"
	SkipReasonNoEmail         = "no_email"
	SkipReasonNoSession       = "no_session"
)

// Outcome is the terminal state of one event's reconciliation. It is never
// persisted; the backend order or draft order is the durable record.
type Outcome struct {
	Status OutcomeStatus
	// Reason qualifies Skipped and Failed outcomes.
	Reason string
	// OrderID and DraftOrderID carry the backend record id when one was created.
	OrderID      int64
	DraftOrderID int64
}

// ReconciliationService drives order creation and abandoned-cart recovery from
// verified payment-lifecycle events.
type ReconciliationService interface {
	ProcessEvent(ctx context.Context, event payments.Event) (Outcome, error)
}

// OrderBackend is the store-backend surface reconciliation depends on.
// *commerce.Client satisfies it.
type OrderBackend interface {
	CreateOrder(ctx context.Context, order commerce.Order) (commerce.CreatedOrder, error)
	CreateDraftOrder(ctx context.Context, draft commerce.DraftOrder) (commerce.CreatedDraftOrder, error)
	FindCustomerByEmail(ctx context.Context, email string) (commerce.StoreCustomer, error)
	CreateCustomer(ctx context.Context, customer commerce.StoreCustomer) (commerce.StoreCustomer, error)
	UpdateCustomer(ctx context.Context, customer commerce.StoreCustomer) (commerce.StoreCustomer, error)
}

// TaskRunner executes detached side effects. *tasks.Runner satisfies it.
type TaskRunner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// ConversionTracker delivers purchase conversions. *analytics.Tracker satisfies it.
type ConversionTracker interface {
	TrackPurchase(ctx context.Context, purchase analytics.Purchase) error
}
