package payments

import (
	"context"
	"errors"
	"time"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
)

// ErrSignatureInvalid is returned when an inbound event's signature does not
// match the configured signing secret.
var ErrSignatureInvalid = errors.New("payments: event signature invalid")

// Lifecycle event types that carry business logic. Any other type is
// acknowledged without side effects.
const (
	EventSessionCompleted = "checkout.session.completed"
	EventSessionExpired   = "checkout.session.expired"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// CheckoutLineItem describes a single line item to include in a checkout session.
type CheckoutLineItem struct {
	Name      string
	ImageURL  string
	Quantity  int64
	// Amount is the per-unit price in minor units.
	Amount   int64
	Metadata map[string]string
}

// CheckoutSessionRequest captures the payload required to create a hosted
// checkout session with the processor.
type CheckoutSessionRequest struct {
	Currency         domain.CurrencyCode
	SuccessURL       string
	CancelURL        string
	CustomerEmail    string
	Items            []CheckoutLineItem
	Metadata         map[string]string
	ExpiresAt        time.Time
	AllowedCountries []string
	CollectPhone     bool
	AllowPromotion   bool
}

// CheckoutSession is the processor session returned to the storefront.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	ExpiresAt   time.Time
}

// SessionLineItem is one processor-side line of a retrieved session.
type SessionLineItem struct {
	Name        string
	Description string
	Quantity    int64
	AmountTotal int64
	ImageURL    string
}

// CustomerDetails carries the buyer identity captured during checkout.
type CustomerDetails struct {
	Email   string
	Name    string
	Phone   string
	Address *domain.Address
}

// SessionDetail is the authoritative session state re-fetched from the
// processor during reconciliation. The inbound event payload is only a trigger;
// every field used for order creation comes from here.
type SessionDetail struct {
	ID             string
	Paid           bool
	AmountSubtotal int64
	AmountTotal    int64
	Currency       domain.CurrencyCode
	Metadata       map[string]string
	Customer       CustomerDetails
	// ShippingAddress is the collected shipping destination when present.
	ShippingAddress *domain.Address
	// FallbackEmail is the session-level email captured before checkout completed.
	FallbackEmail string
	// CustomerID references the processor's persistent customer record, if any.
	CustomerID string
	// PaymentReference is the processor payment identifier used as the
	// reconciliation correlation marker.
	PaymentReference string
	// PromotionalConsent is the processor-collected marketing opt-in. An
	// explicit consent captured at cart stage takes precedence over it.
	PromotionalConsent bool
	Discount           *domain.DiscountInfo
	LineItems          []SessionLineItem
}

// Customer is the processor's persistent customer record.
type Customer struct {
	ID    string
	Email string
	Name  string
	Phone string
}

// Event is a verified lifecycle notification.
type Event struct {
	ID   string
	Type string
	// SessionID correlates the event with a checkout session. Empty for event
	// types that do not reference a session.
	SessionID string
}

// Provider defines the processor operations the bridge depends on.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (SessionDetail, error)
	RetrieveCustomer(ctx context.Context, customerID string) (Customer, error)
}

// EventVerifier authenticates inbound event deliveries. Implementations must
// reject any payload whose signature does not match before parsing is trusted.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (Event, error)
}
