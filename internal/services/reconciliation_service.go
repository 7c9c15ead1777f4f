package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velora-commerce/checkout-api/internal/analytics"
	"github.com/velora-commerce/checkout-api/internal/commerce"
	domain "github.com/velora-commerce/checkout-api/internal/domain"
	"github.com/velora-commerce/checkout-api/internal/payments"
)

const reconciliationMeterName = "checkout-api/reconciliation"

// ErrReconciliationUnavailable indicates reconciliation dependencies are not usable.
var ErrReconciliationUnavailable = errors.New("reconciliation: unavailable")

// ReconciliationServiceDeps wires the dependencies required by the
// reconciliation service.
type ReconciliationServiceDeps struct {
	Payments payments.Provider
	Orders   OrderBackend
	// Tasks runs decoupled side effects (customer upserts, conversion
	// beacons). Nil disables them.
	Tasks TaskRunner
	// Analytics delivers purchase conversions. Nil disables tracking.
	Analytics ConversionTracker
	Meter     metric.Meter
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	payments  payments.Provider
	orders    OrderBackend
	tasks     TaskRunner
	analytics ConversionTracker
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)

	outcomes        metric.Int64Counter
	outcomesEnabled bool
}

// NewReconciliationService constructs a ReconciliationService validating
// required dependencies.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Payments == nil {
		return nil, errors.New("reconciliation service: payment provider is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order backend is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconciliationMeterName)
	}
	outcomes, metricErr := meter.Int64Counter(
		"reconciliation.outcomes",
		metric.WithDescription("Count of reconciliation outcomes by status and reason"),
	)

	return &reconciliationService{
		payments:  deps.Payments,
		orders:    deps.Orders,
		tasks:     deps.Tasks,
		analytics: deps.Analytics,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:          logger,
		outcomes:        outcomes,
		outcomesEnabled: metricErr == nil,
	}, nil
}

// ProcessEvent dispatches one verified lifecycle event. Every error past this
// point is reduced to an Outcome and logged, never returned: payment is
// already captured (or the session already gone), so a delivery retry cannot
// improve matters and would only risk duplicates.
func (s *reconciliationService) ProcessEvent(ctx context.Context, event payments.Event) (Outcome, error) {
	if s == nil || s.payments == nil || s.orders == nil {
		return Outcome{}, ErrReconciliationUnavailable
	}

	var outcome Outcome
	switch event.Type {
	case payments.EventSessionCompleted:
		outcome = s.handleCompleted(ctx, event)
	case payments.EventSessionExpired:
		outcome = s.handleExpired(ctx, event)
	default:
		outcome = Outcome{Status: OutcomeIgnored, Reason: event.Type}
	}

	s.record(ctx, event, outcome)
	return outcome, nil
}

// handleCompleted turns a paid session into a backend order. The inbound event
// is only a trigger; every field comes from a fresh session fetch. Cart lines
// come strictly from the metadata snapshot because the processor's own line
// items lose the backend variant identifier.
func (s *reconciliationService) handleCompleted(ctx context.Context, event payments.Event) Outcome {
	if strings.TrimSpace(event.SessionID) == "" {
		return Outcome{Status: OutcomeSkipped, Reason: SkipReasonNoSession}
	}

	detail, err := s.payments.RetrieveSession(ctx, event.SessionID)
	if err != nil {
		s.logger(ctx, "reconciliation.session.fetch_failed", map[string]any{
			"sessionId": event.SessionID,
			"error":     err.Error(),
		})
		return Outcome{Status: OutcomeFailed, Reason: "session_fetch: " + err.Error()}
	}

	items, ok := cartItemsFromMetadata(detail.Metadata)
	if !ok {
		return Outcome{Status: OutcomeSkipped, Reason: SkipReasonMissingCartData}
	}

	address := detail.ShippingAddress
	if address == nil {
		address = detail.Customer.Address
	}
	if address == nil {
		return Outcome{Status: OutcomeSkipped, Reason: SkipReasonMissingAddress}
	}

	order := commerce.BuildOrder(commerce.OrderInput{
		SessionID:        detail.ID,
		PaymentReference: detail.PaymentReference,
		Email:            s.discoverEmail(ctx, detail),
		FullName:         detail.Customer.Name,
		Phone:            detail.Customer.Phone,
		Currency:         detail.Currency,
		AmountTotal:      detail.AmountTotal,
		Items:            items,
		ShippingCost:     shippingFromLines(detail.LineItems),
		Discount:         detail.Discount,
		ShippingAddress:  address,
		MarketingConsent: resolveConsent(detail),
		CartToken:        detail.Metadata[metadataKeyCartToken],
	})

	created, err := s.orders.CreateOrder(ctx, order)
	if err != nil {
		s.logger(ctx, "reconciliation.order.create_failed", map[string]any{
			"sessionId":        detail.ID,
			"paymentReference": detail.PaymentReference,
			"error":            err.Error(),
		})
		return Outcome{Status: OutcomeFailed, Reason: "order_create: " + err.Error()}
	}

	s.logger(ctx, "reconciliation.order.created", map[string]any{
		"sessionId": detail.ID,
		"orderId":   created.ID,
		"orderName": created.Name,
	})
	s.trackPurchase(detail, items)

	return Outcome{Status: OutcomeOrderCreated, OrderID: created.ID}
}

// handleExpired attempts abandoned-cart recovery. Recovery is impossible
// without a contact channel, so email discovery gates everything else. The
// customer upsert runs as a detached task and never blocks draft creation.
func (s *reconciliationService) handleExpired(ctx context.Context, event payments.Event) Outcome {
	if strings.TrimSpace(event.SessionID) == "" {
		return Outcome{Status: OutcomeSkipped, Reason: SkipReasonNoSession}
	}

	detail, err := s.payments.RetrieveSession(ctx, event.SessionID)
	if err != nil {
		s.logger(ctx, "reconciliation.session.fetch_failed", map[string]any{
			"sessionId": event.SessionID,
			"error":     err.Error(),
		})
		return Outcome{Status: OutcomeFailed, Reason: "session_fetch: " + err.Error()}
	}

	email := s.discoverEmail(ctx, detail)
	if email == "" {
		return Outcome{Status: OutcomeSkipped, Reason: SkipReasonNoEmail}
	}

	// Nothing to recover without cart lines; an empty draft would only
	// create backend noise.
	items, ok := cartItemsFromMetadata(detail.Metadata)
	if !ok {
		return Outcome{Status: OutcomeSkipped, Reason: SkipReasonMissingCartData}
	}

	consent := resolveConsent(detail)
	s.ensureCustomer(detail, email, consent)

	address := detail.ShippingAddress
	if address == nil {
		address = detail.Customer.Address
	}

	draft := commerce.BuildDraftOrder(commerce.DraftOrderInput{
		SessionID:        detail.ID,
		Email:            email,
		FullName:         detail.Customer.Name,
		Phone:            detail.Customer.Phone,
		Currency:         detail.Currency,
		Items:            items,
		Discount:         detail.Discount,
		ShippingAddress:  address,
		MarketingConsent: consent,
	})

	created, err := s.orders.CreateDraftOrder(ctx, draft)
	if err != nil {
		s.logger(ctx, "reconciliation.draft.create_failed", map[string]any{
			"sessionId": detail.ID,
			"error":     err.Error(),
		})
		return Outcome{Status: OutcomeFailed, Reason: "draft_create: " + err.Error()}
	}

	s.logger(ctx, "reconciliation.draft.created", map[string]any{
		"sessionId": detail.ID,
		"draftId":   created.ID,
	})
	return Outcome{Status: OutcomeDraftCreated, DraftOrderID: created.ID}
}

// discoverEmail resolves the buyer's email through an ordered strategy chain:
// the address stashed in metadata before the session existed, the session's
// customer details, the session-level fallback, and finally the processor's
// persistent customer record. First non-empty wins.
func (s *reconciliationService) discoverEmail(ctx context.Context, detail payments.SessionDetail) string {
	lookups := []func() string{
		func() string { return detail.Metadata[metadataKeyCustomerEmail] },
		func() string { return detail.Customer.Email },
		func() string { return detail.FallbackEmail },
		func() string {
			if detail.CustomerID == "" {
				return ""
			}
			customer, err := s.payments.RetrieveCustomer(ctx, detail.CustomerID)
			if err != nil {
				s.logger(ctx, "reconciliation.customer.fetch_failed", map[string]any{
					"customerId": detail.CustomerID,
					"error":      err.Error(),
				})
				return ""
			}
			return customer.Email
		},
	}
	for _, lookup := range lookups {
		if email := strings.TrimSpace(lookup()); email != "" {
			return email
		}
	}
	return ""
}

// ensureCustomer upserts the backend customer record so marketing consent
// survives even when the draft order fails. Runs detached.
func (s *reconciliationService) ensureCustomer(detail payments.SessionDetail, email string, consent bool) {
	if s.tasks == nil {
		return
	}
	fullName := detail.Customer.Name
	phone := detail.Customer.Phone
	now := s.now()

	s.tasks.Go("customer.ensure", func(ctx context.Context) error {
		desired := commerce.BuildCustomer(email, fullName, phone, consent, now)

		existing, err := s.orders.FindCustomerByEmail(ctx, email)
		if errors.Is(err, commerce.ErrCustomerNotFound) {
			_, err = s.orders.CreateCustomer(ctx, desired)
			return err
		}
		if err != nil {
			return err
		}

		desired.ID = existing.ID
		desired.Tags = mergeTags(existing.Tags, desired.Tags)
		_, err = s.orders.UpdateCustomer(ctx, desired)
		return err
	})
}

// trackPurchase fires the conversion beacon on a detached task.
func (s *reconciliationService) trackPurchase(detail payments.SessionDetail, items []domain.MetadataItem) {
	if s.tasks == nil || s.analytics == nil {
		return
	}

	purchase := analytics.Purchase{
		TransactionID: detail.PaymentReference,
		Currency:      detail.Currency,
		Value:         detail.AmountTotal,
		Shipping:      shippingFromLines(detail.LineItems),
	}
	if purchase.TransactionID == "" {
		purchase.TransactionID = detail.ID
	}
	if detail.Discount != nil {
		purchase.Coupon = detail.Discount.Code
	}
	for _, item := range items {
		purchase.Items = append(purchase.Items, analytics.PurchaseItem{
			ID:       strconv.FormatInt(item.VariantID, 10),
			Quantity: item.Quantity,
			Price:    item.Price,
		})
	}

	s.tasks.Go("analytics.purchase", func(ctx context.Context) error {
		return s.analytics.TrackPurchase(ctx, purchase)
	})
}

func (s *reconciliationService) record(ctx context.Context, event payments.Event, outcome Outcome) {
	fields := map[string]any{
		"eventId":   event.ID,
		"eventType": event.Type,
		"sessionId": event.SessionID,
		"status":    string(outcome.Status),
	}
	if outcome.Reason != "" {
		fields["reason"] = outcome.Reason
	}
	s.logger(ctx, "reconciliation.outcome", fields)

	if !s.outcomesEnabled {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("status", string(outcome.Status)),
		attribute.String("event_type", event.Type),
	}
	if outcome.Status == OutcomeSkipped {
		attrs = append(attrs, attribute.String("reason", outcome.Reason))
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// cartItemsFromMetadata decodes the snapshot written at session creation.
// Empty or unparsable metadata means no order can be fabricated.
func cartItemsFromMetadata(metadata map[string]string) ([]domain.MetadataItem, bool) {
	raw := strings.TrimSpace(metadata[metadataKeyCartItems])
	if raw == "" {
		return nil, false
	}
	var items []domain.MetadataItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil || len(items) == 0 {
		return nil, false
	}
	return items, true
}

// resolveConsent applies consent precedence: the explicit value captured at
// cart stage outranks the processor's generic promotional opt-in.
func resolveConsent(detail payments.SessionDetail) bool {
	if raw, ok := detail.Metadata[metadataKeyMarketingConsent]; ok {
		consent, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err == nil {
			return consent
		}
	}
	return detail.PromotionalConsent
}

func shippingFromLines(lines []payments.SessionLineItem) int64 {
	var total int64
	for _, line := range lines {
		if line.Name == shippingItemName {
			total += line.AmountTotal
		}
	}
	return total
}

func mergeTags(existing, added string) string {
	seen := map[string]bool{}
	var tags []string
	for _, raw := range strings.Split(existing+","+added, ",") {
		tag := strings.TrimSpace(raw)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return strings.Join(tags, ", ")
}
