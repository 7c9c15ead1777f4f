package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/velora-commerce/checkout-api/internal/analytics"
	"github.com/velora-commerce/checkout-api/internal/commerce"
	domain "github.com/velora-commerce/checkout-api/internal/domain"
	"github.com/velora-commerce/checkout-api/internal/payments"
)

type stubProvider struct {
	detail      payments.SessionDetail
	detailErr   error
	customer    payments.Customer
	customerErr error

	retrievedSession  string
	retrievedCustomer string
}

func (s *stubProvider) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	return payments.CheckoutSession{}, errors.New("not implemented")
}

func (s *stubProvider) RetrieveSession(ctx context.Context, sessionID string) (payments.SessionDetail, error) {
	s.retrievedSession = sessionID
	return s.detail, s.detailErr
}

func (s *stubProvider) RetrieveCustomer(ctx context.Context, customerID string) (payments.Customer, error) {
	s.retrievedCustomer = customerID
	return s.customer, s.customerErr
}

type stubBackend struct {
	orders    []commerce.Order
	drafts    []commerce.DraftOrder
	created   []commerce.StoreCustomer
	updated   []commerce.StoreCustomer
	searched  []string
	orderErr  error
	draftErr  error
	searchErr error
	existing  commerce.StoreCustomer
}

func (s *stubBackend) CreateOrder(ctx context.Context, order commerce.Order) (commerce.CreatedOrder, error) {
	s.orders = append(s.orders, order)
	if s.orderErr != nil {
		return commerce.CreatedOrder{}, s.orderErr
	}
	return commerce.CreatedOrder{ID: 9001, Name: "#1042"}, nil
}

func (s *stubBackend) CreateDraftOrder(ctx context.Context, draft commerce.DraftOrder) (commerce.CreatedDraftOrder, error) {
	s.drafts = append(s.drafts, draft)
	if s.draftErr != nil {
		return commerce.CreatedDraftOrder{}, s.draftErr
	}
	return commerce.CreatedDraftOrder{ID: 55}, nil
}

func (s *stubBackend) FindCustomerByEmail(ctx context.Context, email string) (commerce.StoreCustomer, error) {
	s.searched = append(s.searched, email)
	if s.searchErr != nil {
		return commerce.StoreCustomer{}, s.searchErr
	}
	return s.existing, nil
}

func (s *stubBackend) CreateCustomer(ctx context.Context, customer commerce.StoreCustomer) (commerce.StoreCustomer, error) {
	s.created = append(s.created, customer)
	return customer, nil
}

func (s *stubBackend) UpdateCustomer(ctx context.Context, customer commerce.StoreCustomer) (commerce.StoreCustomer, error) {
	s.updated = append(s.updated, customer)
	return customer, nil
}

// syncRunner executes tasks inline so tests observe their side effects.
type syncRunner struct {
	names []string
}

func (r *syncRunner) Go(name string, fn func(ctx context.Context) error) {
	r.names = append(r.names, name)
	_ = fn(context.Background())
}

type stubTracker struct {
	purchases []analytics.Purchase
}

func (s *stubTracker) TrackPurchase(ctx context.Context, purchase analytics.Purchase) error {
	s.purchases = append(s.purchases, purchase)
	return nil
}

func completedDetail() payments.SessionDetail {
	return payments.SessionDetail{
		ID:          "cs_1",
		Paid:        true,
		AmountTotal: 14000,
		Currency:    domain.CurrencyUSD,
		Metadata: map[string]string{
			metadataKeyCartItems:   `[{"variantId":42,"quantity":2,"price":4500}]`,
			metadataKeyCartToken:   "tok_abc",
			metadataKeyCountryCode: "US",
		},
		Customer: payments.CustomerDetails{
			Email: "buyer@example.com",
			Name:  "Ada Lovelace",
			Phone: "+15550001111",
		},
		ShippingAddress: &domain.Address{
			Line1: "1 Main St", City: "Austin", Country: "US", PostalCode: "78701",
		},
		PaymentReference: "pi_7",
		LineItems: []payments.SessionLineItem{
			{Name: "Desk Lamp", Quantity: 2, AmountTotal: 9000},
			{Name: "International Shipping", Quantity: 1, AmountTotal: 5000},
		},
	}
}

func newReconciliation(t *testing.T, provider *stubProvider, backend *stubBackend, runner TaskRunner, tracker ConversionTracker) ReconciliationService {
	t.Helper()
	svc, err := NewReconciliationService(ReconciliationServiceDeps{
		Payments:  provider,
		Orders:    backend,
		Tasks:     runner,
		Analytics: tracker,
		Clock: func() time.Time {
			return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new reconciliation service: %v", err)
	}
	return svc
}

func TestProcessEventIgnoresUnknownTypes(t *testing.T) {
	backend := &stubBackend{}
	svc := newReconciliation(t, &stubProvider{}, backend, nil, nil)

	outcome, err := svc.ProcessEvent(context.Background(), payments.Event{Type: "charge.refunded"})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome.Status != OutcomeIgnored {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(backend.orders)+len(backend.drafts) != 0 {
		t.Fatal("expected no backend calls")
	}
}

func TestCompletedSessionCreatesOrder(t *testing.T) {
	provider := &stubProvider{detail: completedDetail()}
	backend := &stubBackend{}
	runner := &syncRunner{}
	tracker := &stubTracker{}
	svc := newReconciliation(t, provider, backend, runner, tracker)

	outcome, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionCompleted,
		SessionID: "cs_1",
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}

	if provider.retrievedSession != "cs_1" {
		t.Fatalf("retrieved session = %q", provider.retrievedSession)
	}
	if outcome.Status != OutcomeOrderCreated || outcome.OrderID != 9001 {
		t.Fatalf("outcome = %+v", outcome)
	}

	if len(backend.orders) != 1 {
		t.Fatalf("orders = %d", len(backend.orders))
	}
	order := backend.orders[0]
	if order.Email != "buyer@example.com" {
		t.Fatalf("order email = %q", order.Email)
	}
	if order.Tags != "stripe-checkout, multi-currency, stripe:pi_7" {
		t.Fatalf("order tags = %q", order.Tags)
	}
	if len(order.LineItems) != 1 || order.LineItems[0].VariantID != 42 {
		t.Fatalf("order lines = %+v", order.LineItems)
	}
	if len(order.ShippingLines) != 1 || order.ShippingLines[0].Price != "50.00" {
		t.Fatalf("shipping lines = %+v", order.ShippingLines)
	}
	if order.Transactions[0].Amount != "140.00" {
		t.Fatalf("transaction = %+v", order.Transactions[0])
	}

	if len(tracker.purchases) != 1 {
		t.Fatalf("purchases = %d", len(tracker.purchases))
	}
	purchase := tracker.purchases[0]
	if purchase.TransactionID != "pi_7" || purchase.Value != 14000 || purchase.Shipping != 5000 {
		t.Fatalf("purchase = %+v", purchase)
	}
}

func TestCompletedSessionSkipsWithoutCartMetadata(t *testing.T) {
	detail := completedDetail()
	detail.Metadata[metadataKeyCartItems] = "[]"
	backend := &stubBackend{}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, nil, nil)

	outcome, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionCompleted,
		SessionID: "cs_1",
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome.Status != OutcomeSkipped || outcome.Reason != SkipReasonMissingCartData {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(backend.orders) != 0 {
		t.Fatal("expected no order call")
	}
}

func TestCompletedSessionSkipsWithoutAddress(t *testing.T) {
	detail := completedDetail()
	detail.ShippingAddress = nil
	detail.Customer.Address = nil
	backend := &stubBackend{}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, nil, nil)

	outcome, _ := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionCompleted,
		SessionID: "cs_1",
	})
	if outcome.Status != OutcomeSkipped || outcome.Reason != SkipReasonMissingAddress {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestCompletedSessionFallsBackToCustomerAddress(t *testing.T) {
	detail := completedDetail()
	detail.ShippingAddress = nil
	detail.Customer.Address = &domain.Address{Line1: "2 Oak Ave", City: "Dallas", Country: "US", PostalCode: "75201"}
	backend := &stubBackend{}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, nil, nil)

	outcome, _ := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionCompleted,
		SessionID: "cs_1",
	})
	if outcome.Status != OutcomeOrderCreated {
		t.Fatalf("outcome = %+v", outcome)
	}
	if backend.orders[0].ShippingAddress.City != "Dallas" {
		t.Fatalf("address = %+v", backend.orders[0].ShippingAddress)
	}
}

func TestCompletedSessionSwallowsBackendFailure(t *testing.T) {
	backend := &stubBackend{orderErr: errors.New("backend down")}
	svc := newReconciliation(t, &stubProvider{detail: completedDetail()}, backend, nil, nil)

	outcome, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionCompleted,
		SessionID: "cs_1",
	})
	if err != nil {
		t.Fatalf("backend failures must not propagate, got %v", err)
	}
	if outcome.Status != OutcomeFailed {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestCompletedSessionConsentPrecedence(t *testing.T) {
	detail := completedDetail()
	detail.PromotionalConsent = true
	detail.Metadata[metadataKeyMarketingConsent] = "false"
	backend := &stubBackend{}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, nil, nil)

	if _, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionCompleted,
		SessionID: "cs_1",
	}); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if backend.orders[0].BuyerAcceptsMarketing {
		t.Fatal("explicit cart-stage consent must outrank processor opt-in")
	}
}

func TestExpiredSessionCreatesDraftAndEnsuresCustomer(t *testing.T) {
	detail := completedDetail()
	detail.Paid = false
	detail.Metadata[metadataKeyMarketingConsent] = "true"
	backend := &stubBackend{existing: commerce.StoreCustomer{ID: 7, Email: "buyer@example.com", Tags: "vip"}}
	runner := &syncRunner{}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, runner, nil)

	outcome, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionExpired,
		SessionID: "cs_1",
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome.Status != OutcomeDraftCreated || outcome.DraftOrderID != 55 {
		t.Fatalf("outcome = %+v", outcome)
	}

	if len(backend.drafts) != 1 {
		t.Fatalf("drafts = %d", len(backend.drafts))
	}
	draft := backend.drafts[0]
	if draft.Note != "Abandoned Stripe checkout - Session: cs_1" {
		t.Fatalf("note = %q", draft.Note)
	}
	if draft.Email != "buyer@example.com" {
		t.Fatalf("draft email = %q", draft.Email)
	}

	if len(backend.updated) != 1 {
		t.Fatalf("updated customers = %d", len(backend.updated))
	}
	updated := backend.updated[0]
	if updated.ID != 7 {
		t.Fatalf("updated id = %d", updated.ID)
	}
	if updated.Tags != "vip, stripe-recovery" {
		t.Fatalf("merged tags = %q", updated.Tags)
	}
	if updated.EmailMarketingConsent == nil || updated.EmailMarketingConsent.State != "subscribed" {
		t.Fatalf("consent = %+v", updated.EmailMarketingConsent)
	}
}

func TestExpiredSessionCreatesCustomerWhenMissing(t *testing.T) {
	detail := completedDetail()
	detail.Paid = false
	backend := &stubBackend{searchErr: commerce.ErrCustomerNotFound}
	runner := &syncRunner{}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, runner, nil)

	if _, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionExpired,
		SessionID: "cs_1",
	}); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if len(backend.created) != 1 || backend.created[0].Email != "buyer@example.com" {
		t.Fatalf("created customers = %+v", backend.created)
	}
}

func TestExpiredSessionEmailDiscoveryOrder(t *testing.T) {
	detail := completedDetail()
	detail.Paid = false
	detail.Metadata[metadataKeyCustomerEmail] = "stashed@example.com"
	detail.Customer.Email = "details@example.com"
	backend := &stubBackend{searchErr: commerce.ErrCustomerNotFound}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, &syncRunner{}, nil)

	if _, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionExpired,
		SessionID: "cs_1",
	}); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if backend.drafts[0].Email != "stashed@example.com" {
		t.Fatalf("draft email = %q, metadata stash must win", backend.drafts[0].Email)
	}
}

func TestExpiredSessionFallsBackToProcessorCustomer(t *testing.T) {
	detail := completedDetail()
	detail.Paid = false
	detail.Metadata = map[string]string{
		metadataKeyCartItems: detail.Metadata[metadataKeyCartItems],
	}
	detail.Customer.Email = ""
	detail.FallbackEmail = ""
	detail.CustomerID = "cus_9"
	provider := &stubProvider{detail: detail, customer: payments.Customer{ID: "cus_9", Email: "record@example.com"}}
	backend := &stubBackend{searchErr: commerce.ErrCustomerNotFound}
	svc := newReconciliation(t, provider, backend, &syncRunner{}, nil)

	if _, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionExpired,
		SessionID: "cs_1",
	}); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if provider.retrievedCustomer != "cus_9" {
		t.Fatalf("retrieved customer = %q", provider.retrievedCustomer)
	}
	if backend.drafts[0].Email != "record@example.com" {
		t.Fatalf("draft email = %q", backend.drafts[0].Email)
	}
}

func TestExpiredSessionSkipsWithoutEmail(t *testing.T) {
	detail := completedDetail()
	detail.Paid = false
	detail.Metadata = map[string]string{}
	detail.Customer.Email = ""
	detail.FallbackEmail = ""
	detail.CustomerID = ""
	backend := &stubBackend{}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, &syncRunner{}, nil)

	outcome, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionExpired,
		SessionID: "cs_1",
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome.Status != OutcomeSkipped || outcome.Reason != SkipReasonNoEmail {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(backend.drafts) != 0 || len(backend.searched) != 0 {
		t.Fatal("expected no backend calls")
	}
}

func TestExpiredSessionDraftCarriesContactDetails(t *testing.T) {
	detail := completedDetail()
	detail.Paid = false
	detail.Metadata[metadataKeyMarketingConsent] = "true"
	detail.Discount = &domain.DiscountInfo{Code: "COMEBACK", Amount: 500}
	backend := &stubBackend{searchErr: commerce.ErrCustomerNotFound}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, &syncRunner{}, nil)

	if _, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionExpired,
		SessionID: "cs_1",
	}); err != nil {
		t.Fatalf("process event: %v", err)
	}

	draft := backend.drafts[0]
	if draft.Note != "Abandoned Stripe checkout - Session: cs_1\nPromo Code Used: COMEBACK" {
		t.Fatalf("note = %q", draft.Note)
	}
	if draft.Phone != "+15550001111" {
		t.Fatalf("draft phone = %q", draft.Phone)
	}
	if draft.Customer == nil || draft.Customer.FirstName != "Ada" || !draft.Customer.AcceptsMarketing {
		t.Fatalf("draft customer = %+v", draft.Customer)
	}
	if draft.ShippingAddress == nil || draft.ShippingAddress.City != "Austin" {
		t.Fatalf("draft address = %+v", draft.ShippingAddress)
	}
}

func TestExpiredSessionFallsBackToCustomerAddress(t *testing.T) {
	detail := completedDetail()
	detail.Paid = false
	detail.ShippingAddress = nil
	detail.Customer.Address = &domain.Address{Line1: "2 Oak Ave", City: "Dallas", Country: "US", PostalCode: "75201"}
	backend := &stubBackend{searchErr: commerce.ErrCustomerNotFound}
	svc := newReconciliation(t, &stubProvider{detail: detail}, backend, &syncRunner{}, nil)

	if _, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionExpired,
		SessionID: "cs_1",
	}); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if backend.drafts[0].ShippingAddress == nil || backend.drafts[0].ShippingAddress.City != "Dallas" {
		t.Fatalf("draft address = %+v", backend.drafts[0].ShippingAddress)
	}
}

func TestExpiredSessionSkipsWithoutCartMetadata(t *testing.T) {
	for _, items := range []string{"", "[]", "{broken"} {
		detail := completedDetail()
		detail.Paid = false
		detail.Metadata[metadataKeyCartItems] = items
		backend := &stubBackend{}
		svc := newReconciliation(t, &stubProvider{detail: detail}, backend, &syncRunner{}, nil)

		outcome, err := svc.ProcessEvent(context.Background(), payments.Event{
			Type:      payments.EventSessionExpired,
			SessionID: "cs_1",
		})
		if err != nil {
			t.Fatalf("process event: %v", err)
		}
		if outcome.Status != OutcomeSkipped || outcome.Reason != SkipReasonMissingCartData {
			t.Fatalf("items %q: outcome = %+v", items, outcome)
		}
		if len(backend.drafts) != 0 || len(backend.searched)+len(backend.created)+len(backend.updated) != 0 {
			t.Fatalf("items %q: expected no backend calls", items)
		}
	}
}

func TestEventWithoutSessionIDIsSkipped(t *testing.T) {
	for _, eventType := range []string{payments.EventSessionCompleted, payments.EventSessionExpired} {
		provider := &stubProvider{}
		backend := &stubBackend{}
		svc := newReconciliation(t, provider, backend, &syncRunner{}, nil)

		outcome, err := svc.ProcessEvent(context.Background(), payments.Event{Type: eventType, SessionID: "  "})
		if err != nil {
			t.Fatalf("%s: process event: %v", eventType, err)
		}
		if outcome.Status != OutcomeSkipped || outcome.Reason != SkipReasonNoSession {
			t.Fatalf("%s: outcome = %+v", eventType, outcome)
		}
		if provider.retrievedSession != "" {
			t.Fatalf("%s: session lookup should not happen", eventType)
		}
	}
}

func TestSessionFetchFailureIsSwallowed(t *testing.T) {
	svc := newReconciliation(t, &stubProvider{detailErr: errors.New("timeout")}, &stubBackend{}, nil, nil)

	outcome, err := svc.ProcessEvent(context.Background(), payments.Event{
		Type:      payments.EventSessionCompleted,
		SessionID: "cs_1",
	})
	if err != nil {
		t.Fatalf("fetch failures must not propagate, got %v", err)
	}
	if outcome.Status != OutcomeFailed {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestNewReconciliationServiceValidatesDeps(t *testing.T) {
	if _, err := NewReconciliationService(ReconciliationServiceDeps{}); err == nil {
		t.Fatal("expected error for missing payments provider")
	}
	if _, err := NewReconciliationService(ReconciliationServiceDeps{Payments: &stubProvider{}}); err == nil {
		t.Fatal("expected error for missing order backend")
	}
}
