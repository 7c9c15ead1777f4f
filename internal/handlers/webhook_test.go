package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/velora-commerce/checkout-api/internal/payments"
	"github.com/velora-commerce/checkout-api/internal/services"
)

type stubVerifier struct {
	event        payments.Event
	err          error
	gotPayload   []byte
	gotSignature string
}

func (s *stubVerifier) VerifyEvent(payload []byte, signatureHeader string) (payments.Event, error) {
	s.gotPayload = payload
	s.gotSignature = signatureHeader
	if s.err != nil {
		return payments.Event{}, s.err
	}
	return s.event, nil
}

type stubReconciler struct {
	outcome  services.Outcome
	err      error
	gotEvent payments.Event
	calls    int
}

func (s *stubReconciler) ProcessEvent(_ context.Context, event payments.Event) (services.Outcome, error) {
	s.calls++
	s.gotEvent = event
	if s.err != nil {
		return services.Outcome{}, s.err
	}
	return s.outcome, nil
}

func newWebhookRouter(verifier payments.EventVerifier, reconciler services.ReconciliationService, opts ...WebhookOption) chi.Router {
	r := chi.NewRouter()
	NewWebhookHandlers(verifier, reconciler, opts...).Routes(r)
	return r
}

func TestWebhookProcessesCompletedSession(t *testing.T) {
	verifier := &stubVerifier{
		event: payments.Event{ID: "evt_1", Type: payments.EventSessionCompleted, SessionID: "cs_1"},
	}
	reconciler := &stubReconciler{
		outcome: services.Outcome{Status: services.OutcomeOrderCreated, OrderID: 9001},
	}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if string(verifier.gotPayload) != `{"id":"evt_1"}` {
		t.Fatalf("expected raw payload to reach verifier, got %q", verifier.gotPayload)
	}
	if verifier.gotSignature != "t=1,v1=abc" {
		t.Fatalf("unexpected signature header %q", verifier.gotSignature)
	}
	if reconciler.gotEvent.SessionID != "cs_1" {
		t.Fatalf("expected session cs_1, got %q", reconciler.gotEvent.SessionID)
	}

	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Received || resp.Status != string(services.OutcomeOrderCreated) || resp.OrderID != 9001 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	verifier := &stubVerifier{err: fmt.Errorf("%w: mismatch", payments.ErrSignatureInvalid)}
	reconciler := &stubReconciler{}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if reconciler.calls != 0 {
		t.Fatalf("expected reconciler not to be called")
	}
}

func TestWebhookRejectsUnparsableEvent(t *testing.T) {
	verifier := &stubVerifier{err: errors.New("unexpected end of JSON input")}
	router := newWebhookRouter(verifier, &stubReconciler{})

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader("garbage"))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookRejectsEmptyBody(t *testing.T) {
	router := newWebhookRouter(&stubVerifier{}, &stubReconciler{})

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(""))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	router := newWebhookRouter(&stubVerifier{}, &stubReconciler{}, WithWebhookBodyLimit(16))

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(strings.Repeat("a", 32)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}
}

func TestWebhookAcknowledgesPaymentFailure(t *testing.T) {
	verifier := &stubVerifier{
		event: payments.Event{ID: "evt_2", Type: payments.EventPaymentFailed},
	}
	reconciler := &stubReconciler{}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{"id":"evt_2"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if reconciler.calls != 0 {
		t.Fatalf("expected reconciler not to be called for payment failures")
	}

	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Received || resp.Status != string(services.OutcomeIgnored) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWebhookAcknowledgesReconciliationRejection(t *testing.T) {
	verifier := &stubVerifier{
		event: payments.Event{ID: "evt_3", Type: payments.EventSessionExpired, SessionID: "cs_3"},
	}
	reconciler := &stubReconciler{err: errors.New("reconciliation: unavailable")}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{"id":"evt_3"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != string(services.OutcomeFailed) {
		t.Fatalf("expected failed status, got %+v", resp)
	}
}
