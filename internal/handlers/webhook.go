package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/velora-commerce/checkout-api/internal/payments"
	"github.com/velora-commerce/checkout-api/internal/platform/httpx"
	"github.com/velora-commerce/checkout-api/internal/platform/requestctx"
	"github.com/velora-commerce/checkout-api/internal/services"
)

const (
	defaultWebhookBodyLimit = 1 << 20
	signatureHeader         = "Stripe-Signature"
)

// WebhookHandlers receives processor lifecycle events, authenticates them, and
// hands verified events to reconciliation.
type WebhookHandlers struct {
	verifier   payments.EventVerifier
	reconciler services.ReconciliationService
	bodyLimit  int64
}

// WebhookOption customises webhook handler behaviour.
type WebhookOption func(*WebhookHandlers)

// WithWebhookBodyLimit caps the accepted raw payload size in bytes.
func WithWebhookBodyLimit(limit int64) WebhookOption {
	return func(h *WebhookHandlers) {
		if limit > 0 {
			h.bodyLimit = limit
		}
	}
}

// NewWebhookHandlers constructs the processor webhook handlers.
func NewWebhookHandlers(verifier payments.EventVerifier, reconciler services.ReconciliationService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		verifier:   verifier,
		reconciler: reconciler,
		bodyLimit:  defaultWebhookBodyLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleEvent)
}

type webhookResponse struct {
	Received     bool   `json:"received"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
	OrderID      int64  `json:"orderId,omitempty"`
	DraftOrderID int64  `json:"draftOrderId,omitempty"`
}

// handleEvent verifies the delivery signature before trusting any payload
// content. Everything after a successful verification is acknowledged with
// 200: the processor retries on non-2xx, and a retry cannot fix a payload we
// already reconciled or skipped.
func (h *WebhookHandlers) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	if h.verifier == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := h.readPayload(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), status))
		return
	}

	event, err := h.verifier.VerifyEvent(payload, strings.TrimSpace(r.Header.Get(signatureHeader)))
	if err != nil {
		if errors.Is(err, payments.ErrSignatureInvalid) {
			logger.Warn("webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "event signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "event payload could not be parsed", http.StatusBadRequest))
		return
	}

	if event.Type == payments.EventPaymentFailed {
		logger.Info("payment failed event acknowledged",
			zap.String("event_id", event.ID),
			zap.String("session_id", event.SessionID),
		)
		writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true, Status: string(services.OutcomeIgnored)})
		return
	}

	outcome, err := h.reconciler.ProcessEvent(ctx, event)
	if err != nil {
		// Reconciliation swallows post-verification failures into the
		// outcome; an error here means the service rejected the call
		// shape itself. Still acknowledge so the processor stops
		// retrying a delivery that cannot succeed.
		logger.Error("reconciliation rejected event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true, Status: string(services.OutcomeFailed), Reason: err.Error()})
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received:     true,
		Status:       string(outcome.Status),
		Reason:       outcome.Reason,
		OrderID:      outcome.OrderID,
		DraftOrderID: outcome.DraftOrderID,
	})
}

// readPayload reads the raw body without any decoding. Signature verification
// runs over the exact bytes the processor signed.
func (h *WebhookHandlers) readPayload(r *http.Request) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	limit := h.bodyLimit
	if limit <= 0 {
		limit = defaultWebhookBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}
