package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
	"github.com/velora-commerce/checkout-api/internal/payments"
)

var (
	// ErrSessionNotFound indicates the session id matched no processor session.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionNotPaid indicates the session exists but payment has not completed.
	ErrSessionNotPaid = errors.New("session: not paid")
)

// sessionRetriever abstracts the processor for easier testing.
type sessionRetriever interface {
	RetrieveSession(ctx context.Context, sessionID string) (payments.SessionDetail, error)
}

// SessionServiceDeps wires the dependencies required by the session service.
type SessionServiceDeps struct {
	Payments sessionRetriever
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type sessionService struct {
	payments sessionRetriever
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewSessionService constructs a SessionService validating required dependencies.
func NewSessionService(deps SessionServiceDeps) (SessionService, error) {
	if deps.Payments == nil {
		return nil, errors.New("session service: payment provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &sessionService{payments: deps.Payments, logger: logger}, nil
}

// Summary returns the normalised post-payment view of a session. Unpaid
// sessions are withheld so the storefront cannot render a thank-you page for
// an incomplete payment.
func (s *sessionService) Summary(ctx context.Context, sessionID string) (domain.SessionSummary, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.SessionSummary{}, fmt.Errorf("%w: empty session id", ErrSessionNotFound)
	}

	detail, err := s.payments.RetrieveSession(ctx, sessionID)
	if err != nil {
		return domain.SessionSummary{}, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if !detail.Paid {
		return domain.SessionSummary{}, ErrSessionNotPaid
	}

	summary := domain.SessionSummary{
		SessionID:       detail.ID,
		CustomerEmail:   firstNonEmpty(detail.Customer.Email, detail.FallbackEmail),
		CustomerPhone:   detail.Customer.Phone,
		Subtotal:        detail.AmountSubtotal,
		Total:           detail.AmountTotal,
		Currency:        detail.Currency,
		Discount:        detail.Discount,
		ShippingAddress: detail.ShippingAddress,
	}

	metadataItems := decodeMetadataItems(detail.Metadata)
	items := make([]domain.SummaryItem, 0, len(detail.LineItems))
	productIdx := 0
	for _, line := range detail.LineItems {
		if line.Name == shippingItemName {
			summary.Shipping += line.AmountTotal
			continue
		}
		item := domain.SummaryItem{
			Title:    line.Name,
			Quantity: int(line.Quantity),
			Price:    line.AmountTotal,
			ImageURL: line.ImageURL,
		}
		// The processor's line items lose the backend variant id; recover it
		// positionally from the metadata snapshot written at session creation.
		if productIdx < len(metadataItems) {
			item.VariantID = metadataItems[productIdx].VariantID
		}
		productIdx++
		items = append(items, item)
	}
	summary.Items = items

	// Shipping shows as a line item, not part of the product subtotal.
	if summary.Shipping > 0 && summary.Subtotal >= summary.Shipping {
		summary.Subtotal -= summary.Shipping
	}

	s.logger(ctx, "session.summary.served", map[string]any{
		"sessionId": detail.ID,
		"currency":  string(detail.Currency),
		"itemCount": len(items),
	})
	return summary, nil
}

func decodeMetadataItems(metadata map[string]string) []domain.MetadataItem {
	raw := strings.TrimSpace(metadata[metadataKeyCartItems])
	if raw == "" {
		return nil
	}
	var items []domain.MetadataItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
