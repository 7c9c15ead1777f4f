package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
	"github.com/velora-commerce/checkout-api/internal/platform/httpx"
	"github.com/velora-commerce/checkout-api/internal/services"
)

const maxCheckoutRequestBody = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// CheckoutHandlers exposes the storefront-facing checkout endpoints.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	sessions services.SessionService
}

// NewCheckoutHandlers constructs the storefront checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, sessions services.SessionService) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout: checkout,
		sessions: sessions,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/session", h.createSession)
	r.Get("/session/{sessionID}", h.sessionSummary)
}

type checkoutItemRequest struct {
	VariantID     int64  `json:"variantId"`
	ProductHandle string `json:"productHandle"`
	Title         string `json:"title"`
	Quantity      int    `json:"quantity"`
	Price         int64  `json:"price"`
	Image         string `json:"image,omitempty"`
}

type createSessionRequest struct {
	Items            []checkoutItemRequest `json:"items"`
	Currency         string                `json:"currency"`
	CountryCode      string                `json:"countryCode"`
	Email            string                `json:"email"`
	MarketingConsent bool                  `json:"marketingConsent"`
	CartToken        string                `json:"cartToken"`
}

type createSessionResponse struct {
	SessionID    string `json:"sessionId"`
	URL          string `json:"url"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	CartTotal    int64  `json:"cartTotal"`
	ShippingCost int64  `json:"shippingCost"`
	Currency     string `json:"currency"`
}

type sessionSummaryResponse struct {
	SessionID     string               `json:"sessionId"`
	CustomerEmail string               `json:"customerEmail,omitempty"`
	CustomerPhone string               `json:"customerPhone,omitempty"`
	Items         []domain.SummaryItem `json:"items"`
	Subtotal      int64                `json:"subtotal"`
	Shipping      int64                `json:"shipping"`
	Discount      *summaryDiscount     `json:"discount,omitempty"`
	Total         int64                `json:"total"`
	Currency      string               `json:"currency"`
	Address       *summaryAddress      `json:"shippingAddress,omitempty"`
}

type summaryDiscount struct {
	Code   string `json:"code"`
	Amount int64  `json:"amount"`
}

type summaryAddress struct {
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cart := domain.CartSnapshot{
		Currency:           domain.NormalizeCurrency(req.Currency),
		DestinationCountry: strings.ToUpper(strings.TrimSpace(req.CountryCode)),
		CustomerEmail:      strings.TrimSpace(req.Email),
		MarketingConsent:   req.MarketingConsent,
		CartToken:          strings.TrimSpace(req.CartToken),
	}
	for _, item := range req.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductHandle: strings.TrimSpace(item.ProductHandle),
			VariantID:     item.VariantID,
			Title:         strings.TrimSpace(item.Title),
			Quantity:      item.Quantity,
			UnitPrice:     item.Price,
			ImageURL:      strings.TrimSpace(item.Image),
		})
	}

	result, err := h.checkout.CreateSession(ctx, services.CreateSessionCommand{Cart: cart})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	payload := createSessionResponse{
		SessionID:    result.SessionID,
		URL:          result.CheckoutURL,
		CartTotal:    result.CartTotal,
		ShippingCost: result.ShippingCost,
		Currency:     string(result.Currency),
	}
	if !result.ExpiresAt.IsZero() {
		payload.ExpiresAt = result.ExpiresAt.UTC().Format(time.RFC3339)
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *CheckoutHandlers) sessionSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "session service unavailable", http.StatusServiceUnavailable))
		return
	}

	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return
	}

	summary, err := h.sessions.Summary(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSessionNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
		case errors.Is(err, services.ErrSessionNotPaid):
			httpx.WriteError(ctx, w, httpx.NewError("session_not_paid", "checkout session is not paid", http.StatusPaymentRequired))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("session_error", "failed to load checkout session", http.StatusBadGateway))
		}
		return
	}

	payload := sessionSummaryResponse{
		SessionID:     summary.SessionID,
		CustomerEmail: summary.CustomerEmail,
		CustomerPhone: summary.CustomerPhone,
		Items:         summary.Items,
		Subtotal:      summary.Subtotal,
		Shipping:      summary.Shipping,
		Total:         summary.Total,
		Currency:      string(summary.Currency),
	}
	if summary.Items == nil {
		payload.Items = []domain.SummaryItem{}
	}
	if summary.Discount != nil {
		payload.Discount = &summaryDiscount{Code: summary.Discount.Code, Amount: summary.Discount.Amount}
	}
	if summary.ShippingAddress != nil {
		addr := summary.ShippingAddress
		payload.Address = &summaryAddress{
			FirstName:  addr.FirstName,
			LastName:   addr.LastName,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			Country:    addr.Country,
			PostalCode: addr.PostalCode,
			Phone:      addr.Phone,
		}
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidCart):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_cart", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUnsupportedCurrency):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_currency", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentSessionFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_session_failed", "payment session could not be created", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to create checkout session", http.StatusInternalServerError))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxCheckoutRequestBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
