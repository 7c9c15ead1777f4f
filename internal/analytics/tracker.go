package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
)

const defaultEndpoint = "https://www.google-analytics.com/mp/collect"

// Purchase is a completed-checkout conversion event.
type Purchase struct {
	// ClientID identifies the browser session; falls back to the transaction id
	// when the storefront did not forward one.
	ClientID      string
	TransactionID string
	Currency      domain.CurrencyCode
	// Value is the order total in minor units; it is converted to a major-unit
	// decimal on the wire.
	Value    int64
	Shipping int64
	Coupon   string
	Items    []PurchaseItem
}

// PurchaseItem is one conversion line.
type PurchaseItem struct {
	ID       string
	Name     string
	Quantity int
	// Price is the per-unit price in minor units.
	Price int64
}

// Tracker delivers conversion events to the measurement backend. Calls are
// best-effort: callers run them on a background task and only log failures.
type Tracker struct {
	endpoint      string
	measurementID string
	apiSecret     string
	http          *http.Client
}

// Option customises Tracker behaviour.
type Option func(*Tracker)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Tracker) {
		if client != nil {
			t.http = client
		}
	}
}

// WithEndpoint overrides the collection endpoint.
func WithEndpoint(endpoint string) Option {
	return func(t *Tracker) {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" {
			t.endpoint = endpoint
		}
	}
}

// NewTracker constructs a Tracker for the given measurement credentials.
func NewTracker(measurementID, apiSecret string, opts ...Option) (*Tracker, error) {
	measurementID = strings.TrimSpace(measurementID)
	apiSecret = strings.TrimSpace(apiSecret)
	if measurementID == "" {
		return nil, errors.New("analytics: measurement id is required")
	}
	if apiSecret == "" {
		return nil, errors.New("analytics: api secret is required")
	}

	tracker := &Tracker{
		endpoint:      defaultEndpoint,
		measurementID: measurementID,
		apiSecret:     apiSecret,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tracker)
		}
	}
	return tracker, nil
}

// TrackPurchase reports a completed purchase.
func (t *Tracker) TrackPurchase(ctx context.Context, purchase Purchase) error {
	clientID := strings.TrimSpace(purchase.ClientID)
	if clientID == "" {
		clientID = purchase.TransactionID
	}
	if clientID == "" {
		return errors.New("analytics: client id or transaction id is required")
	}

	items := make([]map[string]any, 0, len(purchase.Items))
	for _, item := range purchase.Items {
		items = append(items, map[string]any{
			"item_id":   item.ID,
			"item_name": item.Name,
			"quantity":  item.Quantity,
			"price":     majorFloat(item.Price, purchase.Currency),
		})
	}

	payload := map[string]any{
		"client_id": clientID,
		"events": []map[string]any{{
			"name": "purchase",
			"params": map[string]any{
				"transaction_id": purchase.TransactionID,
				"currency":       string(purchase.Currency),
				"value":          majorFloat(purchase.Value, purchase.Currency),
				"shipping":       majorFloat(purchase.Shipping, purchase.Currency),
				"coupon":         purchase.Coupon,
				"items":          items,
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("analytics: encode event: %w", err)
	}

	query := url.Values{}
	query.Set("measurement_id", t.measurementID)
	query.Set("api_secret", t.apiSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("analytics: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("analytics: deliver event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("analytics: collection endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func majorFloat(amount int64, currency domain.CurrencyCode) float64 {
	return float64(amount) / float64(domain.MinorUnitDivisor(currency))
}
