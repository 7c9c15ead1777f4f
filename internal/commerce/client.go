package commerce

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
)

var (
	// ErrCustomerNotFound is returned when an email search matches no customer.
	ErrCustomerNotFound = errors.New("commerce: customer not found")
	// ErrRequestRejected wraps any non-2xx response from the store backend.
	ErrRequestRejected = errors.New("commerce: request rejected")
)

const (
	defaultAPIVersion    = "2024-01"
	defaultClientTimeout = 15 * time.Second
	maxErrorBodyBytes    = 4 << 10
)

// Logger captures the logging contract used by the commerce client.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Client talks to the store's Admin REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  Logger
}

// Option customises Client behaviour.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger sets the structured logging sink.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAPIVersion pins the Admin API version.
func WithAPIVersion(version string) Option {
	return func(c *Client) {
		version = strings.TrimSpace(version)
		if version != "" {
			c.baseURL = rebaseVersion(c.baseURL, version)
		}
	}
}

// NewClient constructs an Admin REST client for the given shop domain.
func NewClient(shopDomain, accessToken string, opts ...Option) (*Client, error) {
	shopDomain = strings.TrimSpace(shopDomain)
	accessToken = strings.TrimSpace(accessToken)
	if shopDomain == "" {
		return nil, errors.New("commerce: shop domain is required")
	}
	if accessToken == "" {
		return nil, errors.New("commerce: access token is required")
	}

	shopDomain = strings.TrimSuffix(shopDomain, "/")
	if !strings.Contains(shopDomain, "://") {
		shopDomain = "https://" + shopDomain
	}

	client := &Client{
		baseURL: fmt.Sprintf("%s/admin/api/%s", shopDomain, defaultAPIVersion),
		token:   accessToken,
		http:    &http.Client{Timeout: defaultClientTimeout},
		logger:  func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

func rebaseVersion(baseURL, version string) string {
	idx := strings.LastIndex(baseURL, "/admin/api/")
	if idx < 0 {
		return baseURL
	}
	return baseURL[:idx] + "/admin/api/" + version
}

// CreateOrder creates a paid order on the store backend.
func (c *Client) CreateOrder(ctx context.Context, order Order) (CreatedOrder, error) {
	var out struct {
		Order CreatedOrder `json:"order"`
	}
	body := map[string]Order{"order": order}
	if err := c.do(ctx, http.MethodPost, "/orders.json", body, &out); err != nil {
		return CreatedOrder{}, err
	}
	c.logger(ctx, "commerce.order.created", map[string]any{
		"orderId":   out.Order.ID,
		"orderName": out.Order.Name,
	})
	return out.Order, nil
}

// CreateDraftOrder creates a recovery draft order on the store backend.
func (c *Client) CreateDraftOrder(ctx context.Context, draft DraftOrder) (CreatedDraftOrder, error) {
	var out struct {
		DraftOrder CreatedDraftOrder `json:"draft_order"`
	}
	body := map[string]DraftOrder{"draft_order": draft}
	if err := c.do(ctx, http.MethodPost, "/draft_orders.json", body, &out); err != nil {
		return CreatedDraftOrder{}, err
	}
	c.logger(ctx, "commerce.draft.created", map[string]any{
		"draftId": out.DraftOrder.ID,
	})
	return out.DraftOrder, nil
}

// FindCustomerByEmail searches the backend for an exact email match. Returns
// ErrCustomerNotFound when no customer carries the address.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (StoreCustomer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return StoreCustomer{}, errors.New("commerce: email is required")
	}

	var out struct {
		Customers []StoreCustomer `json:"customers"`
	}
	path := "/customers/search.json?query=" + url.QueryEscape("email:"+email)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return StoreCustomer{}, err
	}
	for _, customer := range out.Customers {
		if strings.EqualFold(customer.Email, email) {
			return customer, nil
		}
	}
	return StoreCustomer{}, ErrCustomerNotFound
}

// CreateCustomer creates a backend customer record.
func (c *Client) CreateCustomer(ctx context.Context, customer StoreCustomer) (StoreCustomer, error) {
	var out struct {
		Customer StoreCustomer `json:"customer"`
	}
	body := map[string]StoreCustomer{"customer": customer}
	if err := c.do(ctx, http.MethodPost, "/customers.json", body, &out); err != nil {
		return StoreCustomer{}, err
	}
	return out.Customer, nil
}

// UpdateCustomer updates an existing backend customer record by id.
func (c *Client) UpdateCustomer(ctx context.Context, customer StoreCustomer) (StoreCustomer, error) {
	if customer.ID == 0 {
		return StoreCustomer{}, errors.New("commerce: customer id is required")
	}
	var out struct {
		Customer StoreCustomer `json:"customer"`
	}
	body := map[string]StoreCustomer{"customer": customer}
	path := fmt.Sprintf("/customers/%d.json", customer.ID)
	if err := c.do(ctx, http.MethodPut, path, body, &out); err != nil {
		return StoreCustomer{}, err
	}
	return out.Customer, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("commerce: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("commerce: build request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("commerce: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger(ctx, "commerce.request.rejected", map[string]any{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		})
		return fmt.Errorf("%w: %s %s returned %d: %s",
			ErrRequestRejected, method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("commerce: decode response: %w", err)
	}
	return nil
}
