package domain

import "strings"

// CartItem is a single storefront line captured at checkout time. Prices arrive
// already converted into the checkout currency by the storefront.
type CartItem struct {
	ProductHandle string
	VariantID     int64
	Title         string
	Quantity      int
	// UnitPrice is the per-unit price in minor units of the cart currency.
	UnitPrice int64
	ImageURL  string
}

// CartSnapshot is the immutable cart state handed to session creation. A minimal
// projection of it is serialised into the payment session metadata so the
// storefront variant identifiers survive until reconciliation.
type CartSnapshot struct {
	Items              []CartItem
	Currency           CurrencyCode
	DestinationCountry string
	CustomerEmail      string
	MarketingConsent   bool
	// CartToken is the storefront's opaque cart restoration key.
	CartToken string
}

// Subtotal sums unit price times quantity across all items, in minor units.
func (c CartSnapshot) Subtotal() int64 {
	var total int64
	for _, item := range c.Items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			continue
		}
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// IsTestOrder reports whether every item references a test product. Test carts
// skip shipping so end-to-end checks do not accrue freight.
func (c CartSnapshot) IsTestOrder() bool {
	if len(c.Items) == 0 {
		return false
	}
	for _, item := range c.Items {
		handle := strings.ToLower(item.ProductHandle)
		if !strings.Contains(handle, "test") && !strings.Contains(handle, "-copy") {
			return false
		}
	}
	return true
}

// MetadataItem is the minimal cart line persisted in session metadata: only the
// fields required to recreate a backend order after payment.
type MetadataItem struct {
	VariantID int64 `json:"variantId"`
	Quantity  int   `json:"quantity"`
	Price     int64 `json:"price"`
}

// MetadataItems projects the snapshot into its serialisable form.
func (c CartSnapshot) MetadataItems() []MetadataItem {
	items := make([]MetadataItem, 0, len(c.Items))
	for _, item := range c.Items {
		items = append(items, MetadataItem{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			Price:     item.UnitPrice,
		})
	}
	return items
}

// Address is a postal address normalised from processor session details.
type Address struct {
	FirstName  string
	LastName   string
	Line1      string
	Line2      string
	City       string
	State      string
	Country    string
	PostalCode string
	Phone      string
}

// IsZero reports whether no address fields were resolved.
func (a Address) IsZero() bool {
	return a.Line1 == "" && a.City == "" && a.Country == "" && a.PostalCode == ""
}

// DiscountInfo captures a promotion applied to a session. The amount is always
// in the session's settlement currency and is never re-converted.
type DiscountInfo struct {
	Code   string
	Amount int64
}

// SummaryItem is one line of the post-payment order summary shown to the buyer.
type SummaryItem struct {
	VariantID int64  `json:"variantId,omitempty"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
	ImageURL  string `json:"image,omitempty"`
}

// SessionSummary is the normalised view of a paid checkout session.
type SessionSummary struct {
	SessionID       string
	CustomerEmail   string
	CustomerPhone   string
	Items           []SummaryItem
	Subtotal        int64
	Shipping        int64
	Discount        *DiscountInfo
	Total           int64
	Currency        CurrencyCode
	ShippingAddress *Address
}
