package commerce

// Admin REST payload shapes. Field names follow the store backend's wire
// contract; amounts travel as decimal strings in major units.

// OrderLineItem is one purchasable line on an order or draft order.
type OrderLineItem struct {
	VariantID int64  `json:"variant_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price,omitempty"`
}

// OrderAddress is the billing or shipping address attached to an order.
type OrderAddress struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Address1  string `json:"address1,omitempty"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city,omitempty"`
	Province  string `json:"province,omitempty"`
	Country   string `json:"country,omitempty"`
	Zip       string `json:"zip,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// OrderCustomer identifies the buyer on an order payload.
type OrderCustomer struct {
	Email            string `json:"email,omitempty"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	AcceptsMarketing bool   `json:"accepts_marketing"`
}

// NoteAttribute is a key/value annotation carried on an order.
type NoteAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DiscountCode records a promotion applied at the processor.
type DiscountCode struct {
	Code   string `json:"code"`
	Amount string `json:"amount"`
	Type   string `json:"type"`
}

// ShippingLine is a freight charge on an order.
type ShippingLine struct {
	Title string `json:"title"`
	Price string `json:"price"`
	Code  string `json:"code,omitempty"`
}

// Transaction records the captured payment against an order.
type Transaction struct {
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Gateway  string `json:"gateway,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Order is the paid-order creation payload.
type Order struct {
	Email                  string          `json:"email,omitempty"`
	Currency               string          `json:"currency"`
	FinancialStatus        string          `json:"financial_status"`
	InventoryBehaviour     string          `json:"inventory_behaviour,omitempty"`
	SendReceipt            bool            `json:"send_receipt"`
	BuyerAcceptsMarketing  bool            `json:"buyer_accepts_marketing"`
	Tags                   string          `json:"tags,omitempty"`
	LineItems              []OrderLineItem `json:"line_items"`
	Customer               *OrderCustomer  `json:"customer,omitempty"`
	ShippingAddress        *OrderAddress   `json:"shipping_address,omitempty"`
	BillingAddress         *OrderAddress   `json:"billing_address,omitempty"`
	ShippingLines          []ShippingLine  `json:"shipping_lines,omitempty"`
	DiscountCodes          []DiscountCode  `json:"discount_codes,omitempty"`
	NoteAttributes         []NoteAttribute `json:"note_attributes,omitempty"`
	Transactions           []Transaction   `json:"transactions,omitempty"`
	SourceName             string          `json:"source_name,omitempty"`
}

// AppliedDiscount is the discount block on a draft order.
type AppliedDiscount struct {
	Title     string `json:"title,omitempty"`
	Value     string `json:"value"`
	ValueType string `json:"value_type"`
	Amount    string `json:"amount,omitempty"`
}

// DraftOrder is the recovery draft created for an abandoned checkout. Address,
// phone, and customer are best-effort: whatever the session captured before it
// expired.
type DraftOrder struct {
	Email           string           `json:"email,omitempty"`
	Phone           string           `json:"phone,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	Note            string           `json:"note,omitempty"`
	Tags            string           `json:"tags,omitempty"`
	LineItems       []OrderLineItem  `json:"line_items"`
	Customer        *OrderCustomer   `json:"customer,omitempty"`
	ShippingAddress *OrderAddress    `json:"shipping_address,omitempty"`
	AppliedDiscount *AppliedDiscount `json:"applied_discount,omitempty"`
}

// CreatedOrder is the backend's acknowledgement of an order creation.
type CreatedOrder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CreatedDraftOrder is the backend's acknowledgement of a draft creation.
type CreatedDraftOrder struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	InvoiceURL    string `json:"invoice_url"`
	Status        string `json:"status"`
}

// StoreCustomer is the backend's customer record.
type StoreCustomer struct {
	ID                    int64  `json:"id"`
	Email                 string `json:"email"`
	FirstName             string `json:"first_name"`
	LastName              string `json:"last_name"`
	Phone                 string `json:"phone,omitempty"`
	Tags                  string `json:"tags,omitempty"`
	EmailMarketingConsent *EmailMarketingConsent `json:"email_marketing_consent,omitempty"`
}

// EmailMarketingConsent is the backend's marketing subscription state.
type EmailMarketingConsent struct {
	State       string `json:"state"`
	OptInLevel  string `json:"opt_in_level,omitempty"`
	ConsentedAt string `json:"consent_updated_at,omitempty"`
}
