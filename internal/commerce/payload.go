package commerce

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/velora-commerce/checkout-api/internal/domain"
)

const (
	orderTags          = "stripe-checkout, multi-currency"
	draftTags          = "abandoned-checkout, stripe-recovery"
	shippingLineTitle  = "International Shipping"
	shippingLineCode   = "INTL"
	paymentGatewayName = "stripe"
)

var nameCaser = cases.Title(language.Und, cases.NoLower)

// OrderInput is everything the reconciliation flow resolved about a paid
// session. Amounts are minor units in the session currency.
type OrderInput struct {
	SessionID        string
	PaymentReference string
	Email            string
	FullName         string
	Phone            string
	Currency         domain.CurrencyCode
	AmountTotal      int64
	Items            []domain.MetadataItem
	ShippingCost     int64
	Discount         *domain.DiscountInfo
	ShippingAddress  *domain.Address
	MarketingConsent bool
	CartToken        string
}

// DraftOrderInput is the abandoned-session state used for a recovery draft.
// Name, phone, and address are best-effort captures from the expired session.
type DraftOrderInput struct {
	SessionID        string
	Email            string
	FullName         string
	Phone            string
	Currency         domain.CurrencyCode
	Items            []domain.MetadataItem
	Discount         *domain.DiscountInfo
	ShippingAddress  *domain.Address
	MarketingConsent bool
}

// BuildOrder transforms a paid session into the backend order payload. All
// minor-unit amounts become major-unit decimal strings; the captured
// transaction is floored to the minimal positive amount because the backend
// rejects zero-value transactions.
func BuildOrder(in OrderInput) Order {
	first, last := SplitName(in.FullName)

	lines := make([]OrderLineItem, 0, len(in.Items))
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			continue
		}
		lines = append(lines, OrderLineItem{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			Price:     domain.MajorUnits(item.Price, in.Currency),
		})
	}

	captured := in.AmountTotal
	if captured <= 0 {
		captured = 1
	}

	order := Order{
		Email:                 strings.TrimSpace(in.Email),
		Currency:              string(in.Currency),
		FinancialStatus:       "paid",
		InventoryBehaviour:    "decrement_obeying_policy",
		SendReceipt:           true,
		BuyerAcceptsMarketing: in.MarketingConsent,
		Tags:                  orderTagsFor(in.PaymentReference),
		LineItems:             lines,
		SourceName:            "stripe-checkout",
		Transactions: []Transaction{{
			Kind:     "sale",
			Status:   "success",
			Amount:   domain.MajorUnits(captured, in.Currency),
			Gateway:  paymentGatewayName,
			Currency: string(in.Currency),
		}},
	}

	if order.Email != "" || in.FullName != "" {
		order.Customer = &OrderCustomer{
			Email:            order.Email,
			FirstName:        first,
			LastName:         last,
			AcceptsMarketing: in.MarketingConsent,
		}
	}

	if addr := buildAddress(in.ShippingAddress, first, last, in.Phone); addr != nil {
		order.ShippingAddress = addr
		billing := *addr
		order.BillingAddress = &billing
	}

	if in.ShippingCost > 0 {
		order.ShippingLines = []ShippingLine{{
			Title: shippingLineTitle,
			Price: domain.MajorUnits(in.ShippingCost, in.Currency),
			Code:  shippingLineCode,
		}}
	}

	if in.Discount != nil && in.Discount.Amount > 0 {
		order.DiscountCodes = []DiscountCode{{
			Code:   in.Discount.Code,
			Amount: domain.MajorUnits(in.Discount.Amount, in.Currency),
			Type:   "fixed_amount",
		}}
	}

	order.NoteAttributes = orderNotes(in.SessionID, in.CartToken)
	return order
}

// BuildDraftOrder transforms an abandoned session into a recovery draft.
func BuildDraftOrder(in DraftOrderInput) DraftOrder {
	first, last := SplitName(in.FullName)

	lines := make([]OrderLineItem, 0, len(in.Items))
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			continue
		}
		lines = append(lines, OrderLineItem{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			Price:     domain.MajorUnits(item.Price, in.Currency),
		})
	}

	note := fmt.Sprintf("Abandoned Stripe checkout - Session: %s", in.SessionID)
	if in.Discount != nil && strings.TrimSpace(in.Discount.Code) != "" {
		note += "\nPromo Code Used: " + strings.TrimSpace(in.Discount.Code)
	}

	draft := DraftOrder{
		Email:     strings.TrimSpace(in.Email),
		Phone:     strings.TrimSpace(in.Phone),
		Currency:  string(in.Currency),
		Note:      note,
		Tags:      draftTags,
		LineItems: lines,
	}

	if draft.Email != "" || in.FullName != "" {
		draft.Customer = &OrderCustomer{
			Email:            draft.Email,
			FirstName:        first,
			LastName:         last,
			AcceptsMarketing: in.MarketingConsent,
		}
	}

	draft.ShippingAddress = buildAddress(in.ShippingAddress, first, last, in.Phone)

	if in.Discount != nil && in.Discount.Amount > 0 {
		amount := domain.MajorUnits(in.Discount.Amount, in.Currency)
		draft.AppliedDiscount = &AppliedDiscount{
			Title:     in.Discount.Code,
			Value:     amount,
			ValueType: "fixed_amount",
			Amount:    amount,
		}
	}
	return draft
}

// BuildCustomer shapes a backend customer record for ensure-on-abandon.
func BuildCustomer(email, fullName, phone string, consent bool, now time.Time) StoreCustomer {
	first, last := SplitName(fullName)
	customer := StoreCustomer{
		Email:     strings.TrimSpace(email),
		FirstName: first,
		LastName:  last,
		Phone:     strings.TrimSpace(phone),
		Tags:      "stripe-recovery",
	}
	if consent {
		customer.EmailMarketingConsent = &EmailMarketingConsent{
			State:       "subscribed",
			OptInLevel:  "single_opt_in",
			ConsentedAt: now.UTC().Format(time.RFC3339),
		}
	}
	return customer
}

// SplitName divides a free-form full name into first and last, title-casing
// each part. A single token becomes the first name.
func SplitName(fullName string) (string, string) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return "", ""
	}
	parts := strings.Fields(fullName)
	first := nameCaser.String(parts[0])
	if len(parts) == 1 {
		return first, ""
	}
	return first, nameCaser.String(strings.Join(parts[1:], " "))
}

func buildAddress(addr *domain.Address, first, last, phone string) *OrderAddress {
	if addr == nil || addr.IsZero() {
		return nil
	}
	out := &OrderAddress{
		FirstName: addr.FirstName,
		LastName:  addr.LastName,
		Address1:  addr.Line1,
		Address2:  addr.Line2,
		City:      addr.City,
		Province:  addr.State,
		Country:   addr.Country,
		Zip:       addr.PostalCode,
		Phone:     addr.Phone,
	}
	if out.FirstName == "" {
		out.FirstName = first
	}
	if out.LastName == "" {
		out.LastName = last
	}
	if out.Phone == "" {
		out.Phone = strings.TrimSpace(phone)
	}
	return out
}

func orderTagsFor(paymentReference string) string {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return orderTags
	}
	return orderTags + ", stripe:" + paymentReference
}

func orderNotes(sessionID, cartToken string) []NoteAttribute {
	notes := []NoteAttribute{{Name: "stripe_checkout_session", Value: sessionID}}
	if cartToken = strings.TrimSpace(cartToken); cartToken != "" {
		notes = append(notes, NoteAttribute{Name: "cart_token", Value: cartToken})
	}
	return notes
}
