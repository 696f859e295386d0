package orders

import (
	"encoding/json"
	"time"
)

// Order is the header row. Never hard-deleted; terminal states are reached
// through the status machine in status.go.
type Order struct {
	ID             string      `json:"id"`
	UserEmail      string      `json:"user_email"`
	Status         Status      `json:"status"`
	TotalCents     int         `json:"total_cents"`
	DeliveryWindow string      `json:"delivery_window,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Timestamps     Timestamps  `json:"timestamps"`
	Lines          []OrderLine `json:"lines,omitempty"`
	PaymentRef     string      `json:"payment_ref,omitempty"`
}

// OrderLine snapshots name and price at purchase time. Immutable once written.
type OrderLine struct {
	OrderID    string `json:"-"`
	ProductID  string `json:"id"`
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
	Type       string `json:"type"` // item | bundle
}

// PaymentRecord is one row in the payment ledger, unique per provider
// reference. Duplicate provider notifications insert zero additional rows.
type PaymentRecord struct {
	OrderID      string
	ProviderRef  string
	AmountCents  int
	Currency     string
	Status       string
	ReceiptEmail string
	Raw          json.RawMessage
}

// PendingOrder is the slim shape the reconciliation sweeper scans over.
type PendingOrder struct {
	ID        string
	UserEmail string
	CreatedAt time.Time
}
