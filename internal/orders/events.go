package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated  = "OrderCreated"
	EventOrderPaid     = "OrderPaid"
	EventPaymentFailed = "OrderPaymentFailed"
	EventStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"` // RFC3339
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderCreatedPayload struct {
	OrderID    string      `json:"order_id"`
	UserEmail  string      `json:"user_email"`
	Lines      []OrderLine `json:"lines"`
	TotalCents int         `json:"total_cents"`
}

type OrderPaidPayload struct {
	OrderID     string `json:"order_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
	UserEmail   string `json:"user_email"`
	// Recovered marks payments found by the sweeper instead of the webhook.
	Recovered bool `json:"recovered,omitempty"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"` // provider status, e.g. canceled
}

type StatusChangedPayload struct {
	OrderID    string     `json:"order_id"`
	From       Status     `json:"from"`
	To         Status     `json:"to"`
	Timestamps Timestamps `json:"timestamps"`
}
