package orders

import "time"

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaymentFailed  Status = "PAYMENT_FAILED"
	StatusPaid           Status = "PAID"
	StatusPacked         Status = "PACKED"
	StatusShipped        Status = "SHIPPED"
	StatusDelivered      Status = "DELIVERED"
	StatusCanceled       Status = "CANCELED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPaymentFailed, StatusPaid,
		StatusPacked, StatusShipped, StatusDelivered, StatusCanceled:
		return true
	}
	return false
}

// validNext: forward along the fulfillment chain (skips allowed, an admin may
// jump Paid -> Delivered), any non-terminal to Canceled, and manual resets
// back to PendingPayment / PaymentFailed / Paid from later states.
var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusPaid: true, StatusPaymentFailed: true, StatusCanceled: true},
	StatusPaymentFailed:  {StatusPendingPayment: true, StatusPaid: true, StatusCanceled: true},
	StatusPaid: {
		StatusPacked: true, StatusShipped: true, StatusDelivered: true, StatusCanceled: true,
		StatusPendingPayment: true, StatusPaymentFailed: true,
	},
	StatusPacked: {
		StatusShipped: true, StatusDelivered: true, StatusCanceled: true,
		StatusPaid: true, StatusPendingPayment: true, StatusPaymentFailed: true,
	},
	StatusShipped: {
		StatusDelivered: true, StatusCanceled: true,
		StatusPacked: true, StatusPaid: true, StatusPendingPayment: true, StatusPaymentFailed: true,
	},
	StatusDelivered: {StatusPendingPayment: true, StatusPaymentFailed: true},
	StatusCanceled:  {StatusPendingPayment: true, StatusPaymentFailed: true},
}

// CanTransition reports whether from -> to is a legal move. Re-applying the
// current status is always legal (and a no-op for timestamps already set).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validNext[from][to]
}

// Timestamps is the order's audit trail. Forward transitions set each field
// only if unset; backward transitions clear the fields ahead of them.
type Timestamps struct {
	Packed    *time.Time `json:"packed_at"`
	Shipped   *time.Time `json:"shipped_at"`
	Delivered *time.Time `json:"delivered_at"`
	Cancelled *time.Time `json:"cancelled_at"`
}

// ApplyTimestamps returns the timestamp set after transitioning to target at
// now. Idempotent under replay: a field already set keeps its original value.
// Delivered backfills Shipped so the audit trail never has a gap.
func ApplyTimestamps(ts Timestamps, target Status, now time.Time) Timestamps {
	switch target {
	case StatusPendingPayment, StatusPaymentFailed, StatusPaid:
		ts.Packed, ts.Shipped, ts.Delivered = nil, nil, nil
		ts.Cancelled = nil
	case StatusPacked:
		ts.Packed = coalesce(ts.Packed, now)
		ts.Shipped, ts.Delivered = nil, nil
	case StatusShipped:
		ts.Shipped = coalesce(ts.Shipped, now)
		ts.Delivered = nil
	case StatusDelivered:
		ts.Delivered = coalesce(ts.Delivered, now)
		ts.Shipped = coalesce(ts.Shipped, now)
	case StatusCanceled:
		ts.Cancelled = coalesce(ts.Cancelled, now)
	}
	return ts
}

func coalesce(t *time.Time, now time.Time) *time.Time {
	if t != nil {
		return t
	}
	return &now
}
