package httpx

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/payment"
)

// webhook receives asynchronous payment outcomes from the provider. The body
// is read raw before any decoding: the signature covers the original bytes
// and would not survive a re-serialization round trip.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ev, err := h.Verifier.VerifyWebhook(raw, r.Header.Get("Stripe-Signature"))
	if err != nil {
		// Invalid signature: reject outright, no state change of any kind.
		log.Printf("webhook: signature rejected: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// Fast-path dedup on event id, best effort next to the unique provider_ref
	// in the payments table. The key is written only after the state change
	// lands; a failed apply leaves it unset so the provider's retry is
	// processed instead of being swallowed.
	if h.Dedup != nil && h.Dedup.Seen(ctx, "webhook", ev.ID) {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	var done bool
	switch ev.Type {
	case payment.EventIntentSucceeded:
		done = h.webhookSucceeded(ctx, w, ev, r.Header.Get("X-Request-Id"))
	case payment.EventIntentFailed, payment.EventIntentCanceled:
		done = h.webhookFailed(ctx, w, ev, r.Header.Get("X-Request-Id"))
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		done = true
	}
	if done && h.Dedup != nil {
		h.Dedup.Remember(ctx, "webhook", ev.ID)
	}
}

func (h *Handler) webhookSucceeded(ctx context.Context, w http.ResponseWriter, ev payment.Event, trace string) bool {
	it, err := ev.Intent()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event"})
		return false
	}
	orderID := it.Metadata["orderId"]
	if orderID == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return true
	}

	inserted, err := h.Orders.MarkPaid(ctx, orderID, payment.Record(orderID, it))
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			log.Printf("webhook: payment %s references unknown order %s", it.ID, orderID)
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return true
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return false
	}

	h.cacheStatus(ctx, orderID, orders.StatusPaid)
	if inserted {
		h.publish(h.Pub.Paid, orders.EventOrderPaid, orderID, trace, orders.OrderPaidPayload{
			OrderID:     orderID,
			PaymentRef:  it.ID,
			AmountCents: it.AmountCents,
			Currency:    it.Currency,
			UserEmail:   it.ReceiptEmail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	return true
}

func (h *Handler) webhookFailed(ctx context.Context, w http.ResponseWriter, ev payment.Event, trace string) bool {
	it, err := ev.Intent()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event"})
		return false
	}
	orderID := it.Metadata["orderId"]
	if orderID == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return true
	}

	applied, err := h.Orders.MarkPaymentFailed(ctx, orderID)
	if err != nil && !errors.Is(err, orders.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return false
	}

	if applied {
		h.cacheStatus(ctx, orderID, orders.StatusPaymentFailed)
		h.publish(h.Pub.Failed, orders.EventPaymentFailed, orderID, trace, orders.PaymentFailedPayload{
			OrderID: orderID,
			Reason:  it.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	return true
}
