package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/payment"
)

type statusReq struct {
	Status orders.Status `json:"status"`
}

type statusResp struct {
	Success    bool              `json:"success"`
	From       orders.Status     `json:"from"`
	Status     orders.Status     `json:"status"`
	Timestamps orders.Timestamps `json:"timestamps"`
}

// Role enforcement lives in the upstream gateway; these routes are only
// reachable for admin identities.

func (h *Handler) adminList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	list, err := h.Orders.List(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// adminStatus applies one lifecycle transition: all-or-nothing, returning the
// resulting timestamp set.
func (h *Handler) adminStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	chg, err := h.Orders.UpdateStatus(ctx, orderID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		case errors.Is(err, orders.ErrInvalidTransition):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	h.cacheStatus(ctx, orderID, req.Status)
	h.publish(h.Pub.Status, orders.EventStatusChanged, orderID, r.Header.Get("X-Request-Id"),
		orders.StatusChangedPayload{OrderID: orderID, From: chg.From, To: req.Status, Timestamps: chg.Timestamps})

	writeJSON(w, http.StatusOK, statusResp{Success: true, From: chg.From, Status: req.Status, Timestamps: chg.Timestamps})
}

// adminSyncPayment reconciles a single order against the provider on demand,
// the manual twin of the sweeper pass.
func (h *Handler) adminSyncPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	it, found, err := h.Gateway.FindByReference(ctx, orderID)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, payment.ErrUnavailable) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "msg": "no succeeded payment found at provider"})
		return
	}

	inserted, err := h.Orders.MarkPaid(ctx, orderID, payment.Record(orderID, it))
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// MarkPaid only lifts PendingPayment / PaymentFailed; a canceled order
	// keeps its status. Report and cache what the order actually is now.
	st, err := h.Orders.GetStatus(ctx, orderID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.cacheStatus(ctx, orderID, st)
	if inserted {
		h.publish(h.Pub.Paid, orders.EventOrderPaid, orderID, r.Header.Get("X-Request-Id"),
			orders.OrderPaidPayload{
				OrderID:     orderID,
				PaymentRef:  it.ID,
				AmountCents: it.AmountCents,
				Currency:    it.Currency,
				UserEmail:   it.ReceiptEmail,
				Recovered:   true,
			})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
}
