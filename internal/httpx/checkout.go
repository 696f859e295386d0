package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harvestbox/storefront/internal/inventory"
	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/payment"
	"github.com/harvestbox/storefront/internal/redisx"
)

type CheckoutReq struct {
	Lines          []inventory.Line `json:"lines"`
	UserEmail      string           `json:"user_email"`
	DeliveryWindow string           `json:"delivery_window"`
}

type CheckoutResp struct {
	OrderID      string `json:"order_id"`
	ClientSecret string `json:"client_secret"`
	TotalCents   int    `json:"total_cents"`
}

type stockRejection struct {
	Error       string                 `json:"error"`
	FailedLines []inventory.FailedLine `json:"failed_lines"`
}

// checkout reserves stock and creates the draft order in one committed
// transaction, then asks the provider for a payment intent. A gateway failure
// after the commit leaves the order PendingPayment with its reservation held;
// the sweeper or a retry resolves it.
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Lines) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cart is empty"})
		return
	}
	if req.UserEmail == "" {
		req.UserEmail = "guest"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	created, err := h.Orders.CreateOrder(ctx, orders.CheckoutRequest{
		UserEmail:      req.UserEmail,
		DeliveryWindow: req.DeliveryWindow,
		Lines:          req.Lines,
	})
	if err != nil {
		var se *inventory.StockError
		if errors.As(err, &se) {
			writeJSON(w, http.StatusConflict, stockRejection{
				Error:       "some items are unavailable",
				FailedLines: se.Failed,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.cacheStatus(ctx, created.OrderID, orders.StatusPendingPayment)
	h.publish(h.Pub.Created, orders.EventOrderCreated, created.OrderID, r.Header.Get("X-Request-Id"),
		orders.OrderCreatedPayload{
			OrderID:    created.OrderID,
			UserEmail:  req.UserEmail,
			Lines:      created.Lines,
			TotalCents: created.TotalCents,
		})

	// Reservation is committed; only now do we touch the provider.
	it, err := h.Gateway.CreateIntent(ctx, created.TotalCents, h.Currency, created.OrderID, req.UserEmail)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, payment.ErrUnavailable) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{
			"error":    "payment initialization failed",
			"order_id": created.OrderID,
		})
		return
	}

	writeJSON(w, http.StatusOK, CheckoutResp{
		OrderID:      created.OrderID,
		ClientSecret: it.ClientSecret,
		TotalCents:   created.TotalCents,
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	st, err := h.Orders.GetStatus(ctx, orderID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h.cacheStatus(ctx, orderID, st)
	writeJSON(w, http.StatusOK, map[string]any{"status": st})
}

// listMine returns the caller's orders. Authentication is handled upstream by
// the gateway; the verified identity arrives in X-User-Email.
func (h *Handler) listMine(w http.ResponseWriter, r *http.Request) {
	email := r.Header.Get("X-User-Email")
	if email == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Orders.ListByUser(ctx, email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) cacheStatus(ctx context.Context, orderID string, st orders.Status) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	b, _ := json.Marshal(map[string]any{"status": st})
	_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
}
