package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvestbox/storefront/internal/inventory"
	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/payment"
)

const testWebhookSecret = "whsec_test"

type fakeStore struct {
	createRes orders.CheckoutResult
	createErr error

	paid        map[string]orders.PaymentRecord
	paidErr     error
	paidErrOnce error
	failedCalls []string

	status    orders.Status
	statusErr error

	updateChg orders.StatusChange
	updateErr error

	calls []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{paid: map[string]orders.PaymentRecord{}}
}

func (f *fakeStore) CreateOrder(_ context.Context, req orders.CheckoutRequest) (orders.CheckoutResult, error) {
	f.calls = append(f.calls, "CreateOrder")
	return f.createRes, f.createErr
}

func (f *fakeStore) MarkPaid(_ context.Context, orderID string, rec orders.PaymentRecord) (bool, error) {
	f.calls = append(f.calls, "MarkPaid")
	if f.paidErrOnce != nil {
		err := f.paidErrOnce
		f.paidErrOnce = nil
		return false, err
	}
	if f.paidErr != nil {
		return false, f.paidErr
	}
	_, seen := f.paid[orderID]
	f.paid[orderID] = rec
	return !seen, nil
}

func (f *fakeStore) MarkPaymentFailed(_ context.Context, orderID string) (bool, error) {
	f.calls = append(f.calls, "MarkPaymentFailed")
	f.failedCalls = append(f.failedCalls, orderID)
	return true, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, orderID string, target orders.Status) (orders.StatusChange, error) {
	f.calls = append(f.calls, "UpdateStatus")
	return f.updateChg, f.updateErr
}

func (f *fakeStore) GetStatus(_ context.Context, orderID string) (orders.Status, error) {
	f.calls = append(f.calls, "GetStatus")
	return f.status, f.statusErr
}

func (f *fakeStore) Get(_ context.Context, orderID string) (orders.Order, error) {
	f.calls = append(f.calls, "Get")
	return orders.Order{}, orders.ErrNotFound
}

func (f *fakeStore) List(_ context.Context) ([]orders.Order, error) {
	f.calls = append(f.calls, "List")
	return nil, nil
}

func (f *fakeStore) ListByUser(_ context.Context, email string) ([]orders.Order, error) {
	f.calls = append(f.calls, "ListByUser")
	return []orders.Order{}, nil
}

type fakeDedup struct{ keys map[string]bool }

func newFakeDedup() *fakeDedup { return &fakeDedup{keys: map[string]bool{}} }

func (d *fakeDedup) Seen(_ context.Context, scope, id string) bool { return d.keys[scope+":"+id] }
func (d *fakeDedup) Remember(_ context.Context, scope, id string)  { d.keys[scope+":"+id] = true }

type fakeGateway struct {
	intent    payment.Intent
	createErr error
	found     bool
	findErr   error

	gotAmount  int
	gotOrderID string
}

func (f *fakeGateway) CreateIntent(_ context.Context, amountCents int, currency, orderID, email string) (payment.Intent, error) {
	f.gotAmount = amountCents
	f.gotOrderID = orderID
	return f.intent, f.createErr
}

func (f *fakeGateway) FindByReference(_ context.Context, orderID string) (payment.Intent, bool, error) {
	return f.intent, f.found, f.findErr
}

func newTestHandler(store *fakeStore, gw *fakeGateway) (*Handler, *chi.Mux) {
	h := &Handler{
		Orders:   store,
		Gateway:  gw,
		Verifier: payment.NewClient("", "", testWebhookSecret),
		Service:  "storefront-api",
		Currency: "usd",
	}
	r := chi.NewRouter()
	h.Register(r)
	return h, r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestCheckout_HappyPath(t *testing.T) {
	store := newFakeStore()
	store.createRes = orders.CheckoutResult{OrderID: "ord_1", TotalCents: 2500}
	gw := &fakeGateway{intent: payment.Intent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: "requires_payment_method"}}
	_, r := newTestHandler(store, gw)

	w := doJSON(t, r, http.MethodPost, "/api/checkout", CheckoutReq{
		Lines:     []inventory.Line{{ID: "sku_1", Qty: 2, Type: inventory.LineItem}},
		UserEmail: "a@b.com",
	})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[CheckoutResp](t, w)
	assert.Equal(t, "ord_1", resp.OrderID)
	assert.Equal(t, "pi_1_secret", resp.ClientSecret)
	assert.Equal(t, 2500, resp.TotalCents)

	// the intent amount comes from the committed order, not the request
	assert.Equal(t, 2500, gw.gotAmount)
	assert.Equal(t, "ord_1", gw.gotOrderID)
}

func TestCheckout_EmptyCartRejected(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{})

	w := doJSON(t, r, http.MethodPost, "/api/checkout", CheckoutReq{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.calls)
}

func TestCheckout_StockConflictListsEveryFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = &inventory.StockError{Failed: []inventory.FailedLine{
		{ID: "sku_1", Name: "Sourdough", Reason: inventory.ReasonInsufficient, Requested: 5, Available: 2},
		{ID: "sku_9", Reason: inventory.ReasonNotFound, Requested: 1},
	}}
	gw := &fakeGateway{}
	_, r := newTestHandler(store, gw)

	w := doJSON(t, r, http.MethodPost, "/api/checkout", CheckoutReq{
		Lines: []inventory.Line{{ID: "sku_1", Qty: 5, Type: inventory.LineItem}, {ID: "sku_9", Qty: 1, Type: inventory.LineItem}},
	})

	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[stockRejection](t, w)
	require.Len(t, resp.FailedLines, 2)
	assert.Equal(t, "insufficient_stock", string(resp.FailedLines[0].Reason))
	assert.Equal(t, "not_found", string(resp.FailedLines[1].Reason))
	// no intent was requested for a rejected cart
	assert.Empty(t, gw.gotOrderID)
}

func TestCheckout_GatewayDownKeepsTheOrder(t *testing.T) {
	store := newFakeStore()
	store.createRes = orders.CheckoutResult{OrderID: "ord_1", TotalCents: 900}
	gw := &fakeGateway{createErr: payment.ErrUnavailable}
	_, r := newTestHandler(store, gw)

	w := doJSON(t, r, http.MethodPost, "/api/checkout", CheckoutReq{
		Lines: []inventory.Line{{ID: "sku_1", Qty: 1, Type: inventory.LineItem}},
	})

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[map[string]string](t, w)
	// the order survives the provider outage; clients can retry payment
	assert.Equal(t, "ord_1", resp["order_id"])
	assert.Contains(t, store.calls, "CreateOrder")
}

func signedBody(t *testing.T, secret string, body []byte) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func intentEvent(t *testing.T, eventID, eventType, orderID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_1",
				"status":   "succeeded",
				"amount":   2500,
				"currency": "usd",
				"metadata": map[string]string{"orderId": orderID},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func postWebhook(r http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_BadSignatureChangesNothing(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{})

	body := intentEvent(t, "evt_1", payment.EventIntentSucceeded, "ord_1")
	w := postWebhook(r, body, signedBody(t, "whsec_wrong", body))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.calls)
}

func TestWebhook_SucceededMarksPaid(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{})

	body := intentEvent(t, "evt_1", payment.EventIntentSucceeded, "ord_1")
	w := postWebhook(r, body, signedBody(t, testWebhookSecret, body))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, store.paid, "ord_1")
	rec := store.paid["ord_1"]
	assert.Equal(t, "pi_1", rec.ProviderRef)
	assert.Equal(t, 2500, rec.AmountCents)
}

func TestWebhook_RedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{})

	body := intentEvent(t, "evt_1", payment.EventIntentSucceeded, "ord_1")
	sig := signedBody(t, testWebhookSecret, body)

	w1 := postWebhook(r, body, sig)
	w2 := postWebhook(r, body, sig)

	assert.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Len(t, store.paid, 1)
}

func TestWebhook_FailedApplyIsNotRememberedAsProcessed(t *testing.T) {
	store := newFakeStore()
	store.paidErrOnce = errors.New("db down")
	h, r := newTestHandler(store, &fakeGateway{})
	h.Dedup = newFakeDedup()

	body := intentEvent(t, "evt_1", payment.EventIntentSucceeded, "ord_1")
	sig := signedBody(t, testWebhookSecret, body)

	w1 := postWebhook(r, body, sig)
	require.Equal(t, http.StatusInternalServerError, w1.Code)
	assert.Empty(t, store.paid)

	// the provider retries; the redelivery must be applied, not swallowed
	w2 := postWebhook(r, body, sig)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Contains(t, store.paid, "ord_1")
}

func TestWebhook_DedupShortCircuitsAfterSuccess(t *testing.T) {
	store := newFakeStore()
	h, r := newTestHandler(store, &fakeGateway{})
	h.Dedup = newFakeDedup()

	body := intentEvent(t, "evt_1", payment.EventIntentSucceeded, "ord_1")
	sig := signedBody(t, testWebhookSecret, body)

	require.Equal(t, http.StatusOK, postWebhook(r, body, sig).Code)
	require.Equal(t, http.StatusOK, postWebhook(r, body, sig).Code)

	applies := 0
	for _, c := range store.calls {
		if c == "MarkPaid" {
			applies++
		}
	}
	assert.Equal(t, 1, applies)
}

func TestWebhook_FailedEventReleasesTheOrder(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{})

	body := intentEvent(t, "evt_2", payment.EventIntentFailed, "ord_7")
	w := postWebhook(r, body, signedBody(t, testWebhookSecret, body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ord_7"}, store.failedCalls)
}

func TestWebhook_UnknownOrderIsAcknowledged(t *testing.T) {
	store := newFakeStore()
	store.paidErr = orders.ErrNotFound
	_, r := newTestHandler(store, &fakeGateway{})

	body := intentEvent(t, "evt_3", payment.EventIntentSucceeded, "ord_missing")
	w := postWebhook(r, body, signedBody(t, testWebhookSecret, body))

	// acknowledge so the provider stops retrying a payment we cannot place
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_UnhandledEventTypeIsAcknowledged(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{})

	body := intentEvent(t, "evt_4", "charge.refunded", "ord_1")
	w := postWebhook(r, body, signedBody(t, testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, store.calls)
}

func TestAdminStatus_AppliesTransition(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.updateChg = orders.StatusChange{From: orders.StatusPaid, Timestamps: orders.Timestamps{Packed: &now}}
	_, r := newTestHandler(store, &fakeGateway{})

	w := doJSON(t, r, http.MethodPut, "/api/admin/orders/ord_1/status", statusReq{Status: orders.StatusPacked})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[statusResp](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, orders.StatusPaid, resp.From)
	assert.Equal(t, orders.StatusPacked, resp.Status)
	require.NotNil(t, resp.Timestamps.Packed)
}

func TestAdminStatus_InvalidTransitionIsRejected(t *testing.T) {
	store := newFakeStore()
	store.updateErr = fmt.Errorf("%w: DELIVERED -> CANCELED", orders.ErrInvalidTransition)
	_, r := newTestHandler(store, &fakeGateway{})

	w := doJSON(t, r, http.MethodPut, "/api/admin/orders/ord_1/status", statusReq{Status: orders.StatusCanceled})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminStatus_UnknownOrderIs404(t *testing.T) {
	store := newFakeStore()
	store.updateErr = orders.ErrNotFound
	_, r := newTestHandler(store, &fakeGateway{})

	w := doJSON(t, r, http.MethodPut, "/api/admin/orders/nope/status", statusReq{Status: orders.StatusPacked})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminSyncPayment_RecoversFromProvider(t *testing.T) {
	store := newFakeStore()
	store.status = orders.StatusPaid
	gw := &fakeGateway{
		found:  true,
		intent: payment.Intent{ID: "pi_9", Status: payment.IntentSucceeded, AmountCents: 1200, Currency: "usd"},
	}
	_, r := newTestHandler(store, gw)

	w := doJSON(t, r, http.MethodPost, "/api/admin/orders/ord_9/sync-payment", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, store.paid, "ord_9")
	assert.Equal(t, "pi_9", store.paid["ord_9"].ProviderRef)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, string(orders.StatusPaid), resp["status"])
}

func TestAdminSyncPayment_CanceledOrderKeepsItsStatus(t *testing.T) {
	store := newFakeStore()
	store.status = orders.StatusCanceled // payment recorded, status not lifted
	gw := &fakeGateway{
		found:  true,
		intent: payment.Intent{ID: "pi_9", Status: payment.IntentSucceeded, AmountCents: 1200, Currency: "usd"},
	}
	_, r := newTestHandler(store, gw)

	w := doJSON(t, r, http.MethodPost, "/api/admin/orders/ord_9/sync-payment", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, string(orders.StatusCanceled), resp["status"])
}

func TestAdminSyncPayment_NothingAtProvider(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{found: false})

	w := doJSON(t, r, http.MethodPost, "/api/admin/orders/ord_9/sync-payment", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, false, resp["success"])
	assert.NotContains(t, store.calls, "MarkPaid")
}

func TestGetOrder_UnknownIs404(t *testing.T) {
	store := newFakeStore()
	store.statusErr = orders.ErrNotFound
	_, r := newTestHandler(store, &fakeGateway{})

	w := doJSON(t, r, http.MethodGet, "/api/orders/ord_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrder_ReturnsStatus(t *testing.T) {
	store := newFakeStore()
	store.status = orders.StatusShipped
	_, r := newTestHandler(store, &fakeGateway{})

	w := doJSON(t, r, http.MethodGet, "/api/orders/ord_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]string](t, w)
	assert.Equal(t, string(orders.StatusShipped), resp["status"])
}

func TestListMine_RequiresIdentity(t *testing.T) {
	store := newFakeStore()
	_, r := newTestHandler(store, &fakeGateway{})

	w := doJSON(t, r, http.MethodGet, "/api/orders", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, store.calls)
}
