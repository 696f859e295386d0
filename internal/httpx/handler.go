package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/harvestbox/storefront/internal/kafka"
	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/payment"
)

// OrderStore is the slice of the order repository the HTTP surface uses.
// *orders.Repo is the production implementation.
type OrderStore interface {
	CreateOrder(ctx context.Context, req orders.CheckoutRequest) (orders.CheckoutResult, error)
	MarkPaid(ctx context.Context, orderID string, rec orders.PaymentRecord) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID string) (bool, error)
	UpdateStatus(ctx context.Context, orderID string, target orders.Status) (orders.StatusChange, error)
	GetStatus(ctx context.Context, orderID string) (orders.Status, error)
	Get(ctx context.Context, orderID string) (orders.Order, error)
	List(ctx context.Context) ([]orders.Order, error)
	ListByUser(ctx context.Context, email string) ([]orders.Order, error)
}

// WebhookVerifier authenticates inbound provider callbacks against their raw
// request bytes.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (payment.Event, error)
}

// EventDeduper short-circuits redeliveries of an already-processed event.
// *redisx.Deduper is the production implementation.
type EventDeduper interface {
	Seen(ctx context.Context, scope, id string) bool
	Remember(ctx context.Context, scope, id string)
}

// Publishers holds one producer per lifecycle topic; each producer is bound
// to a single topic.
type Publishers struct {
	Created *kafkax.Producer
	Paid    *kafkax.Producer
	Failed  *kafkax.Producer
	Status  *kafkax.Producer
}

type Handler struct {
	Orders   OrderStore
	Gateway  payment.Gateway
	Verifier WebhookVerifier
	Redis    *redis.Client
	Dedup    EventDeduper
	Pub      Publishers
	Service  string
	Currency string
}

func (h *Handler) Register(r *chi.Mux) {
	r.Post("/api/checkout", h.checkout)
	r.Post("/api/webhook", h.webhook)
	r.Get("/api/orders/{id}", h.getOrder)
	r.Get("/api/orders", h.listMine)
	r.Get("/api/admin/orders", h.adminList)
	r.Put("/api/admin/orders/{id}/status", h.adminStatus)
	r.Post("/api/admin/orders/{id}/sync-payment", h.adminSyncPayment)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// publish wraps a payload in the versioned envelope and hands it to the
// topic's producer. Fire-and-forget: event delivery never fails a request.
func (h *Handler) publish(p *kafkax.Producer, eventType, orderID, trace string, payload any) {
	if p == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
