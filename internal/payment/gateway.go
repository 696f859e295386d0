package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harvestbox/storefront/internal/orders"
)

var (
	// ErrUnavailable covers provider outage or misconfiguration. Callers must
	// leave local state alone: the reservation has already committed, so the
	// order stays PendingPayment and the sweeper can pick it up.
	ErrUnavailable = errors.New("payment provider unavailable")
)

const IntentSucceeded = "succeeded"

// Intent is the provider-side payment object. Raw keeps the provider's exact
// JSON for the payment ledger.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	AmountCents  int               `json:"amount"`
	Currency     string            `json:"currency"`
	ReceiptEmail string            `json:"receipt_email"`
	Metadata     map[string]string `json:"metadata"`

	Raw json.RawMessage `json:"-"`
}

// Gateway is what the checkout handler and the sweeper need from the
// provider. *Client is the real implementation; tests substitute fakes.
type Gateway interface {
	CreateIntent(ctx context.Context, amountCents int, currency, orderID, email string) (Intent, error)
	FindByReference(ctx context.Context, orderID string) (Intent, bool, error)
}

// Client talks to a Stripe-style payment API: bearer auth, form-encoded
// writes, JSON reads, intents searchable by metadata.
type Client struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	http          *http.Client
}

func NewClient(baseURL, secretKey, webhookSecret string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether a secret key is present. An unconfigured client
// fails fast with ErrUnavailable instead of sending empty credentials.
func (c *Client) Configured() bool { return c.secretKey != "" }

// CreateIntent registers the payment with the provider. amountCents must be
// the server-recomputed order total, never a client-submitted figure.
func (c *Client) CreateIntent(ctx context.Context, amountCents int, currency, orderID, email string) (Intent, error) {
	if !c.Configured() {
		return Intent{}, fmt.Errorf("%w: secret key not set", ErrUnavailable)
	}

	form := url.Values{}
	form.Set("amount", strconv.Itoa(amountCents))
	form.Set("currency", currency)
	form.Set("metadata[orderId]", orderID)
	form.Set("automatic_payment_methods[enabled]", "true")
	if strings.Contains(email, "@") {
		form.Set("receipt_email", email)
	}

	body, err := c.post(ctx, "/v1/payment_intents", form)
	if err != nil {
		return Intent{}, err
	}
	var it Intent
	if err := json.Unmarshal(body, &it); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	it.Raw = body
	return it, nil
}

// FindByReference searches provider intents by order metadata and returns the
// succeeded one if present. Used by the webhook handler as a double-check and
// by the sweeper as its primary reconciliation mechanism.
func (c *Client) FindByReference(ctx context.Context, orderID string) (Intent, bool, error) {
	if !c.Configured() {
		return Intent{}, false, fmt.Errorf("%w: secret key not set", ErrUnavailable)
	}

	q := url.Values{}
	q.Set("query", fmt.Sprintf("metadata['orderId']:'%s'", orderID))
	q.Set("limit", "5")

	body, err := c.get(ctx, "/v1/payment_intents/search?"+q.Encode())
	if err != nil {
		return Intent{}, false, err
	}

	var page struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return Intent{}, false, fmt.Errorf("decode search result: %w", err)
	}
	for _, raw := range page.Data {
		var it Intent
		if err := json.Unmarshal(raw, &it); err != nil {
			return Intent{}, false, fmt.Errorf("decode search result: %w", err)
		}
		if it.Status == IntentSucceeded {
			it.Raw = raw
			return it, true, nil
		}
	}
	return Intent{}, false, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("provider rejected request: status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Record shapes a provider intent into the local payment-ledger row.
func Record(orderID string, it Intent) orders.PaymentRecord {
	return orders.PaymentRecord{
		OrderID:      orderID,
		ProviderRef:  it.ID,
		AmountCents:  it.AmountCents,
		Currency:     it.Currency,
		Status:       it.Status,
		ReceiptEmail: it.ReceiptEmail,
		Raw:          it.Raw,
	}
}
