package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSignatureInvalid means the webhook payload failed verification. Nothing
// may be mutated on this error.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"

	// signatureTolerance bounds how old a signed timestamp may be; replays
	// of ancient payloads are rejected even with a valid MAC.
	signatureTolerance = 5 * time.Minute
)

// Event is the provider's webhook envelope. Data.Object stays raw so the
// ledger stores the provider's exact payload.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Intent decodes the event's payment object.
func (e Event) Intent() (Intent, error) {
	var it Intent
	if err := json.Unmarshal(e.Data.Object, &it); err != nil {
		return Intent{}, fmt.Errorf("decode event object: %w", err)
	}
	it.Raw = e.Data.Object
	return it, nil
}

// VerifyWebhook authenticates payload against the signature header and parses
// the event. The MAC is computed over the exact original bytes; callers must
// pass the raw request body, never a re-serialized form.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (Event, error) {
	return verifyWebhook(payload, sigHeader, c.webhookSecret, time.Now())
}

// verifyWebhook checks a "t=<unix>,v1=<hex>" header: HMAC-SHA256 of
// "<t>.<payload>" keyed by the endpoint secret, constant-time compared,
// with a bounded timestamp skew.
func verifyWebhook(payload []byte, sigHeader, secret string, now time.Time) (Event, error) {
	if secret == "" {
		return Event{}, fmt.Errorf("%w: endpoint secret not set", ErrSignatureInvalid)
	}
	ts, sigs, err := parseSigHeader(sigHeader)
	if err != nil {
		return Event{}, err
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	expected := computeSignature(secret, ts, payload)
	ok := false
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(expected)) {
			ok = true
			break
		}
	}
	if !ok {
		return Event{}, ErrSignatureInvalid
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func parseSigHeader(header string) (ts int64, sigs []string, err error) {
	ts = -1
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
			}
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
	}
	return ts, sigs, nil
}

func computeSignature(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
