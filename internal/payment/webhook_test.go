package payment

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func signedHeader(secret string, at time.Time, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), computeSignature(secret, at.Unix(), payload))
}

func eventJSON(t *testing.T, evType, intentID, orderID, status string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": evType,
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"status":   status,
				"amount":   1234,
				"currency": "usd",
				"metadata": map[string]string{"orderId": orderID},
			},
		},
	})
	require.NoError(t, err)
	return b
}

func TestVerifyWebhook_AcceptsValidSignature(t *testing.T) {
	now := time.Now()
	payload := eventJSON(t, EventIntentSucceeded, "pi_1", "ord_1", IntentSucceeded)

	ev, err := verifyWebhook(payload, signedHeader(testSecret, now, payload), testSecret, now)
	require.NoError(t, err)
	assert.Equal(t, EventIntentSucceeded, ev.Type)

	it, err := ev.Intent()
	require.NoError(t, err)
	assert.Equal(t, "pi_1", it.ID)
	assert.Equal(t, "ord_1", it.Metadata["orderId"])
	assert.Equal(t, 1234, it.AmountCents)
}

func TestVerifyWebhook_RejectsTamperedPayload(t *testing.T) {
	now := time.Now()
	payload := eventJSON(t, EventIntentSucceeded, "pi_1", "ord_1", IntentSucceeded)
	header := signedHeader(testSecret, now, payload)

	tampered := eventJSON(t, EventIntentSucceeded, "pi_1", "ord_OTHER", IntentSucceeded)
	_, err := verifyWebhook(tampered, header, testSecret, now)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyWebhook_SignatureCoversExactBytes(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{}}}`)
	header := signedHeader(testSecret, now, payload)

	// a semantically identical re-serialization (whitespace differs) must fail
	reserialized := []byte(`{"id": "evt_1", "type": "payment_intent.succeeded", "data": {"object": {}}}`)
	_, err := verifyWebhook(reserialized, header, testSecret, now)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = verifyWebhook(payload, header, testSecret, now)
	assert.NoError(t, err)
}

func TestVerifyWebhook_RejectsWrongSecret(t *testing.T) {
	now := time.Now()
	payload := eventJSON(t, EventIntentSucceeded, "pi_1", "ord_1", IntentSucceeded)

	_, err := verifyWebhook(payload, signedHeader("whsec_other", now, payload), testSecret, now)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyWebhook_RejectsStaleTimestamp(t *testing.T) {
	now := time.Now()
	old := now.Add(-signatureTolerance - time.Minute)
	payload := eventJSON(t, EventIntentSucceeded, "pi_1", "ord_1", IntentSucceeded)

	_, err := verifyWebhook(payload, signedHeader(testSecret, old, payload), testSecret, now)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyWebhook_RejectsMalformedHeader(t *testing.T) {
	payload := eventJSON(t, EventIntentSucceeded, "pi_1", "ord_1", IntentSucceeded)
	for _, header := range []string{"", "t=,v1=", "v1=deadbeef", "t=123"} {
		_, err := verifyWebhook(payload, header, testSecret, time.Now())
		assert.ErrorIs(t, err, ErrSignatureInvalid, "header %q", header)
	}
}

func TestVerifyWebhook_AcceptsOneValidOfSeveralSignatures(t *testing.T) {
	// providers send multiple v1 entries during secret rotation
	now := time.Now()
	payload := eventJSON(t, EventIntentSucceeded, "pi_1", "ord_1", IntentSucceeded)
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s",
		now.Unix(),
		computeSignature("whsec_old", now.Unix(), payload),
		computeSignature(testSecret, now.Unix(), payload))

	_, err := verifyWebhook(payload, header, testSecret, now)
	assert.NoError(t, err)
}
