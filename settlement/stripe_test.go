package settlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func sign(t *testing.T, payload []byte) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(id, typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1767225600,"api_version":"2023-10-16","data":{"object":%s}}`, id, typ, object))
}

func TestStripeVerifier_ChargeSucceeded(t *testing.T) {
	payload := stripeEvent("evt_1", "payment_intent.succeeded",
		`{"id":"pi_123","object":"payment_intent","amount":100000,"amount_received":100000,"currency":"usd","metadata":{"offer_id":"o-1"}}`)

	ev, err := NewStripeVerifier(testSecret).Verify(payload, sign(t, payload))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, ok := ev.(ChargeSucceeded)
	if !ok {
		t.Fatalf("expected ChargeSucceeded, got %T", ev)
	}
	if got.EventID != "evt_1" || got.ExternalID != "pi_123" {
		t.Fatalf("unexpected envelope %+v", got.Envelope)
	}
	if got.Amount.StringFixed(2) != "1000.00" {
		t.Fatalf("expected 1000.00, got %s", got.Amount.StringFixed(2))
	}
	if got.Metadata["offer_id"] != "o-1" {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}
}

func TestStripeVerifier_AmountsFollowCurrencyExponent(t *testing.T) {
	payload := stripeEvent("evt_jpy", "payment_intent.succeeded",
		`{"id":"pi_jpy","object":"payment_intent","amount":150000,"amount_received":150000,"currency":"jpy"}`)
	ev, err := NewStripeVerifier(testSecret).Verify(payload, sign(t, payload))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got := ev.Header().Amount.String(); got != "150000" {
		t.Fatalf("expected 150000 yen, got %s", got)
	}
}

func TestStripeVerifier_AuthorizationIsNotACharge(t *testing.T) {
	payload := stripeEvent("evt_auth", "payment_intent.amount_capturable_updated",
		`{"id":"pi_5","object":"payment_intent","amount":100000,"amount_capturable":100000,"currency":"usd"}`)
	_, err := NewStripeVerifier(testSecret).Verify(payload, sign(t, payload))
	var unknown *UnknownKindError
	if !errors.As(err, &unknown) || unknown.Type != "payment_intent.amount_capturable_updated" {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}

func TestStripeVerifier_RejectsBadSignature(t *testing.T) {
	payload := stripeEvent("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`)
	header := sign(t, payload)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-3] = ' '

	for name, tc := range map[string]struct {
		payload []byte
		header  string
	}{
		"tampered body": {tampered, header},
		"no header":     {payload, ""},
		"garbage":       {payload, "t=1,v1=deadbeef"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewStripeVerifier(testSecret).Verify(tc.payload, tc.header)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestStripeVerifier_MapsKinds(t *testing.T) {
	cases := []struct {
		typ      string
		object   string
		kind     Kind
		external string
	}{
		{"payment_intent.payment_failed", `{"id":"pi_2","object":"payment_intent","last_payment_error":{"message":"card declined"}}`, KindChargeFailed, "pi_2"},
		{"payment_intent.canceled", `{"id":"pi_3","object":"payment_intent","cancellation_reason":"abandoned"}`, KindChargeFailed, "pi_3"},
		{"charge.refunded", `{"id":"ch_1","object":"charge","payment_intent":"pi_4","amount_refunded":5000}`, KindChargeRefunded, "pi_4"},
		{"transfer.created", `{"id":"tr_1","object":"transfer","amount":80000,"metadata":{"payout_id":"p1"}}`, KindTransferCreated, "tr_1"},
		{"transfer.paid", `{"id":"tr_2","object":"transfer","amount":10000}`, KindTransferPaid, "tr_2"},
		{"account.updated", `{"id":"acct_1","object":"account","payouts_enabled":true}`, KindAccountUpdated, "acct_1"},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			payload := stripeEvent("evt_"+tc.external, tc.typ, tc.object)
			ev, err := NewStripeVerifier(testSecret).Verify(payload, sign(t, payload))
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if ev.Header().Kind != tc.kind || ev.Header().ExternalID != tc.external {
				t.Fatalf("got %s/%s", ev.Header().Kind, ev.Header().ExternalID)
			}
		})
	}
}

func TestStripeVerifier_FailureReasonAndPayouts(t *testing.T) {
	payload := stripeEvent("evt_f", "payment_intent.payment_failed",
		`{"id":"pi_9","object":"payment_intent","last_payment_error":{"message":"insufficient funds"}}`)
	ev, err := NewStripeVerifier(testSecret).Verify(payload, sign(t, payload))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if failed := ev.(ChargeFailed); failed.Reason != "insufficient funds" {
		t.Fatalf("unexpected reason %q", failed.Reason)
	}

	payload = stripeEvent("evt_a", "account.updated", `{"id":"acct_9","object":"account","payouts_enabled":true}`)
	ev, err = NewStripeVerifier(testSecret).Verify(payload, sign(t, payload))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ev.(AccountUpdated).PayoutsEnabled {
		t.Fatal("expected payouts enabled")
	}
}

func TestStripeVerifier_UnknownKind(t *testing.T) {
	payload := stripeEvent("evt_c", "customer.created", `{"id":"cus_1","object":"customer"}`)
	_, err := NewStripeVerifier(testSecret).Verify(payload, sign(t, payload))

	var unknown *UnknownKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownKindError, got %v", err)
	}
	if unknown.EventID != "evt_c" || unknown.Type != "customer.created" || len(unknown.Payload) == 0 {
		t.Fatalf("unexpected %+v", unknown)
	}
}

func TestEncodeDecodeStored_KeepsVariantFields(t *testing.T) {
	in := AccountUpdated{
		Envelope:       Envelope{EventID: "evt_x", Kind: KindAccountUpdated, ExternalID: "acct_1"},
		PayoutsEnabled: true,
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeStored(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(AccountUpdated)
	if !ok || !got.PayoutsEnabled || got.ExternalID != "acct_1" {
		t.Fatalf("round trip lost data: %#v", out)
	}

	if _, err := DecodeStored([]byte(`{"kind":"charge.succeeded"}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}
