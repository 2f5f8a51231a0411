package settlement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"

	"freightflow/payment"
)

// StripeVerifier checks the Stripe-Signature header and maps the event into
// the closed Event set.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify rejects anything whose signature does not check out before decoding it.
func (v *StripeVerifier) Verify(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return DecodeStripe(ev, payload)
}

// DecodeStripe maps a verified Stripe event. raw is kept for unknown types so
// they can still be recorded.
func DecodeStripe(ev stripe.Event, raw []byte) (Event, error) {
	if ev.Data == nil {
		return nil, fmt.Errorf("%w: no data", ErrMalformedEvent)
	}
	env := Envelope{
		EventID:    ev.ID,
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
	}

	switch string(ev.Type) {
	case "payment_intent.succeeded":
		pi, err := decodeIntent(ev, &env)
		if err != nil {
			return nil, err
		}
		// Intents capture automatically, so the amount received is what reached the platform balance.
		env.Kind = KindChargeSucceeded
		env.Amount = payment.FromMinorUnits(pi.AmountReceived, env.Currency)
		return build(storedEvent{Envelope: env})

	case "payment_intent.payment_failed", "payment_intent.canceled":
		pi, err := decodeIntent(ev, &env)
		if err != nil {
			return nil, err
		}
		env.Kind = KindChargeFailed
		reason := string(pi.CancellationReason)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return build(storedEvent{Envelope: env, Reason: reason})

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", ErrMalformedEvent, err)
		}
		if ch.PaymentIntent == nil {
			return nil, fmt.Errorf("%w: refund without payment intent", ErrMalformedEvent)
		}
		env.Kind = KindChargeRefunded
		env.ExternalID = ch.PaymentIntent.ID
		env.Currency = string(ch.Currency)
		env.Amount = payment.FromMinorUnits(ch.AmountRefunded, env.Currency)
		env.Metadata = ch.Metadata
		return build(storedEvent{Envelope: env})

	case "transfer.created", "transfer.paid":
		var tr stripe.Transfer
		if err := json.Unmarshal(ev.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("%w: transfer: %v", ErrMalformedEvent, err)
		}
		env.Kind = KindTransferCreated
		if string(ev.Type) == "transfer.paid" {
			env.Kind = KindTransferPaid
		}
		env.ExternalID = tr.ID
		env.Currency = string(tr.Currency)
		env.Amount = payment.FromMinorUnits(tr.Amount, env.Currency)
		env.Metadata = tr.Metadata
		return build(storedEvent{Envelope: env})

	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(ev.Data.Raw, &acct); err != nil {
			return nil, fmt.Errorf("%w: account: %v", ErrMalformedEvent, err)
		}
		env.Kind = KindAccountUpdated
		env.ExternalID = acct.ID
		env.Metadata = acct.Metadata
		enabled := acct.PayoutsEnabled
		return build(storedEvent{Envelope: env, PayoutsEnabled: &enabled})
	}

	return nil, &UnknownKindError{EventID: ev.ID, Type: string(ev.Type), Payload: raw}
}

func decodeIntent(ev stripe.Event, env *Envelope) (stripe.PaymentIntent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return pi, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
	}
	env.ExternalID = pi.ID
	env.Currency = string(pi.Currency)
	env.Amount = payment.FromMinorUnits(pi.Amount, env.Currency)
	env.Metadata = pi.Metadata
	return pi, nil
}
