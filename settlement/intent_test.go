package settlement_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v75"

	"freightflow/contract"
	"freightflow/offer"
	"freightflow/payment"
	"freightflow/settlement"
)

func decodeStripe(t *testing.T, id, typ, object string) (settlement.Event, error) {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1767225600,"data":{"object":%s}}`, id, typ, object))
	var ev stripe.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return settlement.DecodeStripe(ev, raw)
}

func intent(id string, fields string) string {
	return fmt.Sprintf(`{"id":%q,"object":"payment_intent","currency":"usd",%s}`, id, fields)
}

func TestCapturedIntent_FundsEscrow(t *testing.T) {
	h := newHarness(t)
	created, c := h.commit(t)
	pi := created.Payment.ExternalID

	ev, err := decodeStripe(t, "evt_captured", "payment_intent.succeeded",
		intent(pi, `"amount":100000,"amount_received":100000,"status":"succeeded"`))
	require.NoError(t, err)
	assert.Equal(t, "1000.00", ev.Header().Amount.StringFixed(2))

	res := h.handle(t, ev)
	require.Equal(t, settlement.OutcomeApplied, res.Outcome, res.Detail)
	assert.Equal(t, contract.EscrowHeld, h.getContract(t, c.ID).EscrowStatus)
	assert.Equal(t, offer.StatusFunded, h.getOffer(t, created.Offer.ID).Status)
}

func TestAuthorizationAlone_LeavesEscrowPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, c := h.commit(t)
	pi := created.Payment.ExternalID

	_, err := decodeStripe(t, "evt_auth", "payment_intent.amount_capturable_updated",
		intent(pi, `"amount":100000,"amount_capturable":100000,"status":"requires_capture"`))
	var unknown *settlement.UnknownKindError
	require.ErrorAs(t, err, &unknown)

	res, err := h.rec.Reject(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeRejected, res.Outcome)
	assert.Equal(t, contract.EscrowPending, h.getContract(t, c.ID).EscrowStatus)
	assert.Equal(t, offer.StatusAccepted, h.getOffer(t, created.Offer.ID).Status)

	// The processor gives up on the intent: the deal is cancelled.
	ev, err := decodeStripe(t, "evt_cancel", "payment_intent.canceled",
		intent(pi, `"amount":100000,"status":"canceled","cancellation_reason":"automatic"`))
	require.NoError(t, err)
	res = h.handle(t, ev)
	require.Equal(t, settlement.OutcomeApplied, res.Outcome, res.Detail)

	got := h.getContract(t, c.ID)
	assert.Equal(t, contract.StatusCancelled, got.Status)
	assert.Equal(t, contract.EscrowFailed, got.EscrowStatus)
	assert.Equal(t, offer.StatusCancelled, h.getOffer(t, created.Offer.ID).Status)

	p, err := h.db.Payments().GetPayment(ctx, created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)
}

func TestChargeAmountMismatch_IsHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, c := h.commit(t)
	pi := created.Payment.ExternalID

	short := h.handle(t, chargeSucceeded("evt_short", pi, "600.00"))
	assert.Equal(t, settlement.OutcomeHeld, short.Outcome)
	assert.Contains(t, short.Detail, "600")

	foreign := h.proc.Succeeded("evt_foreign", pi)
	foreign.Currency = "eur"
	res := h.handle(t, foreign)
	assert.Equal(t, settlement.OutcomeHeld, res.Outcome)

	p, err := h.db.Payments().GetPayment(ctx, created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, contract.EscrowPending, h.getContract(t, c.ID).EscrowStatus)
	assert.Equal(t, offer.StatusAccepted, h.getOffer(t, created.Offer.ID).Status)

	// The full charge still settles it.
	full := h.handle(t, h.proc.Succeeded("evt_full", pi))
	assert.Equal(t, settlement.OutcomeApplied, full.Outcome)
	assert.Equal(t, contract.EscrowHeld, h.getContract(t, c.ID).EscrowStatus)
}

func TestExpiry_VoidsPendingDepositOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unpaid := h.postOffer(t)
	paid := h.postOffer(t)
	res := h.handle(t, h.proc.Succeeded("evt_paid", paid.Payment.ExternalID))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)

	h.now = h.now.Add(2 * time.Hour)
	for _, id := range []string{unpaid.Offer.ID, paid.Offer.ID} {
		_, err := h.offers.Expire(ctx, id)
		require.NoError(t, err)
	}
	assert.True(t, h.proc.Cancelled(unpaid.Payment.ExternalID))
	assert.False(t, h.proc.Cancelled(paid.Payment.ExternalID), "a settled charge cannot be voided")

	// The cancellation coming back fails the payment and leaves the offer expired.
	res = h.handle(t, chargeFailed("evt_void", unpaid.Payment.ExternalID))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)
	p, err := h.db.Payments().GetPayment(ctx, unpaid.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)
	assert.Equal(t, offer.StatusExpired, h.getOffer(t, unpaid.Offer.ID).Status)
}
