package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightflow/account"
	"freightflow/contract"
	"freightflow/offer"
	"freightflow/outbox"
	"freightflow/payment"
	"freightflow/settlement"
	"freightflow/test/memstore"
)

func TestHappyPath_CommitFundDeliverExecute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, c := h.commit(t)
	require.Equal(t, "1000.00", created.Offer.TotalValue.StringFixed(2))
	require.Equal(t, "800.00", c.CarrierAmount.StringFixed(2))
	require.Equal(t, "100.00", c.BrokerAmount.StringFixed(2))
	require.Equal(t, "100.00", c.PlatformAmount.StringFixed(2))
	require.Equal(t, contract.EscrowPending, c.EscrowStatus)

	res := h.handle(t, h.proc.Succeeded("evt_1", created.Payment.ExternalID))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)
	require.Equal(t, contract.EscrowHeld, h.getContract(t, c.ID).EscrowStatus)
	require.Equal(t, offer.StatusFunded, h.getOffer(t, created.Offer.ID).Status)

	_, err := h.contracts.Sign(ctx, c.ID, carrierID)
	require.NoError(t, err)
	delivered, err := h.contracts.ConfirmDelivery(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusSigned, delivered.Status, "payouts have not settled yet")

	payouts := h.payoutsFor(c.ID)
	require.Len(t, payouts, 2)
	amounts := map[string]string{}
	for i, p := range payouts {
		require.NotNil(t, p.ExternalTransferID)
		amounts[p.RecipientID] = p.Amount.StringFixed(2)
		res := h.handle(t, transferPaid(fmt.Sprintf("evt_paid_%d", i), *p.ExternalTransferID, nil))
		require.Equal(t, settlement.OutcomeApplied, res.Outcome)
	}
	assert.Equal(t, map[string]string{carrierID: "800.00", brokerID: "100.00"}, amounts)

	final := h.getContract(t, c.ID)
	assert.Equal(t, contract.StatusExecuted, final.Status)
	assert.Equal(t, contract.EscrowReleased, final.EscrowStatus)
	assert.NotNil(t, final.ExecutedAt)
	assert.Len(t, h.db.Messages(outbox.TopicContractExecuted), 1)
	assert.Len(t, h.db.Messages(outbox.TopicEscrowReleased), 1)
	assert.Len(t, h.db.Messages(outbox.TopicPayoutCompleted), 2)
}

func TestChargeSucceeded_BeforeContractIsPickedUpOnGenerate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := h.postOffer(t)
	_, err := h.offers.Accept(ctx, created.Offer.ID, carrierID)
	require.NoError(t, err)

	res := h.handle(t, h.proc.Succeeded("evt_early", created.Payment.ExternalID))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)
	require.Equal(t, offer.StatusAccepted, h.getOffer(t, created.Offer.ID).Status, "no contract yet, offer stays accepted")

	c, err := h.contracts.Generate(ctx, created.Offer.ID, carrierID)
	require.NoError(t, err)
	assert.Equal(t, contract.EscrowHeld, c.EscrowStatus)
	assert.Equal(t, offer.StatusFunded, h.getOffer(t, created.Offer.ID).Status)
}

func TestDuplicateDelivery_IsRecordedOnce(t *testing.T) {
	h := newHarness(t)
	created, c := h.commit(t)

	first := h.handle(t, h.proc.Succeeded("evt_dup", created.Payment.ExternalID))
	second := h.handle(t, h.proc.Succeeded("evt_dup", created.Payment.ExternalID))

	assert.Equal(t, settlement.OutcomeApplied, first.Outcome)
	assert.Equal(t, settlement.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Len(t, h.db.Events(), 1)
	assert.Len(t, h.db.Messages(outbox.TopicEscrowHeld), 1)
	assert.Equal(t, contract.EscrowHeld, h.getContract(t, c.ID).EscrowStatus)
}

func TestRedeliveryUnderNewEventID_IsNoop(t *testing.T) {
	h := newHarness(t)
	created, _ := h.commit(t)

	h.handle(t, h.proc.Succeeded("evt_a", created.Payment.ExternalID))
	res := h.handle(t, h.proc.Succeeded("evt_b", created.Payment.ExternalID))

	assert.Equal(t, settlement.OutcomeNoop, res.Outcome)
	assert.Len(t, h.db.Messages(outbox.TopicOfferFunded), 1)
}

func TestConcurrentDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	created, _ := h.commit(t)

	const callers = 20
	results := make([]settlement.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.rec.Handle(context.Background(), h.proc.Succeeded("evt_storm", created.Payment.ExternalID))
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r.Outcome == settlement.OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, settlement.OutcomeDuplicate, r.Outcome)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Len(t, h.db.Messages(outbox.TopicEscrowHeld), 1)
}

func TestChargeFailed_CancelsOfferAndContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, c := h.commit(t)

	res := h.handle(t, chargeFailed("evt_fail", created.Payment.ExternalID))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)

	o := h.getOffer(t, created.Offer.ID)
	assert.Equal(t, offer.StatusCancelled, o.Status)
	assert.Nil(t, o.AcceptedBy)

	got := h.getContract(t, c.ID)
	assert.Equal(t, contract.StatusCancelled, got.Status)
	assert.Equal(t, contract.EscrowFailed, got.EscrowStatus)

	_, err := h.contracts.Sign(ctx, c.ID, carrierID)
	assert.ErrorIs(t, err, contract.ErrNotSignable)

	again := h.handle(t, chargeFailed("evt_fail_2", created.Payment.ExternalID))
	assert.Equal(t, settlement.OutcomeNoop, again.Outcome)

	late := h.handle(t, h.proc.Succeeded("evt_late_success", created.Payment.ExternalID))
	assert.Equal(t, settlement.OutcomeHeld, late.Outcome)
}

func TestChargeFailed_WithoutContractCancelsOffer(t *testing.T) {
	h := newHarness(t)
	created := h.postOffer(t)

	res := h.handle(t, chargeFailed("evt_fail", created.Payment.ExternalID))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)
	assert.Equal(t, offer.StatusCancelled, h.getOffer(t, created.Offer.ID).Status)

	_, err := h.offers.Accept(context.Background(), created.Offer.ID, carrierID)
	assert.ErrorIs(t, err, offer.ErrAlreadyTaken)
}

func TestChargeFailed_AfterSuccessIsHeld(t *testing.T) {
	h := newHarness(t)
	created, c := h.commit(t)

	h.handle(t, h.proc.Succeeded("evt_ok", created.Payment.ExternalID))
	res := h.handle(t, chargeFailed("evt_contradiction", created.Payment.ExternalID))

	assert.Equal(t, settlement.OutcomeHeld, res.Outcome)
	assert.Equal(t, contract.EscrowHeld, h.getContract(t, c.ID).EscrowStatus)
}

func TestChargeRefunded_UnwindsHeldEscrow(t *testing.T) {
	h := newHarness(t)
	created, c := h.commit(t)

	early := h.handle(t, chargeRefunded("evt_refund_early", created.Payment.ExternalID))
	assert.Equal(t, settlement.OutcomeHeld, early.Outcome, "refund of a pending charge")

	h.handle(t, h.proc.Succeeded("evt_ok", created.Payment.ExternalID))
	res := h.handle(t, chargeRefunded("evt_refund", created.Payment.ExternalID))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)

	got := h.getContract(t, c.ID)
	assert.Equal(t, contract.StatusCancelled, got.Status)
	assert.Equal(t, contract.EscrowFailed, got.EscrowStatus)
	assert.Equal(t, offer.StatusCancelled, h.getOffer(t, created.Offer.ID).Status)
}

func TestUnknownPayment_IsHeldThenReplayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The first hold the processor issues is pi_0001.
	res := h.handle(t, chargeSucceeded("evt_orphan", "pi_0001", "1000.00"))
	require.Equal(t, settlement.OutcomeHeld, res.Outcome)

	held, err := h.rec.ListHeld(ctx, 10)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, res.RecordID, held[0].ID)

	created := h.postOffer(t)
	require.Equal(t, "pi_0001", created.Payment.ExternalID)

	replayed, err := h.rec.Replay(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeApplied, replayed.Outcome)

	p, err := h.db.Payments().GetPayment(ctx, created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, p.Status)

	_, err = h.rec.Replay(ctx, res.RecordID)
	assert.ErrorIs(t, err, settlement.ErrNotHeld)
}

func TestResolve_ClosesHeldEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.handle(t, chargeSucceeded("evt_orphan", "pi_missing", "1000.00"))
	require.Equal(t, settlement.OutcomeHeld, res.Outcome)

	resolved, err := h.rec.Resolve(ctx, res.RecordID, "charge belongs to another platform")
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeResolved, resolved.Outcome)

	rec, err := h.rec.GetEvent(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeResolved, rec.Outcome)
	assert.Contains(t, rec.Detail, "another platform")

	held, err := h.rec.ListHeld(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, held)

	_, err = h.rec.Resolve(ctx, res.RecordID, "")
	assert.ErrorIs(t, err, settlement.ErrNotHeld)
	_, err = h.rec.Resolve(ctx, "no-such-record", "")
	assert.ErrorIs(t, err, settlement.ErrEventNotFound)
}

func TestReject_RecordsUnknownKindOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	unknown := &settlement.UnknownKindError{EventID: "evt_cust", Type: "customer.created", Payload: []byte(`{"id":"evt_cust"}`)}

	first, err := h.rec.Reject(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeRejected, first.Outcome)

	second, err := h.rec.Reject(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeDuplicate, second.Outcome)

	events := h.db.Events()
	require.Len(t, events, 1)
	assert.Equal(t, settlement.OutcomeRejected, events[0].Outcome)
	assert.NotNil(t, events[0].ProcessedAt)
}

func TestTransferPaid_BeforeCreated(t *testing.T) {
	h := newHarness(t)
	c := h.fundAndDeliver(t)

	payouts := h.payoutsFor(c.ID)
	require.Len(t, payouts, 2)
	transferID := *payouts[0].ExternalTransferID

	paid := h.handle(t, transferPaid("evt_paid", transferID, nil))
	assert.Equal(t, settlement.OutcomeApplied, paid.Outcome)
	created := h.handle(t, transferCreated("evt_created", transferID, nil))
	assert.Equal(t, settlement.OutcomeNoop, created.Outcome)

	for _, p := range h.payoutsFor(c.ID) {
		if p.ID == payouts[0].ID {
			assert.Equal(t, payment.PayoutCompleted, p.Status)
			assert.NotNil(t, p.CompletedAt)
		}
	}
}

func TestTransferCreated_MovesPayoutToProcessing(t *testing.T) {
	h := newHarness(t)
	c := h.fundAndDeliver(t)
	p := h.payoutsFor(c.ID)[0]

	res := h.handle(t, transferCreated("evt_created", *p.ExternalTransferID, nil))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)
	for _, got := range h.payoutsFor(c.ID) {
		if got.ID == p.ID {
			assert.Equal(t, payment.PayoutProcessing, got.Status)
		}
	}
}

func TestTransferEvent_FallsBackToPayoutMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, c := h.commit(t)
	h.handle(t, h.proc.Succeeded("evt_ok", created.Payment.ExternalID))
	_, err := h.contracts.Sign(ctx, c.ID, carrierID)
	require.NoError(t, err)

	// The carrier leg is requested first and fails, leaving its payout without a transfer id.
	h.proc.FailNext("transfer", &payment.ProcessorError{Op: "transfer", Code: "account_invalid", Err: errors.New("declined")})
	_, err = h.contracts.ConfirmDelivery(ctx, c.ID)
	require.NoError(t, err)

	var orphan payment.Payout
	for _, p := range h.payoutsFor(c.ID) {
		if p.ExternalTransferID == nil {
			orphan = p
		}
	}
	require.NotEmpty(t, orphan.ID)

	res := h.handle(t, transferPaid("evt_paid_orphan", "tr_manual", map[string]string{"payout_id": orphan.ID}))
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)

	for _, p := range h.payoutsFor(c.ID) {
		if p.ID == orphan.ID {
			require.NotNil(t, p.ExternalTransferID)
			assert.Equal(t, "tr_manual", *p.ExternalTransferID)
			assert.Equal(t, payment.PayoutCompleted, p.Status)
		}
	}

	mismatch := h.handle(t, transferPaid("evt_paid_mismatch", "tr_other", map[string]string{"payout_id": orphan.ID}))
	assert.Equal(t, settlement.OutcomeHeld, mismatch.Outcome)

	unknown := h.handle(t, transferCreated("evt_unknown", "tr_nobody", nil))
	assert.Equal(t, settlement.OutcomeHeld, unknown.Outcome)
}

func TestTryExecute_WaitsForEveryPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.fundAndDeliver(t)

	payouts := h.payoutsFor(c.ID)
	h.handle(t, transferPaid("evt_paid_0", *payouts[0].ExternalTransferID, nil))
	require.NoError(t, h.rec.TryExecute(ctx, c.ID))
	assert.Equal(t, contract.StatusSigned, h.getContract(t, c.ID).Status)
	assert.Equal(t, contract.EscrowHeld, h.getContract(t, c.ID).EscrowStatus)

	h.handle(t, transferPaid("evt_paid_1", *payouts[1].ExternalTransferID, nil))
	assert.Equal(t, contract.StatusExecuted, h.getContract(t, c.ID).Status)

	require.NoError(t, h.rec.TryExecute(ctx, c.ID))
	assert.Len(t, h.db.Messages(outbox.TopicContractExecuted), 1)
}

func TestAccountUpdated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.handle(t, settlement.AccountUpdated{
		Envelope:       envelope("evt_acct", settlement.KindAccountUpdated, "acct_carrier"),
		PayoutsEnabled: false,
	})
	require.Equal(t, settlement.OutcomeApplied, res.Outcome)

	_, err := h.accounts.Destination(ctx, carrierID)
	assert.ErrorIs(t, err, account.ErrPayoutsDisabled)

	unknown := h.handle(t, settlement.AccountUpdated{
		Envelope:       envelope("evt_acct_unknown", settlement.KindAccountUpdated, "acct_ghost"),
		PayoutsEnabled: true,
	})
	assert.Equal(t, settlement.OutcomeHeld, unknown.Outcome)
}

func TestFailedTransaction_LeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	created, _ := h.commit(t)

	h.db.FailNext(memstore.FaultSettlementTx, errors.New("connection reset"))
	_, err := h.rec.Handle(context.Background(), h.proc.Succeeded("evt_retry", created.Payment.ExternalID))
	require.Error(t, err)
	assert.Empty(t, h.db.Events())

	res := h.handle(t, h.proc.Succeeded("evt_retry", created.Payment.ExternalID))
	assert.Equal(t, settlement.OutcomeApplied, res.Outcome)
}

func TestPartialDeposit_FundsOnlyWhenBalanceSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.offers.WithDepositPercent(decimal.NewFromInt(20))

	created, c := h.commit(t)
	require.Equal(t, "200.00", created.Payment.Amount.StringFixed(2))

	var balance payment.Payment
	for _, p := range h.db.AllPayments() {
		if p.Purpose == payment.PurposeContractBalance {
			balance = p
		}
	}
	require.Equal(t, "800.00", balance.Amount.StringFixed(2))
	require.NotNil(t, balance.ContractID)
	assert.Equal(t, c.ID, *balance.ContractID)

	h.handle(t, h.proc.Succeeded("evt_deposit", created.Payment.ExternalID))
	assert.Equal(t, contract.EscrowPending, h.getContract(t, c.ID).EscrowStatus)

	h.handle(t, h.proc.Succeeded("evt_balance", balance.ExternalID))
	assert.Equal(t, contract.EscrowHeld, h.getContract(t, c.ID).EscrowStatus)
	assert.Equal(t, offer.StatusFunded, h.getOffer(t, created.Offer.ID).Status)

	again, err := h.contracts.Generate(ctx, created.Offer.ID, carrierID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, 2, h.proc.HoldCount(), "regenerating reuses the balance hold")
}

// fundAndDeliver runs the happy path up to requested payouts.
func (h *harness) fundAndDeliver(t *testing.T) contract.Contract {
	t.Helper()
	ctx := context.Background()
	created, c := h.commit(t)
	h.handle(t, h.proc.Succeeded("evt_fund", created.Payment.ExternalID))
	_, err := h.contracts.Sign(ctx, c.ID, carrierID)
	require.NoError(t, err)
	c, err = h.contracts.ConfirmDelivery(ctx, c.ID)
	require.NoError(t, err)
	return c
}
