package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"freightflow/contract"
	"freightflow/metrics"
	"freightflow/outbox"
	"freightflow/payment"
)

// Result reports how one event was handled.
type Result struct {
	RecordID        string  `json:"record_id"`
	ProviderEventID string  `json:"provider_event_id"`
	Kind            Kind    `json:"kind"`
	Outcome         Outcome `json:"outcome"`
	Detail          string  `json:"detail,omitempty"`
}

// Reconciler applies processor events. Every handler is idempotent: a
// redelivered event id is a duplicate, and an event whose target state is
// already reached is a noop. Events that reference unknown records or
// conflict with local state are held for an operator, never dropped.
type Reconciler struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewReconciler(store Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, log: log, now: time.Now}
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// Handle records ev in the audit trail and applies it in the same transaction.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (Result, error) {
	h := ev.Header()
	payload, err := Encode(ev)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: encode event: %w", err)
	}

	res := Result{ProviderEventID: h.EventID, Kind: h.Kind}
	err = r.store.InTx(ctx, func(l Ledger) error {
		now := r.now()
		rec, inserted, err := l.RecordEvent(ctx, EventRecord{
			ProviderEventID: h.EventID,
			Kind:            h.Kind,
			ExternalID:      h.ExternalID,
			Payload:         payload,
			Outcome:         OutcomeReceived,
			ReceivedAt:      now,
		})
		if err != nil {
			return err
		}
		res.RecordID = rec.ID
		if !inserted {
			res.Outcome = OutcomeDuplicate
			res.Detail = "already recorded as " + string(rec.Outcome)
			return nil
		}

		outcome, detail, err := r.apply(ctx, l, ev, now)
		if err != nil {
			return err
		}
		res.Outcome, res.Detail = outcome, detail
		return l.CompleteEvent(ctx, rec.ID, outcome, detail, now)
	})
	if err != nil {
		metrics.SettlementEvents.WithLabelValues(string(h.Kind), "error").Inc()
		r.log.Error().Err(err).Str("event_id", h.EventID).Str("kind", string(h.Kind)).Msg("settlement event failed")
		return Result{}, err
	}

	r.observe(res, h.ExternalID)
	return res, nil
}

// Reject records a verified event of a kind the engine does not handle.
func (r *Reconciler) Reject(ctx context.Context, unknown *UnknownKindError) (Result, error) {
	res := Result{ProviderEventID: unknown.EventID, Kind: Kind(unknown.Type), Outcome: OutcomeRejected}
	payload := unknown.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	err := r.store.InTx(ctx, func(l Ledger) error {
		now := r.now()
		rec, inserted, err := l.RecordEvent(ctx, EventRecord{
			ProviderEventID: unknown.EventID,
			Kind:            Kind(unknown.Type),
			Payload:         payload,
			Outcome:         OutcomeRejected,
			Detail:          "unrecognised event type",
			ReceivedAt:      now,
		})
		if err != nil {
			return err
		}
		res.RecordID = rec.ID
		if !inserted {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		res.Detail = rec.Detail
		return l.CompleteEvent(ctx, rec.ID, OutcomeRejected, rec.Detail, now)
	})
	if err != nil {
		return Result{}, err
	}
	r.observe(res, "")
	return res, nil
}

// Replay re-applies a held event after an operator fixed the missing state.
func (r *Reconciler) Replay(ctx context.Context, recordID string) (Result, error) {
	var res Result
	err := r.store.InTx(ctx, func(l Ledger) error {
		rec, err := l.LockEvent(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Outcome != OutcomeHeld {
			return fmt.Errorf("%w: outcome %s", ErrNotHeld, rec.Outcome)
		}
		ev, err := DecodeStored(rec.Payload)
		if err != nil {
			return err
		}
		now := r.now()
		outcome, detail, err := r.apply(ctx, l, ev, now)
		if err != nil {
			return err
		}
		res = Result{RecordID: rec.ID, ProviderEventID: rec.ProviderEventID, Kind: rec.Kind, Outcome: outcome, Detail: detail}
		return l.CompleteEvent(ctx, rec.ID, outcome, detail, now)
	})
	if err != nil {
		return Result{}, err
	}
	r.observe(res, "")
	return res, nil
}

// Resolve closes a held event without applying it.
func (r *Reconciler) Resolve(ctx context.Context, recordID, note string) (Result, error) {
	var res Result
	err := r.store.InTx(ctx, func(l Ledger) error {
		rec, err := l.LockEvent(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Outcome != OutcomeHeld {
			return fmt.Errorf("%w: outcome %s", ErrNotHeld, rec.Outcome)
		}
		detail := "resolved manually"
		if note != "" {
			detail += ": " + note
		}
		res = Result{RecordID: rec.ID, ProviderEventID: rec.ProviderEventID, Kind: rec.Kind, Outcome: OutcomeResolved, Detail: detail}
		return l.CompleteEvent(ctx, rec.ID, OutcomeResolved, detail, r.now())
	})
	if err != nil {
		return Result{}, err
	}
	r.log.Info().Str("record_id", recordID).Msg("held settlement event resolved")
	return res, nil
}

// ListHeld returns events waiting for an operator.
func (r *Reconciler) ListHeld(ctx context.Context, limit int) ([]EventRecord, error) {
	return r.store.ListHeld(ctx, limit)
}

// GetEvent returns one audit trail entry.
func (r *Reconciler) GetEvent(ctx context.Context, recordID string) (EventRecord, error) {
	return r.store.GetEvent(ctx, recordID)
}

// SyncContract re-derives escrow and offer state from the contract's payments.
// Covers charges that settled before the contract existed.
func (r *Reconciler) SyncContract(ctx context.Context, contractID string) error {
	return r.store.InTx(ctx, func(l Ledger) error {
		c, err := l.GetContract(ctx, contractID)
		if err != nil {
			return err
		}
		_, err = r.syncOffer(ctx, l, c.OfferID, r.now())
		return err
	})
}

// TryExecute releases escrow if every payout completed and executes the
// contract if it is signed, released and delivered.
func (r *Reconciler) TryExecute(ctx context.Context, contractID string) error {
	return r.store.InTx(ctx, func(l Ledger) error {
		_, err := r.settle(ctx, l, contractID, r.now())
		return err
	})
}

func (r *Reconciler) apply(ctx context.Context, l Ledger, ev Event, now time.Time) (Outcome, string, error) {
	switch e := ev.(type) {
	case ChargeSucceeded:
		return r.chargeSucceeded(ctx, l, e, now)
	case ChargeFailed:
		return r.chargeFailed(ctx, l, e, now)
	case ChargeRefunded:
		return r.chargeRefunded(ctx, l, e, now)
	case TransferCreated:
		return r.transferCreated(ctx, l, e.Envelope, now)
	case TransferPaid:
		return r.transferPaid(ctx, l, e.Envelope, now)
	case AccountUpdated:
		return r.accountUpdated(ctx, l, e, now)
	}
	return OutcomeRejected, fmt.Sprintf("unhandled event %T", ev), nil
}

func (r *Reconciler) chargeSucceeded(ctx context.Context, l Ledger, e ChargeSucceeded, now time.Time) (Outcome, string, error) {
	p, err := l.PaymentByExternalID(ctx, e.ExternalID)
	if errors.Is(err, payment.ErrNotFound) {
		return OutcomeHeld, "no payment for " + e.ExternalID, nil
	}
	if err != nil {
		return "", "", err
	}

	switch p.Status {
	case payment.StatusCompleted, payment.StatusRefunded:
		return OutcomeNoop, "payment already " + string(p.Status), nil
	case payment.StatusFailed:
		return OutcomeHeld, "charge succeeded for failed payment " + p.ID, nil
	}
	// The processor's figure wins: a short or foreign charge never funds escrow.
	if !e.Amount.Equal(p.Amount) {
		return OutcomeHeld, fmt.Sprintf("charge of %s for payment %s of %s", e.Amount, p.ID, p.Amount), nil
	}
	if e.Currency != "" && !strings.EqualFold(e.Currency, p.Currency) {
		return OutcomeHeld, fmt.Sprintf("charge in %s for payment %s in %s", e.Currency, p.ID, p.Currency), nil
	}

	if _, err := l.TransitionPayment(ctx, p.ID, []payment.Status{payment.StatusPending, payment.StatusProcessing}, payment.StatusCompleted, now); err != nil {
		return "", "", err
	}
	effects, err := r.syncOffer(ctx, l, p.OfferID, now)
	if err != nil {
		return "", "", err
	}
	return OutcomeApplied, describe("payment completed", effects), nil
}

func (r *Reconciler) chargeFailed(ctx context.Context, l Ledger, e ChargeFailed, now time.Time) (Outcome, string, error) {
	p, err := l.PaymentByExternalID(ctx, e.ExternalID)
	if errors.Is(err, payment.ErrNotFound) {
		return OutcomeHeld, "no payment for " + e.ExternalID, nil
	}
	if err != nil {
		return "", "", err
	}

	switch p.Status {
	case payment.StatusFailed:
		return OutcomeNoop, "payment already failed", nil
	case payment.StatusCompleted, payment.StatusRefunded:
		return OutcomeHeld, "charge failed for " + string(p.Status) + " payment " + p.ID, nil
	}

	if _, err := l.TransitionPayment(ctx, p.ID, []payment.Status{payment.StatusPending, payment.StatusProcessing}, payment.StatusFailed, now); err != nil {
		return "", "", err
	}
	effects, err := r.cancelDeal(ctx, l, p.OfferID, now)
	if err != nil {
		return "", "", err
	}
	detail := "payment failed"
	if e.Reason != "" {
		detail += " (" + e.Reason + ")"
	}
	return OutcomeApplied, describe(detail, effects), nil
}

func (r *Reconciler) chargeRefunded(ctx context.Context, l Ledger, e ChargeRefunded, now time.Time) (Outcome, string, error) {
	p, err := l.PaymentByExternalID(ctx, e.ExternalID)
	if errors.Is(err, payment.ErrNotFound) {
		return OutcomeHeld, "no payment for " + e.ExternalID, nil
	}
	if err != nil {
		return "", "", err
	}

	switch p.Status {
	case payment.StatusRefunded:
		return OutcomeNoop, "payment already refunded", nil
	case payment.StatusCompleted:
	default:
		return OutcomeHeld, "refund for " + string(p.Status) + " payment " + p.ID, nil
	}

	if _, err := l.TransitionPayment(ctx, p.ID, []payment.Status{payment.StatusCompleted}, payment.StatusRefunded, now); err != nil {
		return "", "", err
	}
	effects, err := r.cancelDeal(ctx, l, p.OfferID, now)
	if err != nil {
		return "", "", err
	}
	return OutcomeApplied, describe("payment refunded", effects), nil
}

// findPayout looks a payout up by transfer id, falling back to the payout id
// carried in the transfer metadata when the transfer id was never recorded.
func (r *Reconciler) findPayout(ctx context.Context, l Ledger, e Envelope) (payment.Payout, string, error) {
	po, err := l.PayoutByTransfer(ctx, e.ExternalID)
	if err == nil {
		return po, "", nil
	}
	if !errors.Is(err, payment.ErrPayoutNotFound) {
		return payment.Payout{}, "", err
	}

	payoutID := e.Metadata["payout_id"]
	if payoutID == "" {
		return payment.Payout{}, "no payout for transfer " + e.ExternalID, nil
	}
	po, err = l.PayoutByID(ctx, payoutID)
	if errors.Is(err, payment.ErrPayoutNotFound) {
		return payment.Payout{}, "no payout " + payoutID, nil
	}
	if err != nil {
		return payment.Payout{}, "", err
	}
	if po.ExternalTransferID != nil && *po.ExternalTransferID != e.ExternalID {
		return payment.Payout{}, fmt.Sprintf("payout %s bound to transfer %s, got %s", po.ID, *po.ExternalTransferID, e.ExternalID), nil
	}
	if po.ExternalTransferID == nil {
		if err := l.AttachTransfer(ctx, po.ID, e.ExternalID); err != nil {
			return payment.Payout{}, "", err
		}
		id := e.ExternalID
		po.ExternalTransferID = &id
	}
	return po, "", nil
}

func (r *Reconciler) transferCreated(ctx context.Context, l Ledger, e Envelope, now time.Time) (Outcome, string, error) {
	po, missing, err := r.findPayout(ctx, l, e)
	if err != nil {
		return "", "", err
	}
	if missing != "" {
		return OutcomeHeld, missing, nil
	}
	if po.Status != payment.PayoutCreated {
		return OutcomeNoop, "payout already " + string(po.Status), nil
	}
	if _, err := l.TransitionPayout(ctx, po.ID, []payment.PayoutStatus{payment.PayoutCreated}, payment.PayoutProcessing, now); err != nil {
		return "", "", err
	}
	return OutcomeApplied, "payout processing", nil
}

// transferPaid accepts created as well as processing: the processor is the
// source of truth, so a paid event that overtakes transfer-created completes the payout.
func (r *Reconciler) transferPaid(ctx context.Context, l Ledger, e Envelope, now time.Time) (Outcome, string, error) {
	po, missing, err := r.findPayout(ctx, l, e)
	if err != nil {
		return "", "", err
	}
	if missing != "" {
		return OutcomeHeld, missing, nil
	}
	if po.Status == payment.PayoutCompleted {
		return OutcomeNoop, "payout already completed", nil
	}

	moved, err := l.TransitionPayout(ctx, po.ID, []payment.PayoutStatus{payment.PayoutCreated, payment.PayoutProcessing}, payment.PayoutCompleted, now)
	if err != nil {
		return "", "", err
	}
	if moved {
		payload := map[string]any{"payout_id": po.ID, "contract_id": po.ContractID, "recipient_id": po.RecipientID, "amount": po.Amount}
		if err := l.Enqueue(ctx, outbox.TopicPayoutCompleted, po.ContractID, payload); err != nil {
			return "", "", err
		}
	}

	effects, err := r.settle(ctx, l, po.ContractID, now)
	if err != nil {
		return "", "", err
	}
	return OutcomeApplied, describe("payout completed", effects), nil
}

func (r *Reconciler) accountUpdated(ctx context.Context, l Ledger, e AccountUpdated, now time.Time) (Outcome, string, error) {
	found, err := l.SetPayoutsEnabled(ctx, e.ExternalID, e.PayoutsEnabled, now)
	if err != nil {
		return "", "", err
	}
	if !found {
		return OutcomeHeld, "no account for " + e.ExternalID, nil
	}
	return OutcomeApplied, fmt.Sprintf("payouts_enabled=%t", e.PayoutsEnabled), nil
}

// syncOffer derives escrow and offer state from every payment on the offer.
func (r *Reconciler) syncOffer(ctx context.Context, l Ledger, offerID string, now time.Time) ([]string, error) {
	payments, err := l.PaymentsForOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	completed := decimal.Zero
	for _, p := range payments {
		if p.Status == payment.StatusFailed || p.Status == payment.StatusRefunded {
			return r.cancelDeal(ctx, l, offerID, now)
		}
		if p.Status == payment.StatusCompleted {
			completed = completed.Add(p.Amount)
		}
	}

	c, err := l.ContractByOffer(ctx, offerID)
	if errors.Is(err, contract.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Status == contract.StatusCancelled || completed.LessThan(c.TotalAmount) || completed.IsZero() {
		return nil, nil
	}

	var effects []string
	held, err := l.TransitionEscrow(ctx, c.ID, []contract.EscrowStatus{contract.EscrowPending}, contract.EscrowHeld, now)
	if err != nil {
		return nil, err
	}
	if held {
		effects = append(effects, "escrow held")
		if err := l.Enqueue(ctx, outbox.TopicEscrowHeld, c.ID, map[string]any{"contract_id": c.ID, "amount": completed}); err != nil {
			return nil, err
		}
	}
	funded, err := l.FundOffer(ctx, offerID, now)
	if err != nil {
		return nil, err
	}
	if funded {
		effects = append(effects, "offer funded")
		if err := l.Enqueue(ctx, outbox.TopicOfferFunded, offerID, map[string]any{"offer_id": offerID, "contract_id": c.ID}); err != nil {
			return nil, err
		}
	}
	return effects, nil
}

// cancelDeal propagates a terminal payment failure. An executed contract is left alone.
func (r *Reconciler) cancelDeal(ctx context.Context, l Ledger, offerID string, now time.Time) ([]string, error) {
	c, err := l.ContractByOffer(ctx, offerID)
	hasContract := err == nil
	if err != nil && !errors.Is(err, contract.ErrNotFound) {
		return nil, err
	}
	if hasContract && c.Status == contract.StatusExecuted {
		return []string{"contract already executed"}, nil
	}

	var effects []string
	offerCancelled, err := l.CancelOffer(ctx, offerID, now)
	if err != nil {
		return nil, err
	}
	if offerCancelled {
		effects = append(effects, "offer cancelled")
		if err := l.Enqueue(ctx, outbox.TopicOfferCancelled, offerID, map[string]any{"offer_id": offerID}); err != nil {
			return nil, err
		}
	}

	if !hasContract {
		// A contract committed while we waited on the offer row is visible now.
		c, err = l.ContractByOffer(ctx, offerID)
		if errors.Is(err, contract.ErrNotFound) {
			return effects, nil
		}
		if err != nil {
			return nil, err
		}
	}

	cancelled, err := l.CancelContract(ctx, c.ID, now)
	if err != nil {
		return nil, err
	}
	if _, err := l.TransitionEscrow(ctx, c.ID, []contract.EscrowStatus{contract.EscrowPending, contract.EscrowHeld}, contract.EscrowFailed, now); err != nil {
		return nil, err
	}
	if cancelled {
		effects = append(effects, "contract cancelled")
		if err := l.Enqueue(ctx, outbox.TopicContractCancelled, c.ID, map[string]any{"contract_id": c.ID, "offer_id": offerID}); err != nil {
			return nil, err
		}
	}
	return effects, nil
}

// settle releases escrow once every expected payout completed, then executes
// the contract if signed and delivered.
func (r *Reconciler) settle(ctx context.Context, l Ledger, contractID string, now time.Time) ([]string, error) {
	c, err := l.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	var effects []string
	if c.EscrowStatus == contract.EscrowHeld {
		payouts, err := l.PayoutsForContract(ctx, contractID)
		if err != nil {
			return nil, err
		}
		done := 0
		for _, p := range payouts {
			if p.Status == payment.PayoutCompleted {
				done++
			}
		}
		if expected := c.ExpectedPayouts(); expected > 0 && done >= expected {
			released, err := l.TransitionEscrow(ctx, contractID, []contract.EscrowStatus{contract.EscrowHeld}, contract.EscrowReleased, now)
			if err != nil {
				return nil, err
			}
			if released {
				effects = append(effects, "escrow released")
				if err := l.Enqueue(ctx, outbox.TopicEscrowReleased, contractID, map[string]any{"contract_id": contractID}); err != nil {
					return nil, err
				}
			}
		}
	}

	executed, err := l.ExecuteContract(ctx, contractID, now)
	if err != nil {
		return nil, err
	}
	if executed {
		effects = append(effects, "contract executed")
		if err := l.Enqueue(ctx, outbox.TopicContractExecuted, contractID, map[string]any{"contract_id": contractID, "executed_at": now.UTC()}); err != nil {
			return nil, err
		}
		r.log.Info().Str("contract_id", contractID).Msg("contract executed")
	}
	return effects, nil
}

func (r *Reconciler) observe(res Result, externalID string) {
	metrics.SettlementEvents.WithLabelValues(string(res.Kind), string(res.Outcome)).Inc()
	evt := r.log.Info()
	if res.Outcome == OutcomeHeld {
		evt = r.log.Warn()
	}
	evt.Str("event_id", res.ProviderEventID).
		Str("kind", string(res.Kind)).
		Str("external_id", externalID).
		Str("outcome", string(res.Outcome)).
		Str("detail", res.Detail).
		Msg("settlement event handled")
}

func describe(head string, effects []string) string {
	if len(effects) == 0 {
		return head
	}
	return head + "; " + strings.Join(effects, ", ")
}
