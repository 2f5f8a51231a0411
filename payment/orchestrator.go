package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"freightflow/metrics"
)

// DestinationResolver maps a party to its processor payout account.
type DestinationResolver interface {
	Destination(ctx context.Context, partyID string) (string, error)
}

// Orchestrator places holds and issues split transfers. It never moves a
// local record's status; that is left to settlement.
type Orchestrator struct {
	store        Store
	processor    Processor
	destinations DestinationResolver
	log          zerolog.Logger

	currency   string
	maxRetries uint64
	timeout    time.Duration
	idGen      func() string
	newBackOff func() backoff.BackOff
}

func NewOrchestrator(store Store, processor Processor, destinations DestinationResolver, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        store,
		processor:    processor,
		destinations: destinations,
		log:          log,
		currency:     "usd",
		maxRetries:   3,
		timeout:      10 * time.Second,
		idGen:        func() string { return uuid.NewString() },
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// WithCurrency sets the ISO currency used for holds and transfers.
func (o *Orchestrator) WithCurrency(currency string) *Orchestrator {
	if currency != "" {
		o.currency = currency
	}
	return o
}

// WithRetry bounds processor retries and the per-attempt timeout.
func (o *Orchestrator) WithRetry(maxRetries int, timeout time.Duration) *Orchestrator {
	if maxRetries >= 0 {
		o.maxRetries = uint64(maxRetries)
	}
	if timeout > 0 {
		o.timeout = timeout
	}
	return o
}

// WithBackOff overrides the retry schedule.
func (o *Orchestrator) WithBackOff(fn func() backoff.BackOff) *Orchestrator {
	if fn != nil {
		o.newBackOff = fn
	}
	return o
}

// WithIDGenerator overrides the record id source.
func (o *Orchestrator) WithIDGenerator(fn func() string) *Orchestrator {
	if fn != nil {
		o.idGen = fn
	}
	return o
}

// Currency returns the configured currency.
func (o *Orchestrator) Currency() string {
	return o.currency
}

// HoldKey is the idempotency key for a hold of purpose on the given reference.
func HoldKey(purpose Purpose, ref string) string {
	return fmt.Sprintf("hold:%s:%s", purpose, ref)
}

// TransferKey is the idempotency key for paying recipient under contract.
func TransferKey(contractID, recipientID string) string {
	return fmt.Sprintf("transfer:%s:%s", contractID, recipientID)
}

// AuthorizeHold places a hold with the processor and records a pending payment
// carrying the offer/contract metadata needed to correlate processor events.
func (o *Orchestrator) AuthorizeHold(ctx context.Context, params HoldParams) (Payment, error) {
	if params.PayerID == "" {
		return Payment{}, ErrMissingPayer
	}
	if params.OfferID == "" {
		return Payment{}, ErrMissingOffer
	}
	if !params.Amount.IsPositive() {
		return Payment{}, ErrInvalidAmount
	}
	if params.Purpose == "" {
		params.Purpose = PurposeOfferDeposit
	}
	if params.Purpose == PurposeContractBalance && params.ContractID == nil {
		return Payment{}, ErrMissingContract
	}

	ref := params.OfferID
	if params.ContractID != nil {
		ref = *params.ContractID
	}
	key := HoldKey(params.Purpose, ref)

	metadata := make(map[string]string, len(params.Metadata)+4)
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	metadata["offer_id"] = params.OfferID
	metadata["payer_id"] = params.PayerID
	metadata["purpose"] = string(params.Purpose)
	if params.ContractID != nil {
		metadata["contract_id"] = *params.ContractID
	}

	var hold Hold
	err := o.retry(ctx, "create_hold", func(ctx context.Context) error {
		var err error
		hold, err = o.processor.CreateHold(ctx, HoldRequest{
			IdempotencyKey: key,
			Amount:         params.Amount,
			Currency:       o.currency,
			Description:    fmt.Sprintf("freight commitment %s", params.OfferID),
			TransferGroup:  params.OfferID,
			Metadata:       metadata,
		})
		return err
	})
	if err != nil {
		return Payment{}, fmt.Errorf("payment: authorize hold: %w", err)
	}

	p, created, err := o.store.InsertPayment(ctx, Payment{
		ID:             o.idGen(),
		ExternalID:     hold.ExternalID,
		IdempotencyKey: key,
		PayerID:        params.PayerID,
		OfferID:        params.OfferID,
		ContractID:     params.ContractID,
		Purpose:        params.Purpose,
		Amount:         params.Amount,
		Currency:       o.currency,
		Status:         StatusPending,
	})
	if err != nil {
		o.log.Error().Err(err).Str("external_id", hold.ExternalID).Str("offer_id", params.OfferID).Msg("payment record not persisted, voiding hold")
		if voidErr := o.cancel(ctx, hold.ExternalID, "void:"+key); voidErr != nil {
			o.log.Error().Err(voidErr).Str("external_id", hold.ExternalID).Msg("void after failed insert")
		}
		return Payment{}, err
	}
	if !created {
		o.log.Debug().Str("external_id", p.ExternalID).Msg("hold already recorded")
	}
	return p, nil
}

// VoidHold asks the processor to release a hold. The local record moves only
// when the cancellation event comes back through settlement.
func (o *Orchestrator) VoidHold(ctx context.Context, p Payment) error {
	if p.ExternalID == "" {
		return ErrNotFound
	}
	if err := o.cancel(ctx, p.ExternalID, "void:"+p.IdempotencyKey); err != nil {
		return fmt.Errorf("payment: void hold: %w", err)
	}
	return nil
}

// VoidPending voids every hold on the offer that has not settled yet and
// reports how many were voided. Settled charges are left for a refund.
func (o *Orchestrator) VoidPending(ctx context.Context, offerID string) (int, error) {
	payments, err := o.store.PaymentsForOffer(ctx, offerID)
	if err != nil {
		return 0, fmt.Errorf("payment: void pending: %w", err)
	}

	voided := 0
	var errs []error
	for _, p := range payments {
		switch p.Status {
		case StatusPending, StatusProcessing:
		case StatusCompleted:
			o.log.Warn().Str("offer_id", offerID).Str("payment_id", p.ID).Msg("settled charge on a closed offer")
			continue
		default:
			continue
		}
		if err := o.VoidHold(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		voided++
	}
	return voided, errors.Join(errs...)
}

func (o *Orchestrator) cancel(ctx context.Context, externalID, key string) error {
	return o.retry(ctx, "cancel_hold", func(ctx context.Context) error {
		return o.processor.CancelHold(ctx, externalID, key)
	})
}

// SplitAndTransfer creates one payout per non-zero beneficiary before asking
// the processor to move money, then records the transfer id. Re-running it
// for the same contract reuses the existing payouts and idempotency keys.
func (o *Orchestrator) SplitAndTransfer(ctx context.Context, req SplitRequest) ([]Payout, error) {
	if req.ContractID == "" {
		return nil, ErrMissingContract
	}

	type leg struct {
		b    Beneficiary
		dest string
	}
	legs := make([]leg, 0, len(req.Beneficiaries))
	for _, b := range req.Beneficiaries {
		if b.Amount.IsNegative() {
			return nil, ErrInvalidAmount
		}
		if b.Amount.IsZero() {
			continue
		}
		dest, err := o.destinations.Destination(ctx, b.RecipientID)
		if err != nil {
			return nil, fmt.Errorf("payment: destination for %s: %w", b.RecipientID, err)
		}
		if dest == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoDestination, b.RecipientID)
		}
		legs = append(legs, leg{b: b, dest: dest})
	}

	payouts := make([]Payout, 0, len(legs))
	var errs []error
	for _, l := range legs {
		key := TransferKey(req.ContractID, l.b.RecipientID)
		p, created, err := o.store.InsertPayout(ctx, Payout{
			ID:             o.idGen(),
			ContractID:     req.ContractID,
			RecipientID:    l.b.RecipientID,
			RecipientRole:  l.b.Role,
			Amount:         l.b.Amount,
			Currency:       o.currency,
			Status:         PayoutCreated,
			IdempotencyKey: key,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			metrics.PayoutsCreated.WithLabelValues(l.b.Role).Inc()
		}
		if p.ExternalTransferID != nil || p.Status == PayoutCompleted {
			payouts = append(payouts, p)
			continue
		}

		var tr Transfer
		err = o.retry(ctx, "create_transfer", func(ctx context.Context) error {
			var err error
			tr, err = o.processor.CreateTransfer(ctx, TransferRequest{
				IdempotencyKey: key,
				Destination:    l.dest,
				Amount:         p.Amount,
				Currency:       p.Currency,
				TransferGroup:  req.ContractID,
				Metadata: map[string]string{
					"contract_id":  req.ContractID,
					"payout_id":    p.ID,
					"recipient_id": l.b.RecipientID,
				},
			})
			return err
		})
		if err != nil {
			// The payout stays in created and is retried by the release sweep.
			o.log.Warn().Err(err).Str("contract_id", req.ContractID).Str("payout_id", p.ID).Msg("transfer request failed")
			errs = append(errs, fmt.Errorf("payment: transfer %s: %w", p.ID, err))
			payouts = append(payouts, p)
			continue
		}

		attached, err := o.store.AttachTransfer(ctx, p.ID, tr.ExternalID)
		if err != nil {
			errs = append(errs, err)
			payouts = append(payouts, p)
			continue
		}
		payouts = append(payouts, attached)
	}

	return payouts, errors.Join(errs...)
}

func (o *Orchestrator) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			metrics.ProcessorCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			metrics.ProcessorCalls.WithLabelValues(op, "cancelled").Inc()
			return backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			metrics.ProcessorCalls.WithLabelValues(op, "rejected").Inc()
			return backoff.Permanent(err)
		}
		metrics.ProcessorCalls.WithLabelValues(op, "retry").Inc()
		o.log.Debug().Err(err).Str("op", op).Msg("transient processor error")
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), o.maxRetries), ctx)
	return backoff.Retry(attempt, policy)
}
