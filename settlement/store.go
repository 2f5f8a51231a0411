package settlement

import (
	"context"
	"time"

	"freightflow/contract"
	"freightflow/payment"
)

// Store runs reconciler work atomically and exposes the audit trail.
type Store interface {
	// InTx runs fn in one transaction; any error rolls everything back,
	// including the event record, so the processor's retry sees a clean slate.
	InTx(ctx context.Context, fn func(l Ledger) error) error
	GetEvent(ctx context.Context, id string) (EventRecord, error)
	ListHeld(ctx context.Context, limit int) ([]EventRecord, error)
}

// Ledger is the transaction-scoped view of the records the reconciler may
// change. Every transition takes its precondition as part of the write and
// reports whether it matched.
type Ledger interface {
	// RecordEvent inserts the event keyed by provider id. inserted is false for a redelivery.
	RecordEvent(ctx context.Context, rec EventRecord) (stored EventRecord, inserted bool, err error)
	// LockEvent loads an event for update.
	LockEvent(ctx context.Context, id string) (EventRecord, error)
	CompleteEvent(ctx context.Context, id string, outcome Outcome, detail string, at time.Time) error

	PaymentByExternalID(ctx context.Context, externalID string) (payment.Payment, error)
	PaymentsForOffer(ctx context.Context, offerID string) ([]payment.Payment, error)
	TransitionPayment(ctx context.Context, id string, from []payment.Status, to payment.Status, at time.Time) (bool, error)

	// GetContract and ContractByOffer lock the contract row until the transaction ends.
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	ContractByOffer(ctx context.Context, offerID string) (contract.Contract, error)
	TransitionEscrow(ctx context.Context, contractID string, from []contract.EscrowStatus, to contract.EscrowStatus, at time.Time) (bool, error)
	// CancelContract moves any non-terminal contract to cancelled.
	CancelContract(ctx context.Context, contractID string, at time.Time) (bool, error)
	// ExecuteContract moves signed → executed only when escrow is released and delivery is recorded.
	ExecuteContract(ctx context.Context, contractID string, at time.Time) (bool, error)

	// FundOffer moves accepted → funded.
	FundOffer(ctx context.Context, offerID string, at time.Time) (bool, error)
	// CancelOffer moves open, accepted or funded → cancelled and clears accepted_by.
	CancelOffer(ctx context.Context, offerID string, at time.Time) (bool, error)

	PayoutByTransfer(ctx context.Context, transferID string) (payment.Payout, error)
	PayoutByID(ctx context.Context, id string) (payment.Payout, error)
	AttachTransfer(ctx context.Context, payoutID, transferID string) error
	TransitionPayout(ctx context.Context, id string, from []payment.PayoutStatus, to payment.PayoutStatus, at time.Time) (bool, error)
	PayoutsForContract(ctx context.Context, contractID string) ([]payment.Payout, error)

	// SetPayoutsEnabled updates the account linked to a processor account id.
	SetPayoutsEnabled(ctx context.Context, processorAccountID string, enabled bool, at time.Time) (bool, error)

	Enqueue(ctx context.Context, topic, key string, payload any) error
}
