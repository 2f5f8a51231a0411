package contract

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"freightflow/offer"
)

// Status is the contract lifecycle. cancelled and executed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSigned    Status = "signed"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

// EscrowStatus tracks the held funds between charge and payout.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowFailed   EscrowStatus = "failed"
)

var (
	ErrNotFound         = errors.New("contract: not found")
	ErrOfferNotAccepted = errors.New("contract: offer not accepted")
	ErrCarrierMismatch  = errors.New("contract: carrier does not hold the offer")
	ErrNotSignable      = errors.New("contract: not awaiting signature")
	ErrNotSigned        = errors.New("contract: not signed")
	ErrEscrowNotHeld    = errors.New("contract: escrow not held")
	ErrNotDelivered     = errors.New("contract: delivery not confirmed")
)

// Terms is the immutable agreement text and parameters captured at creation.
type Terms struct {
	Lane                 offer.Lane      `json:"lane"`
	Equipment            offer.Equipment `json:"equipment"`
	Kind                 offer.Kind      `json:"kind"`
	RatePerDistance      decimal.Decimal `json:"rate_per_distance"`
	DistanceEstimate     decimal.Decimal `json:"distance_estimate"`
	StartDate            *time.Time      `json:"start_date,omitempty"`
	EndDate              *time.Time      `json:"end_date,omitempty"`
	PaymentTerms         string          `json:"payment_terms"`
	CancellationPolicy   string          `json:"cancellation_policy"`
	InsuranceRequirement string          `json:"insurance_requirements"`
	CarrierPercent       decimal.Decimal `json:"carrier_percent"`
	BrokerPercent        decimal.Decimal `json:"broker_percent"`
	PlatformPercent      decimal.Decimal `json:"platform_percent"`
	Currency             string          `json:"currency"`
	DepositAmount        decimal.Decimal `json:"deposit_amount"`
}

// Contract links one accepted offer to its carrier. The split amounts always
// sum to TotalAmount and are never recomputed.
type Contract struct {
	ID             string          `json:"id"`
	OfferID        string          `json:"offer_id"`
	BrokerID       string          `json:"broker_id"`
	CarrierID      string          `json:"carrier_id"`
	Currency       string          `json:"currency"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	CarrierAmount  decimal.Decimal `json:"carrier_amount"`
	BrokerAmount   decimal.Decimal `json:"broker_amount"`
	PlatformAmount decimal.Decimal `json:"platform_amount"`
	Status         Status          `json:"status"`
	EscrowStatus   EscrowStatus    `json:"escrow_status"`
	Terms          Terms           `json:"terms"`
	SignedAt       *time.Time      `json:"signed_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExpectedPayouts is the number of beneficiary transfers the contract needs.
func (c Contract) ExpectedPayouts() int {
	n := 0
	if c.CarrierAmount.IsPositive() {
		n++
	}
	if c.BrokerAmount.IsPositive() {
		n++
	}
	return n
}

// Executable reports whether every precondition for execution holds.
func (c Contract) Executable() bool {
	return c.Status == StatusSigned && c.EscrowStatus == EscrowReleased && c.DeliveredAt != nil
}

// PolicyText is the fixed language embedded in every contract's terms.
type PolicyText struct {
	PaymentTerms         string
	CancellationPolicy   string
	InsuranceRequirement string
}

// DefaultPolicyText is the marketplace's standard contract language.
func DefaultPolicyText() PolicyText {
	return PolicyText{
		PaymentTerms:         "Payment upon delivery confirmation",
		CancellationPolicy:   "48 hours advance notice required",
		InsuranceRequirement: "Minimum $1M liability coverage required",
	}
}
