// Package payment tracks processor charges and beneficiary payouts and talks
// to the payment processor on behalf of the rest of the engine.
package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle of a processor charge.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Purpose distinguishes the initial commitment deposit from a later balance hold.
type Purpose string

const (
	PurposeOfferDeposit    Purpose = "offer_deposit"
	PurposeContractBalance Purpose = "contract_balance"
)

// PayoutStatus is the lifecycle of a transfer to one beneficiary.
type PayoutStatus string

const (
	PayoutCreated    PayoutStatus = "created"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
)

var (
	ErrNotFound        = errors.New("payment: not found")
	ErrPayoutNotFound  = errors.New("payment: payout not found")
	ErrInvalidAmount   = errors.New("payment: amount must be positive")
	ErrMissingPayer    = errors.New("payment: missing payer")
	ErrMissingOffer    = errors.New("payment: missing offer reference")
	ErrMissingContract = errors.New("payment: missing contract reference")
	ErrNoDestination   = errors.New("payment: no payout destination")
)

// Payment is one external charge. ExternalID is unique and keys reconciliation.
type Payment struct {
	ID             string
	ExternalID     string
	IdempotencyKey string
	PayerID        string
	OfferID        string
	ContractID     *string
	Purpose        Purpose
	Amount         decimal.Decimal
	Currency       string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payout is a transfer of one split amount. At most one exists per (ContractID, RecipientID).
type Payout struct {
	ID                 string
	ContractID         string
	RecipientID        string
	RecipientRole      string
	Amount             decimal.Decimal
	Currency           string
	Status             PayoutStatus
	ExternalTransferID *string
	IdempotencyKey     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// HoldParams describes a hold request against a payer.
type HoldParams struct {
	PayerID    string
	OfferID    string
	ContractID *string
	Purpose    Purpose
	Amount     decimal.Decimal
	Metadata   map[string]string
}

// Beneficiary is one leg of a split transfer.
type Beneficiary struct {
	RecipientID string
	Role        string
	Amount      decimal.Decimal
}

// SplitRequest asks for every beneficiary of a contract to be paid.
type SplitRequest struct {
	ContractID    string
	Beneficiaries []Beneficiary
}

// StatusIn reports whether s is one of set.
func StatusIn(s Status, set ...Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// PayoutStatusIn reports whether s is one of set.
func PayoutStatusIn(s PayoutStatus, set ...PayoutStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
