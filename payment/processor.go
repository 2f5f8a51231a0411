package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// HoldRequest is sent to the processor to place a hold.
type HoldRequest struct {
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	TransferGroup  string
	Metadata       map[string]string
}

// Hold is the processor's acknowledgement of a hold.
type Hold struct {
	ExternalID string
	Status     string
}

// TransferRequest moves funds to a connected account.
type TransferRequest struct {
	IdempotencyKey string
	Destination    string
	Amount         decimal.Decimal
	Currency       string
	TransferGroup  string
	Metadata       map[string]string
}

// Transfer is the processor's acknowledgement of a transfer.
type Transfer struct {
	ExternalID string
}

// Processor is the external payment processor. Every call carries an idempotency key.
type Processor interface {
	CreateHold(ctx context.Context, req HoldRequest) (Hold, error)
	CancelHold(ctx context.Context, externalID, idempotencyKey string) error
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
}

// ProcessorError carries the processor's verdict on whether a retry can help.
type ProcessorError struct {
	Op        string
	Code      string
	Transient bool
	Err       error
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment: processor %s (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("payment: processor %s: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Unclassified errors
// (network, timeouts) are treated as transient, context cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// Exponent is the number of minor-unit digits of an ISO 4217 currency:
// 2 for usd, 0 for jpy, 3 for kwd. Unknown codes are treated as two-decimal.
func Exponent(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// ToMinorUnits converts an amount to the processor's integer unit for code.
func ToMinorUnits(amount decimal.Decimal, code string) int64 {
	return amount.Shift(Exponent(code)).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(v int64, code string) decimal.Decimal {
	return decimal.New(v, -Exponent(code))
}
