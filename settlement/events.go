// Package settlement turns payment processor events into local state
// transitions on payments, payouts, contracts and offers.
package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names a processor event after normalisation.
type Kind string

const (
	KindChargeSucceeded Kind = "charge.succeeded"
	KindChargeFailed    Kind = "charge.failed"
	KindChargeRefunded  Kind = "charge.refunded"
	KindTransferCreated Kind = "transfer.created"
	KindTransferPaid    Kind = "transfer.paid"
	KindAccountUpdated  Kind = "account.updated"
)

// Outcome is what handling an event did.
type Outcome string

const (
	OutcomeReceived  Outcome = "received"
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeHeld      Outcome = "held"
	OutcomeRejected  Outcome = "rejected"
	OutcomeResolved  Outcome = "resolved"
)

var (
	ErrInvalidSignature = errors.New("settlement: invalid signature")
	ErrMalformedEvent   = errors.New("settlement: malformed event")
	ErrEventNotFound    = errors.New("settlement: event not found")
	ErrNotHeld          = errors.New("settlement: event is not held")
)

// UnknownKindError is returned for verified events whose type the engine does not handle.
type UnknownKindError struct {
	EventID string
	Type    string
	Payload []byte
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("settlement: unrecognised event type %q", e.Type)
}

// Envelope is the part every event shares. ExternalID is the payment intent,
// transfer or account id the processor assigned.
type Envelope struct {
	EventID    string            `json:"event_id"`
	Kind       Kind              `json:"kind"`
	ExternalID string            `json:"external_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Header returns the shared envelope.
func (e Envelope) Header() Envelope { return e }

// Event is the closed set of processor events the reconciler accepts.
type Event interface {
	Header() Envelope
	isEvent()
}

type ChargeSucceeded struct{ Envelope }

type ChargeFailed struct {
	Envelope
	Reason string
}

type ChargeRefunded struct{ Envelope }

type TransferCreated struct{ Envelope }

type TransferPaid struct{ Envelope }

type AccountUpdated struct {
	Envelope
	PayoutsEnabled bool
}

func (ChargeSucceeded) isEvent() {}
func (ChargeFailed) isEvent()    {}
func (ChargeRefunded) isEvent()  {}
func (TransferCreated) isEvent() {}
func (TransferPaid) isEvent()    {}
func (AccountUpdated) isEvent()  {}

// EventRecord is one row of the durable audit trail.
type EventRecord struct {
	ID              string
	ProviderEventID string
	Kind            Kind
	ExternalID      string
	Payload         json.RawMessage
	Outcome         Outcome
	Detail          string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

type storedEvent struct {
	Envelope
	Reason         string `json:"reason,omitempty"`
	PayoutsEnabled *bool  `json:"payouts_enabled,omitempty"`
}

// Encode serialises an event for the audit trail.
func Encode(ev Event) ([]byte, error) {
	s := storedEvent{Envelope: ev.Header()}
	switch e := ev.(type) {
	case ChargeFailed:
		s.Reason = e.Reason
	case AccountUpdated:
		enabled := e.PayoutsEnabled
		s.PayoutsEnabled = &enabled
	}
	return json.Marshal(s)
}

// DecodeStored rebuilds an event from its audit trail payload.
func DecodeStored(payload []byte) (Event, error) {
	var s storedEvent
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return build(s)
}

func build(s storedEvent) (Event, error) {
	if s.EventID == "" || s.ExternalID == "" {
		return nil, fmt.Errorf("%w: missing identifiers", ErrMalformedEvent)
	}
	switch s.Kind {
	case KindChargeSucceeded:
		return ChargeSucceeded{s.Envelope}, nil
	case KindChargeFailed:
		return ChargeFailed{Envelope: s.Envelope, Reason: s.Reason}, nil
	case KindChargeRefunded:
		return ChargeRefunded{s.Envelope}, nil
	case KindTransferCreated:
		return TransferCreated{s.Envelope}, nil
	case KindTransferPaid:
		return TransferPaid{s.Envelope}, nil
	case KindAccountUpdated:
		enabled := s.PayoutsEnabled != nil && *s.PayoutsEnabled
		return AccountUpdated{Envelope: s.Envelope, PayoutsEnabled: enabled}, nil
	}
	return nil, &UnknownKindError{EventID: s.EventID, Type: string(s.Kind)}
}
