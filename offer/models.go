package offer

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind separates spot commitments from forward-dated rate futures.
type Kind string

const (
	KindSpot   Kind = "spot"
	KindFuture Kind = "future"
)

// Status is the offer lifecycle. accepted_by is set exactly in accepted and funded.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusFunded    Status = "funded"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Equipment is the truck class a load requires.
type Equipment string

const (
	EquipmentHotshot   Equipment = "hotshot"
	EquipmentPowerOnly Equipment = "power_only"
	EquipmentFlatbed   Equipment = "flatbed"
	EquipmentDryVan    Equipment = "dry_van"
	EquipmentReefer    Equipment = "reefer"
)

// Demand is the forecast market demand attached to futures.
type Demand string

const (
	DemandHigh   Demand = "High"
	DemandMedium Demand = "Medium"
	DemandLow    Demand = "Low"
)

var (
	ErrNotFound       = errors.New("offer: not found")
	ErrAlreadyTaken   = errors.New("offer: already taken")
	ErrExpired        = errors.New("offer: expired")
	ErrNotExpirable   = errors.New("offer: not expirable")
	ErrInvalidOffer   = errors.New("offer: invalid")
	ErrMissingCarrier = errors.New("offer: missing carrier")
)

// ParseEquipment validates an equipment class.
func ParseEquipment(s string) (Equipment, error) {
	switch e := Equipment(s); e {
	case EquipmentHotshot, EquipmentPowerOnly, EquipmentFlatbed, EquipmentDryVan, EquipmentReefer:
		return e, nil
	}
	return "", fmt.Errorf("%w: unknown equipment %q", ErrInvalidOffer, s)
}

// ParseKind validates an offer kind; empty means spot.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindSpot, nil
	case KindSpot, KindFuture:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOffer, s)
}

// Lane is an origin/destination pair.
type Lane struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

// Offer is a broker commitment open for carrier acceptance until ExpiresAt.
type Offer struct {
	ID                 string          `json:"id"`
	BrokerID           string          `json:"broker_id"`
	Kind               Kind            `json:"kind"`
	Lane               Lane            `json:"lane"`
	Equipment          Equipment       `json:"equipment"`
	RatePerDistance    decimal.Decimal `json:"rate_per_distance"`
	DistanceEstimate   decimal.Decimal `json:"distance_estimate"`
	TotalValue         decimal.Decimal `json:"total_value"`
	DepositAmount      decimal.Decimal `json:"deposit_amount"`
	Currency           string          `json:"currency"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Status             Status          `json:"status"`
	AcceptedBy         *string         `json:"accepted_by,omitempty"`
	AcceptedAt         *time.Time      `json:"accepted_at,omitempty"`
	StartDate          *time.Time      `json:"start_date,omitempty"`
	EndDate            *time.Time      `json:"end_date,omitempty"`
	ForecastConfidence *float64        `json:"forecast_confidence,omitempty"`
	MarketDemand       *Demand         `json:"market_demand,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Taken reports whether a carrier holds the offer.
func (o Offer) Taken() bool {
	return o.Status == StatusAccepted || o.Status == StatusFunded
}

// Filter narrows List results.
type Filter struct {
	Status   Status
	BrokerID string
	Limit    int
	Offset   int
}
