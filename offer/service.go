package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"freightflow/metrics"
	"freightflow/payment"
)

// HoldAuthorizer is the slice of the payment orchestrator the offer service needs.
type HoldAuthorizer interface {
	AuthorizeHold(ctx context.Context, params payment.HoldParams) (payment.Payment, error)
	VoidHold(ctx context.Context, p payment.Payment) error
	VoidPending(ctx context.Context, offerID string) (int, error)
}

// CreateParams is a broker's request to post an offer.
type CreateParams struct {
	BrokerID           string
	Kind               Kind
	Lane               Lane
	Equipment          Equipment
	RatePerDistance    decimal.Decimal
	DistanceEstimate   decimal.Decimal
	ExpiresAt          time.Time
	StartDate          *time.Time
	EndDate            *time.Time
	ForecastConfidence *float64
	MarketDemand       *Demand
}

// Created pairs a new offer with its pending hold.
type Created struct {
	Offer   Offer
	Payment payment.Payment
}

// Service coordinates offer creation with the payment hold and exposes the
// conditional transitions.
type Service struct {
	store          Store
	holds          HoldAuthorizer
	log            zerolog.Logger
	depositPercent decimal.Decimal
	currency       string
	now            func() time.Time
	idGen          func() string
	newBackOff     func() backoff.BackOff
}

func NewService(store Store, holds HoldAuthorizer, log zerolog.Logger) *Service {
	return &Service{
		store:          store,
		holds:          holds,
		log:            log,
		depositPercent: decimal.NewFromInt(100),
		currency:       "usd",
		now:            time.Now,
		idGen:          func() string { return uuid.NewString() },
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

// WithDepositPercent sets the share of the total held at creation (0, 100].
func (s *Service) WithDepositPercent(pct decimal.Decimal) *Service {
	if pct.IsPositive() && pct.LessThanOrEqual(decimal.NewFromInt(100)) {
		s.depositPercent = pct
	}
	return s
}

// WithCurrency sets the currency recorded on new offers.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = c
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator overrides the offer id source.
func (s *Service) WithIDGenerator(fn func() string) *Service {
	if fn != nil {
		s.idGen = fn
	}
	return s
}

// WithBackOff overrides the retry schedule for store connectivity errors.
func (s *Service) WithBackOff(fn func() backoff.BackOff) *Service {
	if fn != nil {
		s.newBackOff = fn
	}
	return s
}

// Create validates the request, places the hold, then persists the offer.
// A failed hold persists nothing; a failed insert voids the hold.
func (s *Service) Create(ctx context.Context, params CreateParams) (Created, error) {
	now := s.now()
	o, err := s.build(params, now)
	if err != nil {
		return Created{}, err
	}

	hold, err := s.holds.AuthorizeHold(ctx, payment.HoldParams{
		PayerID: o.BrokerID,
		OfferID: o.ID,
		Purpose: payment.PurposeOfferDeposit,
		Amount:  o.DepositAmount,
		Metadata: map[string]string{
			"type":      string(o.Kind),
			"broker_id": o.BrokerID,
			"lane_from": o.Lane.Origin,
			"lane_to":   o.Lane.Destination,
			"equipment": string(o.Equipment),
		},
	})
	if err != nil {
		return Created{}, fmt.Errorf("offer: hold: %w", err)
	}

	saved, err := s.store.Insert(ctx, o)
	if err != nil {
		s.log.Error().Err(err).Str("offer_id", o.ID).Str("external_id", hold.ExternalID).Msg("offer insert failed, voiding hold")
		if voidErr := s.holds.VoidHold(ctx, hold); voidErr != nil {
			s.log.Error().Err(voidErr).Str("external_id", hold.ExternalID).Msg("void hold failed")
		}
		return Created{}, err
	}

	metrics.OffersCreated.WithLabelValues(string(saved.Kind)).Inc()
	s.log.Info().Str("offer_id", saved.ID).Str("broker_id", saved.BrokerID).Str("total", saved.TotalValue.String()).Msg("offer created")
	return Created{Offer: saved, Payment: hold}, nil
}

func (s *Service) build(p CreateParams, now time.Time) (Offer, error) {
	p.BrokerID = strings.TrimSpace(p.BrokerID)
	p.Lane.Origin = strings.TrimSpace(p.Lane.Origin)
	p.Lane.Destination = strings.TrimSpace(p.Lane.Destination)

	switch {
	case p.BrokerID == "":
		return Offer{}, fmt.Errorf("%w: missing broker", ErrInvalidOffer)
	case p.Lane.Origin == "" || p.Lane.Destination == "":
		return Offer{}, fmt.Errorf("%w: missing lane", ErrInvalidOffer)
	case !p.RatePerDistance.IsPositive():
		return Offer{}, fmt.Errorf("%w: rate must be positive", ErrInvalidOffer)
	case !p.DistanceEstimate.IsPositive():
		return Offer{}, fmt.Errorf("%w: distance must be positive", ErrInvalidOffer)
	}
	if _, err := ParseEquipment(string(p.Equipment)); err != nil {
		return Offer{}, err
	}
	kind, err := ParseKind(string(p.Kind))
	if err != nil {
		return Offer{}, err
	}

	if kind == KindFuture {
		if p.StartDate == nil || p.EndDate == nil {
			return Offer{}, fmt.Errorf("%w: future needs start and end dates", ErrInvalidOffer)
		}
		if p.EndDate.Before(*p.StartDate) {
			return Offer{}, fmt.Errorf("%w: end date before start date", ErrInvalidOffer)
		}
		if p.ExpiresAt.IsZero() {
			p.ExpiresAt = *p.StartDate
		}
	}
	if p.ForecastConfidence != nil && (*p.ForecastConfidence < 0 || *p.ForecastConfidence > 1) {
		return Offer{}, fmt.Errorf("%w: forecast confidence outside [0,1]", ErrInvalidOffer)
	}
	if p.MarketDemand != nil {
		switch *p.MarketDemand {
		case DemandHigh, DemandMedium, DemandLow:
		default:
			return Offer{}, fmt.Errorf("%w: market demand %q", ErrInvalidOffer, *p.MarketDemand)
		}
	}
	if !p.ExpiresAt.After(now) {
		return Offer{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidOffer)
	}

	places := payment.Exponent(s.currency)
	total := p.RatePerDistance.Mul(p.DistanceEstimate).Round(places)
	if !total.IsPositive() {
		return Offer{}, fmt.Errorf("%w: total rounds to zero", ErrInvalidOffer)
	}
	deposit := total.Mul(s.depositPercent).Div(decimal.NewFromInt(100)).Round(places)

	return Offer{
		ID:                 s.idGen(),
		BrokerID:           p.BrokerID,
		Kind:               kind,
		Lane:               p.Lane,
		Equipment:          p.Equipment,
		RatePerDistance:    p.RatePerDistance,
		DistanceEstimate:   p.DistanceEstimate,
		TotalValue:         total,
		DepositAmount:      deposit,
		Currency:           s.currency,
		ExpiresAt:          p.ExpiresAt.UTC(),
		Status:             StatusOpen,
		StartDate:          p.StartDate,
		EndDate:            p.EndDate,
		ForecastConfidence: p.ForecastConfidence,
		MarketDemand:       p.MarketDemand,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Accept claims the offer for carrierID. Losing the race is ErrAlreadyTaken,
// which is final and never retried; only store connectivity errors are.
func (s *Service) Accept(ctx context.Context, offerID, carrierID string) (Offer, error) {
	carrierID = strings.TrimSpace(carrierID)
	if carrierID == "" {
		return Offer{}, ErrMissingCarrier
	}
	if _, err := uuid.Parse(offerID); err != nil {
		return Offer{}, ErrNotFound
	}

	var (
		o        Offer
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		o, err = s.store.Accept(ctx, offerID, carrierID, s.now())
		if err == nil {
			return nil
		}
		if isFinal(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		s.log.Warn().Err(err).Str("offer_id", offerID).Msg("accept failed, retrying")
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))

	// A retry after an ambiguous failure can find our own earlier write.
	if errors.Is(err, ErrAlreadyTaken) && attempts > 1 {
		if current, getErr := s.store.Get(ctx, offerID); getErr == nil && current.Taken() && current.AcceptedBy != nil && *current.AcceptedBy == carrierID {
			o, err = current, nil
		}
	}

	switch {
	case err == nil:
		metrics.OfferAccepts.WithLabelValues("accepted").Inc()
		s.log.Info().Str("offer_id", offerID).Str("carrier_id", carrierID).Msg("offer accepted")
		return o, nil
	case errors.Is(err, ErrAlreadyTaken):
		metrics.OfferAccepts.WithLabelValues("already_taken").Inc()
		s.log.Debug().Str("offer_id", offerID).Str("carrier_id", carrierID).Msg("offer already taken")
	case errors.Is(err, ErrExpired):
		metrics.OfferAccepts.WithLabelValues("expired").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.OfferAccepts.WithLabelValues("not_found").Inc()
	default:
		metrics.OfferAccepts.WithLabelValues("error").Inc()
	}
	return Offer{}, err
}

// Expire moves an overdue open offer to expired and voids its deposit hold.
// The expiry stands even when the void fails; the failure is logged.
func (s *Service) Expire(ctx context.Context, offerID string) (Offer, error) {
	if _, err := uuid.Parse(offerID); err != nil {
		return Offer{}, ErrNotFound
	}
	o, err := s.store.Expire(ctx, offerID, s.now())
	if err != nil {
		return Offer{}, err
	}

	voided, err := s.holds.VoidPending(ctx, o.ID)
	if err != nil {
		s.log.Error().Err(err).Str("offer_id", o.ID).Msg("void deposit of expired offer failed")
	} else if voided > 0 {
		s.log.Info().Str("offer_id", o.ID).Int("voided", voided).Msg("deposit voided on expiry")
	}
	return o, nil
}

// ListExpired returns open offers already past their expiry.
func (s *Service) ListExpired(ctx context.Context, limit int) ([]Offer, error) {
	return s.store.ListExpired(ctx, s.now(), limit)
}

// Get always reads the store; nothing is cached.
func (s *Service) Get(ctx context.Context, offerID string) (Offer, error) {
	if _, err := uuid.Parse(offerID); err != nil {
		return Offer{}, ErrNotFound
	}
	return s.store.Get(ctx, offerID)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Offer, error) {
	return s.store.List(ctx, f)
}

func isFinal(err error) bool {
	return errors.Is(err, ErrAlreadyTaken) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
