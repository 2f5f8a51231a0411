package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"freightflow/commission"
	"freightflow/offer"
	"freightflow/payment"
)

// BalanceHolder places the hold for the part of the total not covered by the offer deposit.
type BalanceHolder interface {
	AuthorizeHold(ctx context.Context, params payment.HoldParams) (payment.Payment, error)
}

// Releaser pays out the beneficiaries of a contract.
type Releaser interface {
	SplitAndTransfer(ctx context.Context, req payment.SplitRequest) ([]payment.Payout, error)
}

// Settler re-derives escrow state from payment records and applies the
// execution rule. Implemented by the settlement reconciler.
type Settler interface {
	SyncContract(ctx context.Context, contractID string) error
	TryExecute(ctx context.Context, contractID string) error
}

// Service generates contracts from accepted offers and drives signature,
// delivery and release.
type Service struct {
	store    Store
	calc     *commission.Calculator
	policy   PolicyText
	holds    BalanceHolder
	releaser Releaser
	settler  Settler
	log      zerolog.Logger
	now      func() time.Time
	idGen    func() string
}

func NewService(store Store, calc *commission.Calculator, holds BalanceHolder, releaser Releaser, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		calc:     calc,
		policy:   DefaultPolicyText(),
		holds:    holds,
		releaser: releaser,
		log:      log,
		now:      time.Now,
		idGen:    func() string { return uuid.NewString() },
	}
}

// WithSettler wires the reconciler after construction, since it depends on this package.
func (s *Service) WithSettler(settler Settler) *Service {
	s.settler = settler
	return s
}

// WithPolicyText overrides the standard contract language.
func (s *Service) WithPolicyText(p PolicyText) *Service {
	if p.PaymentTerms != "" {
		s.policy.PaymentTerms = p.PaymentTerms
	}
	if p.CancellationPolicy != "" {
		s.policy.CancellationPolicy = p.CancellationPolicy
	}
	if p.InsuranceRequirement != "" {
		s.policy.InsuranceRequirement = p.InsuranceRequirement
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

// WithIDGenerator overrides the contract id source.
func (s *Service) WithIDGenerator(fn func() string) *Service {
	if fn != nil {
		s.idGen = fn
	}
	return s
}

// Generate derives the contract for an accepted offer. Safe to retry: a second
// call returns the existing contract and re-issues the same idempotent hold.
func (s *Service) Generate(ctx context.Context, offerID, carrierID string) (Contract, error) {
	carrierID = strings.TrimSpace(carrierID)
	if carrierID == "" {
		return Contract{}, ErrCarrierMismatch
	}
	if _, err := uuid.Parse(offerID); err != nil {
		return Contract{}, offer.ErrNotFound
	}

	c, created, err := s.store.CreateFromOffer(ctx, offerID, carrierID, s.build)
	if err != nil {
		return Contract{}, err
	}
	if created {
		s.log.Info().Str("contract_id", c.ID).Str("offer_id", offerID).Str("carrier_id", carrierID).Msg("contract generated")
	}
	if c.Status == StatusCancelled {
		return c, nil
	}

	if err := s.holdBalance(ctx, c); err != nil {
		return c, err
	}
	if s.settler != nil {
		if err := s.settler.SyncContract(ctx, c.ID); err != nil {
			return c, fmt.Errorf("contract: sync escrow: %w", err)
		}
		if fresh, err := s.store.Get(ctx, c.ID); err == nil {
			c = fresh
		}
	}
	return c, nil
}

func (s *Service) build(o offer.Offer) (Contract, error) {
	split, err := s.calc.Split(o.TotalValue)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: split: %w", err)
	}
	pol := s.calc.Policy()
	now := s.now()

	return Contract{
		ID:             s.idGen(),
		OfferID:        o.ID,
		BrokerID:       o.BrokerID,
		CarrierID:      *o.AcceptedBy,
		Currency:       o.Currency,
		TotalAmount:    split.Total,
		CarrierAmount:  split.Carrier,
		BrokerAmount:   split.Broker,
		PlatformAmount: split.Platform,
		Status:         StatusPending,
		EscrowStatus:   EscrowPending,
		Terms: Terms{
			Lane:                 o.Lane,
			Equipment:            o.Equipment,
			Kind:                 o.Kind,
			RatePerDistance:      o.RatePerDistance,
			DistanceEstimate:     o.DistanceEstimate,
			StartDate:            o.StartDate,
			EndDate:              o.EndDate,
			PaymentTerms:         s.policy.PaymentTerms,
			CancellationPolicy:   s.policy.CancellationPolicy,
			InsuranceRequirement: s.policy.InsuranceRequirement,
			CarrierPercent:       pol.CarrierPercent,
			BrokerPercent:        pol.BrokerPercent,
			PlatformPercent:      pol.PlatformPercent,
			Currency:             o.Currency,
			DepositAmount:        o.DepositAmount,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// holdBalance covers total minus the offer deposit recorded in the terms.
func (s *Service) holdBalance(ctx context.Context, c Contract) error {
	if s.holds == nil {
		return nil
	}
	balance := c.TotalAmount.Sub(c.Terms.DepositAmount)
	if !balance.IsPositive() {
		return nil
	}
	contractID := c.ID
	_, err := s.holds.AuthorizeHold(ctx, payment.HoldParams{
		PayerID:    c.BrokerID,
		OfferID:    c.OfferID,
		ContractID: &contractID,
		Purpose:    payment.PurposeContractBalance,
		Amount:     balance,
		Metadata:   map[string]string{"type": "contract_balance"},
	})
	if err != nil {
		return fmt.Errorf("contract: balance hold: %w", err)
	}
	return nil
}

// Get always reads the store.
func (s *Service) Get(ctx context.Context, id string) (Contract, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Contract{}, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// Sign records the carrier's signature on a pending contract.
func (s *Service) Sign(ctx context.Context, id, carrierID string) (Contract, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Contract{}, ErrNotFound
	}
	c, err := s.store.Sign(ctx, id, carrierID, s.now())
	if err != nil {
		return Contract{}, err
	}
	s.log.Info().Str("contract_id", id).Str("carrier_id", carrierID).Msg("contract signed")
	return c, nil
}

// ConfirmDelivery records the delivery signal, releases escrow when funds are
// held, and lets settlement decide whether the contract can execute.
func (s *Service) ConfirmDelivery(ctx context.Context, id string) (Contract, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Contract{}, ErrNotFound
	}
	c, err := s.store.MarkDelivered(ctx, id, s.now())
	if err != nil {
		return Contract{}, err
	}
	s.log.Info().Str("contract_id", id).Msg("delivery confirmed")

	if c.EscrowStatus == EscrowHeld {
		if _, err := s.Release(ctx, id); err != nil {
			// The release sweep retries; delivery itself is recorded.
			s.log.Warn().Err(err).Str("contract_id", id).Msg("release after delivery failed")
		}
	}
	if s.settler != nil {
		if err := s.settler.TryExecute(ctx, id); err != nil {
			return c, fmt.Errorf("contract: try execute: %w", err)
		}
	}
	return s.store.Get(ctx, id)
}

// Release splits held escrow between carrier and broker. The platform share is retained.
func (s *Service) Release(ctx context.Context, id string) ([]payment.Payout, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Status != StatusSigned:
		return nil, fmt.Errorf("%w: status %s", ErrNotSigned, c.Status)
	case c.EscrowStatus != EscrowHeld:
		return nil, fmt.Errorf("%w: escrow %s", ErrEscrowNotHeld, c.EscrowStatus)
	case c.DeliveredAt == nil:
		return nil, ErrNotDelivered
	}

	payouts, err := s.releaser.SplitAndTransfer(ctx, payment.SplitRequest{
		ContractID: c.ID,
		Beneficiaries: []payment.Beneficiary{
			{RecipientID: c.CarrierID, Role: "carrier", Amount: c.CarrierAmount},
			{RecipientID: c.BrokerID, Role: "broker", Amount: c.BrokerAmount},
		},
	})
	if err != nil {
		return payouts, fmt.Errorf("contract: release: %w", err)
	}
	s.log.Info().Str("contract_id", c.ID).Int("payouts", len(payouts)).Msg("escrow release requested")
	return payouts, nil
}

// ListReleasable returns delivered contracts still waiting for payout.
func (s *Service) ListReleasable(ctx context.Context, limit int) ([]Contract, error) {
	return s.store.ListReleasable(ctx, limit)
}
