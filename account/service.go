package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProcessorAccount means the party never connected a payout account.
	ErrNoProcessorAccount = errors.New("account: no processor account")
	// ErrPayoutsDisabled means the processor has not enabled payouts for the account yet.
	ErrPayoutsDisabled = errors.New("account: payouts disabled")
	// ErrInvalidProfile is returned for malformed registrations.
	ErrInvalidProfile = errors.New("account: invalid profile")
)

// ProfileStore abstracts repository operations for the service.
type ProfileStore interface {
	GetByID(ctx context.Context, partyID string) (Profile, error)
	List(ctx context.Context, role Role, limit int) ([]Profile, error)
	Upsert(ctx context.Context, p Profile) (Profile, error)
}

// Service exposes payout account operations.
type Service struct {
	repo ProfileStore
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileStore) *Service {
	return &Service{repo: repo}
}

// GetByID returns the account for the given party.
func (s *Service) GetByID(ctx context.Context, partyID string) (Profile, error) {
	return s.repo.GetByID(ctx, partyID)
}

// List returns up to limit accounts.
func (s *Service) List(ctx context.Context, role Role, limit int) ([]Profile, error) {
	return s.repo.List(ctx, role, limit)
}

// Register creates or updates a party's payout account.
func (s *Service) Register(ctx context.Context, p Profile) (Profile, error) {
	p.PartyID = strings.TrimSpace(p.PartyID)
	if p.PartyID == "" {
		return Profile{}, fmt.Errorf("%w: missing party id", ErrInvalidProfile)
	}
	if p.Role != RoleBroker && p.Role != RoleCarrier {
		return Profile{}, fmt.Errorf("%w: role %q", ErrInvalidProfile, p.Role)
	}
	return s.repo.Upsert(ctx, p)
}

// Destination returns the processor account that transfers to partyID should target.
func (s *Service) Destination(ctx context.Context, partyID string) (string, error) {
	p, err := s.repo.GetByID(ctx, partyID)
	if err != nil {
		return "", err
	}
	if p.ProcessorAccountID == nil || *p.ProcessorAccountID == "" {
		return "", ErrNoProcessorAccount
	}
	if !p.PayoutsEnabled {
		return "", ErrPayoutsDisabled
	}
	return *p.ProcessorAccountID, nil
}
