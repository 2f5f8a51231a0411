package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"freightflow/offer"
	"freightflow/outbox"
)

// BuildFunc derives a new contract from the offer as read inside the creating transaction.
type BuildFunc func(o offer.Offer) (Contract, error)

// Store persists contracts.
type Store interface {
	// CreateFromOffer checks the offer and any existing contract and inserts
	// in one transaction. created is false when a contract already existed.
	CreateFromOffer(ctx context.Context, offerID, carrierID string, build BuildFunc) (c Contract, created bool, err error)
	Get(ctx context.Context, id string) (Contract, error)
	GetByOffer(ctx context.Context, offerID string) (Contract, error)
	Sign(ctx context.Context, id, carrierID string, at time.Time) (Contract, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (Contract, error)
	// ListReleasable returns signed, delivered contracts whose escrow is still held.
	ListReleasable(ctx context.Context, limit int) ([]Contract, error)
}

const columns = `id::text, offer_id::text, broker_id, carrier_id, currency, total_amount, carrier_amount,
       broker_amount, platform_amount, status, escrow_status, terms, signed_at, delivered_at, executed_at,
       cancelled_at, created_at, updated_at`

// Columns is the select list matching Scan.
func Columns() string { return columns }

// Scan reads a row selected with Columns.
func Scan(row pgx.Row) (Contract, error) {
	var (
		c     Contract
		terms []byte
	)
	err := row.Scan(
		&c.ID,
		&c.OfferID,
		&c.BrokerID,
		&c.CarrierID,
		&c.Currency,
		&c.TotalAmount,
		&c.CarrierAmount,
		&c.BrokerAmount,
		&c.PlatformAmount,
		&c.Status,
		&c.EscrowStatus,
		&terms,
		&c.SignedAt,
		&c.DeliveredAt,
		&c.ExecutedAt,
		&c.CancelledAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	if err := json.Unmarshal(terms, &c.Terms); err != nil {
		return Contract{}, fmt.Errorf("contract: decode terms: %w", err)
	}
	return c, nil
}

// PGStore is the Postgres Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateFromOffer(ctx context.Context, offerID, carrierID string, build BuildFunc) (Contract, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, false, fmt.Errorf("contract: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// FOR SHARE blocks a concurrent cancellation of the offer until this
	// transaction finishes, so a contract is never born for a dead offer.
	o, err := offer.Scan(tx.QueryRow(ctx, `SELECT `+offer.Columns()+` FROM offers WHERE id = $1 FOR SHARE`, offerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, false, offer.ErrNotFound
		}
		return Contract{}, false, fmt.Errorf("contract: load offer: %w", err)
	}
	if err := CheckOffer(o, carrierID); err != nil {
		return Contract{}, false, err
	}

	existing, err := Scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM contracts WHERE offer_id = $1`, offerID))
	switch {
	case err == nil:
		return existing, false, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return Contract{}, false, fmt.Errorf("contract: check existing: %w", err)
	}

	c, err := build(o)
	if err != nil {
		return Contract{}, false, err
	}
	terms, err := json.Marshal(c.Terms)
	if err != nil {
		return Contract{}, false, fmt.Errorf("contract: encode terms: %w", err)
	}

	const insertSQL = `
INSERT INTO contracts (id, offer_id, broker_id, carrier_id, currency, total_amount, carrier_amount, broker_amount,
                       platform_amount, status, escrow_status, terms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 'pending', $10::jsonb)
ON CONFLICT (offer_id) DO NOTHING
RETURNING ` + columns

	saved, err := Scan(tx.QueryRow(ctx, insertSQL,
		c.ID, c.OfferID, c.BrokerID, c.CarrierID, c.Currency, c.TotalAmount, c.CarrierAmount,
		c.BrokerAmount, c.PlatformAmount, terms,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent generator committed first.
			tx.Rollback(ctx)
			winner, getErr := s.GetByOffer(ctx, offerID)
			if getErr != nil {
				return Contract{}, false, getErr
			}
			return winner, false, nil
		}
		return Contract{}, false, fmt.Errorf("contract: insert: %w", err)
	}

	payload := map[string]any{
		"contract_id":     saved.ID,
		"offer_id":        saved.OfferID,
		"carrier_id":      saved.CarrierID,
		"broker_id":       saved.BrokerID,
		"total_amount":    saved.TotalAmount,
		"carrier_amount":  saved.CarrierAmount,
		"broker_amount":   saved.BrokerAmount,
		"platform_amount": saved.PlatformAmount,
	}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicContractCreated, saved.ID, payload); err != nil {
		return Contract{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, false, fmt.Errorf("contract: commit: %w", err)
	}
	return saved, true, nil
}

// CheckOffer enforces that the offer is held by carrierID.
func CheckOffer(o offer.Offer, carrierID string) error {
	if !o.Taken() {
		return fmt.Errorf("%w: status %s", ErrOfferNotAccepted, o.Status)
	}
	if o.AcceptedBy == nil || *o.AcceptedBy != carrierID {
		return ErrCarrierMismatch
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Contract, error) {
	return s.getOne(ctx, `SELECT `+columns+` FROM contracts WHERE id = $1`, id)
}

func (s *PGStore) GetByOffer(ctx context.Context, offerID string) (Contract, error) {
	return s.getOne(ctx, `SELECT `+columns+` FROM contracts WHERE offer_id = $1`, offerID)
}

func (s *PGStore) getOne(ctx context.Context, q string, arg string) (Contract, error) {
	c, err := Scan(s.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get: %w", err)
	}
	return c, nil
}

func (s *PGStore) Sign(ctx context.Context, id, carrierID string, at time.Time) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const signSQL = `
UPDATE contracts
SET status = 'signed', signed_at = $3, updated_at = $3
WHERE id = $1 AND carrier_id = $2 AND status = 'pending'
RETURNING ` + columns

	c, err := Scan(tx.QueryRow(ctx, signSQL, id, carrierID, at))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("contract: sign: %w", err)
		}
		current, getErr := Scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM contracts WHERE id = $1`, id))
		if getErr != nil {
			if errors.Is(getErr, pgx.ErrNoRows) {
				return Contract{}, ErrNotFound
			}
			return Contract{}, fmt.Errorf("contract: classify sign: %w", getErr)
		}
		return SignFailure(current, carrierID)
	}

	payload := map[string]any{"contract_id": c.ID, "carrier_id": carrierID, "signed_at": at.UTC()}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicContractSigned, c.ID, payload); err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit sign: %w", err)
	}
	return c, nil
}

// SignFailure explains a zero-row sign. Signing twice by the same carrier is not an error.
func SignFailure(current Contract, carrierID string) (Contract, error) {
	if current.CarrierID != carrierID {
		return Contract{}, ErrCarrierMismatch
	}
	if current.SignedAt != nil && current.Status != StatusCancelled {
		return current, nil
	}
	return Contract{}, fmt.Errorf("%w: status %s", ErrNotSignable, current.Status)
}

func (s *PGStore) MarkDelivered(ctx context.Context, id string, at time.Time) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const deliverSQL = `
UPDATE contracts
SET delivered_at = $2, updated_at = $2
WHERE id = $1 AND status = 'signed' AND delivered_at IS NULL
RETURNING ` + columns

	c, err := Scan(tx.QueryRow(ctx, deliverSQL, id, at))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("contract: mark delivered: %w", err)
		}
		current, getErr := Scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM contracts WHERE id = $1`, id))
		if getErr != nil {
			if errors.Is(getErr, pgx.ErrNoRows) {
				return Contract{}, ErrNotFound
			}
			return Contract{}, fmt.Errorf("contract: classify delivery: %w", getErr)
		}
		return DeliveryFailure(current)
	}

	payload := map[string]any{"contract_id": c.ID, "delivered_at": at.UTC()}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicContractDelivered, c.ID, payload); err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit delivery: %w", err)
	}
	return c, nil
}

// DeliveryFailure explains a zero-row delivery update. A repeated confirmation is not an error.
func DeliveryFailure(current Contract) (Contract, error) {
	if current.DeliveredAt != nil && current.Status != StatusCancelled {
		return current, nil
	}
	return Contract{}, fmt.Errorf("%w: status %s", ErrNotSigned, current.Status)
}

func (s *PGStore) ListReleasable(ctx context.Context, limit int) ([]Contract, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + columns + `
FROM contracts
WHERE status = 'signed' AND escrow_status = 'held' AND delivered_at IS NOT NULL
ORDER BY delivered_at
LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("contract: list releasable: %w", err)
	}
	defer rows.Close()

	var out []Contract
	for rows.Next() {
		c, err := Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate: %w", err)
	}
	return out, nil
}
