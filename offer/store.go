package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"freightflow/outbox"
)

// Store persists offers. Accept and Expire are single conditional updates:
// the precondition and the write are one statement, never read-then-write.
type Store interface {
	Insert(ctx context.Context, o Offer) (Offer, error)
	Get(ctx context.Context, id string) (Offer, error)
	List(ctx context.Context, f Filter) ([]Offer, error)
	Accept(ctx context.Context, id, carrierID string, at time.Time) (Offer, error)
	Expire(ctx context.Context, id string, at time.Time) (Offer, error)
	ListExpired(ctx context.Context, at time.Time, limit int) ([]Offer, error)
}

const columns = `id::text, broker_id, kind, origin, destination, equipment, rate_per_distance, distance_estimate,
       total_value, deposit_amount, currency, expires_at, status, accepted_by, accepted_at, start_date, end_date,
       forecast_confidence, market_demand, created_at, updated_at`

// Columns is the select list matching Scan.
func Columns() string { return columns }

// Scan reads a row selected with Columns.
func Scan(row pgx.Row) (Offer, error) {
	var o Offer
	err := row.Scan(
		&o.ID,
		&o.BrokerID,
		&o.Kind,
		&o.Lane.Origin,
		&o.Lane.Destination,
		&o.Equipment,
		&o.RatePerDistance,
		&o.DistanceEstimate,
		&o.TotalValue,
		&o.DepositAmount,
		&o.Currency,
		&o.ExpiresAt,
		&o.Status,
		&o.AcceptedBy,
		&o.AcceptedAt,
		&o.StartDate,
		&o.EndDate,
		&o.ForecastConfidence,
		&o.MarketDemand,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	return o, err
}

// PGStore is the Postgres Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, o Offer) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO offers (id, broker_id, kind, origin, destination, equipment, rate_per_distance, distance_estimate,
                    total_value, deposit_amount, currency, expires_at, status, start_date, end_date,
                    forecast_confidence, market_demand)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'open', $13, $14, $15, $16)
RETURNING ` + columns

	saved, err := Scan(tx.QueryRow(ctx, insertSQL,
		o.ID, o.BrokerID, o.Kind, o.Lane.Origin, o.Lane.Destination, o.Equipment,
		o.RatePerDistance, o.DistanceEstimate, o.TotalValue, o.DepositAmount, o.Currency,
		o.ExpiresAt, o.StartDate, o.EndDate, o.ForecastConfidence, o.MarketDemand,
	))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicOfferCreated, saved.ID, saved); err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit insert: %w", err)
	}
	return saved, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Offer, error) {
	o, err := Scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM offers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get: %w", err)
	}
	return o, nil
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]Offer, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const q = `
SELECT ` + columns + `
FROM offers
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR broker_id = $2)
ORDER BY created_at DESC, id
LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, q, string(f.Status), f.BrokerID, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("offer: list: %w", err)
	}
	return collect(rows)
}

func (s *PGStore) Accept(ctx context.Context, id, carrierID string, at time.Time) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const acceptSQL = `
UPDATE offers
SET status = 'accepted',
    accepted_by = $2,
    accepted_at = $3,
    updated_at = $3
WHERE id = $1
  AND status = 'open'
  AND expires_at > $3
RETURNING ` + columns

	o, err := Scan(tx.QueryRow(ctx, acceptSQL, id, carrierID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, s.classifyAccept(ctx, tx, id, at)
		}
		return Offer{}, fmt.Errorf("offer: accept: %w", err)
	}

	payload := map[string]any{"offer_id": o.ID, "carrier_id": carrierID, "accepted_at": at.UTC()}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicOfferAccepted, o.ID, payload); err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit accept: %w", err)
	}
	return o, nil
}

// classifyAccept explains a zero-row accept. It only reads; the decision was
// already made by the conditional update.
func (s *PGStore) classifyAccept(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	var (
		status    Status
		expiresAt time.Time
	)
	err := tx.QueryRow(ctx, `SELECT status, expires_at FROM offers WHERE id = $1`, id).Scan(&status, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("offer: classify accept: %w", err)
	}
	return AcceptFailure(status, expiresAt, at)
}

// AcceptFailure maps the state observed after a failed conditional accept to its error.
func AcceptFailure(status Status, expiresAt, at time.Time) error {
	switch {
	case status == StatusExpired:
		return ErrExpired
	case status == StatusOpen && !expiresAt.After(at):
		return ErrExpired
	default:
		return ErrAlreadyTaken
	}
}

func (s *PGStore) Expire(ctx context.Context, id string, at time.Time) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const expireSQL = `
UPDATE offers
SET status = 'expired',
    updated_at = $2
WHERE id = $1
  AND status = 'open'
  AND expires_at <= $2
RETURNING ` + columns

	o, err := Scan(tx.QueryRow(ctx, expireSQL, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, id).Scan(&exists); err != nil {
				return Offer{}, fmt.Errorf("offer: classify expire: %w", err)
			}
			if !exists {
				return Offer{}, ErrNotFound
			}
			return Offer{}, ErrNotExpirable
		}
		return Offer{}, fmt.Errorf("offer: expire: %w", err)
	}

	payload := map[string]any{"offer_id": o.ID, "expired_at": at.UTC()}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicOfferExpired, o.ID, payload); err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit expire: %w", err)
	}
	return o, nil
}

func (s *PGStore) ListExpired(ctx context.Context, at time.Time, limit int) ([]Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + columns + `
FROM offers
WHERE status = 'open' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2`

	rows, err := s.pool.Query(ctx, q, at, limit)
	if err != nil {
		return nil, fmt.Errorf("offer: list expired: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Offer, error) {
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate: %w", err)
	}
	return out, nil
}
