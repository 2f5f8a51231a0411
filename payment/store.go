package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists payment and payout records.
type Store interface {
	// InsertPayment stores p, or returns the row already holding p.ExternalID or p.IdempotencyKey.
	InsertPayment(ctx context.Context, p Payment) (Payment, bool, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
	PaymentsForOffer(ctx context.Context, offerID string) ([]Payment, error)
	// InsertPayout stores p, or returns the existing payout for (ContractID, RecipientID).
	InsertPayout(ctx context.Context, p Payout) (Payout, bool, error)
	// AttachTransfer records the processor transfer id on a payout that has none yet.
	AttachTransfer(ctx context.Context, payoutID, transferID string) (Payout, error)
	PayoutsForContract(ctx context.Context, contractID string) ([]Payout, error)
}

const paymentColumns = `id::text, external_id, idempotency_key, payer_id, offer_id::text, contract_id::text,
       purpose, amount, currency, status, created_at, updated_at`

const payoutColumns = `id::text, contract_id::text, recipient_id, recipient_role, amount, currency, status,
       external_transfer_id, idempotency_key, created_at, updated_at, completed_at`

// ScanPayment reads a row selected with the payment column list.
func ScanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.ExternalID,
		&p.IdempotencyKey,
		&p.PayerID,
		&p.OfferID,
		&p.ContractID,
		&p.Purpose,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// ScanPayout reads a row selected with the payout column list.
func ScanPayout(row pgx.Row) (Payout, error) {
	var p Payout
	err := row.Scan(
		&p.ID,
		&p.ContractID,
		&p.RecipientID,
		&p.RecipientRole,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.ExternalTransferID,
		&p.IdempotencyKey,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.CompletedAt,
	)
	return p, err
}

// PaymentColumns is the select list matching ScanPayment.
func PaymentColumns() string { return paymentColumns }

// PayoutColumns is the select list matching ScanPayout.
func PayoutColumns() string { return payoutColumns }

// PGStore is the Postgres Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) InsertPayment(ctx context.Context, p Payment) (Payment, bool, error) {
	const insertSQL = `
INSERT INTO payments (id, external_id, idempotency_key, payer_id, offer_id, contract_id, purpose, amount, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT DO NOTHING
RETURNING ` + paymentColumns

	saved, err := ScanPayment(s.pool.QueryRow(ctx, insertSQL,
		p.ID, p.ExternalID, p.IdempotencyKey, p.PayerID, p.OfferID, p.ContractID,
		p.Purpose, p.Amount, p.Currency, p.Status,
	))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, fmt.Errorf("payment: insert: %w", err)
	}

	const existingSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE external_id = $1 OR idempotency_key = $2 LIMIT 1`
	existing, err := ScanPayment(s.pool.QueryRow(ctx, existingSQL, p.ExternalID, p.IdempotencyKey))
	if err != nil {
		return Payment{}, false, fmt.Errorf("payment: load existing: %w", err)
	}
	return existing, false, nil
}

func (s *PGStore) GetPayment(ctx context.Context, id string) (Payment, error) {
	p, err := ScanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get: %w", err)
	}
	return p, nil
}

func (s *PGStore) PaymentsForOffer(ctx context.Context, offerID string) ([]Payment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE offer_id = $1 ORDER BY created_at`, offerID)
	if err != nil {
		return nil, fmt.Errorf("payment: list for offer: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := ScanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) InsertPayout(ctx context.Context, p Payout) (Payout, bool, error) {
	const insertSQL = `
INSERT INTO payouts (id, contract_id, recipient_id, recipient_role, amount, currency, status, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, 'created', $7)
ON CONFLICT (contract_id, recipient_id) DO NOTHING
RETURNING ` + payoutColumns

	saved, err := ScanPayout(s.pool.QueryRow(ctx, insertSQL,
		p.ID, p.ContractID, p.RecipientID, p.RecipientRole, p.Amount, p.Currency, p.IdempotencyKey,
	))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payout{}, false, fmt.Errorf("payment: insert payout: %w", err)
	}

	const existingSQL = `SELECT ` + payoutColumns + ` FROM payouts WHERE contract_id = $1 AND recipient_id = $2`
	existing, err := ScanPayout(s.pool.QueryRow(ctx, existingSQL, p.ContractID, p.RecipientID))
	if err != nil {
		return Payout{}, false, fmt.Errorf("payment: load existing payout: %w", err)
	}
	return existing, false, nil
}

func (s *PGStore) AttachTransfer(ctx context.Context, payoutID, transferID string) (Payout, error) {
	const q = `
UPDATE payouts
SET external_transfer_id = $2, updated_at = now()
WHERE id = $1 AND (external_transfer_id IS NULL OR external_transfer_id = $2)
RETURNING ` + payoutColumns

	p, err := ScanPayout(s.pool.QueryRow(ctx, q, payoutID, transferID))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payout{}, fmt.Errorf("payment: attach transfer: %w", err)
	}

	existing, err := ScanPayout(s.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, payoutID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, ErrPayoutNotFound
		}
		return Payout{}, fmt.Errorf("payment: load payout: %w", err)
	}
	return existing, nil
}

func (s *PGStore) PayoutsForContract(ctx context.Context, contractID string) ([]Payout, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE contract_id = $1 ORDER BY recipient_role`, contractID)
	if err != nil {
		return nil, fmt.Errorf("payment: list payouts: %w", err)
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		p, err := ScanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan payout: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate payouts: %w", err)
	}
	return out, nil
}
