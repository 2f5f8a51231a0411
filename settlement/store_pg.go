package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"freightflow/contract"
	"freightflow/outbox"
	"freightflow/payment"
)

const eventColumns = `id::text, provider_event_id, kind, external_id, payload, outcome, detail, received_at, processed_at`

func scanEvent(row pgx.Row) (EventRecord, error) {
	var r EventRecord
	err := row.Scan(&r.ID, &r.ProviderEventID, &r.Kind, &r.ExternalID, &r.Payload, &r.Outcome, &r.Detail, &r.ReceivedAt, &r.ProcessedAt)
	return r, err
}

// PGStore is the Postgres Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) InTx(ctx context.Context, fn func(l Ledger) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedger{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit: %w", err)
	}
	return nil
}

func (s *PGStore) GetEvent(ctx context.Context, id string) (EventRecord, error) {
	r, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EventRecord{}, ErrEventNotFound
		}
		return EventRecord{}, fmt.Errorf("settlement: get event: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListHeld(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE outcome = 'held' ORDER BY received_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("settlement: list held: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		r, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan event: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate events: %w", err)
	}
	return out, nil
}

type pgLedger struct {
	tx pgx.Tx
}

func (l *pgLedger) RecordEvent(ctx context.Context, rec EventRecord) (EventRecord, bool, error) {
	const insertSQL = `
INSERT INTO settlement_events (provider_event_id, kind, external_id, payload, outcome, detail, received_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
ON CONFLICT (provider_event_id) DO NOTHING
RETURNING ` + eventColumns

	stored, err := scanEvent(l.tx.QueryRow(ctx, insertSQL,
		rec.ProviderEventID, rec.Kind, rec.ExternalID, []byte(rec.Payload), rec.Outcome, rec.Detail, rec.ReceivedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return EventRecord{}, false, fmt.Errorf("settlement: record event: %w", err)
	}

	existing, err := scanEvent(l.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE provider_event_id = $1`, rec.ProviderEventID))
	if err != nil {
		return EventRecord{}, false, fmt.Errorf("settlement: load recorded event: %w", err)
	}
	return existing, false, nil
}

func (l *pgLedger) LockEvent(ctx context.Context, id string) (EventRecord, error) {
	r, err := scanEvent(l.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EventRecord{}, ErrEventNotFound
		}
		return EventRecord{}, fmt.Errorf("settlement: lock event: %w", err)
	}
	return r, nil
}

func (l *pgLedger) CompleteEvent(ctx context.Context, id string, outcome Outcome, detail string, at time.Time) error {
	const q = `UPDATE settlement_events SET outcome = $2, detail = $3, processed_at = $4 WHERE id = $1`
	if _, err := l.tx.Exec(ctx, q, id, outcome, detail, at); err != nil {
		return fmt.Errorf("settlement: complete event: %w", err)
	}
	return nil
}

func (l *pgLedger) PaymentByExternalID(ctx context.Context, externalID string) (payment.Payment, error) {
	p, err := payment.ScanPayment(l.tx.QueryRow(ctx, `SELECT `+payment.PaymentColumns()+` FROM payments WHERE external_id = $1 FOR UPDATE`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Payment{}, payment.ErrNotFound
		}
		return payment.Payment{}, fmt.Errorf("settlement: payment by external id: %w", err)
	}
	return p, nil
}

func (l *pgLedger) PaymentsForOffer(ctx context.Context, offerID string) ([]payment.Payment, error) {
	rows, err := l.tx.Query(ctx, `SELECT `+payment.PaymentColumns()+` FROM payments WHERE offer_id = $1 ORDER BY created_at`, offerID)
	if err != nil {
		return nil, fmt.Errorf("settlement: payments for offer: %w", err)
	}
	defer rows.Close()

	var out []payment.Payment
	for rows.Next() {
		p, err := payment.ScanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *pgLedger) TransitionPayment(ctx context.Context, id string, from []payment.Status, to payment.Status, at time.Time) (bool, error) {
	const q = `UPDATE payments SET status = $3, updated_at = $4 WHERE id = $1 AND status = ANY($2)`
	tag, err := l.tx.Exec(ctx, q, id, paymentStatuses(from), to, at)
	if err != nil {
		return false, fmt.Errorf("settlement: transition payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	return l.contract(ctx, `SELECT `+contract.Columns()+` FROM contracts WHERE id = $1 FOR UPDATE`, id)
}

func (l *pgLedger) ContractByOffer(ctx context.Context, offerID string) (contract.Contract, error) {
	return l.contract(ctx, `SELECT `+contract.Columns()+` FROM contracts WHERE offer_id = $1 FOR UPDATE`, offerID)
}

func (l *pgLedger) contract(ctx context.Context, q, arg string) (contract.Contract, error) {
	c, err := contract.Scan(l.tx.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.Contract{}, contract.ErrNotFound
		}
		return contract.Contract{}, fmt.Errorf("settlement: load contract: %w", err)
	}
	return c, nil
}

func (l *pgLedger) TransitionEscrow(ctx context.Context, contractID string, from []contract.EscrowStatus, to contract.EscrowStatus, at time.Time) (bool, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	const q = `UPDATE contracts SET escrow_status = $3, updated_at = $4 WHERE id = $1 AND escrow_status = ANY($2)`
	tag, err := l.tx.Exec(ctx, q, contractID, states, to, at)
	if err != nil {
		return false, fmt.Errorf("settlement: transition escrow: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) CancelContract(ctx context.Context, contractID string, at time.Time) (bool, error) {
	const q = `
UPDATE contracts
SET status = 'cancelled', cancelled_at = $2, updated_at = $2
WHERE id = $1 AND status NOT IN ('cancelled','executed')`
	tag, err := l.tx.Exec(ctx, q, contractID, at)
	if err != nil {
		return false, fmt.Errorf("settlement: cancel contract: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) ExecuteContract(ctx context.Context, contractID string, at time.Time) (bool, error) {
	const q = `
UPDATE contracts
SET status = 'executed', executed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'signed' AND escrow_status = 'released' AND delivered_at IS NOT NULL`
	tag, err := l.tx.Exec(ctx, q, contractID, at)
	if err != nil {
		return false, fmt.Errorf("settlement: execute contract: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) FundOffer(ctx context.Context, offerID string, at time.Time) (bool, error) {
	tag, err := l.tx.Exec(ctx, `UPDATE offers SET status = 'funded', updated_at = $2 WHERE id = $1 AND status = 'accepted'`, offerID, at)
	if err != nil {
		return false, fmt.Errorf("settlement: fund offer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) CancelOffer(ctx context.Context, offerID string, at time.Time) (bool, error) {
	const q = `
UPDATE offers
SET status = 'cancelled', accepted_by = NULL, updated_at = $2
WHERE id = $1 AND status IN ('open','accepted','funded')`
	tag, err := l.tx.Exec(ctx, q, offerID, at)
	if err != nil {
		return false, fmt.Errorf("settlement: cancel offer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) PayoutByTransfer(ctx context.Context, transferID string) (payment.Payout, error) {
	return l.payout(ctx, `SELECT `+payment.PayoutColumns()+` FROM payouts WHERE external_transfer_id = $1 FOR UPDATE`, transferID)
}

func (l *pgLedger) PayoutByID(ctx context.Context, id string) (payment.Payout, error) {
	return l.payout(ctx, `SELECT `+payment.PayoutColumns()+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
}

func (l *pgLedger) payout(ctx context.Context, q, arg string) (payment.Payout, error) {
	p, err := payment.ScanPayout(l.tx.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Payout{}, payment.ErrPayoutNotFound
		}
		return payment.Payout{}, fmt.Errorf("settlement: load payout: %w", err)
	}
	return p, nil
}

func (l *pgLedger) AttachTransfer(ctx context.Context, payoutID, transferID string) error {
	const q = `UPDATE payouts SET external_transfer_id = $2, updated_at = now() WHERE id = $1 AND external_transfer_id IS NULL`
	if _, err := l.tx.Exec(ctx, q, payoutID, transferID); err != nil {
		return fmt.Errorf("settlement: attach transfer: %w", err)
	}
	return nil
}

func (l *pgLedger) TransitionPayout(ctx context.Context, id string, from []payment.PayoutStatus, to payment.PayoutStatus, at time.Time) (bool, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	const q = `
UPDATE payouts
SET status = $3,
    updated_at = $4,
    completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END
WHERE id = $1 AND status = ANY($2)`
	tag, err := l.tx.Exec(ctx, q, id, states, string(to), at)
	if err != nil {
		return false, fmt.Errorf("settlement: transition payout: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) PayoutsForContract(ctx context.Context, contractID string) ([]payment.Payout, error) {
	rows, err := l.tx.Query(ctx, `SELECT `+payment.PayoutColumns()+` FROM payouts WHERE contract_id = $1`, contractID)
	if err != nil {
		return nil, fmt.Errorf("settlement: payouts for contract: %w", err)
	}
	defer rows.Close()

	var out []payment.Payout
	for rows.Next() {
		p, err := payment.ScanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan payout: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *pgLedger) SetPayoutsEnabled(ctx context.Context, processorAccountID string, enabled bool, at time.Time) (bool, error) {
	const q = `UPDATE accounts SET payouts_enabled = $2, updated_at = $3 WHERE processor_account_id = $1`
	tag, err := l.tx.Exec(ctx, q, processorAccountID, enabled, at)
	if err != nil {
		return false, fmt.Errorf("settlement: update account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) Enqueue(ctx context.Context, topic, key string, payload any) error {
	return outbox.Enqueue(ctx, l.tx, topic, key, payload)
}

func paymentStatuses(in []payment.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
