package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested account does not exist.
var ErrNotFound = errors.New("account: not found")

// Repository provides access to payout accounts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches an account by party id.
func (r *Repository) GetByID(ctx context.Context, partyID string) (Profile, error) {
	const query = `
		SELECT party_id, role, display_name, processor_account_id, payouts_enabled, created_at, updated_at
		FROM accounts
		WHERE party_id = $1
	`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, partyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("account: query by id: %w", err)
	}
	return profile, nil
}

// List fetches up to limit accounts with the given role, or all roles when role is empty.
func (r *Repository) List(ctx context.Context, role Role, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT party_id, role, display_name, processor_account_id, payouts_enabled, created_at, updated_at
		FROM accounts
		WHERE ($1 = '' OR role = $1)
		ORDER BY display_name ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, string(role), limit)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("account: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account: iterate profiles: %w", err)
	}

	return profiles, nil
}

// Upsert registers or updates an account. payouts_enabled is only ever set by processor events.
func (r *Repository) Upsert(ctx context.Context, p Profile) (Profile, error) {
	const query = `
		INSERT INTO accounts (party_id, role, display_name, processor_account_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (party_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    processor_account_id = EXCLUDED.processor_account_id,
		    updated_at = now()
		RETURNING party_id, role, display_name, processor_account_id, payouts_enabled, created_at, updated_at
	`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, p.PartyID, p.Role, p.DisplayName, p.ProcessorAccountID))
	if err != nil {
		return Profile{}, fmt.Errorf("account: upsert: %w", err)
	}
	return profile, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.PartyID,
		&p.Role,
		&p.DisplayName,
		&p.ProcessorAccountID,
		&p.PayoutsEnabled,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
