package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"freightflow/db"
)

// Publisher delivers a batch of outbox messages downstream.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Relay moves pending outbox rows to a Publisher.
type Relay struct {
	db          db.TxBeginner
	pub         Publisher
	log         zerolog.Logger
	batch       int
	interval    time.Duration
	maxAttempts int
}

// NewRelay builds a relay polling every interval for up to batch rows.
func NewRelay(conn db.TxBeginner, pub Publisher, log zerolog.Logger, interval time.Duration, batch int) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		db:          conn,
		pub:         pub,
		log:         log,
		batch:       batch,
		interval:    interval,
		maxAttempts: 10,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.RelayOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.log.Warn().Err(err).Msg("outbox relay failed")
				continue
			}
			if n > 0 {
				r.log.Debug().Int("published", n).Msg("outbox relayed")
			}
		}
	}
}

// RelayOnce claims one batch with SKIP LOCKED so several relays can run side by side.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, topic, aggregate_key, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, r.batch)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	var (
		msgs []Message
		ids  []int64
	)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.AggregateKey, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	pubErr := backoff.Retry(func() error { return r.pub.Publish(ctx, msgs) }, policy)
	if pubErr != nil {
		const failSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END
WHERE id = ANY($1)
`
		if _, err := tx.Exec(ctx, failSQL, ids, pubErr.Error(), r.maxAttempts); err != nil {
			return 0, fmt.Errorf("outbox: record failure: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("outbox: commit failure: %w", err)
		}
		return 0, fmt.Errorf("outbox: publish: %w", pubErr)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("outbox: mark processed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return len(msgs), nil
}
