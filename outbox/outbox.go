// Package outbox persists domain events in the writer's transaction and relays
// them to Kafka afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"freightflow/db"
)

// Topics emitted by the settlement engine.
const (
	TopicOfferCreated      = "offer.created"
	TopicOfferAccepted     = "offer.accepted"
	TopicOfferExpired      = "offer.expired"
	TopicOfferFunded       = "offer.funded"
	TopicOfferCancelled    = "offer.cancelled"
	TopicContractCreated   = "contract.created"
	TopicContractSigned    = "contract.signed"
	TopicContractDelivered = "contract.delivered"
	TopicContractExecuted  = "contract.executed"
	TopicContractCancelled = "contract.cancelled"
	TopicEscrowHeld        = "escrow.held"
	TopicEscrowReleased    = "escrow.released"
	TopicPayoutCompleted   = "payout.completed"
)

var errEmptyTopic = errors.New("outbox: empty topic")

// Message is one pending outbox row.
type Message struct {
	ID           int64
	Topic        string
	AggregateKey string
	Payload      json.RawMessage
	Attempts     int
	CreatedAt    time.Time
}

// Enqueue writes an event using the caller's transaction (or any Execer).
func Enqueue(ctx context.Context, tx db.Execer, topic, key string, payload any) error {
	if topic == "" {
		return errEmptyTopic
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}

	const q = `INSERT INTO outbox (topic, aggregate_key, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, key, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
