// Package actors drives the settlement engine from many goroutines against a
// shared Postgres. Actors tolerate operational errors (chaos kills backends)
// and leave invariant checking to the oracles.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"freightflow/account"
	"freightflow/commission"
	"freightflow/contract"
	"freightflow/offer"
	"freightflow/outbox"
	"freightflow/payment"
	"freightflow/settlement"
	"freightflow/sweeper"
	"freightflow/test/memstore"
)

// Stack is the engine wired on Postgres with an in-memory processor.
type Stack struct {
	Pool       *pgxpool.Pool
	Processor  *memstore.Processor
	Offers     *offer.Service
	Contracts  *contract.Service
	Reconciler *settlement.Reconciler
	Sweeper    *sweeper.Sweeper
	Relay      *outbox.Relay
	Brokers    []string
	Carriers   []string

	// Unexpected counts errors outside the documented conflict set.
	Unexpected atomic.Int64
}

// NewStack registers parties, enables their payouts through the reconciler
// and returns the wired engine.
func NewStack(ctx context.Context, pool *pgxpool.Pool, pub outbox.Publisher, brokers, carriers int) (*Stack, error) {
	log := zerolog.Nop()
	s := &Stack{Pool: pool, Processor: memstore.NewProcessor()}

	accounts := account.NewService(account.NewRepository(pool))
	orch := payment.NewOrchestrator(payment.NewPGStore(pool), s.Processor, accounts, log).
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) })
	s.Reconciler = settlement.NewReconciler(settlement.NewPGStore(pool), log)
	s.Offers = offer.NewService(offer.NewPGStore(pool), orch, log)

	calc, err := commission.NewCalculator(commission.DefaultPolicy())
	if err != nil {
		return nil, err
	}
	s.Contracts = contract.NewService(contract.NewPGStore(pool), calc, orch, orch, log).WithSettler(s.Reconciler)
	s.Sweeper = sweeper.New(s.Offers, s.Contracts, log).WithBatch(50).WithWorkers(2)
	s.Relay = outbox.NewRelay(pool, pub, log, 100*time.Millisecond, 50)

	register := func(id string, role account.Role) error {
		acct := "acct_" + id
		if _, err := accounts.Register(ctx, account.Profile{PartyID: id, Role: role, ProcessorAccountID: &acct}); err != nil {
			return err
		}
		_, err := s.Reconciler.Handle(ctx, settlement.AccountUpdated{
			Envelope:       settlement.Envelope{EventID: "evt_enable_" + id, Kind: settlement.KindAccountUpdated, ExternalID: acct},
			PayoutsEnabled: true,
		})
		return err
	}
	for i := 0; i < brokers; i++ {
		id := fmt.Sprintf("broker-%d", i)
		if err := register(id, account.RoleBroker); err != nil {
			return nil, fmt.Errorf("register %s: %w", id, err)
		}
		s.Brokers = append(s.Brokers, id)
	}
	for i := 0; i < carriers; i++ {
		id := fmt.Sprintf("carrier-%d", i)
		if err := register(id, account.RoleCarrier); err != nil {
			return nil, fmt.Errorf("register %s: %w", id, err)
		}
		s.Carriers = append(s.Carriers, id)
	}
	return s, nil
}

func (s *Stack) tolerate(err error, expected ...error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			return
		}
	}
	s.Unexpected.Add(1)
}

// loop runs step with jitter until stop closes or ctx ends.
func loop(ctx context.Context, stop <-chan struct{}, rng *rand.Rand, minMS, spreadMS int, step func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		step()
		time.Sleep(time.Duration(minMS+rng.Intn(spreadMS)) * time.Millisecond)
	}
}

// Poster creates offers that expire within a few seconds, so acceptance and
// expiry contend for them.
func Poster(ctx context.Context, s *Stack, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return loop(ctx, stop, rng, 20, 60, func() {
		_, err := s.Offers.Create(ctx, offer.CreateParams{
			BrokerID:         s.Brokers[rng.Intn(len(s.Brokers))],
			Lane:             offer.Lane{Origin: "Denver, CO", Destination: "Salt Lake City, UT"},
			Equipment:        offer.EquipmentReefer,
			RatePerDistance:  decimal.NewFromFloat(1.5 + float64(rng.Intn(200))/100).Round(2),
			DistanceEstimate: decimal.NewFromInt(int64(100 + rng.Intn(900))),
			ExpiresAt:        time.Now().Add(time.Duration(300+rng.Intn(2500)) * time.Millisecond),
		})
		s.tolerate(err)
	})
}

// Acceptor races other carriers for recent open offers and generates the
// contract on a win.
func Acceptor(ctx context.Context, s *Stack, carrierID string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return loop(ctx, stop, rng, 5, 30, func() {
		open, err := s.Offers.List(ctx, offer.Filter{Status: offer.StatusOpen, Limit: 10})
		if err != nil || len(open) == 0 {
			s.tolerate(err)
			return
		}
		o := open[rng.Intn(len(open))]
		if _, err := s.Offers.Accept(ctx, o.ID, carrierID); err != nil {
			s.tolerate(err, offer.ErrAlreadyTaken, offer.ErrExpired)
			return
		}
		// A charge failure between accept and generate cancels the offer first.
		_, err = s.Contracts.Generate(ctx, o.ID, carrierID)
		s.tolerate(err, contract.ErrOfferNotAccepted)
	})
}

// Expirer runs sweeper passes concurrently with acceptance.
func Expirer(ctx context.Context, s *Stack, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return loop(ctx, stop, rng, 50, 100, func() {
		_, err := s.Sweeper.SweepOnce(ctx)
		s.tolerate(err)
	})
}

// Charger delivers charge webhooks for pending payments: mostly successes,
// sometimes twice, occasionally a failure.
func Charger(ctx context.Context, s *Stack, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return loop(ctx, stop, rng, 20, 50, func() {
		rows, err := s.Pool.Query(ctx, `SELECT external_id FROM payments WHERE status = 'pending' ORDER BY random() LIMIT 5`)
		if err != nil {
			s.tolerate(err)
			return
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()

		for _, id := range ids {
			var ev settlement.Event
			if rng.Intn(10) == 0 {
				ev = settlement.ChargeFailed{
					Envelope: settlement.Envelope{EventID: "evt_fail_" + id, Kind: settlement.KindChargeFailed, ExternalID: id},
					Reason:   "card_declined",
				}
			} else {
				ev = s.Processor.Succeeded("evt_ok_"+id, id)
			}
			for n := 1 + rng.Intn(2); n > 0; n-- {
				_, err := s.Reconciler.Handle(ctx, ev)
				s.tolerate(err)
			}
		}
	})
}

// Hauler signs pending contracts and confirms delivery of signed ones.
func Hauler(ctx context.Context, s *Stack, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return loop(ctx, stop, rng, 20, 60, func() {
		rows, err := s.Pool.Query(ctx, `
SELECT id::text, carrier_id, status FROM contracts
WHERE status IN ('pending','signed') AND delivered_at IS NULL
ORDER BY random() LIMIT 5`)
		if err != nil {
			s.tolerate(err)
			return
		}
		type row struct{ id, carrier, status string }
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.carrier, &r.status); err == nil {
				batch = append(batch, r)
			}
		}
		rows.Close()

		for _, r := range batch {
			if r.status == string(contract.StatusPending) {
				_, err := s.Contracts.Sign(ctx, r.id, r.carrier)
				s.tolerate(err, contract.ErrNotSignable)
				continue
			}
			_, err := s.Contracts.ConfirmDelivery(ctx, r.id)
			s.tolerate(err, contract.ErrNotSigned)
		}
	})
}

// Payer reports every transfer the processor made as paid, in random order,
// and runs the release sweep for contracts whose payouts failed to start.
func Payer(ctx context.Context, s *Stack, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return loop(ctx, stop, rng, 50, 100, func() {
		for id, tr := range s.Processor.Transfers() {
			if rng.Intn(3) == 0 {
				continue
			}
			_, err := s.Reconciler.Handle(ctx, settlement.TransferPaid{Envelope: settlement.Envelope{
				EventID: "evt_paid_" + id, Kind: settlement.KindTransferPaid, ExternalID: id, Metadata: tr.Metadata,
			}})
			s.tolerate(err)
		}
		_, err := s.Sweeper.ReleaseOnce(ctx)
		s.tolerate(err)
	})
}

// OutboxWorker relays outbox rows to the stack's publisher.
func OutboxWorker(ctx context.Context, s *Stack, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return loop(ctx, stop, rng, 50, 100, func() {
		_, err := s.Relay.RelayOnce(ctx)
		s.tolerate(err, ErrPublishFailed)
	})
}

// ErrPublishFailed is what FlakyPublisher returns on a simulated broker outage.
var ErrPublishFailed = errors.New("actors: simulated publish failure")

// FlakyPublisher drops roughly one batch in failEvery and counts the rest.
type FlakyPublisher struct {
	failEvery int
	calls     atomic.Int64
	Published atomic.Int64
}

func NewFlakyPublisher(failEvery int) *FlakyPublisher {
	return &FlakyPublisher{failEvery: failEvery}
}

func (p *FlakyPublisher) Publish(_ context.Context, msgs []outbox.Message) error {
	if n := p.calls.Add(1); p.failEvery > 0 && n%int64(p.failEvery) == 0 {
		return ErrPublishFailed
	}
	p.Published.Add(int64(len(msgs)))
	return nil
}
