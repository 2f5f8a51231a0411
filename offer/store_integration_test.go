package offer_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"freightflow/offer"
	"freightflow/test/infra"
)

// racers is the number of carriers contending for one offer.
const racers = 60

func openStore(t *testing.T) (*offer.PGStore, *infra.Harness) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, "", racers+4)
	if errors.Is(err, infra.ErrUnavailable) {
		t.Skip("no postgres available; set DATABASE_URL or start docker")
	}
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return offer.NewPGStore(h.Pool()), h
}

func insertOpen(t *testing.T, store *offer.PGStore, expiresAt time.Time) offer.Offer {
	t.Helper()
	o, err := store.Insert(context.Background(), offer.Offer{
		ID:               uuid.NewString(),
		BrokerID:         "broker-1",
		Kind:             offer.KindSpot,
		Lane:             offer.Lane{Origin: "Dallas, TX", Destination: "Memphis, TN"},
		Equipment:        offer.EquipmentDryVan,
		RatePerDistance:  decimal.RequireFromString("2.25"),
		DistanceEstimate: decimal.NewFromInt(452),
		TotalValue:       decimal.RequireFromString("1017.00"),
		DepositAmount:    decimal.RequireFromString("1017.00"),
		Currency:         "usd",
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return o
}

func TestPGStore_AcceptHasOneWinner(t *testing.T) {
	store, h := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	o := insertOpen(t, store, now.Add(time.Hour))

	var (
		wins, taken atomic.Int32
		winner      atomic.Value
	)
	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		carrier := fmt.Sprintf("carrier-%02d", i)
		g.Go(func() error {
			<-start
			_, err := store.Accept(ctx, o.ID, carrier, now)
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(carrier)
			case errors.Is(err, offer.ErrAlreadyTaken):
				taken.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if wins.Load() != 1 || taken.Load() != racers-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d/%d", racers-1, wins.Load(), taken.Load())
	}

	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != offer.StatusAccepted || got.AcceptedBy == nil || *got.AcceptedBy != winner.Load().(string) {
		t.Fatalf("stored offer does not match winner: %+v", got)
	}

	var messages int
	err = h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'offer.accepted' AND aggregate_key = $1`, o.ID).Scan(&messages)
	if err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if messages != 1 {
		t.Fatalf("expected one offer.accepted message, got %d", messages)
	}
}

func TestPGStore_AcceptAndExpireAreExclusive(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	deadline := time.Now().UTC().Add(time.Hour)

	for i := 0; i < 10; i++ {
		o := insertOpen(t, store, deadline)

		var accepted, expired atomic.Bool
		var g errgroup.Group
		g.Go(func() error {
			_, err := store.Accept(ctx, o.ID, "carrier-1", deadline.Add(-time.Second))
			if err == nil {
				accepted.Store(true)
				return nil
			}
			if errors.Is(err, offer.ErrExpired) || errors.Is(err, offer.ErrAlreadyTaken) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			_, err := store.Expire(ctx, o.ID, deadline.Add(time.Second))
			if err == nil {
				expired.Store(true)
				return nil
			}
			if errors.Is(err, offer.ErrNotExpirable) {
				return nil
			}
			return err
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if accepted.Load() == expired.Load() {
			t.Fatalf("iteration %d: accepted=%v expired=%v", i, accepted.Load(), expired.Load())
		}
	}
}

func TestPGStore_AcceptClassifiesFailures(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := insertOpen(t, store, now.Add(time.Minute))
	if _, err := store.Accept(ctx, stale.ID, "carrier-1", now.Add(2*time.Minute)); !errors.Is(err, offer.ErrExpired) {
		t.Fatalf("expected ErrExpired past deadline, got %v", err)
	}
	if _, err := store.Accept(ctx, uuid.NewString(), "carrier-1", now); !errors.Is(err, offer.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	overdue, err := store.ListExpired(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != stale.ID {
		t.Fatalf("expected the stale offer to be listed, got %d", len(overdue))
	}
}
