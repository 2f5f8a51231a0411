package sweeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightflow/contract"
	"freightflow/offer"
	"freightflow/outbox"
	"freightflow/payment"
	"freightflow/sweeper"
	"freightflow/test/memstore"
)

func newOffers(t *testing.T, now *time.Time) (*memstore.DB, *memstore.Processor, *offer.Service) {
	t.Helper()
	db := memstore.New()
	proc := memstore.NewProcessor()
	log := zerolog.Nop()
	orch := payment.NewOrchestrator(db.Payments(), proc, nil, log).
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
	svc := offer.NewService(db.Offers(), orch, log).WithClock(func() time.Time { return *now })
	return db, proc, svc
}

func post(t *testing.T, svc *offer.Service, expires time.Time) offer.Offer {
	t.Helper()
	return postWithHold(t, svc, expires).Offer
}

func postWithHold(t *testing.T, svc *offer.Service, expires time.Time) offer.Created {
	t.Helper()
	created, err := svc.Create(context.Background(), offer.CreateParams{
		BrokerID:         "broker-1",
		Lane:             offer.Lane{Origin: "Reno, NV", Destination: "Boise, ID"},
		Equipment:        offer.EquipmentFlatbed,
		RatePerDistance:  decimal.NewFromInt(3),
		DistanceEstimate: decimal.NewFromInt(420),
		ExpiresAt:        expires,
	})
	require.NoError(t, err)
	return created
}

func TestSweepOnce_ExpiresOnlyOverdueOpenOffers(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	_, _, svc := newOffers(t, &now)
	ctx := context.Background()

	soon := post(t, svc, now.Add(time.Minute))
	later := post(t, svc, now.Add(time.Hour))
	taken := post(t, svc, now.Add(time.Minute))
	_, err := svc.Accept(ctx, taken.ID, "carrier-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	report, err := sweeper.New(svc, nil, zerolog.Nop()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, sweeper.Report{Scanned: 1, Done: 1}, report)

	got, err := svc.Get(ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusExpired, got.Status)

	got, err = svc.Get(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusOpen, got.Status)

	got, err = svc.Get(ctx, taken.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusAccepted, got.Status)

	_, err = svc.Accept(ctx, soon.ID, "carrier-2")
	assert.ErrorIs(t, err, offer.ErrExpired)

	again, err := sweeper.New(svc, nil, zerolog.Nop()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Scanned)
}

// staticList replays a listing taken before the rows changed.
type staticList struct {
	offers []offer.Offer
	svc    *offer.Service
}

func (s staticList) ListExpired(context.Context, int) ([]offer.Offer, error) {
	return s.offers, nil
}

func (s staticList) Expire(ctx context.Context, id string) (offer.Offer, error) {
	return s.svc.Expire(ctx, id)
}

func TestSweepOnce_VoidsDepositOfExpiredOffer(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	_, proc, svc := newOffers(t, &now)
	ctx := context.Background()

	overdue := postWithHold(t, svc, now.Add(time.Minute))
	open := postWithHold(t, svc, now.Add(time.Hour))

	now = now.Add(2 * time.Minute)
	report, err := sweeper.New(svc, nil, zerolog.Nop()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Done)

	assert.True(t, proc.Cancelled(overdue.Payment.ExternalID), "deposit of expired offer still held")
	assert.False(t, proc.Cancelled(open.Payment.ExternalID))
}

func TestSweepOnce_SkipsOfferThatChangedUnderneath(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	db, _, svc := newOffers(t, &now)
	ctx := context.Background()

	o := post(t, svc, now.Add(time.Minute))
	now = now.Add(2 * time.Minute)

	listed, err := svc.ListExpired(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// Another sweeper got there first.
	_, err = db.Offers().Expire(ctx, o.ID, now)
	require.NoError(t, err)

	report, err := sweeper.New(staticList{offers: listed, svc: svc}, nil, zerolog.Nop()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, sweeper.Report{Scanned: 1, Skipped: 1}, report)
	assert.Len(t, db.Messages(outbox.TopicOfferExpired), 1)
}

type fakeReleaser struct {
	contracts []contract.Contract
	errs      map[string]error
	released  []string
}

func (f *fakeReleaser) ListReleasable(context.Context, int) ([]contract.Contract, error) {
	return f.contracts, nil
}

func (f *fakeReleaser) Release(_ context.Context, id string) ([]payment.Payout, error) {
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	f.released = append(f.released, id)
	return nil, nil
}

func TestReleaseOnce_CountsOutcomes(t *testing.T) {
	rel := &fakeReleaser{
		contracts: []contract.Contract{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}},
		errs: map[string]error{
			"c2": contract.ErrEscrowNotHeld,
			"c3": errors.New("processor unavailable"),
		},
	}
	report, err := sweeper.New(nil, rel, zerolog.Nop()).WithWorkers(1).ReleaseOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweeper.Report{Scanned: 3, Done: 1, Skipped: 1, Failed: 1}, report)
	assert.Equal(t, []string{"c1"}, rel.released)
}
