package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"freightflow/account"
	"freightflow/commission"
	"freightflow/contract"
	"freightflow/offer"
	"freightflow/payment"
	"freightflow/settlement"
	"freightflow/test/memstore"
)

const (
	brokerID  = "broker-1"
	carrierID = "carrier-1"
)

type harness struct {
	db        *memstore.DB
	proc      *memstore.Processor
	accounts  *account.Service
	orch      *payment.Orchestrator
	offers    *offer.Service
	contracts *contract.Service
	rec       *settlement.Reconciler
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:   memstore.New(),
		proc: memstore.NewProcessor(),
		now:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	log := zerolog.Nop()

	h.accounts = account.NewService(h.db.Accounts())
	h.orch = payment.NewOrchestrator(h.db.Payments(), h.proc, h.accounts, log).
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
	h.offers = offer.NewService(h.db.Offers(), h.orch, log).WithClock(clock)
	h.rec = settlement.NewReconciler(h.db.Settlement(), log).WithClock(clock)

	calc, err := commission.NewCalculator(commission.DefaultPolicy())
	require.NoError(t, err)
	h.contracts = contract.NewService(h.db.Contracts(), calc, h.orch, h.orch, log).
		WithClock(clock).
		WithSettler(h.rec)

	ctx := context.Background()
	for _, p := range []account.Profile{
		{PartyID: brokerID, Role: account.RoleBroker, ProcessorAccountID: ptr("acct_broker"), PayoutsEnabled: true},
		{PartyID: carrierID, Role: account.RoleCarrier, ProcessorAccountID: ptr("acct_carrier"), PayoutsEnabled: true},
	} {
		_, err := h.accounts.Register(ctx, p)
		require.NoError(t, err)
	}
	return h
}

func ptr(s string) *string { return &s }

// postOffer creates a $2.50 x 400 spot offer expiring in an hour.
func (h *harness) postOffer(t *testing.T) offer.Created {
	t.Helper()
	created, err := h.offers.Create(context.Background(), offer.CreateParams{
		BrokerID:         brokerID,
		Lane:             offer.Lane{Origin: "Dallas, TX", Destination: "Houston, TX"},
		Equipment:        offer.EquipmentDryVan,
		RatePerDistance:  decimal.RequireFromString("2.50"),
		DistanceEstimate: decimal.NewFromInt(400),
		ExpiresAt:        h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	return created
}

// commit posts, accepts and generates a contract.
func (h *harness) commit(t *testing.T) (offer.Created, contract.Contract) {
	t.Helper()
	ctx := context.Background()
	created := h.postOffer(t)
	_, err := h.offers.Accept(ctx, created.Offer.ID, carrierID)
	require.NoError(t, err)
	c, err := h.contracts.Generate(ctx, created.Offer.ID, carrierID)
	require.NoError(t, err)
	return created, c
}

func (h *harness) handle(t *testing.T, ev settlement.Event) settlement.Result {
	t.Helper()
	res, err := h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func (h *harness) getOffer(t *testing.T, id string) offer.Offer {
	t.Helper()
	o, err := h.offers.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) getContract(t *testing.T, id string) contract.Contract {
	t.Helper()
	c, err := h.contracts.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) payoutsFor(contractID string) []payment.Payout {
	var out []payment.Payout
	for _, p := range h.db.Payouts() {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	return out
}

func envelope(eventID string, kind settlement.Kind, externalID string) settlement.Envelope {
	return settlement.Envelope{EventID: eventID, Kind: kind, ExternalID: externalID}
}

func chargeSucceeded(eventID, externalID, amount string) settlement.Event {
	env := envelope(eventID, settlement.KindChargeSucceeded, externalID)
	env.Amount = decimal.RequireFromString(amount)
	return settlement.ChargeSucceeded{Envelope: env}
}

func chargeFailed(eventID, externalID string) settlement.Event {
	return settlement.ChargeFailed{Envelope: envelope(eventID, settlement.KindChargeFailed, externalID), Reason: "card_declined"}
}

func chargeRefunded(eventID, externalID string) settlement.Event {
	return settlement.ChargeRefunded{Envelope: envelope(eventID, settlement.KindChargeRefunded, externalID)}
}

func transferCreated(eventID, transferID string, metadata map[string]string) settlement.Event {
	env := envelope(eventID, settlement.KindTransferCreated, transferID)
	env.Metadata = metadata
	return settlement.TransferCreated{Envelope: env}
}

func transferPaid(eventID, transferID string, metadata map[string]string) settlement.Event {
	env := envelope(eventID, settlement.KindTransferPaid, transferID)
	env.Metadata = metadata
	return settlement.TransferPaid{Envelope: env}
}
