// Package memstore is an in-memory implementation of every store the engine
// uses. One mutex serialises all access, which makes each call behave like a
// serializable transaction. Conditional transitions keep the same
// preconditions as the Postgres stores.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"freightflow/account"
	"freightflow/contract"
	"freightflow/offer"
	"freightflow/outbox"
	"freightflow/payment"
	"freightflow/settlement"
)

// DB holds every record.
type DB struct {
	mu        sync.Mutex
	offers    map[string]offer.Offer
	contracts map[string]contract.Contract
	payments  map[string]payment.Payment
	payouts   map[string]payment.Payout
	accounts  map[string]account.Profile
	events    map[string]settlement.EventRecord
	eventIDs  []string
	outbox    []outbox.Message
	faults    map[string]error
}

func New() *DB {
	return &DB{
		offers:    map[string]offer.Offer{},
		contracts: map[string]contract.Contract{},
		payments:  map[string]payment.Payment{},
		payouts:   map[string]payment.Payout{},
		accounts:  map[string]account.Profile{},
		events:    map[string]settlement.EventRecord{},
		faults:    map[string]error{},
	}
}

// Fault names accepted by FailNext.
const (
	FaultOfferInsert    = "offer.insert"
	FaultOfferAccept    = "offer.accept"
	FaultPaymentInsert  = "payment.insert"
	FaultSettlementTx   = "settlement.tx"
	FaultContractCreate = "contract.create"
)

// FailNext makes the next call of op return err without side effects.
func (d *DB) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = err
}

func (d *DB) fault(op string) error {
	err := d.faults[op]
	delete(d.faults, op)
	return err
}

// Messages returns enqueued outbox messages for topic, or all when topic is empty.
func (d *DB) Messages(topic string) []outbox.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []outbox.Message
	for _, m := range d.outbox {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Payouts returns every payout.
func (d *DB) Payouts() []payment.Payout {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]payment.Payout, 0, len(d.payouts))
	for _, p := range d.payouts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllPayments returns every payment.
func (d *DB) AllPayments() []payment.Payment {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]payment.Payment, 0, len(d.payments))
	for _, p := range d.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AllContracts returns every contract.
func (d *DB) AllContracts() []contract.Contract {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]contract.Contract, 0, len(d.contracts))
	for _, c := range d.contracts {
		out = append(out, c)
	}
	return out
}

// Events returns the settlement audit trail in arrival order.
func (d *DB) Events() []settlement.EventRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]settlement.EventRecord, 0, len(d.eventIDs))
	for _, id := range d.eventIDs {
		out = append(out, d.events[id])
	}
	return out
}

func (d *DB) enqueue(topic, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memstore: marshal %s: %w", topic, err)
	}
	d.outbox = append(d.outbox, outbox.Message{
		ID:           int64(len(d.outbox) + 1),
		Topic:        topic,
		AggregateKey: key,
		Payload:      body,
		CreatedAt:    time.Now(),
	})
	return nil
}

// ---- offers ----

// Offers returns the offer.Store view.
func (d *DB) Offers() offer.Store { return offerStore{d} }

type offerStore struct{ d *DB }

func (s offerStore) Insert(_ context.Context, o offer.Offer) (offer.Offer, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(FaultOfferInsert); err != nil {
		return offer.Offer{}, err
	}
	if _, ok := d.offers[o.ID]; ok {
		return offer.Offer{}, fmt.Errorf("memstore: duplicate offer %s", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = o.CreatedAt
	o.Status = offer.StatusOpen
	o.AcceptedBy, o.AcceptedAt = nil, nil
	d.offers[o.ID] = o
	return o, d.enqueue(outbox.TopicOfferCreated, o.ID, o)
}

func (s offerStore) Get(_ context.Context, id string) (offer.Offer, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	o, ok := s.d.offers[id]
	if !ok {
		return offer.Offer{}, offer.ErrNotFound
	}
	return o, nil
}

func (s offerStore) List(_ context.Context, f offer.Filter) ([]offer.Offer, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []offer.Offer
	for _, o := range s.d.offers {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.BrokerID != "" && o.BrokerID != f.BrokerID {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s offerStore) Accept(_ context.Context, id, carrierID string, at time.Time) (offer.Offer, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(FaultOfferAccept); err != nil {
		return offer.Offer{}, err
	}
	o, ok := d.offers[id]
	if !ok {
		return offer.Offer{}, offer.ErrNotFound
	}
	if o.Status != offer.StatusOpen || !o.ExpiresAt.After(at) {
		return offer.Offer{}, offer.AcceptFailure(o.Status, o.ExpiresAt, at)
	}
	carrier, acceptedAt := carrierID, at
	o.Status = offer.StatusAccepted
	o.AcceptedBy = &carrier
	o.AcceptedAt = &acceptedAt
	o.UpdatedAt = at
	d.offers[id] = o
	payload := map[string]any{"offer_id": o.ID, "carrier_id": carrierID, "accepted_at": at.UTC()}
	return o, d.enqueue(outbox.TopicOfferAccepted, o.ID, payload)
}

func (s offerStore) Expire(_ context.Context, id string, at time.Time) (offer.Offer, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.offers[id]
	if !ok {
		return offer.Offer{}, offer.ErrNotFound
	}
	if o.Status != offer.StatusOpen || o.ExpiresAt.After(at) {
		return offer.Offer{}, offer.ErrNotExpirable
	}
	o.Status = offer.StatusExpired
	o.UpdatedAt = at
	d.offers[id] = o
	return o, d.enqueue(outbox.TopicOfferExpired, o.ID, map[string]any{"offer_id": o.ID, "expired_at": at.UTC()})
}

func (s offerStore) ListExpired(_ context.Context, at time.Time, limit int) ([]offer.Offer, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []offer.Offer
	for _, o := range s.d.offers {
		if o.Status == offer.StatusOpen && !o.ExpiresAt.After(at) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- contracts ----

// Contracts returns the contract.Store view.
func (d *DB) Contracts() contract.Store { return contractStore{d} }

type contractStore struct{ d *DB }

func (s contractStore) CreateFromOffer(_ context.Context, offerID, carrierID string, build contract.BuildFunc) (contract.Contract, bool, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(FaultContractCreate); err != nil {
		return contract.Contract{}, false, err
	}
	o, ok := d.offers[offerID]
	if !ok {
		return contract.Contract{}, false, offer.ErrNotFound
	}
	if err := contract.CheckOffer(o, carrierID); err != nil {
		return contract.Contract{}, false, err
	}
	if existing, ok := d.contractByOffer(offerID); ok {
		return existing, false, nil
	}

	c, err := build(o)
	if err != nil {
		return contract.Contract{}, false, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	c.Status = contract.StatusPending
	c.EscrowStatus = contract.EscrowPending
	d.contracts[c.ID] = c
	payload := map[string]any{"contract_id": c.ID, "offer_id": c.OfferID, "total_amount": c.TotalAmount}
	return c, true, d.enqueue(outbox.TopicContractCreated, c.ID, payload)
}

func (d *DB) contractByOffer(offerID string) (contract.Contract, bool) {
	for _, c := range d.contracts {
		if c.OfferID == offerID {
			return c, true
		}
	}
	return contract.Contract{}, false
}

func (s contractStore) Get(_ context.Context, id string) (contract.Contract, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	c, ok := s.d.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	return c, nil
}

func (s contractStore) GetByOffer(_ context.Context, offerID string) (contract.Contract, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	c, ok := s.d.contractByOffer(offerID)
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	return c, nil
}

func (s contractStore) Sign(_ context.Context, id, carrierID string, at time.Time) (contract.Contract, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	if c.CarrierID != carrierID || c.Status != contract.StatusPending {
		return contract.SignFailure(c, carrierID)
	}
	signedAt := at
	c.Status = contract.StatusSigned
	c.SignedAt = &signedAt
	c.UpdatedAt = at
	d.contracts[id] = c
	return c, d.enqueue(outbox.TopicContractSigned, c.ID, map[string]any{"contract_id": c.ID, "carrier_id": carrierID})
}

func (s contractStore) MarkDelivered(_ context.Context, id string, at time.Time) (contract.Contract, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	if c.Status != contract.StatusSigned || c.DeliveredAt != nil {
		return contract.DeliveryFailure(c)
	}
	deliveredAt := at
	c.DeliveredAt = &deliveredAt
	c.UpdatedAt = at
	d.contracts[id] = c
	return c, d.enqueue(outbox.TopicContractDelivered, c.ID, map[string]any{"contract_id": c.ID})
}

func (s contractStore) ListReleasable(_ context.Context, limit int) ([]contract.Contract, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []contract.Contract
	for _, c := range s.d.contracts {
		if c.Status == contract.StatusSigned && c.EscrowStatus == contract.EscrowHeld && c.DeliveredAt != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveredAt.Before(*out[j].DeliveredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- payments ----

// Payments returns the payment.Store view.
func (d *DB) Payments() payment.Store { return paymentStore{d} }

type paymentStore struct{ d *DB }

func (s paymentStore) InsertPayment(_ context.Context, p payment.Payment) (payment.Payment, bool, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(FaultPaymentInsert); err != nil {
		return payment.Payment{}, false, err
	}
	for _, existing := range d.payments {
		if existing.ExternalID == p.ExternalID || existing.IdempotencyKey == p.IdempotencyKey {
			return existing, false, nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	d.payments[p.ID] = p
	return p, true, nil
}

func (s paymentStore) GetPayment(_ context.Context, id string) (payment.Payment, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.payments[id]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

func (s paymentStore) PaymentsForOffer(_ context.Context, offerID string) ([]payment.Payment, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.d.paymentsForOffer(offerID), nil
}

func (d *DB) paymentsForOffer(offerID string) []payment.Payment {
	var out []payment.Payment
	for _, p := range d.payments {
		if p.OfferID == offerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s paymentStore) InsertPayout(_ context.Context, p payment.Payout) (payment.Payout, bool, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.payouts {
		if existing.ContractID == p.ContractID && existing.RecipientID == p.RecipientID {
			return existing, false, nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	p.Status = payment.PayoutCreated
	p.ExternalTransferID = nil
	d.payouts[p.ID] = p
	return p, true, nil
}

func (s paymentStore) AttachTransfer(_ context.Context, payoutID, transferID string) (payment.Payout, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.payouts[payoutID]
	if !ok {
		return payment.Payout{}, payment.ErrPayoutNotFound
	}
	if p.ExternalTransferID == nil {
		id := transferID
		p.ExternalTransferID = &id
		p.UpdatedAt = time.Now()
		d.payouts[payoutID] = p
	}
	return p, nil
}

func (s paymentStore) PayoutsForContract(_ context.Context, contractID string) ([]payment.Payout, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.d.payoutsForContract(contractID), nil
}

func (d *DB) payoutsForContract(contractID string) []payment.Payout {
	var out []payment.Payout
	for _, p := range d.payouts {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientRole < out[j].RecipientRole })
	return out
}

// ---- accounts ----

// Accounts returns the account.ProfileStore view.
func (d *DB) Accounts() account.ProfileStore { return accountStore{d} }

type accountStore struct{ d *DB }

func (s accountStore) GetByID(_ context.Context, partyID string) (account.Profile, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.accounts[partyID]
	if !ok {
		return account.Profile{}, account.ErrNotFound
	}
	return p, nil
}

func (s accountStore) List(_ context.Context, role account.Role, limit int) ([]account.Profile, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []account.Profile
	for _, p := range s.d.accounts {
		if role == "" || p.Role == role {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s accountStore) Upsert(_ context.Context, p account.Profile) (account.Profile, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	now := time.Now()
	if existing, ok := s.d.accounts[p.PartyID]; ok {
		p.CreatedAt = existing.CreatedAt
		p.Role = existing.Role
		p.PayoutsEnabled = existing.PayoutsEnabled
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.d.accounts[p.PartyID] = p
	return p, nil
}

// ---- settlement ----

// Settlement returns the settlement.Store view.
func (d *DB) Settlement() settlement.Store { return settlementStore{d} }

type settlementStore struct{ d *DB }

type snapshot struct {
	offers    map[string]offer.Offer
	contracts map[string]contract.Contract
	payments  map[string]payment.Payment
	payouts   map[string]payment.Payout
	accounts  map[string]account.Profile
	events    map[string]settlement.EventRecord
	eventsLen int
	outboxLen int
}

func clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *DB) snapshot() snapshot {
	return snapshot{
		offers:    clone(d.offers),
		contracts: clone(d.contracts),
		payments:  clone(d.payments),
		payouts:   clone(d.payouts),
		accounts:  clone(d.accounts),
		events:    clone(d.events),
		eventsLen: len(d.eventIDs),
		outboxLen: len(d.outbox),
	}
}

func (d *DB) restore(s snapshot) {
	d.offers, d.contracts, d.payments = s.offers, s.contracts, s.payments
	d.payouts, d.accounts, d.events = s.payouts, s.accounts, s.events
	d.eventIDs = d.eventIDs[:s.eventsLen]
	d.outbox = d.outbox[:s.outboxLen]
}

// InTx holds the lock for the whole of fn and rolls every change back if fn fails.
func (s settlementStore) InTx(_ context.Context, fn func(l settlement.Ledger) error) error {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(FaultSettlementTx); err != nil {
		return err
	}
	snap := d.snapshot()
	if err := fn(ledger{d}); err != nil {
		d.restore(snap)
		return err
	}
	return nil
}

func (s settlementStore) GetEvent(_ context.Context, id string) (settlement.EventRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	e, ok := s.d.events[id]
	if !ok {
		return settlement.EventRecord{}, settlement.ErrEventNotFound
	}
	return e, nil
}

func (s settlementStore) ListHeld(_ context.Context, limit int) ([]settlement.EventRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []settlement.EventRecord
	for _, id := range s.d.eventIDs {
		if e := s.d.events[id]; e.Outcome == settlement.OutcomeHeld {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ledger runs with DB.mu already held by InTx.
type ledger struct{ d *DB }

func (l ledger) RecordEvent(_ context.Context, rec settlement.EventRecord) (settlement.EventRecord, bool, error) {
	for _, e := range l.d.events {
		if e.ProviderEventID == rec.ProviderEventID {
			return e, false, nil
		}
	}
	rec.ID = uuid.NewString()
	l.d.events[rec.ID] = rec
	l.d.eventIDs = append(l.d.eventIDs, rec.ID)
	return rec, true, nil
}

func (l ledger) LockEvent(_ context.Context, id string) (settlement.EventRecord, error) {
	e, ok := l.d.events[id]
	if !ok {
		return settlement.EventRecord{}, settlement.ErrEventNotFound
	}
	return e, nil
}

func (l ledger) CompleteEvent(_ context.Context, id string, outcome settlement.Outcome, detail string, at time.Time) error {
	e, ok := l.d.events[id]
	if !ok {
		return settlement.ErrEventNotFound
	}
	processed := at
	e.Outcome, e.Detail, e.ProcessedAt = outcome, detail, &processed
	l.d.events[id] = e
	return nil
}

func (l ledger) PaymentByExternalID(_ context.Context, externalID string) (payment.Payment, error) {
	for _, p := range l.d.payments {
		if p.ExternalID == externalID {
			return p, nil
		}
	}
	return payment.Payment{}, payment.ErrNotFound
}

func (l ledger) PaymentsForOffer(_ context.Context, offerID string) ([]payment.Payment, error) {
	return l.d.paymentsForOffer(offerID), nil
}

func (l ledger) TransitionPayment(_ context.Context, id string, from []payment.Status, to payment.Status, at time.Time) (bool, error) {
	p, ok := l.d.payments[id]
	if !ok || !payment.StatusIn(p.Status, from...) {
		return false, nil
	}
	p.Status, p.UpdatedAt = to, at
	l.d.payments[id] = p
	return true, nil
}

func (l ledger) GetContract(_ context.Context, id string) (contract.Contract, error) {
	c, ok := l.d.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	return c, nil
}

func (l ledger) ContractByOffer(_ context.Context, offerID string) (contract.Contract, error) {
	c, ok := l.d.contractByOffer(offerID)
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	return c, nil
}

func (l ledger) TransitionEscrow(_ context.Context, contractID string, from []contract.EscrowStatus, to contract.EscrowStatus, at time.Time) (bool, error) {
	c, ok := l.d.contracts[contractID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if c.EscrowStatus == s {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	c.EscrowStatus, c.UpdatedAt = to, at
	l.d.contracts[contractID] = c
	return true, nil
}

func (l ledger) CancelContract(_ context.Context, contractID string, at time.Time) (bool, error) {
	c, ok := l.d.contracts[contractID]
	if !ok || c.Status == contract.StatusCancelled || c.Status == contract.StatusExecuted {
		return false, nil
	}
	cancelledAt := at
	c.Status, c.CancelledAt, c.UpdatedAt = contract.StatusCancelled, &cancelledAt, at
	l.d.contracts[contractID] = c
	return true, nil
}

func (l ledger) ExecuteContract(_ context.Context, contractID string, at time.Time) (bool, error) {
	c, ok := l.d.contracts[contractID]
	if !ok || !c.Executable() {
		return false, nil
	}
	executedAt := at
	c.Status, c.ExecutedAt, c.UpdatedAt = contract.StatusExecuted, &executedAt, at
	l.d.contracts[contractID] = c
	return true, nil
}

func (l ledger) FundOffer(_ context.Context, offerID string, at time.Time) (bool, error) {
	o, ok := l.d.offers[offerID]
	if !ok || o.Status != offer.StatusAccepted {
		return false, nil
	}
	o.Status, o.UpdatedAt = offer.StatusFunded, at
	l.d.offers[offerID] = o
	return true, nil
}

func (l ledger) CancelOffer(_ context.Context, offerID string, at time.Time) (bool, error) {
	o, ok := l.d.offers[offerID]
	if !ok {
		return false, nil
	}
	switch o.Status {
	case offer.StatusOpen, offer.StatusAccepted, offer.StatusFunded:
	default:
		return false, nil
	}
	o.Status, o.AcceptedBy, o.UpdatedAt = offer.StatusCancelled, nil, at
	l.d.offers[offerID] = o
	return true, nil
}

func (l ledger) PayoutByTransfer(_ context.Context, transferID string) (payment.Payout, error) {
	for _, p := range l.d.payouts {
		if p.ExternalTransferID != nil && *p.ExternalTransferID == transferID {
			return p, nil
		}
	}
	return payment.Payout{}, payment.ErrPayoutNotFound
}

func (l ledger) PayoutByID(_ context.Context, id string) (payment.Payout, error) {
	p, ok := l.d.payouts[id]
	if !ok {
		return payment.Payout{}, payment.ErrPayoutNotFound
	}
	return p, nil
}

func (l ledger) AttachTransfer(_ context.Context, payoutID, transferID string) error {
	p, ok := l.d.payouts[payoutID]
	if !ok || p.ExternalTransferID != nil {
		return nil
	}
	id := transferID
	p.ExternalTransferID = &id
	l.d.payouts[payoutID] = p
	return nil
}

func (l ledger) TransitionPayout(_ context.Context, id string, from []payment.PayoutStatus, to payment.PayoutStatus, at time.Time) (bool, error) {
	p, ok := l.d.payouts[id]
	if !ok || !payment.PayoutStatusIn(p.Status, from...) {
		return false, nil
	}
	p.Status, p.UpdatedAt = to, at
	if to == payment.PayoutCompleted {
		completedAt := at
		p.CompletedAt = &completedAt
	}
	l.d.payouts[id] = p
	return true, nil
}

func (l ledger) PayoutsForContract(_ context.Context, contractID string) ([]payment.Payout, error) {
	return l.d.payoutsForContract(contractID), nil
}

func (l ledger) SetPayoutsEnabled(_ context.Context, processorAccountID string, enabled bool, at time.Time) (bool, error) {
	for id, p := range l.d.accounts {
		if p.ProcessorAccountID != nil && *p.ProcessorAccountID == processorAccountID {
			p.PayoutsEnabled, p.UpdatedAt = enabled, at
			l.d.accounts[id] = p
			return true, nil
		}
	}
	return false, nil
}

func (l ledger) Enqueue(_ context.Context, topic, key string, payload any) error {
	return l.d.enqueue(topic, key, payload)
}
