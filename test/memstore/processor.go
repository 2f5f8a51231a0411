package memstore

import (
	"context"
	"fmt"
	"sync"

	"freightflow/payment"
	"freightflow/settlement"
)

// Processor is an in-memory payment processor. Calls are idempotent by key,
// like the real one: repeating a key returns the first result.
type Processor struct {
	mu        sync.Mutex
	holds     map[string]payment.Hold
	requests  map[string]payment.HoldRequest
	transfers map[string]payment.Transfer
	sent      map[string]payment.TransferRequest
	cancelled map[string]bool
	failNext  map[string]error
	seq       int
}

func NewProcessor() *Processor {
	return &Processor{
		holds:     map[string]payment.Hold{},
		requests:  map[string]payment.HoldRequest{},
		transfers: map[string]payment.Transfer{},
		sent:      map[string]payment.TransferRequest{},
		cancelled: map[string]bool{},
		failNext:  map[string]error{},
	}
}

// FailNext makes the next call of op ("hold", "cancel" or "transfer") fail with err.
func (p *Processor) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = err
}

func (p *Processor) takeFault(op string) error {
	err := p.failNext[op]
	delete(p.failNext, op)
	return err
}

func (p *Processor) CreateHold(_ context.Context, req payment.HoldRequest) (payment.Hold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault("hold"); err != nil {
		return payment.Hold{}, err
	}
	if h, ok := p.holds[req.IdempotencyKey]; ok {
		return h, nil
	}
	p.seq++
	h := payment.Hold{ExternalID: fmt.Sprintf("pi_%04d", p.seq), Status: "requires_payment_method"}
	p.holds[req.IdempotencyKey] = h
	p.requests[h.ExternalID] = req
	return h, nil
}

func (p *Processor) CancelHold(_ context.Context, externalID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault("cancel"); err != nil {
		return err
	}
	p.cancelled[externalID] = true
	return nil
}

func (p *Processor) CreateTransfer(_ context.Context, req payment.TransferRequest) (payment.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault("transfer"); err != nil {
		return payment.Transfer{}, err
	}
	if tr, ok := p.transfers[req.IdempotencyKey]; ok {
		return tr, nil
	}
	p.seq++
	tr := payment.Transfer{ExternalID: fmt.Sprintf("tr_%04d", p.seq)}
	p.transfers[req.IdempotencyKey] = tr
	p.sent[tr.ExternalID] = req
	return tr, nil
}

// HoldRequest returns the request that created the hold externalID.
func (p *Processor) HoldRequest(externalID string) (payment.HoldRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests[externalID]
	return req, ok
}

// Succeeded is the event the processor sends once the intent externalID is
// paid in full. Unknown intents carry a zero amount.
func (p *Processor) Succeeded(eventID, externalID string) settlement.ChargeSucceeded {
	p.mu.Lock()
	defer p.mu.Unlock()
	req := p.requests[externalID]
	return settlement.ChargeSucceeded{Envelope: settlement.Envelope{
		EventID:    eventID,
		Kind:       settlement.KindChargeSucceeded,
		ExternalID: externalID,
		Amount:     req.Amount,
		Currency:   req.Currency,
	}}
}

// HoldCount is the number of distinct holds placed.
func (p *Processor) HoldCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.holds)
}

// Cancelled reports whether the hold was voided.
func (p *Processor) Cancelled(externalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[externalID]
}

// Transfers returns every distinct transfer keyed by external id.
func (p *Processor) Transfers() map[string]payment.TransferRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]payment.TransferRequest, len(p.sent))
	for k, v := range p.sent {
		out[k] = v
	}
	return out
}
