package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
	"golang.org/x/time/rate"
)

// StripeProcessor implements Processor with automatically captured payment
// intents and Connect transfers. Funds land in the platform balance when the
// intent succeeds, which is what escrow held means.
type StripeProcessor struct {
	api     *client.API
	limiter *rate.Limiter
}

// NewStripeProcessor builds a client for secretKey limited to rps requests per second.
func NewStripeProcessor(secretKey string, rps float64) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)

	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &StripeProcessor{api: api, limiter: rate.NewLimiter(limit, burst)}
}

func (p *StripeProcessor) CreateHold(ctx context.Context, req HoldRequest) (Hold, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Hold{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic)),
		Description:   stripe.String(req.Description),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return Hold{}, classifyStripe("create_hold", err)
	}
	return Hold{ExternalID: pi.ID, Status: string(pi.Status)}, nil
}

func (p *StripeProcessor) CancelHold(ctx context.Context, externalID, idempotencyKey string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	if _, err := p.api.PaymentIntents.Cancel(externalID, params); err != nil {
		return classifyStripe("cancel_hold", err)
	}
	return nil
}

func (p *StripeProcessor) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Transfer{}, err
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := p.api.Transfers.New(params)
	if err != nil {
		return Transfer{}, classifyStripe("create_transfer", err)
	}
	return Transfer{ExternalID: tr.ID}, nil
}

func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &ProcessorError{Op: op, Transient: true, Err: err}
	}
	transient := se.HTTPStatusCode == 0 ||
		se.HTTPStatusCode == http.StatusTooManyRequests ||
		se.HTTPStatusCode == http.StatusConflict ||
		se.HTTPStatusCode >= http.StatusInternalServerError
	return &ProcessorError{Op: op, Code: string(se.Code), Transient: transient, Err: err}
}
