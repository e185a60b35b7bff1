package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/transfer"
)

// StripeGateway implements PaymentGateway on Stripe.
//
// Holds are manual-capture PaymentIntents, transfers go to connected payee
// accounts, refunds run against the captured intent. Stripe deduplicates by
// idempotency key on its side, which is what makes escrow retries safe.
type StripeGateway struct {
	currency string
}

// NewStripeGateway configures the Stripe client with the secret key and
// returns a gateway using the given default currency (e.g. "usd").
func NewStripeGateway(secretKey, currency string) *StripeGateway {
	stripe.Key = secretKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeGateway{currency: currency}
}

func (g *StripeGateway) AuthorizeHold(ctx context.Context, payerRef string, amountCents int64, currency, idempotencyKey string) (string, error) {
	if currency == "" {
		currency = g.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(payerRef),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", classifyStripeErr(err)
	}
	return pi.ID, nil
}

func (g *StripeGateway) Capture(ctx context.Context, holdRef, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := paymentintent.Capture(holdRef, params)
	if err != nil {
		return "", classifyStripeErr(err)
	}
	if pi.LatestCharge != nil {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

func (g *StripeGateway) TransferToPayee(ctx context.Context, captureRef, payeeRef string, netCents int64, currency, idempotencyKey string) (string, error) {
	if currency == "" {
		currency = g.currency
	}
	params := &stripe.TransferParams{
		Amount:            stripe.Int64(netCents),
		Currency:          stripe.String(currency),
		Destination:       stripe.String(payeeRef),
		SourceTransaction: stripe.String(captureRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := transfer.New(params)
	if err != nil {
		return "", classifyStripeErr(err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) CancelHold(ctx context.Context, holdRef, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	if _, err := paymentintent.Cancel(holdRef, params); err != nil {
		return classifyStripeErr(err)
	}
	return nil
}

func (g *StripeGateway) Refund(ctx context.Context, captureRef string, amountCents int64, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(captureRef),
		Amount: stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	r, err := refund.New(params)
	if err != nil {
		return "", classifyStripeErr(err)
	}
	return r.ID, nil
}

// classifyStripeErr maps Stripe errors onto the port's taxonomy: card and
// invalid-request errors are permanent rejections; rate limits, connection
// problems, and 5xx responses are transient.
func classifyStripeErr(err error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return Transient(err)
	}

	switch sErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return Rejected(string(sErr.Code), sErr.Msg)
	case stripe.ErrorTypeAPI:
		return Transient(err)
	}
	if sErr.HTTPStatusCode == http.StatusTooManyRequests || sErr.HTTPStatusCode >= 500 {
		return Transient(err)
	}
	return Rejected(string(sErr.Code), sErr.Msg)
}

// Compile-time assertion that StripeGateway implements PaymentGateway.
var _ PaymentGateway = (*StripeGateway)(nil)
