package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// Holder reserves a fare when a ride is requested and settles it when the
// ride ends: captured on completion, released on cancellation.
type Holder interface {
	Hold(ctx context.Context, customerID string, amount int64) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	api      *client.API
	currency string
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	if currency == "" {
		currency = "vnd"
	}
	return newStripeClient(apiKey, currency, nil)
}

func newStripeClient(apiKey, currency string, backends *stripe.Backends) *StripeClient {
	return &StripeClient{api: client.New(apiKey, backends), currency: currency}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// Stripe customer ids are not the rider's user id, so the rider is attached
// as metadata only.
func (s *StripeClient) Hold(ctx context.Context, customerID string, amount int64) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("rider_id", customerID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(holdID, params)
	return err
}

// Release cancels the PaymentIntent, freeing the hold.
func (s *StripeClient) Release(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(holdID, params)
	return err
}

// Noop is used when no payment provider is configured.
type Noop struct{}

func (Noop) Hold(context.Context, string, int64) (string, error) { return "", nil }
func (Noop) Capture(context.Context, string) error               { return nil }
func (Noop) Release(context.Context, string) error               { return nil }
