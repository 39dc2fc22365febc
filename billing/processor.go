package billing

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
)

// CheckoutParams describes the checkout session to open with the
// processor. Metadata is echoed back on webhook events and is the only
// context available when the event arrives.
type CheckoutParams struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CheckoutResult is the processor's handle for an opened session.
type CheckoutResult struct {
	ID  string
	URL string
}

// Processor opens checkout sessions with the external payment provider.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error)
	// CreateCustomer registers the payer with the provider so later
	// checkouts attach to one customer record.
	CreateCustomer(ctx context.Context, email string) (string, error)
}

// StripeProcessor implements Processor against the Stripe API.
type StripeProcessor struct {
	SecretKey string
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error) {
	if p.SecretKey == "" {
		return nil, ErrNotConfigured
	}

	stripe.Key = p.SecretKey

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(params.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(params.Description),
					},
					UnitAmount: stripe.Int64(params.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: params.Metadata,
	}
	if params.CustomerID != "" {
		sessionParams.Customer = stripe.String(params.CustomerID)
	}
	sessionParams.Context = ctx

	session, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, &ProcessorError{err: err}
	}

	return &CheckoutResult{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, email string) (string, error) {
	if p.SecretKey == "" {
		return "", ErrNotConfigured
	}

	stripe.Key = p.SecretKey

	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx

	cust, err := customer.New(params)
	if err != nil {
		return "", &ProcessorError{err: err}
	}

	return cust.ID, nil
}
