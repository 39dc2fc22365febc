package models

import "time"

const (
	SessionPending  = "pending"
	SessionReady    = "ready"
	SessionConsumed = "consumed"
	SessionExpired  = "expired"
)

// PaymentSession tracks one checkout opened with the payment processor.
// The token field is only populated once the processor reports the
// session as paid, and it unlocks exactly one gated operation.
type PaymentSession struct {
	ID          string     `json:"id"`
	PayerID     string     `json:"payer_id"`
	ResourceID  string     `json:"resource_id,omitempty"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	ExternalID  string     `json:"external_id"`
	CheckoutURL string     `json:"checkout_url"`
	Token       string     `json:"-"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// Expired reports whether the session is past its deadline. Expiry is
// enforced lazily on read, the stored status may lag behind.
func (s *PaymentSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
