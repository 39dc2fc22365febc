package models

import "time"

// APIKey identifies a payer. Callers authenticate with the key as a
// bearer token; the id is what gets attached to sessions and usage rows.
type APIKey struct {
	ID               string    `json:"id"`
	Key              string    `json:"-"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
