package billing

import (
	"context"
	"time"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

// Claimer redeems single-use payment tokens. Claim is the only
// synchronization barrier in front of a gated operation: callers run the
// operation after a non-nil claim and treat the credential as spent even
// if the operation later fails.
type Claimer struct {
	Storage storage.Storage
}

// Claim consumes the token for the payer. Returns nil when the token is
// unknown, owned by someone else, already consumed or expired; callers
// answer all of those with the same checkout-again response.
func (c *Claimer) Claim(ctx context.Context, payerID, token string) (*models.PaymentSession, error) {
	if token == "" {
		return nil, nil
	}

	session, err := c.Storage.ClaimSession(ctx, payerID, token, time.Now())
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	logger.Info("Payment token claimed", map[string]interface{}{
		"session_id": session.ID,
		"payer_id":   payerID,
	})

	return session, nil
}

// LatestReady returns the payer's newest unexpired ready session, used to
// avoid opening another checkout while a usable token already exists.
func (c *Claimer) LatestReady(ctx context.Context, payerID string) (*models.PaymentSession, error) {
	return c.Storage.LatestReadySession(ctx, payerID, time.Now())
}
