package billing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

const DefaultTokenTTL = 30 * time.Minute

// CompletedEvent carries the fields of a processor "completed"
// notification the issuer needs. Metadata fields may be empty when the
// processor session was not opened by this service.
type CompletedEvent struct {
	ExternalID  string
	PayerID     string
	ResourceID  string
	AmountCents int64
	Currency    string
	CheckoutURL string
}

// TokenIssuer converts processor completion events into single-use
// redemption tokens. Handlers must tolerate at-least-once delivery:
// re-applying an event replaces the token instead of minting a second
// independently valid one.
type TokenIssuer struct {
	Storage  storage.Storage
	TokenTTL time.Duration
}

func (t *TokenIssuer) tokenTTL() time.Duration {
	if t.TokenTTL > 0 {
		return t.TokenTTL
	}
	return DefaultTokenTTL
}

// NewToken returns an opaque high-entropy credential.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HandleCompleted marks the session ready and installs a fresh token.
// When no session matches the external id, one is reconstructed from the
// event metadata so a paid checkout is never lost; reconstruction is
// logged at WARN because the event then has no local counterpart.
func (t *TokenIssuer) HandleCompleted(ctx context.Context, ev CompletedEvent) (*models.PaymentSession, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(t.tokenTTL())

	applied, err := t.Storage.MarkSessionReady(ctx, ev.ExternalID, token, expiresAt, ev.AmountCents, ev.Currency)
	if err != nil {
		return nil, err
	}

	if applied {
		session, err := t.Storage.FindSessionByExternalID(ctx, ev.ExternalID)
		if err != nil {
			return nil, err
		}
		logger.Info("Payment token issued", map[string]interface{}{
			"session_id":  session.ID,
			"external_id": ev.ExternalID,
			"payer_id":    session.PayerID,
		})
		return session, nil
	}

	existing, err := t.Storage.FindSessionByExternalID(ctx, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Consumed or expired, both terminal. The replayed event is a no-op.
		logger.Info("Completed event ignored for terminal session", map[string]interface{}{
			"session_id":  existing.ID,
			"external_id": ev.ExternalID,
			"status":      existing.Status,
		})
		return existing, nil
	}

	if ev.PayerID == "" {
		return nil, fmt.Errorf("no session for external id %s and event carries no payer metadata", ev.ExternalID)
	}

	logger.Warn("Reconstructing payment session from webhook metadata", map[string]interface{}{
		"external_id": ev.ExternalID,
		"payer_id":    ev.PayerID,
		"resource_id": ev.ResourceID,
	})

	session := &models.PaymentSession{
		ID:          uuid.Must(uuid.NewRandom()).String(),
		PayerID:     ev.PayerID,
		ResourceID:  ev.ResourceID,
		AmountCents: ev.AmountCents,
		Currency:    ev.Currency,
		ExternalID:  ev.ExternalID,
		CheckoutURL: ev.CheckoutURL,
		Token:       token,
		Status:      models.SessionReady,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	if err := t.Storage.SavePaymentSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist reconstructed session: %w", err)
	}

	return session, nil
}

// HandleExpired force-expires the session. An expired notification
// always wins, even over an already minted token.
func (t *TokenIssuer) HandleExpired(ctx context.Context, externalID string) error {
	if err := t.Storage.ExpireSession(ctx, externalID); err != nil {
		return err
	}

	logger.Info("Payment session expired by processor", map[string]interface{}{
		"external_id": externalID,
	})

	return nil
}
