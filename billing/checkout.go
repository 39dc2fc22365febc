package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

const DefaultPendingTTL = 60 * time.Minute

// CheckoutManager opens checkout sessions with the processor and keeps at
// most one outstanding pending session per payer and resource.
type CheckoutManager struct {
	Storage    storage.Storage
	Processor  Processor
	PendingTTL time.Duration
	PriceCents int64
	Currency   string
}

func (c *CheckoutManager) pendingTTL() time.Duration {
	if c.PendingTTL > 0 {
		return c.PendingTTL
	}
	return DefaultPendingTTL
}

// CreateOrReuse returns the payer's newest pending unexpired session for
// the resource, or opens a new one with the processor. Reuse is a
// conditional query against the store, not an in-process lock.
func (c *CheckoutManager) CreateOrReuse(ctx context.Context, payer *models.APIKey, resourceID, successURL, cancelURL string) (*models.PaymentSession, error) {
	now := time.Now()

	existing, err := c.Storage.FindPendingSession(ctx, payer.ID, resourceID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending session: %w", err)
	}
	if existing != nil {
		logger.Debug("Reusing pending checkout session", map[string]interface{}{
			"session_id": existing.ID,
			"payer_id":   payer.ID,
		})
		return existing, nil
	}

	description := "FMU simulation run"
	if resourceID != "" {
		description = "FMU simulation run: " + resourceID
	}

	result, err := c.Processor.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:  payer.StripeCustomerID,
		AmountCents: c.PriceCents,
		Currency:    c.Currency,
		Description: description,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		Metadata: map[string]string{
			"payer_id":    payer.ID,
			"resource_id": resourceID,
		},
	})
	if err != nil {
		return nil, err
	}

	session := &models.PaymentSession{
		ID:          uuid.Must(uuid.NewRandom()).String(),
		PayerID:     payer.ID,
		ResourceID:  resourceID,
		AmountCents: c.PriceCents,
		Currency:    c.Currency,
		ExternalID:  result.ID,
		CheckoutURL: result.URL,
		Status:      models.SessionPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.pendingTTL()),
	}

	if err := c.Storage.SavePaymentSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist payment session: %w", err)
	}

	logger.Info("Checkout session opened", map[string]interface{}{
		"session_id":  session.ID,
		"external_id": session.ExternalID,
		"payer_id":    payer.ID,
		"amount":      session.AmountCents,
		"currency":    session.Currency,
	})

	return session, nil
}

// OpenListingCheckout opens a marketplace checkout for a listing. No
// local row is written; the purchase record is created when the
// processor reports completion, with the metadata written here.
func (c *CheckoutManager) OpenListingCheckout(ctx context.Context, buyer *models.APIKey, listing *models.Listing, scope string, seats int, executeRuns int64, successURL, cancelURL string) (*CheckoutResult, error) {
	result, err := c.Processor.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:  buyer.StripeCustomerID,
		AmountCents: listing.PriceCents,
		Currency:    listing.Currency,
		Description: "FMU license: " + listing.SKU,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		Metadata: map[string]string{
			"marketplace_listing_id": strconv.FormatInt(listing.ID, 10),
			"buyer_id":               buyer.ID,
			"package_id":             strconv.FormatInt(listing.PackageID, 10),
			"version_id":             strconv.FormatInt(listing.VersionID, 10),
			"license_scope":          scope,
			"seats":                  strconv.Itoa(seats),
			"execute_runs":           strconv.FormatInt(executeRuns, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Marketplace checkout opened", map[string]interface{}{
		"external_id": result.ID,
		"listing_id":  listing.ID,
		"buyer_id":    buyer.ID,
	})

	return result, nil
}
