package licensing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

// Ledger handles revocations and keeps the append-only audit trail.
// Revocation is irreversible; reinstatement means issuing a new license.
type Ledger struct {
	Storage storage.Storage
}

// Append writes an audit entry. ActorID is empty for system actions.
func (l *Ledger) Append(ctx context.Context, actorID, action, entity, entityID, details string) error {
	entry := &models.AuditLog{
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Timestamp: time.Now(),
		Details:   details,
	}
	return l.Storage.AppendAudit(ctx, entry)
}

// RevokeLicense flags the license, zeroes any paired entitlement and
// records the action.
func (l *Ledger) RevokeLicense(ctx context.Context, actorID string, license *models.License) error {
	if err := l.Storage.RevokeLicense(ctx, license.ID, time.Now()); err != nil {
		return err
	}
	license.IsRevoked = true

	if err := l.Append(ctx, actorID, "license_revoked", "license", strconv.FormatInt(license.ID, 10), ""); err != nil {
		return fmt.Errorf("license revoked but audit append failed: %w", err)
	}

	logger.Info("License revoked", map[string]interface{}{
		"license_id": license.ID,
		"actor_id":   actorID,
	})

	return nil
}

// UnlistListing takes the listing off the marketplace and records it.
func (l *Ledger) UnlistListing(ctx context.Context, actorID string, listingID int64) error {
	if err := l.Storage.UnlistListing(ctx, listingID); err != nil {
		return err
	}

	if err := l.Append(ctx, actorID, "listing_unlisted", "listing", strconv.FormatInt(listingID, 10), ""); err != nil {
		return fmt.Errorf("listing unlisted but audit append failed: %w", err)
	}

	return nil
}

// RecordRefund flips the purchase to refunded and revokes its license if
// one was issued. Called from the processor's refund notification; there
// is no in-band refund on the claim path.
func (l *Ledger) RecordRefund(ctx context.Context, purchase *models.Purchase) error {
	if err := l.Storage.UpdatePurchaseKey(ctx, purchase.ID, purchase.LicenseKeyHash, purchase.LicenseKeySalt, models.PurchaseRefunded); err != nil {
		return fmt.Errorf("failed to mark purchase refunded: %w", err)
	}
	purchase.Status = models.PurchaseRefunded

	license, err := l.Storage.FindLicenseByPurchase(ctx, purchase.ID)
	if err != nil {
		return err
	}
	if license != nil && !license.IsRevoked {
		if err := l.RevokeLicense(ctx, "", license); err != nil {
			return err
		}
	}

	return l.Append(ctx, "", "purchase_refunded", "purchase", strconv.FormatInt(purchase.ID, 10), "")
}
