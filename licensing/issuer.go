package licensing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

// Issuer creates, rotates and verifies license keys. Only the salted
// hash of a key is ever stored; the raw key is returned exactly once at
// issuance or rotation and cannot be recovered afterwards.
type Issuer struct {
	Storage storage.Storage
}

func hashLicenseKey(salt, rawKey string) string {
	digest := sha256.Sum256([]byte(salt + ":" + rawKey))
	return hex.EncodeToString(digest[:])
}

func newSalt() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue activates the purchase, stores the hashed key on it, creates the
// license and, for execute-only SKUs, a paired execution entitlement.
func (i *Issuer) Issue(ctx context.Context, purchase *models.Purchase, scope string, seats int, executeOnly bool, initialRuns int64) (*models.License, string, error) {
	rawKey := uuid.Must(uuid.NewRandom()).String()
	salt, err := newSalt()
	if err != nil {
		return nil, "", err
	}

	if err := i.Storage.UpdatePurchaseKey(ctx, purchase.ID, hashLicenseKey(salt, rawKey), salt, models.PurchaseActive); err != nil {
		return nil, "", fmt.Errorf("failed to store license key: %w", err)
	}
	purchase.Status = models.PurchaseActive

	if seats < 1 {
		seats = 1
	}
	// Entitlements never start negative, whatever the metadata says.
	if initialRuns < 0 {
		initialRuns = 0
	}

	license := &models.License{
		PurchaseID: purchase.ID,
		BuyerID:    purchase.BuyerID,
		PackageID:  purchase.PackageID,
		VersionID:  purchase.VersionID,
		Scope:      scope,
		Seats:      seats,
	}

	if err := i.Storage.SaveLicense(ctx, license); err != nil {
		return nil, "", fmt.Errorf("failed to save license: %w", err)
	}

	if executeOnly {
		ent := &models.ExecutionEntitlement{
			LicenseID:     license.ID,
			RunsRemaining: initialRuns,
			LastUpdated:   time.Now(),
		}
		if err := i.Storage.SaveEntitlement(ctx, ent); err != nil {
			return nil, "", fmt.Errorf("failed to save entitlement: %w", err)
		}
	}

	logger.Info("License issued", map[string]interface{}{
		"license_id":   license.ID,
		"purchase_id":  purchase.ID,
		"buyer_id":     purchase.BuyerID,
		"scope":        scope,
		"execute_only": executeOnly,
	})

	return license, rawKey, nil
}

// Rotate replaces the key and salt on the owning purchase. The previous
// raw key fails verification immediately, there is no grace period.
func (i *Issuer) Rotate(ctx context.Context, license *models.License) (string, error) {
	purchase, err := i.Storage.GetPurchase(ctx, license.PurchaseID)
	if err != nil {
		return "", err
	}
	if purchase == nil {
		return "", fmt.Errorf("purchase %d not found for license %d", license.PurchaseID, license.ID)
	}

	rawKey := uuid.Must(uuid.NewRandom()).String()
	salt, err := newSalt()
	if err != nil {
		return "", err
	}

	if err := i.Storage.UpdatePurchaseKey(ctx, purchase.ID, hashLicenseKey(salt, rawKey), salt, purchase.Status); err != nil {
		return "", fmt.Errorf("failed to rotate license key: %w", err)
	}

	logger.Info("License key rotated", map[string]interface{}{
		"license_id":  license.ID,
		"purchase_id": purchase.ID,
	})

	return rawKey, nil
}

// Verify scans active licenses for the package/version pair and compares
// the salted hash of rawKey against each candidate in constant time.
// Returns nil when no candidate matches.
func (i *Issuer) Verify(ctx context.Context, rawKey string, packageID, versionID int64) (*models.License, error) {
	if rawKey == "" {
		return nil, nil
	}

	now := time.Now()

	candidates, err := i.Storage.LicensesForPackageVersion(ctx, packageID, versionID)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if candidate.Expired(now) {
			continue
		}

		purchase, err := i.Storage.GetPurchase(ctx, candidate.PurchaseID)
		if err != nil {
			return nil, err
		}
		if purchase == nil || purchase.Status != models.PurchaseActive {
			continue
		}

		digest := hashLicenseKey(purchase.LicenseKeySalt, rawKey)
		if subtle.ConstantTimeCompare([]byte(digest), []byte(purchase.LicenseKeyHash)) == 1 {
			return candidate, nil
		}
	}

	return nil, nil
}
