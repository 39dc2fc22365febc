package storage

import (
	"context"
	"time"

	"fmu-gateway.ai/cloud/models"
)

// Storage is the durable store behind the gateway. Every cross-request
// mutation (claim, token minting, entitlement decrement) is a single
// atomic operation inside the implementation, never a read-modify-write
// at the caller.
type Storage interface {
	// Payment sessions
	SavePaymentSession(ctx context.Context, session *models.PaymentSession) error
	GetPaymentSession(ctx context.Context, id string) (*models.PaymentSession, error)
	FindSessionByExternalID(ctx context.Context, externalID string) (*models.PaymentSession, error)
	// FindPendingSession returns the newest pending, unexpired session for
	// the payer, optionally narrowed to a resource. Nil when none exists.
	FindPendingSession(ctx context.Context, payerID, resourceID string, now time.Time) (*models.PaymentSession, error)
	// LatestReadySession returns the newest ready, unexpired, unconsumed
	// session for the payer. Nil when none exists.
	LatestReadySession(ctx context.Context, payerID string, now time.Time) (*models.PaymentSession, error)
	// MarkSessionReady installs a fresh token on the session identified by
	// the processor's session id. Applies only while the session is pending
	// or ready; consumed and expired sessions are terminal. Reports whether
	// the update was applied.
	MarkSessionReady(ctx context.Context, externalID, token string, expiresAt time.Time, amountCents int64, currency string) (bool, error)
	ExpireSession(ctx context.Context, externalID string) error
	// ClaimSession atomically consumes a ready token. At most one caller
	// ever observes a non-nil result for a given token.
	ClaimSession(ctx context.Context, payerID, token string, now time.Time) (*models.PaymentSession, error)

	// API keys
	SaveAPIKey(ctx context.Context, key *models.APIKey) error
	FindAPIKey(ctx context.Context, key string) (*models.APIKey, error)

	// Listings
	SaveListing(ctx context.Context, listing *models.Listing) error
	GetListing(ctx context.Context, id int64) (*models.Listing, error)
	UnlistListing(ctx context.Context, id int64) error

	// Purchases and licenses
	SavePurchase(ctx context.Context, purchase *models.Purchase) error
	GetPurchase(ctx context.Context, id int64) (*models.Purchase, error)
	FindPurchaseByPaymentID(ctx context.Context, externalPaymentID string) (*models.Purchase, error)
	// UpdatePurchaseKey replaces the stored license key hash and salt, used
	// at issuance and on key rotation.
	UpdatePurchaseKey(ctx context.Context, purchaseID int64, keyHash, keySalt, status string) error
	SaveLicense(ctx context.Context, license *models.License) error
	GetLicense(ctx context.Context, id int64) (*models.License, error)
	FindLicenseByPurchase(ctx context.Context, purchaseID int64) (*models.License, error)
	// LicensesForPackageVersion returns non-revoked licenses scoped to the
	// package/version pair, newest first.
	LicensesForPackageVersion(ctx context.Context, packageID, versionID int64) ([]*models.License, error)
	// RevokeLicense flips is_revoked and zeroes any paired entitlement in
	// one transaction.
	RevokeLicense(ctx context.Context, licenseID int64, now time.Time) error

	// Entitlements
	SaveEntitlement(ctx context.Context, ent *models.ExecutionEntitlement) error
	GetEntitlement(ctx context.Context, licenseID int64) (*models.ExecutionEntitlement, error)
	// DecrementRuns decrements runs_remaining only while it is positive.
	// Reports whether a run was consumed.
	DecrementRuns(ctx context.Context, licenseID int64, now time.Time) (bool, error)

	// Audit and usage, both append-only
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
	AppendUsage(ctx context.Context, record *models.UsageRecord) error

	Close() error
}
