package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"fmu-gateway.ai/cloud/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStorage persists all gateway state in a single SQLite database.
// Conditional UPDATE statements with affected-row checks give the
// exactly-once guarantees for claiming and metering.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStorage{db: db, path: path}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

const sessionColumns = `id, payer_id, resource_id, amount_cents, currency, external_id, checkout_url, token, status, created_at, expires_at, consumed_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.PaymentSession, error) {
	var session models.PaymentSession
	var consumedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.PayerID,
		&session.ResourceID,
		&session.AmountCents,
		&session.Currency,
		&session.ExternalID,
		&session.CheckoutURL,
		&session.Token,
		&session.Status,
		&session.CreatedAt,
		&session.ExpiresAt,
		&consumedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if consumedAt.Valid {
		session.ConsumedAt = &consumedAt.Time
	}

	return &session, nil
}

func (s *SQLiteStorage) SavePaymentSession(ctx context.Context, session *models.PaymentSession) error {
	query := `INSERT INTO payment_sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var consumedAt interface{}
	if session.ConsumedAt != nil {
		consumedAt = *session.ConsumedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.PayerID,
		session.ResourceID,
		session.AmountCents,
		session.Currency,
		session.ExternalID,
		session.CheckoutURL,
		session.Token,
		session.Status,
		session.CreatedAt,
		session.ExpiresAt,
		consumedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment session: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetPaymentSession(ctx context.Context, id string) (*models.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE id = ?`
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindSessionByExternalID(ctx context.Context, externalID string) (*models.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE external_id = ?`
	return scanSession(s.db.QueryRowContext(ctx, query, externalID))
}

func (s *SQLiteStorage) FindPendingSession(ctx context.Context, payerID, resourceID string, now time.Time) (*models.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions
        WHERE payer_id = ? AND status = ? AND expires_at > ? AND (? = '' OR resource_id = ?)
        ORDER BY created_at DESC LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, query, payerID, models.SessionPending, now, resourceID, resourceID))
}

func (s *SQLiteStorage) LatestReadySession(ctx context.Context, payerID string, now time.Time) (*models.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions
        WHERE payer_id = ? AND status = ? AND consumed_at IS NULL AND expires_at > ?
        ORDER BY created_at DESC LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, query, payerID, models.SessionReady, now))
}

func (s *SQLiteStorage) MarkSessionReady(ctx context.Context, externalID, token string, expiresAt time.Time, amountCents int64, currency string) (bool, error) {
	// Consumed and expired sessions are terminal. Replaying a completed
	// event on a pending or ready session overwrites the token, so there
	// is never more than one live token per session.
	query := `UPDATE payment_sessions SET
            token = ?,
            status = ?,
            expires_at = ?,
            amount_cents = CASE WHEN ? > 0 THEN ? ELSE amount_cents END,
            currency = CASE WHEN ? != '' THEN ? ELSE currency END
        WHERE external_id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		token,
		models.SessionReady,
		expiresAt,
		amountCents, amountCents,
		currency, currency,
		externalID,
		models.SessionPending, models.SessionReady,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark session ready: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (s *SQLiteStorage) ExpireSession(ctx context.Context, externalID string) error {
	query := `UPDATE payment_sessions SET status = ? WHERE external_id = ?`

	if _, err := s.db.ExecContext(ctx, query, models.SessionExpired, externalID); err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) ClaimSession(ctx context.Context, payerID, token string, now time.Time) (*models.PaymentSession, error) {
	// Single conditional update so concurrent claimants race on the
	// database row, not on application state. Exactly one wins.
	query := `UPDATE payment_sessions SET status = ?, consumed_at = ?
        WHERE payer_id = ? AND token = ? AND status = ? AND consumed_at IS NULL AND expires_at > ?`

	res, err := s.db.ExecContext(ctx, query,
		models.SessionConsumed, now,
		payerID, token, models.SessionReady, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}

	selectQuery := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE payer_id = ? AND token = ? AND status = ?`
	return scanSession(s.db.QueryRowContext(ctx, selectQuery, payerID, token, models.SessionConsumed))
}

func (s *SQLiteStorage) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	query := `INSERT INTO api_keys (id, key, stripe_customer_id, created_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET stripe_customer_id = excluded.stripe_customer_id`

	_, err := s.db.ExecContext(ctx, query, key.ID, key.Key, key.StripeCustomerID, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) FindAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	query := `SELECT id, key, stripe_customer_id, created_at FROM api_keys WHERE key = ?`

	var apiKey models.APIKey
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, query, key).Scan(&apiKey.ID, &apiKey.Key, &customerID, &apiKey.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	apiKey.StripeCustomerID = customerID.String
	return &apiKey, nil
}

func (s *SQLiteStorage) SaveListing(ctx context.Context, listing *models.Listing) error {
	if listing.ID != 0 {
		query := `UPDATE listings SET package_id = ?, version_id = ?, sku = ?, sku_type = ?, price_cents = ?, currency = ?, is_active = ? WHERE id = ?`
		_, err := s.db.ExecContext(ctx, query,
			listing.PackageID, listing.VersionID, listing.SKU, listing.SKUType,
			listing.PriceCents, listing.Currency, listing.IsActive, listing.ID)
		if err != nil {
			return fmt.Errorf("failed to update listing: %w", err)
		}
		return nil
	}

	query := `INSERT INTO listings (package_id, version_id, sku, sku_type, price_cents, currency, is_active) VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		listing.PackageID, listing.VersionID, listing.SKU, listing.SKUType,
		listing.PriceCents, listing.Currency, listing.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save listing: %w", err)
	}

	listing.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStorage) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	query := `SELECT id, package_id, version_id, sku, sku_type, price_cents, currency, is_active FROM listings WHERE id = ?`

	var listing models.Listing
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&listing.ID, &listing.PackageID, &listing.VersionID, &listing.SKU,
		&listing.SKUType, &listing.PriceCents, &listing.Currency, &listing.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &listing, nil
}

func (s *SQLiteStorage) UnlistListing(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE listings SET is_active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to unlist listing: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SavePurchase(ctx context.Context, purchase *models.Purchase) error {
	query := `INSERT INTO purchases (buyer_id, listing_id, package_id, version_id, external_payment_id, license_key_hash, license_key_salt, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		purchase.BuyerID, purchase.ListingID, purchase.PackageID, purchase.VersionID,
		purchase.ExternalPaymentID, purchase.LicenseKeyHash, purchase.LicenseKeySalt,
		purchase.Status, purchase.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save purchase: %w", err)
	}

	purchase.ID, err = res.LastInsertId()
	return err
}

const purchaseColumns = `id, buyer_id, listing_id, package_id, version_id, external_payment_id, license_key_hash, license_key_salt, status, created_at`

func scanPurchase(row interface{ Scan(...interface{}) error }) (*models.Purchase, error) {
	var purchase models.Purchase
	err := row.Scan(
		&purchase.ID, &purchase.BuyerID, &purchase.ListingID, &purchase.PackageID,
		&purchase.VersionID, &purchase.ExternalPaymentID, &purchase.LicenseKeyHash,
		&purchase.LicenseKeySalt, &purchase.Status, &purchase.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (s *SQLiteStorage) GetPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = ?`
	return scanPurchase(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindPurchaseByPaymentID(ctx context.Context, externalPaymentID string) (*models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE external_payment_id = ? ORDER BY id DESC LIMIT 1`
	return scanPurchase(s.db.QueryRowContext(ctx, query, externalPaymentID))
}

func (s *SQLiteStorage) UpdatePurchaseKey(ctx context.Context, purchaseID int64, keyHash, keySalt, status string) error {
	query := `UPDATE purchases SET license_key_hash = ?, license_key_salt = ?, status = ? WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, keyHash, keySalt, status, purchaseID); err != nil {
		return fmt.Errorf("failed to update purchase key: %w", err)
	}

	return nil
}

const licenseColumns = `id, purchase_id, buyer_id, package_id, version_id, scope, seats, expires_at, is_revoked`

func scanLicense(row interface{ Scan(...interface{}) error }) (*models.License, error) {
	var license models.License
	var expiresAt sql.NullTime

	err := row.Scan(
		&license.ID, &license.PurchaseID, &license.BuyerID, &license.PackageID,
		&license.VersionID, &license.Scope, &license.Seats, &expiresAt, &license.IsRevoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		license.ExpiresAt = &expiresAt.Time
	}

	return &license, nil
}

func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	query := `INSERT INTO licenses (purchase_id, buyer_id, package_id, version_id, scope, seats, expires_at, is_revoked)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var expiresAt interface{}
	if license.ExpiresAt != nil {
		expiresAt = *license.ExpiresAt
	}

	res, err := s.db.ExecContext(ctx, query,
		license.PurchaseID, license.BuyerID, license.PackageID, license.VersionID,
		license.Scope, license.Seats, expiresAt, license.IsRevoked)
	if err != nil {
		return fmt.Errorf("failed to save license: %w", err)
	}

	license.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStorage) GetLicense(ctx context.Context, id int64) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindLicenseByPurchase(ctx context.Context, purchaseID int64) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE purchase_id = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, purchaseID))
}

func (s *SQLiteStorage) LicensesForPackageVersion(ctx context.Context, packageID, versionID int64) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses
        WHERE package_id = ? AND version_id = ? AND is_revoked = 0 ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, packageID, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}

	return licenses, nil
}

func (s *SQLiteStorage) RevokeLicense(ctx context.Context, licenseID int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin revocation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE licenses SET is_revoked = 1 WHERE id = ?`, licenseID); err != nil {
		return fmt.Errorf("failed to revoke license: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE execution_entitlements SET runs_remaining = 0, last_updated = ? WHERE license_id = ?`, now, licenseID); err != nil {
		return fmt.Errorf("failed to zero entitlement: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStorage) SaveEntitlement(ctx context.Context, ent *models.ExecutionEntitlement) error {
	query := `INSERT INTO execution_entitlements (license_id, runs_remaining, last_updated) VALUES (?, ?, ?)
        ON CONFLICT (license_id) DO UPDATE SET runs_remaining = excluded.runs_remaining, last_updated = excluded.last_updated`

	if _, err := s.db.ExecContext(ctx, query, ent.LicenseID, ent.RunsRemaining, ent.LastUpdated); err != nil {
		return fmt.Errorf("failed to save entitlement: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetEntitlement(ctx context.Context, licenseID int64) (*models.ExecutionEntitlement, error) {
	query := `SELECT license_id, runs_remaining, last_updated FROM execution_entitlements WHERE license_id = ?`

	var ent models.ExecutionEntitlement
	err := s.db.QueryRowContext(ctx, query, licenseID).Scan(&ent.LicenseID, &ent.RunsRemaining, &ent.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &ent, nil
}

func (s *SQLiteStorage) DecrementRuns(ctx context.Context, licenseID int64, now time.Time) (bool, error) {
	// The guard on runs_remaining makes concurrent decrements safe: two
	// callers seeing runs_remaining=1 cannot both get a row update.
	query := `UPDATE execution_entitlements SET runs_remaining = runs_remaining - 1, last_updated = ?
        WHERE license_id = ? AND runs_remaining > 0`

	res, err := s.db.ExecContext(ctx, query, now, licenseID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement runs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (s *SQLiteStorage) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	query := `INSERT INTO audit_log (actor_id, action, entity, entity_id, timestamp, details) VALUES (?, ?, ?, ?, ?, ?)`

	var actorID interface{}
	if entry.ActorID != "" {
		actorID = entry.ActorID
	}

	_, err := s.db.ExecContext(ctx, query, actorID, entry.Action, entry.Entity, entry.EntityID, entry.Timestamp, entry.Details)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) AppendUsage(ctx context.Context, record *models.UsageRecord) error {
	query := `INSERT INTO usage_log (api_key_id, fmu_id, duration_ms, timestamp) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, record.APIKeyID, record.FMUID, record.DurationMS, record.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
