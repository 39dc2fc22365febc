package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fmu-gateway.ai/cloud/models"
)

// MemoryStorage keeps everything in process memory behind a single lock.
// It mirrors the conditional-update semantics of SQLiteStorage and is
// meant for tests; a deployment needs the durable store.
type MemoryStorage struct {
	mu sync.Mutex

	sessions     map[string]models.PaymentSession // by session id
	apiKeys      map[string]models.APIKey         // by raw key
	listings     map[int64]models.Listing
	purchases    map[int64]models.Purchase
	licenses     map[int64]models.License
	entitlements map[int64]models.ExecutionEntitlement // by license id
	audits       []models.AuditLog
	usage        []models.UsageRecord

	nextListingID  int64
	nextPurchaseID int64
	nextLicenseID  int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions:     make(map[string]models.PaymentSession),
		apiKeys:      make(map[string]models.APIKey),
		listings:     make(map[int64]models.Listing),
		purchases:    make(map[int64]models.Purchase),
		licenses:     make(map[int64]models.License),
		entitlements: make(map[int64]models.ExecutionEntitlement),
	}
}

func (m *MemoryStorage) SavePaymentSession(ctx context.Context, session *models.PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryStorage) GetPaymentSession(ctx context.Context, id string) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, nil
	}
	return &session, nil
}

func (m *MemoryStorage) FindSessionByExternalID(ctx context.Context, externalID string) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range m.sessions {
		if session.ExternalID == externalID {
			s := session
			return &s, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindPendingSession(ctx context.Context, payerID, resourceID string, now time.Time) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *models.PaymentSession
	for _, session := range m.sessions {
		if session.PayerID != payerID || session.Status != models.SessionPending {
			continue
		}
		if !session.ExpiresAt.After(now) {
			continue
		}
		if resourceID != "" && session.ResourceID != resourceID {
			continue
		}
		if newest == nil || session.CreatedAt.After(newest.CreatedAt) {
			s := session
			newest = &s
		}
	}
	return newest, nil
}

func (m *MemoryStorage) LatestReadySession(ctx context.Context, payerID string, now time.Time) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *models.PaymentSession
	for _, session := range m.sessions {
		if session.PayerID != payerID || session.Status != models.SessionReady {
			continue
		}
		if session.ConsumedAt != nil || !session.ExpiresAt.After(now) {
			continue
		}
		if newest == nil || session.CreatedAt.After(newest.CreatedAt) {
			s := session
			newest = &s
		}
	}
	return newest, nil
}

func (m *MemoryStorage) MarkSessionReady(ctx context.Context, externalID, token string, expiresAt time.Time, amountCents int64, currency string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.ExternalID != externalID {
			continue
		}
		if session.Status != models.SessionPending && session.Status != models.SessionReady {
			return false, nil
		}
		session.Token = token
		session.Status = models.SessionReady
		session.ExpiresAt = expiresAt
		if amountCents > 0 {
			session.AmountCents = amountCents
		}
		if currency != "" {
			session.Currency = currency
		}
		m.sessions[id] = session
		return true, nil
	}
	return false, nil
}

func (m *MemoryStorage) ExpireSession(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.ExternalID == externalID {
			session.Status = models.SessionExpired
			m.sessions[id] = session
			return nil
		}
	}
	return nil
}

func (m *MemoryStorage) ClaimSession(ctx context.Context, payerID, token string, now time.Time) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.PayerID != payerID || session.Token != token {
			continue
		}
		if session.Status != models.SessionReady || session.ConsumedAt != nil {
			return nil, nil
		}
		if !session.ExpiresAt.After(now) {
			return nil, nil
		}
		consumedAt := now
		session.Status = models.SessionConsumed
		session.ConsumedAt = &consumedAt
		m.sessions[id] = session
		s := session
		return &s, nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.apiKeys[key.Key] = *key
	return nil
}

func (m *MemoryStorage) FindAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	apiKey, exists := m.apiKeys[key]
	if !exists {
		return nil, nil
	}
	return &apiKey, nil
}

func (m *MemoryStorage) SaveListing(ctx context.Context, listing *models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if listing.ID == 0 {
		m.nextListingID++
		listing.ID = m.nextListingID
	}
	m.listings[listing.ID] = *listing
	return nil
}

func (m *MemoryStorage) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	listing, exists := m.listings[id]
	if !exists {
		return nil, nil
	}
	return &listing, nil
}

func (m *MemoryStorage) UnlistListing(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if listing, exists := m.listings[id]; exists {
		listing.IsActive = false
		m.listings[id] = listing
	}
	return nil
}

func (m *MemoryStorage) SavePurchase(ctx context.Context, purchase *models.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if purchase.ID == 0 {
		m.nextPurchaseID++
		purchase.ID = m.nextPurchaseID
	}
	m.purchases[purchase.ID] = *purchase
	return nil
}

func (m *MemoryStorage) GetPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purchase, exists := m.purchases[id]
	if !exists {
		return nil, nil
	}
	return &purchase, nil
}

func (m *MemoryStorage) FindPurchaseByPaymentID(ctx context.Context, externalPaymentID string) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *models.Purchase
	for _, purchase := range m.purchases {
		if purchase.ExternalPaymentID != externalPaymentID {
			continue
		}
		if newest == nil || purchase.ID > newest.ID {
			p := purchase
			newest = &p
		}
	}
	return newest, nil
}

func (m *MemoryStorage) UpdatePurchaseKey(ctx context.Context, purchaseID int64, keyHash, keySalt, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if purchase, exists := m.purchases[purchaseID]; exists {
		purchase.LicenseKeyHash = keyHash
		purchase.LicenseKeySalt = keySalt
		purchase.Status = status
		m.purchases[purchaseID] = purchase
	}
	return nil
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if license.ID == 0 {
		m.nextLicenseID++
		license.ID = m.nextLicenseID
	}
	m.licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id int64) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[id]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryStorage) FindLicenseByPurchase(ctx context.Context, purchaseID int64) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, license := range m.licenses {
		if license.PurchaseID == purchaseID {
			l := license
			return &l, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) LicensesForPackageVersion(ctx context.Context, packageID, versionID int64) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var licenses []*models.License
	for _, license := range m.licenses {
		if license.PackageID == packageID && license.VersionID == versionID && !license.IsRevoked {
			l := license
			licenses = append(licenses, &l)
		}
	}

	sort.Slice(licenses, func(i, j int) bool { return licenses[i].ID > licenses[j].ID })
	return licenses, nil
}

func (m *MemoryStorage) RevokeLicense(ctx context.Context, licenseID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if license, exists := m.licenses[licenseID]; exists {
		license.IsRevoked = true
		m.licenses[licenseID] = license
	}
	if ent, exists := m.entitlements[licenseID]; exists {
		ent.RunsRemaining = 0
		ent.LastUpdated = now
		m.entitlements[licenseID] = ent
	}
	return nil
}

func (m *MemoryStorage) SaveEntitlement(ctx context.Context, ent *models.ExecutionEntitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same constraint the sqlite schema enforces with CHECK.
	if ent.RunsRemaining < 0 {
		return fmt.Errorf("runs_remaining must not be negative, got %d", ent.RunsRemaining)
	}

	m.entitlements[ent.LicenseID] = *ent
	return nil
}

func (m *MemoryStorage) GetEntitlement(ctx context.Context, licenseID int64) (*models.ExecutionEntitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.entitlements[licenseID]
	if !exists {
		return nil, nil
	}
	return &ent, nil
}

func (m *MemoryStorage) DecrementRuns(ctx context.Context, licenseID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.entitlements[licenseID]
	if !exists || ent.RunsRemaining <= 0 {
		return false, nil
	}

	ent.RunsRemaining--
	ent.LastUpdated = now
	m.entitlements[licenseID] = ent
	return true, nil
}

func (m *MemoryStorage) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = int64(len(m.audits) + 1)
	m.audits = append(m.audits, *entry)
	return nil
}

// AuditEntries returns a copy of the audit trail, newest last. Test helper.
func (m *MemoryStorage) AuditEntries() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]models.AuditLog, len(m.audits))
	copy(entries, m.audits)
	return entries
}

func (m *MemoryStorage) AppendUsage(ctx context.Context, record *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record.ID = int64(len(m.usage) + 1)
	m.usage = append(m.usage, *record)
	return nil
}

// UsageRecords returns a copy of recorded usage. Test helper.
func (m *MemoryStorage) UsageRecords() []models.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]models.UsageRecord, len(m.usage))
	copy(records, m.usage)
	return records
}

func (m *MemoryStorage) Close() error {
	return nil
}
