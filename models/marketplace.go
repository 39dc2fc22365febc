package models

import "time"

const (
	SKUDownload    = "download"
	SKUExecuteOnly = "execute_only"
	SKUSeat        = "seat"
	SKUOrg         = "org"
)

const (
	PurchasePending  = "pending"
	PurchaseActive   = "active"
	PurchaseRefunded = "refunded"
)

const (
	ScopePersonal   = "personal"
	ScopeCommercial = "commercial"
	ScopeOrg        = "org"
)

// Listing is a commercial offering for an FMU package version.
type Listing struct {
	ID         int64  `json:"id"`
	PackageID  int64  `json:"package_id"`
	VersionID  int64  `json:"version_id"`
	SKU        string `json:"sku"`
	SKUType    string `json:"sku_type"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	IsActive   bool   `json:"is_active"`
}

// Metered reports whether executions against this listing draw down an
// entitlement. Download, seat and org SKUs are not metered.
func (l *Listing) Metered() bool {
	return l.SKUType == SKUExecuteOnly
}

// Purchase records a buyer paying for a listing. Only the salted hash of
// the license key is stored; the raw key is handed out once at issuance.
type Purchase struct {
	ID                int64     `json:"id"`
	BuyerID           string    `json:"buyer_id"`
	ListingID         int64     `json:"listing_id"`
	PackageID         int64     `json:"package_id"`
	VersionID         int64     `json:"version_id"`
	ExternalPaymentID string    `json:"external_payment_id"`
	LicenseKeyHash    string    `json:"-"`
	LicenseKeySalt    string    `json:"-"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// License grants usage rights for a package version to a buyer. A license
// is never deleted, revocation flips is_revoked.
type License struct {
	ID         int64      `json:"id"`
	PurchaseID int64      `json:"purchase_id"`
	BuyerID    string     `json:"buyer_id"`
	PackageID  int64      `json:"package_id"`
	VersionID  int64      `json:"version_id"`
	Scope      string     `json:"scope"`
	Seats      int        `json:"seats"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsRevoked  bool       `json:"is_revoked"`
}

// Expired reports whether the license is past its optional expiry.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// ExecutionEntitlement counts remaining runs for an execute-only license.
// RunsRemaining never goes below zero.
type ExecutionEntitlement struct {
	LicenseID     int64     `json:"license_id"`
	RunsRemaining int64     `json:"runs_remaining"`
	LastUpdated   time.Time `json:"last_updated"`
}

// AuditLog is an append-only record of sensitive actions. ActorID is
// empty for system-initiated actions such as processor webhooks.
type AuditLog struct {
	ID        int64     `json:"id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// UsageRecord tracks a completed simulation for billing reports.
type UsageRecord struct {
	ID         int64     `json:"id"`
	APIKeyID   string    `json:"api_key_id"`
	FMUID      string    `json:"fmu_id"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
