package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fmu-gateway.ai/cloud/billing"
	"fmu-gateway.ai/cloud/internal/config"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

// TestConfig returns a config suitable for handler tests. No processor
// credentials, local defaults everywhere.
func TestConfig() *config.Config {
	return &config.Config{
		Port:                 "8080",
		AdminToken:           "test-admin-token",
		PublicBaseURL:        "http://localhost:8080",
		SimulationPriceCents: 100,
		Currency:             "usd",
		PendingTTL:           time.Hour,
		TokenTTL:             30 * time.Minute,
	}
}

// CreateTestKey makes an API key and saves it.
func CreateTestKey(t *testing.T, store storage.Storage, id string) *models.APIKey {
	t.Helper()
	key := &models.APIKey{
		ID:        id,
		Key:       "fmu_test_" + id,
		CreatedAt: time.Now(),
	}
	if err := store.SaveAPIKey(context.Background(), key); err != nil {
		t.Fatalf("failed to save api key: %v", err)
	}
	return key
}

// CreateTestListing saves a listing; metered selects the execute-only SKU.
func CreateTestListing(t *testing.T, store storage.Storage, metered bool) *models.Listing {
	t.Helper()
	skuType := models.SKUDownload
	if metered {
		skuType = models.SKUExecuteOnly
	}
	listing := &models.Listing{
		PackageID:  1,
		VersionID:  1,
		SKU:        "test-fmu-" + skuType,
		SKUType:    skuType,
		PriceCents: 4900,
		Currency:   "usd",
		IsActive:   true,
	}
	if err := store.SaveListing(context.Background(), listing); err != nil {
		t.Fatalf("failed to save listing: %v", err)
	}
	return listing
}

// CreateTestPurchase saves an unkeyed purchase against the listing.
func CreateTestPurchase(t *testing.T, store storage.Storage, listing *models.Listing, buyerID, paymentID string) *models.Purchase {
	t.Helper()
	purchase := &models.Purchase{
		BuyerID:           buyerID,
		ListingID:         listing.ID,
		PackageID:         listing.PackageID,
		VersionID:         listing.VersionID,
		ExternalPaymentID: paymentID,
		Status:            models.PurchasePending,
		CreatedAt:         time.Now(),
	}
	if err := store.SavePurchase(context.Background(), purchase); err != nil {
		t.Fatalf("failed to save purchase: %v", err)
	}
	return purchase
}

// FakeProcessor satisfies billing.Processor without network calls. Each
// checkout gets a distinct external id.
type FakeProcessor struct {
	Sessions  int
	Customers int
	Err       error
}

func (f *FakeProcessor) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutResult, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.Sessions++
	id := fmt.Sprintf("cs_test_%d", f.Sessions)
	return &billing.CheckoutResult{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

func (f *FakeProcessor) CreateCustomer(ctx context.Context, email string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.Customers++
	return fmt.Sprintf("cus_test_%d", f.Customers), nil
}

// CompletedSessionPayload builds a checkout.session.completed webhook
// body for a pay-per-run token session.
func CompletedSessionPayload(externalID, payerID, resourceID string) string {
	return fmt.Sprintf(`{
		"id": "evt_%s",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": %q,
				"amount_total": 100,
				"currency": "usd",
				"metadata": {
					"payer_id": %q,
					"resource_id": %q
				}
			}
		}
	}`, externalID, externalID, payerID, resourceID)
}

// MarketplaceSessionPayload builds a checkout.session.completed webhook
// body carrying marketplace purchase metadata.
func MarketplaceSessionPayload(externalID string, listingID int64, buyerID, scope string, seats int, runs int64) string {
	return fmt.Sprintf(`{
		"id": "evt_%s",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": %q,
				"amount_total": 4900,
				"currency": "usd",
				"customer_details": {"email": "buyer@example.com"},
				"metadata": {
					"marketplace_listing_id": "%d",
					"buyer_id": %q,
					"license_scope": %q,
					"seats": "%d",
					"execute_runs": "%d"
				}
			}
		}
	}`, externalID, externalID, listingID, buyerID, scope, seats, runs)
}

// ExpiredSessionPayload builds a checkout.session.expired webhook body.
func ExpiredSessionPayload(externalID string) string {
	return fmt.Sprintf(`{
		"id": "evt_%s",
		"type": "checkout.session.expired",
		"data": {
			"object": {"id": %q}
		}
	}`, externalID, externalID)
}
