package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

type fakeProcessor struct {
	sessions int
	err      error
}

func (f *fakeProcessor) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sessions++
	id := fmt.Sprintf("cs_test_%d", f.sessions)
	return &CheckoutResult{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

func (f *fakeProcessor) CreateCustomer(ctx context.Context, email string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "cus_test", nil
}

func testManager(store storage.Storage, proc Processor) *CheckoutManager {
	return &CheckoutManager{
		Storage:    store,
		Processor:  proc,
		PendingTTL: time.Hour,
		PriceCents: 100,
		Currency:   "usd",
	}
}

func testPayer(id string) *models.APIKey {
	return &models.APIKey{ID: id, Key: "fmu_test_" + id, CreatedAt: time.Now()}
}

func TestCreateOrReuseOpensSession(t *testing.T) {
	store := storage.NewMemoryStorage()
	proc := &fakeProcessor{}
	mgr := testManager(store, proc)
	ctx := context.Background()

	session, err := mgr.CreateOrReuse(ctx, testPayer("payer1"), "fmu-42", "https://x/ok", "https://x/no")
	if err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}
	if session.Status != models.SessionPending {
		t.Errorf("expected pending status, got %s", session.Status)
	}
	if session.ExternalID != "cs_test_1" {
		t.Errorf("expected external id cs_test_1, got %s", session.ExternalID)
	}
	if session.AmountCents != 100 || session.Currency != "usd" {
		t.Errorf("quote not carried onto session: %d %s", session.AmountCents, session.Currency)
	}
	if proc.sessions != 1 {
		t.Errorf("expected 1 processor call, got %d", proc.sessions)
	}
}

func TestCreateOrReuseReturnsPendingSession(t *testing.T) {
	store := storage.NewMemoryStorage()
	proc := &fakeProcessor{}
	mgr := testManager(store, proc)
	ctx := context.Background()

	first, err := mgr.CreateOrReuse(ctx, testPayer("payer1"), "fmu-42", "https://x/ok", "https://x/no")
	if err != nil {
		t.Fatalf("first CreateOrReuse: %v", err)
	}
	second, err := mgr.CreateOrReuse(ctx, testPayer("payer1"), "fmu-42", "https://x/ok", "https://x/no")
	if err != nil {
		t.Fatalf("second CreateOrReuse: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected reuse of session %s, got %s", first.ID, second.ID)
	}
	if proc.sessions != 1 {
		t.Errorf("expected 1 processor call, got %d", proc.sessions)
	}
}

func TestCreateOrReuseIgnoresOtherPayersAndResources(t *testing.T) {
	store := storage.NewMemoryStorage()
	proc := &fakeProcessor{}
	mgr := testManager(store, proc)
	ctx := context.Background()

	if _, err := mgr.CreateOrReuse(ctx, testPayer("payer1"), "fmu-42", "", ""); err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}
	if _, err := mgr.CreateOrReuse(ctx, testPayer("payer2"), "fmu-42", "", ""); err != nil {
		t.Fatalf("CreateOrReuse other payer: %v", err)
	}
	if _, err := mgr.CreateOrReuse(ctx, testPayer("payer1"), "fmu-99", "", ""); err != nil {
		t.Fatalf("CreateOrReuse other resource: %v", err)
	}

	if proc.sessions != 3 {
		t.Errorf("expected 3 distinct checkouts, got %d", proc.sessions)
	}
}

func TestCreateOrReuseSkipsExpiredPending(t *testing.T) {
	store := storage.NewMemoryStorage()
	proc := &fakeProcessor{}
	mgr := testManager(store, proc)
	ctx := context.Background()

	stale := &models.PaymentSession{
		ID:         "stale",
		PayerID:    "payer1",
		ResourceID: "fmu-42",
		ExternalID: "cs_stale",
		Status:     models.SessionPending,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	if err := store.SavePaymentSession(ctx, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}

	session, err := mgr.CreateOrReuse(ctx, testPayer("payer1"), "fmu-42", "", "")
	if err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}
	if session.ID == "stale" {
		t.Error("expired pending session must not be reused")
	}
	if proc.sessions != 1 {
		t.Errorf("expected new checkout, got %d calls", proc.sessions)
	}
}

func TestCreateOrReuseProcessorFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	proc := &fakeProcessor{err: &ProcessorError{err: errors.New("card network down")}}
	mgr := testManager(store, proc)

	_, err := mgr.CreateOrReuse(context.Background(), testPayer("payer1"), "fmu-42", "", "")
	if !IsProcessorError(err) {
		t.Fatalf("expected processor error, got %v", err)
	}
}

func TestOpenListingCheckoutMetadata(t *testing.T) {
	store := storage.NewMemoryStorage()

	var captured CheckoutParams
	proc := &capturingProcessor{}
	mgr := testManager(store, proc)

	listing := &models.Listing{
		ID:         7,
		PackageID:  3,
		VersionID:  4,
		SKU:        "motor-model",
		SKUType:    models.SKUExecuteOnly,
		PriceCents: 4900,
		Currency:   "usd",
		IsActive:   true,
	}

	_, err := mgr.OpenListingCheckout(context.Background(), testPayer("buyer1"), listing, models.ScopeCommercial, 2, 50, "", "")
	if err != nil {
		t.Fatalf("OpenListingCheckout: %v", err)
	}
	captured = proc.params

	want := map[string]string{
		"marketplace_listing_id": "7",
		"buyer_id":               "buyer1",
		"package_id":             "3",
		"version_id":             "4",
		"license_scope":          "commercial",
		"seats":                  "2",
		"execute_runs":           "50",
	}
	for k, v := range want {
		if captured.Metadata[k] != v {
			t.Errorf("metadata[%s] = %q, want %q", k, captured.Metadata[k], v)
		}
	}
	if captured.AmountCents != 4900 {
		t.Errorf("amount = %d, want listing price", captured.AmountCents)
	}
}

type capturingProcessor struct {
	params CheckoutParams
}

func (c *capturingProcessor) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error) {
	c.params = params
	return &CheckoutResult{ID: "cs_captured", URL: "https://checkout.example.com/cs_captured"}, nil
}

func (c *capturingProcessor) CreateCustomer(ctx context.Context, email string) (string, error) {
	return "cus_captured", nil
}
