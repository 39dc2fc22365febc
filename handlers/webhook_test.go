package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fmu-gateway.ai/cloud/internal/testutil"
	"fmu-gateway.ai/cloud/models"
)

func postWebhook(t *testing.T, server *Server, payload string) *httptest.ResponseRecorder {
	t.Helper()
	t.Setenv("TEST_MODE", "true")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsUnsignedInProduction(t *testing.T) {
	server, _ := testServer(t)
	t.Setenv("TEST_MODE", "")
	server.Config.StripeWebhookSecret = "whsec_test"

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe",
		strings.NewReader(testutil.ExpiredSessionPayload("cs_1")))
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("unsigned webhook status = %d, want 400", w.Code)
	}
}

func TestWebhookCompletedMintsToken(t *testing.T) {
	server, store := testServer(t)
	key := createKey(t, store, "payer1")

	// Open a checkout through the API, then complete it via webhook.
	w := doJSON(t, server, http.MethodPost, "/api/v1/simulate", key.Key, simulateBody(""))
	var quote PaymentRequiredResponse
	decode(t, w, &quote)
	session, _ := store.GetPaymentSession(context.Background(), quote.SessionID)

	hw := postWebhook(t, server, testutil.CompletedSessionPayload(session.ExternalID, key.ID, "fmu-42"))
	if hw.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", hw.Code, hw.Body.String())
	}

	got, _ := store.GetPaymentSession(context.Background(), quote.SessionID)
	if got.Status != models.SessionReady || got.Token == "" {
		t.Fatalf("session after completion: %+v", got)
	}
}

func TestWebhookCompletedReconstructsUnknownSession(t *testing.T) {
	server, store := testServer(t)
	key := createKey(t, store, "payer1")

	hw := postWebhook(t, server, testutil.CompletedSessionPayload("cs_never_seen", key.ID, "fmu-42"))
	if hw.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", hw.Code, hw.Body.String())
	}

	session, err := store.FindSessionByExternalID(context.Background(), "cs_never_seen")
	if err != nil || session == nil {
		t.Fatalf("reconstructed session missing: %v", err)
	}
	if session.PayerID != key.ID || session.Token == "" {
		t.Fatalf("reconstructed session: %+v", session)
	}
}

func TestWebhookExpiredKillsSession(t *testing.T) {
	server, store := testServer(t)
	key := createKey(t, store, "payer1")

	w := doJSON(t, server, http.MethodPost, "/api/v1/simulate", key.Key, simulateBody(""))
	var quote PaymentRequiredResponse
	decode(t, w, &quote)
	session, _ := store.GetPaymentSession(context.Background(), quote.SessionID)

	hw := postWebhook(t, server, testutil.ExpiredSessionPayload(session.ExternalID))
	if hw.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", hw.Code)
	}

	got, _ := store.GetPaymentSession(context.Background(), quote.SessionID)
	if got.Status != models.SessionExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestWebhookMarketplaceIssuesLicense(t *testing.T) {
	server, store := testServer(t)
	buyer := createKey(t, store, "buyer1")
	listing := testutil.CreateTestListing(t, store, true)

	payload := testutil.MarketplaceSessionPayload("cs_mkt_1", listing.ID, buyer.ID, models.ScopeCommercial, 1, 10)
	hw := postWebhook(t, server, payload)
	if hw.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", hw.Code, hw.Body.String())
	}

	purchase, err := store.FindPurchaseByPaymentID(context.Background(), "cs_mkt_1")
	if err != nil || purchase == nil {
		t.Fatalf("purchase missing: %v", err)
	}
	if purchase.Status != models.PurchaseActive {
		t.Errorf("purchase status = %s, want active", purchase.Status)
	}
	if purchase.LicenseKeyHash == "" || purchase.LicenseKeySalt == "" {
		t.Error("purchase must carry the key hash and salt")
	}

	license, err := store.FindLicenseByPurchase(context.Background(), purchase.ID)
	if err != nil || license == nil {
		t.Fatalf("license missing: %v", err)
	}
	if license.Scope != models.ScopeCommercial {
		t.Errorf("scope = %s, want commercial", license.Scope)
	}

	ent, _ := store.GetEntitlement(context.Background(), license.ID)
	if ent == nil || ent.RunsRemaining != 10 {
		t.Fatalf("entitlement = %+v, want 10 runs", ent)
	}

	// Replay: same event again must not issue a second license.
	if hw2 := postWebhook(t, server, payload); hw2.Code != http.StatusOK {
		t.Fatalf("replay status = %d", hw2.Code)
	}
	licenses, _ := store.LicensesForPackageVersion(context.Background(), listing.PackageID, listing.VersionID)
	if len(licenses) != 1 {
		t.Errorf("licenses after replay = %d, want 1", len(licenses))
	}

	entries := store.AuditEntries()
	var issued int
	for _, e := range entries {
		if e.Action == "license_issued" {
			issued++
		}
	}
	if issued != 1 {
		t.Errorf("license_issued audit entries = %d, want 1", issued)
	}
}

func TestWebhookMarketplaceClampsNegativeRuns(t *testing.T) {
	server, store := testServer(t)
	buyer := createKey(t, store, "buyer1")
	listing := testutil.CreateTestListing(t, store, true)

	hw := postWebhook(t, server, testutil.MarketplaceSessionPayload("cs_mkt_neg", listing.ID, buyer.ID, models.ScopePersonal, 1, -5))
	if hw.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", hw.Code, hw.Body.String())
	}

	purchase, _ := store.FindPurchaseByPaymentID(context.Background(), "cs_mkt_neg")
	if purchase == nil {
		t.Fatal("purchase missing")
	}
	license, _ := store.FindLicenseByPurchase(context.Background(), purchase.ID)
	if license == nil {
		t.Fatal("license missing")
	}
	ent, err := store.GetEntitlement(context.Background(), license.ID)
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	if ent == nil || ent.RunsRemaining != 0 {
		t.Fatalf("entitlement = %+v, negative run counts must clamp to 0", ent)
	}
}

func TestWebhookMarketplaceResumesIssuanceOnRetry(t *testing.T) {
	server, store := testServer(t)
	buyer := createKey(t, store, "buyer1")
	listing := testutil.CreateTestListing(t, store, true)

	// A delivery that died after the purchase row but before issuance
	// leaves a purchase with no license. The processor retries the event.
	seeded := testutil.CreateTestPurchase(t, store, listing, buyer.ID, "cs_mkt_retry")

	hw := postWebhook(t, server, testutil.MarketplaceSessionPayload("cs_mkt_retry", listing.ID, buyer.ID, models.ScopeCommercial, 1, 10))
	if hw.Code != http.StatusOK {
		t.Fatalf("retry status = %d: %s", hw.Code, hw.Body.String())
	}

	license, err := store.FindLicenseByPurchase(context.Background(), seeded.ID)
	if err != nil || license == nil {
		t.Fatalf("retry must finish issuance for the existing purchase: %v", err)
	}

	purchase, _ := store.GetPurchase(context.Background(), seeded.ID)
	if purchase.Status != models.PurchaseActive {
		t.Errorf("purchase status = %s, want active", purchase.Status)
	}
	if purchase.LicenseKeyHash == "" {
		t.Error("resumed issuance must store the key hash")
	}

	licenses, _ := store.LicensesForPackageVersion(context.Background(), listing.PackageID, listing.VersionID)
	if len(licenses) != 1 {
		t.Errorf("licenses after retry = %d, want 1", len(licenses))
	}
}

func TestWebhookRefundRevokesLicense(t *testing.T) {
	server, store := testServer(t)
	buyer := createKey(t, store, "buyer1")
	listing := testutil.CreateTestListing(t, store, true)

	postWebhook(t, server, testutil.MarketplaceSessionPayload("cs_mkt_1", listing.ID, buyer.ID, models.ScopePersonal, 1, 10))

	purchase, _ := store.FindPurchaseByPaymentID(context.Background(), "cs_mkt_1")
	license, _ := store.FindLicenseByPurchase(context.Background(), purchase.ID)

	refund := `{
		"id": "evt_refund",
		"type": "charge.refunded",
		"data": {"object": {"id": "cs_mkt_1", "amount_refunded": 4900}}
	}`
	hw := postWebhook(t, server, refund)
	if hw.Code != http.StatusOK {
		t.Fatalf("refund webhook status = %d: %s", hw.Code, hw.Body.String())
	}

	gotPurchase, _ := store.GetPurchase(context.Background(), purchase.ID)
	if gotPurchase.Status != models.PurchaseRefunded {
		t.Errorf("purchase status = %s, want refunded", gotPurchase.Status)
	}
	gotLicense, _ := store.GetLicense(context.Background(), license.ID)
	if !gotLicense.IsRevoked {
		t.Error("refund must revoke the license")
	}
	ent, _ := store.GetEntitlement(context.Background(), license.ID)
	if ent.RunsRemaining != 0 {
		t.Errorf("entitlement after refund = %d, want 0", ent.RunsRemaining)
	}

	var refunded bool
	for _, e := range store.AuditEntries() {
		if e.Action == "purchase_refunded" {
			refunded = true
		}
	}
	if !refunded {
		t.Error("refund must append an audit entry")
	}
}

func TestWebhookUnknownEventIgnored(t *testing.T) {
	server, _ := testServer(t)

	hw := postWebhook(t, server, `{"id":"evt_x","type":"invoice.created","data":{"object":{}}}`)
	if hw.Code != http.StatusOK {
		t.Fatalf("unknown event status = %d, want 200", hw.Code)
	}
}
