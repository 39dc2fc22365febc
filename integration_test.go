package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fmu-gateway.ai/cloud/handlers"
	"fmu-gateway.ai/cloud/internal/testutil"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/simulate"
	"fmu-gateway.ai/cloud/storage"
)

// Integration tests that exercise complete workflows end-to-end.

func newTestServer(t *testing.T) (*handlers.Server, *storage.MemoryStorage) {
	t.Helper()
	t.Setenv("TEST_MODE", "true")
	store := storage.NewMemoryStorage()
	server := handlers.NewServer(testutil.TestConfig(), store, &simulate.FirstOrderRunner{}, nil)
	server.Checkout.Processor = &testutil.FakeProcessor{}
	return server, store
}

func do(t *testing.T, server *handlers.Server, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func TestFullWorkflow_PaidSimulation(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	// Step 1: mint an API key.
	wKey := do(t, server, http.MethodPost, "/api/v1/keys", "", nil)
	if wKey.Code != http.StatusCreated {
		t.Fatalf("key creation: %d %s", wKey.Code, wKey.Body.String())
	}
	var keyResp handlers.CreateKeyResponse
	if err := json.Unmarshal(wKey.Body.Bytes(), &keyResp); err != nil {
		t.Fatalf("decode key: %v", err)
	}

	runBody := map[string]interface{}{
		"fmu_id":    "msd-1",
		"stop_time": 2.0,
		"step":      0.1,
	}

	// Step 2: simulation without payment is quoted at 402.
	wQuote := do(t, server, http.MethodPost, "/api/v1/simulate", keyResp.APIKey, runBody)
	if wQuote.Code != http.StatusPaymentRequired {
		t.Fatalf("quote: %d %s", wQuote.Code, wQuote.Body.String())
	}
	var quote handlers.PaymentRequiredResponse
	if err := json.Unmarshal(wQuote.Body.Bytes(), &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}

	// Step 3: the processor reports the checkout completed.
	session, err := store.GetPaymentSession(ctx, quote.SessionID)
	if err != nil || session == nil {
		t.Fatalf("quoted session missing: %v", err)
	}
	payload := testutil.CompletedSessionPayload(session.ExternalID, keyResp.ID, "msd-1")
	wHook := do(t, server, http.MethodPost, "/api/v1/webhooks/stripe", "", json.RawMessage(payload))
	if wHook.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", wHook.Code, wHook.Body.String())
	}

	// Step 4: fetch the minted token.
	wTok := do(t, server, http.MethodGet, "/api/v1/payments/checkout/"+quote.SessionID, keyResp.APIKey, nil)
	if wTok.Code != http.StatusOK {
		t.Fatalf("token fetch: %d %s", wTok.Code, wTok.Body.String())
	}
	var tok handlers.CheckoutTokenResponse
	if err := json.Unmarshal(wTok.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}

	// Step 5: the paid run succeeds.
	runBody["payment_token"] = tok.PaymentToken
	wRun := do(t, server, http.MethodPost, "/api/v1/simulate", keyResp.APIKey, runBody)
	if wRun.Code != http.StatusOK {
		t.Fatalf("paid run: %d %s", wRun.Code, wRun.Body.String())
	}
	if strings.Contains(wRun.Body.String(), tok.PaymentToken) {
		t.Error("token echoed back in result")
	}

	claimed, _ := store.GetPaymentSession(ctx, quote.SessionID)
	if claimed.Status != models.SessionConsumed {
		t.Errorf("session status = %s, want consumed", claimed.Status)
	}

	// Step 6: the spent token buys nothing more.
	wReplay := do(t, server, http.MethodPost, "/api/v1/simulate", keyResp.APIKey, runBody)
	if wReplay.Code != http.StatusPaymentRequired {
		t.Fatalf("replay: %d, want 402", wReplay.Code)
	}
}

func TestFullWorkflow_MarketplaceToHostedExecution(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	buyer := testutil.CreateTestKey(t, store, "buyer1")
	listing := testutil.CreateTestListing(t, store, true)

	// Step 1: open the marketplace checkout.
	wBuy := do(t, server, http.MethodPost, "/api/v1/marketplace/purchase", buyer.Key, handlers.PurchaseRequest{
		ListingID:   listing.ID,
		Scope:       models.ScopeCommercial,
		ExecuteRuns: 3,
	})
	if wBuy.Code != http.StatusOK {
		t.Fatalf("purchase: %d %s", wBuy.Code, wBuy.Body.String())
	}
	var buyResp handlers.PurchaseResponse
	if err := json.Unmarshal(wBuy.Body.Bytes(), &buyResp); err != nil {
		t.Fatalf("decode purchase: %v", err)
	}

	// Step 2: completion issues the license.
	payload := testutil.MarketplaceSessionPayload(buyResp.SessionID, listing.ID, buyer.ID, models.ScopeCommercial, 1, 3)
	wHook := do(t, server, http.MethodPost, "/api/v1/webhooks/stripe", "", json.RawMessage(payload))
	if wHook.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", wHook.Code, wHook.Body.String())
	}

	purchase, err := store.FindPurchaseByPaymentID(ctx, buyResp.SessionID)
	if err != nil || purchase == nil {
		t.Fatalf("purchase missing: %v", err)
	}
	license, err := store.FindLicenseByPurchase(ctx, purchase.ID)
	if err != nil || license == nil {
		t.Fatalf("license missing: %v", err)
	}

	// The raw key only exists in the issuance email; rotate through
	// storage to get a usable key for the rest of the flow.
	rawKey, err := server.Issuer.Rotate(ctx, license)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	runBody := handlers.ExecuteRequest{
		LicenseKey: rawKey,
		PackageID:  license.PackageID,
		VersionID:  license.VersionID,
	}
	runBody.FMUID = "motor-model"
	runBody.StopTime = 1.0
	runBody.Step = 0.1

	// Step 3: three runs pass, the fourth is refused.
	for i := 0; i < 3; i++ {
		w := do(t, server, http.MethodPost, "/api/v1/execute", "", runBody)
		if w.Code != http.StatusOK {
			t.Fatalf("run %d: %d %s", i+1, w.Code, w.Body.String())
		}
	}
	wLast := do(t, server, http.MethodPost, "/api/v1/execute", "", runBody)
	if wLast.Code != http.StatusForbidden {
		t.Fatalf("exhausted run: %d, want 403", wLast.Code)
	}
}
