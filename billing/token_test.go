package billing

import (
	"context"
	"testing"
	"time"

	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

func seedPendingSession(t *testing.T, store storage.Storage, externalID, payerID string) *models.PaymentSession {
	t.Helper()
	session := &models.PaymentSession{
		ID:         "local_" + externalID,
		PayerID:    payerID,
		ResourceID: "fmu-42",
		ExternalID: externalID,
		Status:     models.SessionPending,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := store.SavePaymentSession(context.Background(), session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func TestHandleCompletedMintsToken(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := &TokenIssuer{Storage: store, TokenTTL: 30 * time.Minute}
	ctx := context.Background()

	seedPendingSession(t, store, "cs_1", "payer1")

	session, err := issuer.HandleCompleted(ctx, CompletedEvent{ExternalID: "cs_1", AmountCents: 100, Currency: "usd"})
	if err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}
	if session.Status != models.SessionReady {
		t.Errorf("status = %s, want ready", session.Status)
	}
	if session.Token == "" {
		t.Error("no token minted")
	}
	if !session.ExpiresAt.After(time.Now()) {
		t.Error("token expiry not in the future")
	}
}

func TestHandleCompletedReplayReplacesToken(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := &TokenIssuer{Storage: store}
	ctx := context.Background()

	seedPendingSession(t, store, "cs_1", "payer1")

	first, err := issuer.HandleCompleted(ctx, CompletedEvent{ExternalID: "cs_1"})
	if err != nil {
		t.Fatalf("first HandleCompleted: %v", err)
	}
	second, err := issuer.HandleCompleted(ctx, CompletedEvent{ExternalID: "cs_1"})
	if err != nil {
		t.Fatalf("second HandleCompleted: %v", err)
	}

	if second.Token == first.Token {
		t.Error("replay must replace the token")
	}

	// Only the latest token is claimable.
	claimer := &Claimer{Storage: store}
	if got, _ := claimer.Claim(ctx, "payer1", first.Token); got != nil {
		t.Error("stale token must not claim")
	}
	got, err := claimer.Claim(ctx, "payer1", second.Token)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil {
		t.Fatal("fresh token must claim")
	}
}

func TestHandleCompletedIgnoresTerminalSessions(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := &TokenIssuer{Storage: store}
	claimer := &Claimer{Storage: store}
	ctx := context.Background()

	seedPendingSession(t, store, "cs_1", "payer1")

	ready, err := issuer.HandleCompleted(ctx, CompletedEvent{ExternalID: "cs_1"})
	if err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}
	if _, err := claimer.Claim(ctx, "payer1", ready.Token); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Replay after consumption must not resurrect the session.
	replayed, err := issuer.HandleCompleted(ctx, CompletedEvent{ExternalID: "cs_1"})
	if err != nil {
		t.Fatalf("replay HandleCompleted: %v", err)
	}
	if replayed.Status != models.SessionConsumed {
		t.Errorf("status = %s, want consumed", replayed.Status)
	}
	if got, _ := claimer.Claim(ctx, "payer1", ready.Token); got != nil {
		t.Error("consumed token claimed again")
	}
}

func TestHandleCompletedReconstructsFromMetadata(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := &TokenIssuer{Storage: store}
	ctx := context.Background()

	session, err := issuer.HandleCompleted(ctx, CompletedEvent{
		ExternalID:  "cs_unseen",
		PayerID:     "payer1",
		ResourceID:  "fmu-42",
		AmountCents: 100,
		Currency:    "usd",
	})
	if err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}
	if session.Status != models.SessionReady || session.Token == "" {
		t.Errorf("reconstructed session not ready with token: %+v", session)
	}
	if session.PayerID != "payer1" || session.ResourceID != "fmu-42" {
		t.Errorf("metadata not carried onto reconstructed session: %+v", session)
	}
}

func TestHandleCompletedUnknownSessionNoMetadata(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := &TokenIssuer{Storage: store}

	if _, err := issuer.HandleCompleted(context.Background(), CompletedEvent{ExternalID: "cs_unseen"}); err == nil {
		t.Fatal("expected error for unknown session without metadata")
	}
}

func TestHandleExpiredWinsOverReadyToken(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := &TokenIssuer{Storage: store}
	claimer := &Claimer{Storage: store}
	ctx := context.Background()

	seedPendingSession(t, store, "cs_1", "payer1")
	ready, err := issuer.HandleCompleted(ctx, CompletedEvent{ExternalID: "cs_1"})
	if err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}

	if err := issuer.HandleExpired(ctx, "cs_1"); err != nil {
		t.Fatalf("HandleExpired: %v", err)
	}

	if got, _ := claimer.Claim(ctx, "payer1", ready.Token); got != nil {
		t.Error("token from an expired session must not claim")
	}

	session, err := store.FindSessionByExternalID(ctx, "cs_1")
	if err != nil {
		t.Fatalf("FindSessionByExternalID: %v", err)
	}
	if session.Status != models.SessionExpired {
		t.Errorf("status = %s, want expired", session.Status)
	}
}

func TestNewTokenIsUniqueAndOpaque(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	b, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if a == b {
		t.Error("two tokens collided")
	}
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(a))
	}
}
