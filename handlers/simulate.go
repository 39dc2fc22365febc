package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fmu-gateway.ai/cloud/billing"
	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/simulate"
)

type SimulateRequest struct {
	simulate.Request
	PaymentToken string `json:"payment_token,omitempty"`
}

// PaymentRequiredResponse is the 402 body. It always carries enough to
// complete the checkout; Error is set when a presented token was
// rejected so clients can distinguish "pay first" from "pay again".
type PaymentRequiredResponse struct {
	Status      string `json:"status"`
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Error       string `json:"error,omitempty"`
}

type SimulateResponse struct {
	Status string               `json:"status"`
	FMUID  string               `json:"fmu_id"`
	Time   []float64            `json:"t"`
	Series map[string][]float64 `json:"y"`
	Cached bool                 `json:"cached,omitempty"`
}

// Simulate gates one simulation run behind a payment token. Without a
// valid token the response is 402 with a checkout quote; the token is
// spent the moment the claim succeeds, whatever happens afterwards.
func (s *Server) Simulate(w http.ResponseWriter, r *http.Request) {
	payer := payerFrom(r)

	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := req.Request.Validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.PaymentToken == "" {
		s.quoteCheckout(w, r, payer, req.FMUID, "")
		return
	}

	claimed, err := s.Claims.Claim(r.Context(), payer.ID, req.PaymentToken)
	if err != nil {
		logger.Error("Token claim failed", map[string]interface{}{
			"error":    err.Error(),
			"payer_id": payer.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if claimed == nil {
		s.quoteCheckout(w, r, payer, req.FMUID, "payment token rejected")
		return
	}
	s.claimsGranted.Inc()

	s.runSimulation(w, r, payer.ID, req.Request)
}

// quoteCheckout answers with 402. A still-ready session is surfaced
// before a new checkout is opened so a paid-but-unredeemed token is
// never orphaned by a second payment, including when the presented
// token was rejected.
func (s *Server) quoteCheckout(w http.ResponseWriter, r *http.Request, payer *models.APIKey, fmuID, claimError string) {
	ready, err := s.Claims.LatestReady(r.Context(), payer.ID)
	if err != nil {
		logger.Error("Ready session lookup failed", map[string]interface{}{
			"error":    err.Error(),
			"payer_id": payer.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if ready != nil {
		message := claimError
		if message == "" {
			message = "payment already completed, retrieve the token and resubmit"
		}
		writeJSON(w, http.StatusPaymentRequired, PaymentRequiredResponse{
			Status:      "token_ready",
			CheckoutURL: ready.CheckoutURL,
			SessionID:   ready.ID,
			AmountCents: ready.AmountCents,
			Currency:    ready.Currency,
			Error:       message,
		})
		return
	}

	successURL := s.Config.PublicBaseURL + "/payments/success"
	cancelURL := s.Config.PublicBaseURL + "/payments/cancel"

	session, err := s.Checkout.CreateOrReuse(r.Context(), payer, fmuID, successURL, cancelURL)
	if err != nil {
		s.writeProcessorError(w, err, payer.ID)
		return
	}

	writeJSON(w, http.StatusPaymentRequired, PaymentRequiredResponse{
		Status:      "payment_required",
		CheckoutURL: session.CheckoutURL,
		SessionID:   session.ID,
		AmountCents: session.AmountCents,
		Currency:    session.Currency,
		Error:       claimError,
	})
}

func (s *Server) writeProcessorError(w http.ResponseWriter, err error, payerID string) {
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		logger.Error("Payment processor not configured")
		writeErrorResponse(w, http.StatusInternalServerError, "Payments unavailable")
	case billing.IsProcessorError(err):
		logger.Error("Payment processor rejected checkout", map[string]interface{}{
			"error":    err.Error(),
			"payer_id": payerID,
		})
		writeErrorResponse(w, http.StatusBadGateway, "Payment processor unavailable")
	default:
		logger.Error("Checkout failed", map[string]interface{}{
			"error":    err.Error(),
			"payer_id": payerID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
	}
}

// runSimulation executes the run, served from the result cache when the
// identical request was computed before. Usage is recorded only for
// fresh runs.
func (s *Server) runSimulation(w http.ResponseWriter, r *http.Request, actorID string, req simulate.Request) {
	key := resultCacheKey(req)

	if body, ok := s.Cache.Get(r.Context(), key); ok {
		var resp SimulateResponse
		if err := json.Unmarshal(body, &resp); err == nil {
			resp.Cached = true
			writeJSON(w, http.StatusOK, resp)
			return
		}
		s.Cache.Invalidate(r.Context(), key)
	}

	started := time.Now()
	result, err := s.Runner.Run(r.Context(), req)
	if err != nil {
		logger.Error("Simulation failed", map[string]interface{}{
			"error":  err.Error(),
			"fmu_id": req.FMUID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Simulation failed")
		return
	}

	resp := SimulateResponse{
		Status: "ok",
		FMUID:  req.FMUID,
		Time:   result.Time,
		Series: result.Series,
	}

	if body, err := json.Marshal(resp); err == nil {
		s.Cache.Set(r.Context(), key, body)
	}

	if err := s.Storage.AppendUsage(r.Context(), &models.UsageRecord{
		APIKeyID:   actorID,
		FMUID:      req.FMUID,
		DurationMS: time.Since(started).Milliseconds(),
		Timestamp:  time.Now(),
	}); err != nil {
		logger.Warn("Failed to record usage", map[string]interface{}{
			"error":  err.Error(),
			"fmu_id": req.FMUID,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func resultCacheKey(req simulate.Request) string {
	payload, _ := json.Marshal(req)
	digest := sha256.Sum256(payload)
	return "sim:" + req.FMUID + ":" + hex.EncodeToString(digest[:])
}

type CheckoutTokenResponse struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	PaymentToken string `json:"payment_token"`
}

// CheckoutToken hands out the minted token for the caller's own ready
// session. Pending, consumed and expired sessions all answer 404, the
// caller learns nothing about sessions it does not hold.
func (s *Server) CheckoutToken(w http.ResponseWriter, r *http.Request) {
	payer := payerFrom(r)
	sessionID := chi.URLParam(r, "sessionID")

	session, err := s.Storage.GetPaymentSession(r.Context(), sessionID)
	if err != nil {
		logger.Error("Session lookup failed", map[string]interface{}{
			"error":      err.Error(),
			"session_id": sessionID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if session == nil || session.PayerID != payer.ID {
		writeErrorResponse(w, http.StatusNotFound, "Session not found")
		return
	}
	if session.Status != models.SessionReady || session.Expired(time.Now()) || session.Token == "" {
		writeErrorResponse(w, http.StatusNotFound, "No token available for session")
		return
	}

	writeJSON(w, http.StatusOK, CheckoutTokenResponse{
		SessionID:    session.ID,
		Status:       session.Status,
		PaymentToken: session.Token,
	})
}
