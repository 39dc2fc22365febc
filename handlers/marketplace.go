package handlers

import (
	"encoding/json"
	"net/http"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
)

type PurchaseRequest struct {
	ListingID   int64  `json:"listing_id"`
	Scope       string `json:"scope,omitempty"`
	Seats       int    `json:"seats,omitempty"`
	ExecuteRuns int64  `json:"execute_runs,omitempty"`
}

type PurchaseResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// MarketplacePurchase opens a checkout for a listing. The purchase row
// and license are created when the processor reports completion, not
// here; everything needed then travels in the session metadata.
func (s *Server) MarketplacePurchase(w http.ResponseWriter, r *http.Request) {
	buyer := payerFrom(r)

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ListingID == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "listing_id required")
		return
	}
	if req.ExecuteRuns < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "execute_runs must not be negative")
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = models.ScopePersonal
	}
	if scope != models.ScopePersonal && scope != models.ScopeCommercial && scope != models.ScopeOrg {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid license scope")
		return
	}

	seats := req.Seats
	if seats < 1 {
		seats = 1
	}

	listing, err := s.Storage.GetListing(r.Context(), req.ListingID)
	if err != nil {
		logger.Error("Listing lookup failed", map[string]interface{}{
			"error":      err.Error(),
			"listing_id": req.ListingID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if listing == nil || !listing.IsActive {
		writeErrorResponse(w, http.StatusNotFound, "Listing not available")
		return
	}

	runs := req.ExecuteRuns
	if !listing.Metered() {
		runs = 0
	}

	successURL := s.Config.PublicBaseURL + "/marketplace/success"
	cancelURL := s.Config.PublicBaseURL + "/marketplace/cancel"

	result, err := s.Checkout.OpenListingCheckout(r.Context(), buyer, listing, scope, seats, runs, successURL, cancelURL)
	if err != nil {
		s.writeProcessorError(w, err, buyer.ID)
		return
	}

	writeJSON(w, http.StatusOK, PurchaseResponse{
		CheckoutURL: result.URL,
		SessionID:   result.ID,
	})
}
