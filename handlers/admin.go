package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fmu-gateway.ai/cloud/internal/logger"
)

// AdminRevokeLicense flips the license dead and zeroes its entitlement.
// Revocation is permanent; there is no un-revoke.
func (s *Server) AdminRevokeLicense(w http.ResponseWriter, r *http.Request) {
	licenseID, err := strconv.ParseInt(chi.URLParam(r, "licenseID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid license id")
		return
	}

	license, err := s.Storage.GetLicense(r.Context(), licenseID)
	if err != nil {
		logger.Error("License lookup failed", map[string]interface{}{
			"error":      err.Error(),
			"license_id": licenseID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if license == nil {
		writeErrorResponse(w, http.StatusNotFound, "License not found")
		return
	}

	if err := s.Ledger.RevokeLicense(r.Context(), "admin", license); err != nil {
		logger.Error("License revocation failed", map[string]interface{}{
			"error":      err.Error(),
			"license_id": licenseID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"license_id": licenseID,
		"revoked":    true,
	})
}

// AdminUnlistListing withdraws a listing from sale. Existing licenses
// are untouched.
func (s *Server) AdminUnlistListing(w http.ResponseWriter, r *http.Request) {
	listingID, err := strconv.ParseInt(chi.URLParam(r, "listingID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid listing id")
		return
	}

	listing, err := s.Storage.GetListing(r.Context(), listingID)
	if err != nil {
		logger.Error("Listing lookup failed", map[string]interface{}{
			"error":      err.Error(),
			"listing_id": listingID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if listing == nil {
		writeErrorResponse(w, http.StatusNotFound, "Listing not found")
		return
	}

	if err := s.Ledger.UnlistListing(r.Context(), "admin", listingID); err != nil {
		logger.Error("Unlisting failed", map[string]interface{}{
			"error":      err.Error(),
			"listing_id": listingID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listing_id": listingID,
		"unlisted":   true,
	})
}
