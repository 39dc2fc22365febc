package handlers

import (
	"encoding/json"
	"net/http"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
)

type LicenseRequest struct {
	LicenseKey string `json:"license_key"`
	PackageID  int64  `json:"package_id"`
	VersionID  int64  `json:"version_id"`
}

func (req *LicenseRequest) valid() bool {
	return req.LicenseKey != "" && req.PackageID != 0 && req.VersionID != 0
}

type VerifyLicenseResponse struct {
	Valid   bool            `json:"valid"`
	License *models.License `json:"license,omitempty"`
}

// VerifyLicense checks a raw key against the package version. The
// response never says why a key failed; revoked, expired, rotated-away
// and plain wrong all look the same from outside.
func (s *Server) VerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if !req.valid() {
		writeErrorResponse(w, http.StatusBadRequest, "license_key, package_id and version_id required")
		return
	}

	license, err := s.Issuer.Verify(r.Context(), req.LicenseKey, req.PackageID, req.VersionID)
	if err != nil {
		logger.Error("License verification failed", map[string]interface{}{
			"error":      err.Error(),
			"package_id": req.PackageID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if license == nil {
		writeJSON(w, http.StatusForbidden, VerifyLicenseResponse{Valid: false})
		return
	}

	writeJSON(w, http.StatusOK, VerifyLicenseResponse{Valid: true, License: license})
}

type RotateLicenseResponse struct {
	LicenseID  int64  `json:"license_id"`
	LicenseKey string `json:"license_key"`
}

// RotateLicense replaces the key for a license proven by its current
// key. The old key dies with the swap and the new raw key is shown only
// in this response.
func (s *Server) RotateLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if !req.valid() {
		writeErrorResponse(w, http.StatusBadRequest, "license_key, package_id and version_id required")
		return
	}

	license, err := s.Issuer.Verify(r.Context(), req.LicenseKey, req.PackageID, req.VersionID)
	if err != nil {
		logger.Error("License verification failed", map[string]interface{}{
			"error":      err.Error(),
			"package_id": req.PackageID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if license == nil {
		writeErrorResponse(w, http.StatusForbidden, "Invalid license")
		return
	}

	rawKey, err := s.Issuer.Rotate(r.Context(), license)
	if err != nil {
		logger.Error("License rotation failed", map[string]interface{}{
			"error":      err.Error(),
			"license_id": license.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := s.Ledger.Append(r.Context(), license.BuyerID, "license_rotated", "license", itoa64(license.ID), ""); err != nil {
		logger.Warn("Failed to audit rotation", map[string]interface{}{
			"error":      err.Error(),
			"license_id": license.ID,
		})
	}

	writeJSON(w, http.StatusOK, RotateLicenseResponse{
		LicenseID:  license.ID,
		LicenseKey: rawKey,
	})
}
