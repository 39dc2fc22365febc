package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/licensing"
	"fmu-gateway.ai/cloud/simulate"
)

type ExecuteRequest struct {
	LicenseKey string `json:"license_key"`
	PackageID  int64  `json:"package_id"`
	VersionID  int64  `json:"version_id"`
	simulate.Request
}

// Execute runs a simulation under an execute-only license. The license
// key is the credential, no API key is involved; every successful run
// draws down one entitlement and a run is charged even when the solver
// then fails.
func (s *Server) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.LicenseKey == "" || req.PackageID == 0 || req.VersionID == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "license_key, package_id and version_id required")
		return
	}
	if err := req.Request.Validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
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

	switch err := s.Meter.Enforce(r.Context(), license, true); {
	case err == nil:
	case errors.Is(err, licensing.ErrExhausted):
		writeErrorResponse(w, http.StatusForbidden, "Execution entitlement exhausted")
		return
	case errors.Is(err, licensing.ErrNotMetered):
		writeErrorResponse(w, http.StatusForbidden, "License does not cover hosted execution")
		return
	case errors.Is(err, licensing.ErrRevoked), errors.Is(err, licensing.ErrExpired):
		writeErrorResponse(w, http.StatusForbidden, "Invalid license")
		return
	default:
		logger.Error("Entitlement check failed", map[string]interface{}{
			"error":      err.Error(),
			"license_id": license.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}

	s.runSimulation(w, r, license.BuyerID, req.Request)
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}
