package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fmu-gateway.ai/cloud/billing"
	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
)

type CreateKeyRequest struct {
	Email string `json:"email,omitempty"`
}

type CreateKeyResponse struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

// CreateKey mints a new API key. The raw key is returned exactly once;
// a Stripe customer is attached when the processor is configured, and
// skipped silently when it is not.
func (s *Server) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if r.Body != nil {
		// Body is optional, an empty POST is a valid anonymous key request.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	key := &models.APIKey{
		ID:        uuid.Must(uuid.NewRandom()).String(),
		Key:       "fmu_" + uuid.Must(uuid.NewRandom()).String(),
		CreatedAt: time.Now(),
	}

	customerID, err := s.Checkout.Processor.CreateCustomer(r.Context(), req.Email)
	switch {
	case err == nil:
		key.StripeCustomerID = customerID
	case errors.Is(err, billing.ErrNotConfigured):
		// Keys still work without a processor; checkouts will fail later.
	default:
		logger.Warn("Customer registration failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := s.Storage.SaveAPIKey(r.Context(), key); err != nil {
		logger.Error("Failed to save API key", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}

	logger.Info("API key created", map[string]interface{}{
		"key_id": key.ID,
	})

	writeJSON(w, http.StatusCreated, CreateKeyResponse{
		ID:     key.ID,
		APIKey: key.Key,
	})
}
