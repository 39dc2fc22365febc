package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"fmu-gateway.ai/cloud/billing"
	"fmu-gateway.ai/cloud/internal/cache"
	"fmu-gateway.ai/cloud/internal/config"
	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/internal/ratelimit"
	"fmu-gateway.ai/cloud/licensing"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/simulate"
	"fmu-gateway.ai/cloud/storage"
)

type Server struct {
	Router  chi.Router
	Storage storage.Storage
	Config  *config.Config
	Version string

	Checkout *billing.CheckoutManager
	Tokens   *billing.TokenIssuer
	Claims   *billing.Claimer
	Issuer   *licensing.Issuer
	Meter    *licensing.Meter
	Ledger   *licensing.Ledger

	Runner simulate.Runner
	Cache  *cache.Cache

	requests      atomic.Int64
	claimsGranted atomic.Int64
	webhooksSeen  atomic.Int64
}

func NewServer(cfg *config.Config, store storage.Storage, runner simulate.Runner, resultCache *cache.Cache) *Server {
	s := &Server{
		Storage: store,
		Config:  cfg,
		Version: "dev",
		Checkout: &billing.CheckoutManager{
			Storage:    store,
			Processor:  &billing.StripeProcessor{SecretKey: cfg.StripeSecretKey},
			PendingTTL: cfg.PendingTTL,
			PriceCents: cfg.SimulationPriceCents,
			Currency:   cfg.Currency,
		},
		Tokens: &billing.TokenIssuer{Storage: store, TokenTTL: cfg.TokenTTL},
		Claims: &billing.Claimer{Storage: store},
		Issuer: &licensing.Issuer{Storage: store},
		Meter:  &licensing.Meter{Storage: store},
		Ledger: &licensing.Ledger{Storage: store},
		Runner: runner,
		Cache:  resultCache,
	}

	limiter := ratelimit.New(120, time.Minute)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature", "X-Admin-Token"},
	}))
	r.Use(s.countRequests)
	r.Use(rateLimitMiddleware(limiter))

	r.Get("/health", s.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/keys", s.CreateKey)
		r.Post("/webhooks/stripe", s.StripeWebhook)
		r.Post("/licenses/verify", s.VerifyLicense)
		r.Post("/licenses/rotate", s.RotateLicense)
		r.Post("/execute", s.Execute)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Post("/simulate", s.Simulate)
			r.Get("/payments/checkout/{sessionID}", s.CheckoutToken)
			r.Post("/marketplace/purchase", s.MarketplacePurchase)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/admin/licenses/{licenseID}/revoke", s.AdminRevokeLicense)
			r.Post("/admin/listings/{listingID}/unlist", s.AdminUnlistListing)
		})
	})

	s.Router = r
	return s
}

type contextKey string

const payerContextKey contextKey = "payer"

func payerFrom(r *http.Request) *models.APIKey {
	payer, _ := r.Context().Value(payerContextKey).(*models.APIKey)
	return payer
}

// requireAPIKey resolves the bearer token to a payer identity.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeErrorResponse(w, http.StatusUnauthorized, "API key required")
			return
		}

		key := strings.TrimPrefix(header, "Bearer ")
		payer, err := s.Storage.FindAPIKey(r.Context(), key)
		if err != nil {
			logger.Error("API key lookup failed", map[string]interface{}{
				"error": err.Error(),
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
			return
		}
		if payer == nil {
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), payerContextKey, payer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.Config.AdminToken {
			writeErrorResponse(w, http.StatusForbidden, "Admin access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Inc()
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(limiter ratelimit.RateLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if idx := strings.LastIndex(addr, ":"); idx > 0 {
				addr = addr[:idx]
			}
			if !limiter.Allow(addr) {
				writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
	Claims    int64     `json:"claims_granted"`
	Webhooks  int64     `json:"webhooks_processed"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now(),
		Requests:  s.requests.Load(),
		Claims:    s.claimsGranted.Load(),
		Webhooks:  s.webhooksSeen.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
