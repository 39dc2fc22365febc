package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"fmu-gateway.ai/cloud/billing"
	"fmu-gateway.ai/cloud/internal/email"
	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
)

// StripeWebhook receives processor events. Delivery is at-least-once
// and unordered; every branch below is safe to replay.
func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.webhooksSeen.Inc()

	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event := stripe.Event{}
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("Failed to parse webhook JSON", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Skip signature verification in test mode
	if os.Getenv("TEST_MODE") == "true" {
		logger.Debug("Skipping webhook signature verification (test mode)")
	} else {
		if s.Config.StripeWebhookSecret == "" {
			logger.Error("Stripe webhook secret not configured")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		signatureHeader := r.Header.Get("Stripe-Signature")
		event, err = webhook.ConstructEvent(payload, signatureHeader, s.Config.StripeWebhookSecret)
		if err != nil {
			logger.Error("Webhook signature verification failed", map[string]interface{}{
				"error":     err.Error(),
				"signature": signatureHeader,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	switch event.Type {
	case "checkout.session.completed":
		var checkoutSession stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := s.handleCheckoutCompleted(ctx, &checkoutSession); err != nil {
			logger.Error("Failed to handle checkout completion", map[string]interface{}{
				"error":      err.Error(),
				"session_id": checkoutSession.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "checkout.session.expired":
		var checkoutSession stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := s.Tokens.HandleExpired(ctx, checkoutSession.ID); err != nil {
			logger.Error("Failed to expire session", map[string]interface{}{
				"error":      err.Error(),
				"session_id": checkoutSession.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			logger.Error("Failed to unmarshal charge", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := s.handleChargeRefunded(ctx, &charge); err != nil {
			logger.Error("Failed to handle refund", map[string]interface{}{
				"error":     err.Error(),
				"charge_id": charge.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "payout.paid":
		var payout stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &payout); err != nil {
			logger.Error("Failed to unmarshal payout", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := s.Ledger.Append(ctx, "", "payout_paid", "stripe_payout", payout.ID,
			fmt.Sprintf("amount=%d currency=%s", payout.Amount, payout.Currency)); err != nil {
			logger.Warn("Failed to audit payout", map[string]interface{}{
				"error":     err.Error(),
				"payout_id": payout.ID,
			})
		}

	default:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
	}

	logger.Info("Webhook processed", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"received": "true"}); err != nil {
		logger.Error("Failed to encode webhook response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// handleCheckoutCompleted routes a completed session: marketplace
// sessions carry a listing id in metadata and produce a license,
// everything else is a pay-per-run token session.
func (s *Server) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	if session.Metadata["marketplace_listing_id"] != "" {
		return s.finalizePurchase(ctx, session)
	}

	_, err := s.Tokens.HandleCompleted(ctx, billing.CompletedEvent{
		ExternalID:  session.ID,
		PayerID:     session.Metadata["payer_id"],
		ResourceID:  session.Metadata["resource_id"],
		AmountCents: session.AmountTotal,
		Currency:    string(session.Currency),
		CheckoutURL: session.URL,
	})
	return err
}

// finalizePurchase records the purchase and issues the license. Keyed on
// the processor session id; a replayed event stops only once a license
// exists, so a delivery that died between the purchase row and issuance
// is completed by the retry instead of being swallowed.
func (s *Server) finalizePurchase(ctx context.Context, session *stripe.CheckoutSession) error {
	md := session.Metadata

	listingID, err := strconv.ParseInt(md["marketplace_listing_id"], 10, 64)
	if err != nil {
		return fmt.Errorf("bad listing id in metadata: %w", err)
	}

	listing, err := s.Storage.GetListing(ctx, listingID)
	if err != nil {
		return fmt.Errorf("failed to load listing %d: %w", listingID, err)
	}
	if listing == nil {
		return fmt.Errorf("completed checkout references unknown listing %d", listingID)
	}

	scope := md["license_scope"]
	if scope == "" {
		scope = models.ScopePersonal
	}
	seats, _ := strconv.Atoi(md["seats"])
	if seats < 1 {
		seats = 1
	}
	runs, _ := strconv.ParseInt(md["execute_runs"], 10, 64)

	purchase, err := s.Storage.FindPurchaseByPaymentID(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to look up purchase: %w", err)
	}
	if purchase != nil {
		license, err := s.Storage.FindLicenseByPurchase(ctx, purchase.ID)
		if err != nil {
			return fmt.Errorf("failed to look up license for purchase %d: %w", purchase.ID, err)
		}
		if license != nil {
			logger.Info("Purchase already finalized, ignoring replay", map[string]interface{}{
				"purchase_id": purchase.ID,
				"license_id":  license.ID,
				"session_id":  session.ID,
			})
			return nil
		}
		logger.Warn("Purchase has no license, resuming issuance on retry", map[string]interface{}{
			"purchase_id": purchase.ID,
			"session_id":  session.ID,
		})
	} else {
		purchase = &models.Purchase{
			BuyerID:           md["buyer_id"],
			ListingID:         listing.ID,
			PackageID:         listing.PackageID,
			VersionID:         listing.VersionID,
			ExternalPaymentID: session.ID,
			Status:            models.PurchasePending,
			CreatedAt:         time.Now(),
		}
		if err := s.Storage.SavePurchase(ctx, purchase); err != nil {
			return fmt.Errorf("failed to save purchase: %w", err)
		}
	}

	license, rawKey, err := s.Issuer.Issue(ctx, purchase, scope, seats, listing.Metered(), runs)
	if err != nil {
		return fmt.Errorf("failed to issue license: %w", err)
	}

	if err := s.Ledger.Append(ctx, purchase.BuyerID, "license_issued", "license", itoa64(license.ID),
		fmt.Sprintf("listing=%d sku=%s", listing.ID, listing.SKU)); err != nil {
		logger.Warn("Failed to audit license issuance", map[string]interface{}{
			"error":      err.Error(),
			"license_id": license.ID,
		})
	}

	s.sendLicenseEmail(session, listing, rawKey)

	logger.Info("Purchase finalized", map[string]interface{}{
		"purchase_id": purchase.ID,
		"license_id":  license.ID,
		"listing_id":  listing.ID,
		"buyer_id":    purchase.BuyerID,
	})

	return nil
}

// sendLicenseEmail delivers the raw key to the buyer. Best effort, the
// key can still be fetched through rotation if delivery fails.
func (s *Server) sendLicenseEmail(session *stripe.CheckoutSession, listing *models.Listing, rawKey string) {
	var customerEmail string
	if session.CustomerDetails != nil {
		customerEmail = session.CustomerDetails.Email
	} else {
		customerEmail = session.CustomerEmail
	}
	if customerEmail == "" {
		logger.Warn("No customer email on completed session", map[string]interface{}{
			"session_id": session.ID,
		})
		return
	}

	if err := email.SendLicenseKey(customerEmail, listing.SKU, rawKey); err != nil {
		logger.Warn("Failed to send license email", map[string]interface{}{
			"error":      err.Error(),
			"session_id": session.ID,
		})
	}
}

func (s *Server) handleChargeRefunded(ctx context.Context, charge *stripe.Charge) error {
	paymentID := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		paymentID = charge.PaymentIntent.ID
	}

	purchase, err := s.Storage.FindPurchaseByPaymentID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("failed to look up purchase: %w", err)
	}
	if purchase == nil {
		logger.Info("Refund for unknown purchase, ignoring", map[string]interface{}{
			"charge_id":  charge.ID,
			"payment_id": paymentID,
		})
		return nil
	}

	return s.Ledger.RecordRefund(ctx, purchase)
}
