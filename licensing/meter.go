package licensing

import (
	"context"
	"time"

	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/models"
	"fmu-gateway.ai/cloud/storage"
)

// Meter enforces remaining-run entitlements on execute-only licenses.
// Non-metered SKUs never reach the meter.
type Meter struct {
	Storage storage.Storage
}

// Enforce fails when the license is revoked, expired, carries no
// entitlement, or has no runs left. With decrement set, consuming a run
// is a single guarded decrement in the store, so two concurrent callers
// seeing one remaining run cannot both succeed.
func (m *Meter) Enforce(ctx context.Context, license *models.License, decrement bool) error {
	now := time.Now()

	if license.IsRevoked {
		return ErrRevoked
	}
	if license.Expired(now) {
		return ErrExpired
	}

	ent, err := m.Storage.GetEntitlement(ctx, license.ID)
	if err != nil {
		return err
	}
	if ent == nil {
		return ErrNotMetered
	}

	if !decrement {
		if ent.RunsRemaining <= 0 {
			return ErrExhausted
		}
		return nil
	}

	consumed, err := m.Storage.DecrementRuns(ctx, license.ID, now)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrExhausted
	}

	logger.Debug("Execution run consumed", map[string]interface{}{
		"license_id": license.ID,
	})

	return nil
}
