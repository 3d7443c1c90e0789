// Package billing charges users in credits and estimates the carbon cost
// of inference jobs.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/metrics"
	"github.com/kiranshivaraju/driftwatch/internal/store"
)

// CreditsPerFrame is the price of one uploaded frame.
const CreditsPerFrame int64 = 1

// UploadCost returns the credits needed to upload videos with the given
// frame counts.
func UploadCost(frameCounts ...int) int64 {
	var total int64
	for _, n := range frameCounts {
		if n > 0 {
			total += int64(n) * CreditsPerFrame
		}
	}
	return total
}

// CreditStore is the persistence the Accountant needs.
type CreditStore interface {
	GetCredits(ctx context.Context, userID uuid.UUID) (int64, error)
	DeductCredits(ctx context.Context, userID uuid.UUID, amount int64) error
	AddCredits(ctx context.Context, userID uuid.UUID, amount int64) error
}

// Accountant checks and moves credit balances.
type Accountant struct {
	store  CreditStore
	logger *slog.Logger
}

// NewAccountant creates an Accountant.
func NewAccountant(s CreditStore, logger *slog.Logger) *Accountant {
	return &Accountant{store: s, logger: logger.With("component", "billing")}
}

// HasEnough reports whether userID can afford cost.
func (a *Accountant) HasEnough(ctx context.Context, userID uuid.UUID, cost int64) (bool, error) {
	credits, err := a.store.GetCredits(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get credits: %w", err)
	}
	return credits >= cost, nil
}

// Charge deducts cost from userID. The balance is never driven below zero:
// when it is too low the call fails with apperr.ErrAuthorization and
// nothing changes.
func (a *Accountant) Charge(ctx context.Context, userID uuid.UUID, cost int64) error {
	if cost < 0 {
		return fmt.Errorf("%w: negative charge %d", apperr.ErrValidation, cost)
	}
	if cost == 0 {
		return nil
	}

	ok, err := a.HasEnough(ctx, userID, cost)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: insufficient credits (need %d)", apperr.ErrAuthorization, cost)
	}

	// The deduction re-checks the balance atomically; a concurrent spender
	// may have drained it since HasEnough.
	if err := a.store.DeductCredits(ctx, userID, cost); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return fmt.Errorf("%w: insufficient credits (need %d)", apperr.ErrAuthorization, cost)
		}
		return fmt.Errorf("deduct credits: %w", err)
	}

	metrics.CreditsCharged.Add(float64(cost))
	a.logger.Info("credits charged", "user_id", userID, "amount", cost)
	return nil
}

// Refund returns amount to userID after a charged operation failed.
func (a *Accountant) Refund(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := a.store.AddCredits(ctx, userID, amount); err != nil {
		return fmt.Errorf("refund credits: %w", err)
	}
	a.logger.Info("credits refunded", "user_id", userID, "amount", amount)
	return nil
}

// Grant adds purchased or promotional credits to userID.
func (a *Accountant) Grant(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: grant amount must be positive", apperr.ErrValidation)
	}
	if err := a.store.AddCredits(ctx, userID, amount); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: user %s", apperr.ErrNotFound, userID)
		}
		return fmt.Errorf("grant credits: %w", err)
	}
	a.logger.Info("credits granted", "user_id", userID, "amount", amount)
	return nil
}

// Device is the hardware class a job ran on.
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// Emission factors in grams CO2e per compute minute.
var backendFactors = map[string]float64{
	"onprem": 2.0,
	"aws":    1.5,
	"gcp":    1.2,
	"azure":  1.4,
}

var deviceMultipliers = map[Device]float64{
	DeviceCPU: 1.0,
	DeviceGPU: 2.5,
}

// CarbonFootprint estimates the emissions of a job that ran for duration
// on the given backend and device, rounded to whole grams. Unknown backends
// use the on-prem factor and unknown devices count as CPU.
func CarbonFootprint(backend string, device Device, duration time.Duration) int64 {
	factor, ok := backendFactors[strings.ToLower(backend)]
	if !ok {
		factor = backendFactors["onprem"]
	}
	mult, ok := deviceMultipliers[device]
	if !ok {
		mult = deviceMultipliers[DeviceCPU]
	}
	if duration < 0 {
		duration = 0
	}
	return int64(math.Round(factor * mult * duration.Minutes()))
}

// DeviceFor maps the job's GPU flag to a Device.
func DeviceFor(useGPUs bool) Device {
	if useGPUs {
		return DeviceGPU
	}
	return DeviceCPU
}
