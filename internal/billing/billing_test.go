package billing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/billing"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCreditStore struct {
	mu      sync.Mutex
	credits map[uuid.UUID]int64
	err     error
}

func (m *mockCreditStore) GetCredits(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	c, ok := m.credits[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return c, nil
}

func (m *mockCreditStore) DeductCredits(_ context.Context, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credits[userID] < amount {
		return store.ErrInsufficientCredits
	}
	m.credits[userID] -= amount
	return nil
}

func (m *mockCreditStore) AddCredits(_ context.Context, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credits[userID]; !ok {
		return store.ErrNotFound
	}
	m.credits[userID] += amount
	return nil
}

func newAccountant(credits map[uuid.UUID]int64) (*billing.Accountant, *mockCreditStore) {
	s := &mockCreditStore{credits: credits}
	return billing.NewAccountant(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestUploadCost(t *testing.T) {
	assert.Equal(t, int64(0), billing.UploadCost())
	assert.Equal(t, int64(300), billing.UploadCost(300))
	assert.Equal(t, int64(450), billing.UploadCost(300, 150, 0))
	assert.Equal(t, int64(10), billing.UploadCost(10, -5))
}

func TestCharge_Success(t *testing.T) {
	user := uuid.New()
	a, s := newAccountant(map[uuid.UUID]int64{user: 100})

	require.NoError(t, a.Charge(context.Background(), user, 40))
	assert.Equal(t, int64(60), s.credits[user])
}

func TestCharge_InsufficientLeavesBalance(t *testing.T) {
	user := uuid.New()
	a, s := newAccountant(map[uuid.UUID]int64{user: 10})

	err := a.Charge(context.Background(), user, 11)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.Equal(t, int64(10), s.credits[user])
}

func TestCharge_ExactBalance(t *testing.T) {
	user := uuid.New()
	a, s := newAccountant(map[uuid.UUID]int64{user: 25})

	require.NoError(t, a.Charge(context.Background(), user, 25))
	assert.Equal(t, int64(0), s.credits[user])
}

func TestCharge_ConcurrentNeverNegative(t *testing.T) {
	user := uuid.New()
	a, s := newAccountant(map[uuid.UUID]int64{user: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Charge(context.Background(), user, 7)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, s.credits[user], int64(0))
	assert.Equal(t, int64(50-7*7), s.credits[user])
}

func TestCharge_StoreError(t *testing.T) {
	user := uuid.New()
	a, s := newAccountant(map[uuid.UUID]int64{user: 10})
	s.err = errors.New("connection refused")

	err := a.Charge(context.Background(), user, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrAuthorization)
}

func TestCharge_Negative(t *testing.T) {
	a, _ := newAccountant(map[uuid.UUID]int64{})
	err := a.Charge(context.Background(), uuid.New(), -1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRefund(t *testing.T) {
	user := uuid.New()
	a, s := newAccountant(map[uuid.UUID]int64{user: 5})

	require.NoError(t, a.Refund(context.Background(), user, 20))
	assert.Equal(t, int64(25), s.credits[user])
	require.NoError(t, a.Refund(context.Background(), user, 0))
	assert.Equal(t, int64(25), s.credits[user])
}

func TestGrant(t *testing.T) {
	user := uuid.New()
	a, s := newAccountant(map[uuid.UUID]int64{user: 5})

	require.NoError(t, a.Grant(context.Background(), user, 100))
	assert.Equal(t, int64(105), s.credits[user])

	assert.ErrorIs(t, a.Grant(context.Background(), user, 0), apperr.ErrValidation)
	assert.ErrorIs(t, a.Grant(context.Background(), uuid.New(), 10), apperr.ErrNotFound)
}

func TestCarbonFootprint(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		device   billing.Device
		duration time.Duration
		want     int64
	}{
		{"onprem cpu 10m", "onprem", billing.DeviceCPU, 10 * time.Minute, 20},
		{"aws gpu 4m", "aws", billing.DeviceGPU, 4 * time.Minute, 15},
		{"gcp cpu 90s", "gcp", billing.DeviceCPU, 90 * time.Second, 2},
		{"azure gpu 2m", "AZURE", billing.DeviceGPU, 2 * time.Minute, 7},
		{"unknown backend uses onprem", "mystery", billing.DeviceCPU, 3 * time.Minute, 6},
		{"unknown device counts as cpu", "aws", billing.Device("tpu"), 2 * time.Minute, 3},
		{"zero duration", "aws", billing.DeviceGPU, 0, 0},
		{"negative duration clamps", "aws", billing.DeviceGPU, -time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.CarbonFootprint(tt.backend, tt.device, tt.duration))
		})
	}
}

func TestDeviceFor(t *testing.T) {
	assert.Equal(t, billing.DeviceGPU, billing.DeviceFor(true))
	assert.Equal(t, billing.DeviceCPU, billing.DeviceFor(false))
}
