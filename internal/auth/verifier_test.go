package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/auth"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeyStore struct {
	keys     []*models.APIKey
	users    map[uuid.UUID]*models.User
	lookupFn func(prefix string) error
}

func (m *mockKeyStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	if m.lookupFn != nil {
		if err := m.lookupFn(prefix); err != nil {
			return nil, err
		}
	}
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockKeyStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }

func (m *mockKeyStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func setup(t *testing.T) (*auth.KeyVerifier, string, *models.User) {
	t.Helper()
	raw, hash, err := auth.GenerateKey()
	require.NoError(t, err)

	user := &models.User{ID: uuid.New(), Email: "ops@example.com", Role: "admin"}
	s := &mockKeyStore{
		keys:  []*models.APIKey{{ID: uuid.New(), UserID: user.ID, KeyHash: hash, KeyPrefix: auth.KeyPrefix(raw)}},
		users: map[uuid.UUID]*models.User{user.ID: user},
	}
	return auth.NewKeyVerifier(s, slog.New(slog.NewTextHandler(io.Discard, nil))), raw, user
}

func TestGenerateKey(t *testing.T) {
	raw, hash, err := auth.GenerateKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "dw_"))
	assert.Len(t, raw, 3+48)
	assert.NotEqual(t, raw, hash)
}

func TestVerify_ValidKey(t *testing.T) {
	v, raw, user := setup(t)

	id, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.UserID)
	assert.Equal(t, "admin", id.Role)
}

func TestVerify_WrongSecretSamePrefix(t *testing.T) {
	v, raw, _ := setup(t)

	forged := raw[:auth.KeyPrefixLen] + strings.Repeat("0", len(raw)-auth.KeyPrefixLen)
	_, err := v.Verify(context.Background(), forged)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestVerify_TooShort(t *testing.T) {
	v, _, _ := setup(t)
	_, err := v.Verify(context.Background(), "dw_1")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_StoreError(t *testing.T) {
	s := &mockKeyStore{lookupFn: func(string) error { return errors.New("db down") }}
	v := auth.NewKeyVerifier(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := v.Verify(context.Background(), "dw_abcdefghijkl")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrAuthorization)
}

func TestVerify_OwnerDeleted(t *testing.T) {
	raw, hash, err := auth.GenerateKey()
	require.NoError(t, err)
	s := &mockKeyStore{
		keys:  []*models.APIKey{{ID: uuid.New(), UserID: uuid.New(), KeyHash: hash, KeyPrefix: auth.KeyPrefix(raw)}},
		users: map[uuid.UUID]*models.User{},
	}
	v := auth.NewKeyVerifier(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = v.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
