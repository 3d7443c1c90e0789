// Package auth verifies bearer API keys.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is how many leading characters of a key are stored in the
// clear for lookup.
const KeyPrefixLen = 8

const keyScheme = "dw_"

// ErrInvalidToken is returned for missing, malformed or unknown keys.
var ErrInvalidToken = fmt.Errorf("%w: invalid api key", apperr.ErrAuthorization)

// KeyStore is the persistence the verifier needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// KeyVerifier resolves raw API keys to user identities.
type KeyVerifier struct {
	store  KeyStore
	logger *slog.Logger
}

func NewKeyVerifier(s KeyStore, logger *slog.Logger) *KeyVerifier {
	return &KeyVerifier{store: s, logger: logger.With("component", "auth")}
}

// KeyPrefix returns the lookup prefix of a raw key.
func KeyPrefix(rawKey string) string {
	if len(rawKey) < KeyPrefixLen {
		return rawKey
	}
	return rawKey[:KeyPrefixLen]
}

// Verify checks rawKey against the stored bcrypt hashes sharing its prefix.
func (v *KeyVerifier) Verify(ctx context.Context, rawKey string) (*models.Identity, error) {
	rawKey = strings.TrimSpace(rawKey)
	if len(rawKey) < KeyPrefixLen {
		return nil, ErrInvalidToken
	}

	keys, err := v.store.GetAPIKeyByPrefix(ctx, KeyPrefix(rawKey))
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
			continue
		}

		user, err := v.store.GetUser(ctx, key.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrInvalidToken
			}
			return nil, fmt.Errorf("loading key owner: %w", err)
		}

		// Update last_used_at async
		go func(id uuid.UUID) {
			if err := v.store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				v.logger.Warn("failed to update api key last_used_at", "key_id", id, "error", err)
			}
		}(key.ID)

		return &models.Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
	}
	return nil, ErrInvalidToken
}

// GenerateKey returns a new raw key and its bcrypt hash. The raw key is
// shown to the user once; only the hash and prefix are stored.
func GenerateKey() (rawKey, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}
	rawKey = keyScheme + hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing key: %w", err)
	}
	return rawKey, string(h), nil
}
