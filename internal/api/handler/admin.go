package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/api/response"
)

// CreditGranter adds credits to a user's balance.
type CreditGranter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64) error
}

// NewGrantCreditsHandler returns an http.HandlerFunc for
// POST /api/v1/admin/users/{userID}/credits.
func NewGrantCreditsHandler(g CreditGranter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUUID(w, r, "userID")
		if !ok {
			return
		}

		var req struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if err := g.Grant(r.Context(), userID, req.Amount); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"user_id": userID, "granted": req.Amount})
	}
}
