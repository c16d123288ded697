package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/hoistup/hoist/internal/core/engine"
	apperrors "github.com/hoistup/hoist/internal/errors"
	"github.com/hoistup/hoist/internal/output"
)

// LedgerHandler serves a read-only snapshot of the rate-limit ledger.
type LedgerHandler struct {
	Entries func(ctx context.Context) ([]engine.BucketState, error)
	Now     func() time.Time
}

// LedgerResponse is the body of GET /v1/ledger.
type LedgerResponse struct {
	Buckets     []output.LedgerRow `json:"buckets"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ServeHTTP handles GET /v1/ledger?provider=name.
func (h *LedgerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	states, err := h.Entries(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.FromUploadError(r.Context(), err))
		return
	}

	now := time.Now().UTC()
	if h.Now != nil {
		now = h.Now()
	}
	rows := output.LedgerRows(states, r.URL.Query().Get("provider"), now)
	writeJSON(w, http.StatusOK, LedgerResponse{Buckets: rows, GeneratedAt: now})
}
