package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/store"
)

// TradeRequest is the JSON body for POST /api/v1/trades/{kind}.
type TradeRequest struct {
	UserID string `json:"user_id"`
	Abbr   string `json:"abbr"`
	Size   int64  `json:"size"`
}

// RegisterRequest is the JSON body for POST /api/v1/users.
type RegisterRequest struct {
	Username string `json:"username"`
}

var kindsByPath = map[string]model.TxKind{
	"buy":     model.Purchase,
	"sell":    model.Sale,
	"short":   model.ShortTx,
	"unshort": model.Unshort,
}

// HandleTrade handles POST /api/v1/trades/{kind}
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindsByPath[chi.URLParam(r, "kind")]
	if !ok {
		writeError(w, "kind must be buy, sell, short or unshort", http.StatusNotFound)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Abbr == "" {
		writeError(w, "abbr is required", http.StatusBadRequest)
		return
	}

	fill, err := s.Execute(r.Context(), kind, req.UserID, req.Abbr, req.Size)
	if err != nil {
		writeError(w, err.Error(), StatusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, fill)
}

// HandleRegister handles POST /api/v1/users
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.RegisterUser(r.Context(), req.Username)
	if err != nil {
		writeError(w, err.Error(), StatusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientShares),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnknownInstrument), errors.Is(err, store.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSize), errors.Is(err, ErrInvalidUsername):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
