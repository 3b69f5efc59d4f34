package valuation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fanbase/market-engine/internal/store"
)

// Routes mounts the read-only endpoints on r.
func (v *Valuator) Routes(r chi.Router) {
	r.Get("/leaderboard", v.HandleLeaderboard)
	r.Get("/users/{userID}", v.HandleUser)
	r.Get("/users/{userID}/curve", v.HandleUserCurve)
	r.Get("/instruments", v.HandleInstruments)
	r.Get("/instruments/{abbr}/curve", v.HandleInstrumentCurve)
}

// HandleLeaderboard handles GET /api/v1/leaderboard
func (v *Valuator) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := v.Leaderboard(r.Context())
	if err != nil {
		v.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleUser handles GET /api/v1/users/{userID}
func (v *Valuator) HandleUser(w http.ResponseWriter, r *http.Request) {
	sum, err := v.UserSummary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		v.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandleUserCurve handles GET /api/v1/users/{userID}/curve?window=1D
func (v *Valuator) HandleUserCurve(w http.ResponseWriter, r *http.Request) {
	points, err := v.UserCurve(r.Context(), chi.URLParam(r, "userID"), v.windowParam(r))
	if err != nil {
		v.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// HandleInstruments handles GET /api/v1/instruments
func (v *Valuator) HandleInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := v.ListInstruments(r.Context())
	if err != nil {
		v.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleInstrumentCurve handles GET /api/v1/instruments/{abbr}/curve?window=1W
func (v *Valuator) HandleInstrumentCurve(w http.ResponseWriter, r *http.Request) {
	points, err := v.InstrumentCurve(r.Context(), chi.URLParam(r, "abbr"), v.windowParam(r))
	if err != nil {
		v.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// windowParam defaults to the first configured window.
func (v *Valuator) windowParam(r *http.Request) string {
	if w := r.URL.Query().Get("window"); w != "" {
		return w
	}
	if len(v.windows) > 0 {
		return v.windows[0].Name
	}
	return ""
}

func (v *Valuator) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		v.logger.Errorw("valuation query failed", "error", err)
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUnknownUser), errors.Is(err, store.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, ErrUnknownWindow):
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

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
