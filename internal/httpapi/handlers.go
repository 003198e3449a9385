package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/DoyleJ11/crash-client/internal/connection"
	"github.com/DoyleJ11/crash-client/internal/engine"
	"github.com/DoyleJ11/crash-client/internal/health"
	"github.com/DoyleJ11/crash-client/internal/history"
	"github.com/DoyleJ11/crash-client/pkg/types"
)

const maxHistoryLimit = 200

type StatsSource interface {
	Snapshot() health.Stats
}

type StateSource interface {
	State() engine.State
}

type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.RoundRecord, error)
}

// Controller is the subset of the connection manager the debug surface may
// drive.
type Controller interface {
	Connect() error
	Disconnect() error
	Stats() connection.State
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func Stats(src StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.Snapshot())
	}
}

func State(src StateSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Snapshot(src.State()))
	}
}

// Snapshot converts the projected state to its wire form.
func Snapshot(s engine.State) types.GameSnapshot {
	snap := types.GameSnapshot{
		Phase:      string(s.Phase),
		Multiplier: s.Multiplier,
		ElapsedMS:  s.ElapsedTime.Milliseconds(),
		RoundID:    s.RoundID,
	}
	if s.HasCrashPoint() {
		snap.CrashPoint = s.CrashPoint
	}
	return snap
}

func History(src HistorySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := history.DefaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		recs, err := src.Recent(r.Context(), limit)
		if err != nil {
			http.Error(w, "failed to load history", http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []history.RoundRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func Reconnect(c Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Disconnect(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := c.Connect(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, c.Stats())
	}
}

func Disconnect(c Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Disconnect(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, c.Stats())
	}
}
