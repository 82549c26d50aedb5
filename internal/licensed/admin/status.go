package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rcourtman/licensed/internal/licensed/ledger"
	"github.com/rcourtman/licensed/internal/licensed/lsmetrics"
	"github.com/rcourtman/licensed/internal/licensed/store"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
)

// Snapshot is an aggregate view of licenses and the token pool.
type Snapshot struct {
	TotalLicenses int                   `json:"total_licenses"`
	ByStatus      map[ledger.Status]int `json:"licenses_by_status"`
	Tokens        *tokenpool.Stats      `json:"tokens"`
}

type statusResponse struct {
	Version string `json:"version"`
	Snapshot
}

// Collect reads the current counts and syncs the status gauges.
func Collect(ctx context.Context, st *store.Store) (*Snapshot, error) {
	ctx, cancel := st.WithTimeout(ctx)
	defer cancel()

	counts, err := ledger.CountByStatus(ctx, st.DB())
	if err != nil {
		return nil, err
	}
	tokens, err := tokenpool.GetStats(ctx, st.DB())
	if err != nil {
		return nil, err
	}

	total := 0
	for status, c := range counts {
		lsmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(c))
		total += c
	}
	for _, status := range []tokenpool.Status{tokenpool.StatusAvailable, tokenpool.StatusInUse, tokenpool.StatusExhausted, tokenpool.StatusDisabled} {
		lsmetrics.TokensByStatus.WithLabelValues(string(status)).Set(float64(tokens.ByStatus[status]))
	}
	return &Snapshot{TotalLicenses: total, ByStatus: counts, Tokens: tokens}, nil
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if st == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		ctx, cancel := st.WithTimeout(r.Context())
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports license and token counts.
func HandleStatus(st *store.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		snap, err := Collect(r.Context(), st)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{Version: version, Snapshot: *snap})
	}
}
