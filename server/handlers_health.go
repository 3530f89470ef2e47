package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probe requests.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
		{"conductor", func() error {
			if h.conductor == nil {
				return fmt.Errorf("sweep conductor not wired")
			}
			return nil
		}},
		{"store", func() error {
			if h.store == nil {
				return fmt.Errorf("store not wired")
			}
			_, err := h.store.ListSweeps(r.Context(), 1)
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			// Set headers before writing status code
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: active sweeps, recent
// sweep outcomes, and uptime.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}
	if h.conductor != nil {
		resp["active_sweeps"] = h.conductor.ActiveCount()
	}
	if h.store != nil {
		if sweeps, err := h.store.ListSweeps(r.Context(), 5); err == nil {
			recent := make([]sweepView, 0, len(sweeps))
			for _, s := range sweeps {
				recent = append(recent, viewSweep(s))
			}
			resp["recent_sweeps"] = recent
		}
		if scores, err := h.store.ListScores(r.Context(), 0, 1); err == nil && len(scores) > 0 {
			resp["top_suspect"] = viewSuspect(scores[0])
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
