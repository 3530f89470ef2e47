package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/lurkerwatch/discovery"
	"github.com/onnwee/lurkerwatch/scan"
	"github.com/onnwee/lurkerwatch/store"
)

// sweepView is the wire shape of a sweep row.
type sweepView struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	CategoryID        string  `json:"category_id,omitempty"`
	Language          string  `json:"language,omitempty"`
	MinViewers        int     `json:"min_viewers,omitempty"`
	JitterAppliedMS   int64   `json:"jitter_applied_ms"`
	StartedAt         string  `json:"started_at"`
	EndedAt           string  `json:"ended_at,omitempty"`
	ChannelsAttempted int     `json:"channels_attempted"`
	ChannelsSucceeded int     `json:"channels_succeeded"`
	ChannelsFailed    int     `json:"channels_failed"`
	AbortReason       string  `json:"abort_reason,omitempty"`
	ErrorCount        int     `json:"error_count"`
	SuspectsSpotted   int     `json:"suspects_spotted"`
	AvgFetchSeconds   float64 `json:"avg_fetch_seconds"`
}

func viewSweep(s store.Sweep) sweepView {
	v := sweepView{
		ID:                s.ID.String(),
		Status:            string(s.Status),
		CategoryID:        s.CategoryID,
		Language:          s.Language,
		MinViewers:        s.MinViewers,
		JitterAppliedMS:   s.JitterApplied.Milliseconds(),
		StartedAt:         s.StartedAt.UTC().Format(time.RFC3339),
		ChannelsAttempted: s.ChannelsAttempted,
		ChannelsSucceeded: s.ChannelsSucceeded,
		ChannelsFailed:    s.ChannelsFailed,
		AbortReason:       s.AbortReason,
		ErrorCount:        s.ErrorCount,
		SuspectsSpotted:   s.SuspectsSpotted,
		AvgFetchSeconds:   s.AvgFetchSeconds,
	}
	if !s.EndedAt.IsZero() {
		v.EndedAt = s.EndedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// HandleSweeps handles GET /sweeps (recent sweeps) and POST /sweeps (start one).
func (h *Handlers) HandleSweeps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseIntQuery(r, "limit", 20)
		sweeps, err := h.store.ListSweeps(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]sweepView, 0, len(sweeps))
		for _, s := range sweeps {
			out = append(out, viewSweep(s))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var body struct {
			CategoryID  string `json:"category_id"`
			Language    string `json:"language"`
			MinViewers  int    `json:"min_viewers"`
			MaxChannels int    `json:"max_channels"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
		id, err := h.conductor.StartSweep(r.Context(), discovery.Filters{
			CategoryID:  body.CategoryID,
			Language:    body.Language,
			MinViewers:  body.MinViewers,
			MaxChannels: body.MaxChannels,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		slog.Info("sweep started via api", slog.String("sweep_id", id.String()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"sweep_id": id.String(), "status": "pending"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleSweepDispatcher routes /sweeps/{id} and /sweeps/{id}/abort.
func (h *Handlers) HandleSweepDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sweeps/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing sweep id", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, "invalid sweep id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleSweepGet(w, r, id)
	case len(parts) == 2 && parts[1] == "abort" && r.Method == http.MethodPost:
		h.handleSweepAbort(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handlers) handleSweepGet(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	s, err := h.conductor.SweepStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "sweep not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(viewSweep(s))
}

func (h *Handlers) handleSweepAbort(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.conductor.AbortSweep(id); err != nil {
		if errors.Is(err, scan.ErrSweepNotActive) {
			http.Error(w, "sweep is not active", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("sweep abort requested via api", slog.String("sweep_id", id.String()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"sweep_id": id.String(), "status": "aborting"})
}
