package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/lurkerwatch/store"
)

// suspectView is the wire shape of a classified account.
type suspectView struct {
	Login      string             `json:"login"`
	Score      float64            `json:"score"`
	Level      string             `json:"level"`
	Breakdown  map[string]float64 `json:"breakdown,omitempty"`
	Version    string             `json:"version"`
	ComputedAt string             `json:"computed_at"`
}

func viewSuspect(sc store.Score) suspectView {
	return suspectView{
		Login:      sc.Login,
		Score:      sc.Score,
		Level:      sc.Level,
		Breakdown:  sc.Breakdown,
		Version:    sc.Version,
		ComputedAt: sc.ComputedAt.UTC().Format(time.RFC3339),
	}
}

// HandleClassifyRun triggers a classification pass immediately.
func (h *Handlers) HandleClassifyRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scored, err := h.classifier.RunPass(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("classification pass triggered via api", slog.Int("scored", scored))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "scored": scored})
}

// HandleSuspects lists classified accounts ordered by score descending.
// Query params: min_score (default 0), limit (default 50).
func (h *Handlers) HandleSuspects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	minScore := parseFloat64Query(r, "min_score", 0)
	limit := parseIntQuery(r, "limit", 50)
	scores, err := h.store.ListScores(r.Context(), minScore, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]suspectView, 0, len(scores))
	for _, sc := range scores {
		out = append(out, viewSuspect(sc))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
