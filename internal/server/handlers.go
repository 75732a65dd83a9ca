package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flagramp/flagramp/internal/store"
)

type HealthResponse struct {
	Status        string `json:"status"`
	RolloutsCount int    `json:"rollouts_count"`
	BufferedCount int    `json:"buffered_events"`
	DBSizeBytes   int64  `json:"db_size_bytes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rollouts, err := s.store.ListRollouts(r.Context())
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var dbSize int64
	row := s.store.DB().QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	_ = row.Scan(&dbSize)

	response := HealthResponse{
		Status:        "ok",
		RolloutsCount: len(rollouts),
		BufferedCount: s.recorder.BufferLen(),
		DBSizeBytes:   dbSize,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	writeJSON(w, http.StatusOK, response)
}

// EventRequest is an incoming beacon event. Session id and timestamp are
// filled in by the recorder when absent.
type EventRequest struct {
	Type      string             `json:"type"`
	UserID    string             `json:"user_id"`
	SessionID string             `json:"session_id,omitempty"`
	FlagKey   string             `json:"flag_key"`
	Variant   string             `json:"variant"`
	Timestamp int64              `json:"ts,omitempty"`
	Context   store.EventContext `json:"context,omitempty"`
}

type eventBatchRequest struct {
	Events []EventRequest `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// CORS headers so product frontends can beacon directly
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := decodeEvents(r)
	if err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "No events", http.StatusBadRequest)
		return
	}

	for _, req := range body {
		ev := store.Event{
			Type:      store.EventType(req.Type),
			UserID:    req.UserID,
			SessionID: req.SessionID,
			FlagKey:   req.FlagKey,
			Variant:   req.Variant,
			Timestamp: req.Timestamp,
			Context:   req.Context,
		}
		if ev.FlagKey == "" {
			http.Error(w, "Missing flag key", http.StatusBadRequest)
			return
		}
		if err := s.recorder.Record(ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeEvents accepts either a single event object or {"events": [...]}.
func decodeEvents(r *http.Request) ([]EventRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var batch eventBatchRequest
	if err := json.Unmarshal(raw, &batch); err == nil && len(batch.Events) > 0 {
		return batch.Events, nil
	}

	var single EventRequest
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []EventRequest{single}, nil
}

func (s *Server) handleRollouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rollouts, err := s.controller.List(r.Context())
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rolloutResponses(rollouts))

	case http.MethodPost:
		var cfg store.RolloutConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		id, err := s.controller.Start(r.Context(), cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRolloutByID routes /api/rollouts/{id} and
// /api/rollouts/{id}/{pause|resume|rollback}.
func (s *Server) handleRolloutByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/rollouts/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Missing rollout id", http.StatusBadRequest)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ro, err := s.controller.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Rollout not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rolloutResponse(ro))
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var err error
	switch action {
	case "pause":
		err = s.controller.Pause(r.Context(), id, body.Reason)
	case "resume":
		err = s.controller.Resume(r.Context(), id, body.Reason)
	case "rollback":
		err = s.controller.Rollback(r.Context(), id, body.Reason)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Rollout not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flagKey := r.URL.Query().Get("flag")
	if flagKey == "" {
		http.Error(w, "flag parameter required", http.StatusBadRequest)
		return
	}

	to := time.Now()
	from := to.AddDate(0, 0, -7)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}

	results, err := s.analytics.AnalyzeTest(r.Context(), flagKey, from, to)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if results == nil {
		http.Error(w, "No events for flag", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// RolloutResponse is the wire shape of a rollout.
type RolloutResponse struct {
	ID                string                  `json:"id"`
	Config            store.RolloutConfig     `json:"config"`
	State             store.RolloutState      `json:"state"`
	CurrentPercentage float64                 `json:"current_percentage"`
	CurrentStats      *store.RolloutStats     `json:"current_stats,omitempty"`
	NextIncrement     *store.NextIncrement    `json:"next_increment,omitempty"`
	History           []store.IncrementRecord `json:"history,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

func rolloutResponse(r *store.Rollout) RolloutResponse {
	return RolloutResponse{
		ID:                r.ID,
		Config:            r.Config,
		State:             r.Status.State,
		CurrentPercentage: r.Status.CurrentPercentage,
		CurrentStats:      r.Status.CurrentStats,
		NextIncrement:     r.Status.NextIncrement,
		History:           r.Status.History,
		CreatedAt:         r.Status.CreatedAt,
		UpdatedAt:         r.Status.UpdatedAt,
	}
}

func rolloutResponses(rollouts []*store.Rollout) []RolloutResponse {
	out := make([]RolloutResponse, 0, len(rollouts))
	for _, r := range rollouts {
		out = append(out, rolloutResponse(r))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
