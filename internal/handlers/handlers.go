package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/audit"
	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/services"
)

// API serves the read side of the reference server: health, pipeline
// counters and the stored audit trail.
type API struct {
	store   audit.Reader
	hub     *Hub
	metrics *services.Metrics
	logger  *zap.Logger
	started time.Time
	version string
}

// NewAPI wires the REST handlers. store may be nil when no audit backend is
// configured.
func NewAPI(store audit.Reader, hub *Hub, metrics *services.Metrics, logger *zap.Logger, version string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		store:   store,
		hub:     hub,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "api")),
		started: time.Now(),
		version: version,
	}
}

// Routes registers every endpoint of the reference server on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/proctor", a.hub.ServeProctor)
	mux.HandleFunc("/api/health", a.Health)
	mux.HandleFunc("/api/metrics", a.Metrics)
	mux.HandleFunc("GET /api/sessions/{id}", a.GetSession)
	mux.HandleFunc("GET /api/sessions/{id}/violations", a.GetViolations)
}

func enableCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:     msg,
		Code:      code,
		Timestamp: time.Now().Unix(),
	})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, models.HealthStatus{
		Status:        "healthy",
		GoBackend:     "running",
		ActiveClients: a.hub.Count(),
		UptimeSec:     int64(time.Since(a.started).Seconds()),
		Version:       a.version,
	})
}

func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		services.Snapshot
		ActiveClients   int    `json:"active_clients"`
		SystemUptimeSec int64  `json:"system_uptime_sec"`
		Timestamp       string `json:"timestamp"`
	}{
		Snapshot:        a.metrics.Snapshot(),
		ActiveClients:   a.hub.Count(),
		SystemUptimeSec: int64(time.Since(a.started).Seconds()),
		Timestamp:       time.Now().Format(time.RFC3339),
	})
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no_store", "Audit store not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sess, err := a.store.Session(ctx, r.PathValue("id"))
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	} else if err != nil {
		a.logger.Error("GetSession failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ViolationsResponse is the stored trail of one session together with the
// result of checking its digest chain.
type ViolationsResponse struct {
	SessionID   string                `json:"session_id"`
	Verified    bool                  `json:"verified"`
	VerifyError string                `json:"verify_error,omitempty"`
	Violations  []models.ViolationRow `json:"violations"`
}

func (a *API) GetViolations(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no_store", "Audit store not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := r.PathValue("id")
	if _, err := a.store.Session(ctx, id); errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	} else if err != nil {
		a.logger.Error("GetViolations: session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}

	rows, err := a.store.Violations(ctx, id)
	if err != nil {
		a.logger.Error("GetViolations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to fetch violations")
		return
	}

	resp := ViolationsResponse{SessionID: id, Verified: true, Violations: rows}
	if resp.Violations == nil {
		resp.Violations = []models.ViolationRow{}
	}
	if err := audit.Verify(rows); err != nil {
		resp.Verified = false
		resp.VerifyError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
