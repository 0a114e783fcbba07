// Package handlers provides REST API handlers for the desktop shell.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsante/clinicsync/internal/engine"
)

// StatusHandler serves connection and sync status endpoints.
type StatusHandler struct {
	engine *engine.Engine
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(e *engine.Engine) *StatusHandler {
	return &StatusHandler{engine: e}
}

// GetConnection handles GET /api/connection
// Returns the last published connection snapshot without probing.
func (h *StatusHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetConnectionStatus())
}

// CheckConnection handles POST /api/connection/check
// Probes both endpoints immediately and returns the resulting status.
func (h *StatusHandler) CheckConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.CheckNetworkStatus(r.Context()))
}

// NotifyConnectivity handles POST /api/connection/notify
// The OS shell calls this on network interface changes.
func (h *StatusHandler) NotifyConnectivity(w http.ResponseWriter, r *http.Request) {
	h.engine.NotifyConnectivityChange()
	w.WriteHeader(http.StatusAccepted)
}

// GetSyncStatus handles GET /api/sync/status
func (h *StatusHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetSyncStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetSyncPending handles GET /api/sync/pending
// Returns queued mutation counts grouped by table.
func (h *StatusHandler) GetSyncPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.GetSyncPendingStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
