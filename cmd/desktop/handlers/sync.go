package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsante/clinicsync/internal/engine"
	"github.com/opsante/clinicsync/internal/models"
)

// SyncHandler serves queue replay and replica seeding endpoints.
type SyncHandler struct {
	engine *engine.Engine
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(e *engine.Engine) *SyncHandler {
	return &SyncHandler{engine: e}
}

// ProcessQueue handles POST /api/sync/process
// Drains the queued mutations against the cloud. Returns 409 when a drain
// is already running.
func (h *SyncHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ProcessSyncQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// InitialSync handles POST /api/sync/initial
// Seeds the local replica with a full download. Safe to call repeatedly.
func (h *SyncHandler) InitialSync(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.TriggerInitialSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SubmitMutation handles POST /api/mutations
// Routes a data write: applied directly when the cloud is reachable,
// queued for replay otherwise.
func (h *SyncHandler) SubmitMutation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		TableName string          `json:"table_name"`
		Operation string          `json:"operation"`
		Payload   json.RawMessage `json:"payload"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	queued, err := h.engine.RouteMutation(r.Context(), request.TableName, models.Operation(request.Operation), request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	if queued != nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued":   true,
			"mutation": queued,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queued": false,
	})
}
