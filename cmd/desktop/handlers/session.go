package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsante/clinicsync/internal/engine"
)

// SessionHandler serves the cached-session and role endpoints.
type SessionHandler struct {
	engine *engine.Engine
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(e *engine.Engine) *SessionHandler {
	return &SessionHandler{engine: e}
}

// CacheSession handles POST /api/session
// Stores the session for offline use after a successful login. Caching is
// best effort: the response is 204 even when persistence fails, because a
// login must never be blocked by the local cache.
func (h *SessionHandler) CacheSession(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UserID       string   `json:"user_id"`
		Email        string   `json:"email"`
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		Roles        []string `json:"roles"`
		FullName     string   `json:"full_name"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	h.engine.CacheAuthSession(request.UserID, request.Email, request.AccessToken,
		request.RefreshToken, request.Roles, request.FullName)
	w.WriteHeader(http.StatusNoContent)
}

// GetCachedUser handles GET /api/session
// Returns the cached profile without tokens, or 404 when nothing is cached.
func (h *SessionHandler) GetCachedUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.engine.GetCachedUser()
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"cached": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ClearSession handles DELETE /api/session
func (h *SessionHandler) ClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearCachedSession(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRoles handles GET /api/session/roles?user_id=...
// Resolves the user's roles and the single effective role.
func (h *SessionHandler) GetRoles(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	roles, effective, err := h.engine.ResolveRoles(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"roles":          roles,
		"effective_role": effective,
	})
}
