package handlers

import (
	"net/http"

	"github.com/opsante/clinicsync/internal/errors"
)

// writeError maps engine error codes onto HTTP statuses and emits the
// structured error body the UI expects.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalid, errors.ErrValidation:
		status = http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrSessionNotCached:
		status = http.StatusNotFound
	case errors.ErrSyncInProgress:
		status = http.StatusConflict
	case errors.ErrRoleResolvePending:
		status = http.StatusAccepted
	case errors.ErrRoleRateLimit:
		status = http.StatusTooManyRequests
	}

	writeJSON(w, status, map[string]interface{}{
		"code":  string(code),
		"error": err.Error(),
	})
}
