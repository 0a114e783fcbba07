// Package session persists the last authenticated session and resolves
// user authorization roles, so a known user can keep working offline.
package session

import (
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opsante/clinicsync/internal/crypto"
	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/logging"
	"github.com/opsante/clinicsync/internal/models"
)

// Cache stores the last successful authoritative login. Tokens are encrypted
// with a machine-derived key before they reach sqlite.
type Cache struct {
	repo      *db.Repository
	machineID string
}

// NewCache creates a session cache.
func NewCache(repo *db.Repository, machineID string) *Cache {
	return &Cache{repo: repo, machineID: machineID}
}

// Store persists the session, overwriting any previous one. Callers treat
// this as best-effort: a persist failure must never fail the login flow, so
// the engine only logs the returned error.
func (c *Cache) Store(userID, email, accessToken, refreshToken string, roles []string, fullName string) error {
	encAccess, err := crypto.EncryptToken(accessToken, c.machineID)
	if err != nil {
		return errors.Wrap(errors.ErrCryptoFailed, "failed to encrypt access token", err)
	}
	encRefresh := ""
	if refreshToken != "" {
		encRefresh, err = crypto.EncryptToken(refreshToken, c.machineID)
		if err != nil {
			return errors.Wrap(errors.ErrCryptoFailed, "failed to encrypt refresh token", err)
		}
	}

	s := &models.CachedSession{
		UserID:       userID,
		Email:        email,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		Roles:        roles,
		FullName:     fullName,
		CachedAt:     time.Now().Unix(),
	}

	if err := c.repo.SaveCachedSession(s); err != nil {
		return errors.Wrap(errors.ErrSessionCache, "failed to persist session", err)
	}

	logging.Info("Session cached for offline use", map[string]interface{}{
		"user_id": userID,
	})

	return nil
}

// CachedUser returns the last cached identity, or nil when never cached or
// explicitly cleared. A corrupted cache entry is treated as missing rather
// than surfaced: the caller falls back to an unauthenticated state and the
// user re-logs in once connectivity returns.
func (c *Cache) CachedUser() (*models.CachedSession, error) {
	s, err := c.repo.GetCachedSession()
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read cached session", err)
	}

	access, err := crypto.DecryptToken(s.AccessToken, c.machineID)
	if err != nil {
		logging.Warn("Cached session is unreadable, discarding", map[string]interface{}{
			"user_id": s.UserID,
		})
		if clearErr := c.Clear(); clearErr != nil {
			logging.Error("Failed to discard corrupted session", clearErr)
		}
		return nil, nil
	}
	refresh, err := crypto.DecryptToken(s.RefreshToken, c.machineID)
	if err != nil {
		refresh = ""
	}

	s.AccessToken = access
	s.RefreshToken = refresh
	s.TokenExpiresAt = tokenExpiry(access)

	return s, nil
}

// Clear removes all persisted identity material. Called on explicit sign-out.
func (c *Cache) Clear() error {
	if err := c.repo.DeleteCachedSession(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to clear cached session", err)
	}
	logging.Info("Cached session cleared")
	return nil
}

// tokenExpiry extracts the exp claim from a JWT access token without
// verifying the signature. Opaque tokens yield zero.
func tokenExpiry(token string) int64 {
	if token == "" {
		return 0
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return 0
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Unix()
}
