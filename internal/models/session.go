// Package models provides data model definitions for the clinicsync engine.
package models

import (
	"strings"
	"time"
)

// CachedSession is the last successful authoritative login, persisted so a
// known user can still be authorized while offline. Tokens are stored
// encrypted at rest; the fields here hold the decrypted values.
type CachedSession struct {
	UserID       string   `db:"user_id" json:"user_id"`
	Email        string   `db:"email" json:"email"`
	AccessToken  string   `db:"access_token" json:"-"`
	RefreshToken string   `db:"refresh_token" json:"-"`
	Roles        []string `db:"roles" json:"roles"`
	FullName     string   `db:"full_name" json:"full_name"`
	CachedAt     int64    `db:"cached_at" json:"cached_at"`

	// TokenExpiresAt is extracted from the access token claims when the
	// token is a JWT; zero for opaque tokens.
	TokenExpiresAt int64 `db:"-" json:"token_expires_at,omitempty"`
}

// TableName returns the table name for CachedSession.
func (CachedSession) TableName() string {
	return "cached_session"
}

// CachedAtTime returns CachedAt as time.Time.
func (s *CachedSession) CachedAtTime() time.Time {
	return time.Unix(s.CachedAt, 0)
}

// HasRole reports whether the session includes the given role.
func (s *CachedSession) HasRole(role string) bool {
	for _, r := range s.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// RoleCacheEntry is a short-TTL cache of a user's resolved authorization
// roles, keyed by user id.
type RoleCacheEntry struct {
	UserID    string   `db:"user_id" json:"user_id"`
	Roles     []string `db:"roles" json:"roles"`
	FetchedAt int64    `db:"fetched_at" json:"fetched_at"`
}

// TableName returns the table name for RoleCacheEntry.
func (RoleCacheEntry) TableName() string {
	return "role_cache"
}

// FetchedAtTime returns FetchedAt as time.Time.
func (e *RoleCacheEntry) FetchedAtTime() time.Time {
	return time.Unix(e.FetchedAt, 0)
}

// Fresh reports whether the entry is still within ttl as of now.
func (e *RoleCacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAtTime()) < ttl
}
