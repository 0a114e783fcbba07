package session

import (
	"database/sql"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "modernc.org/sqlite"

	"github.com/opsante/clinicsync/internal/db"
)

func setupTestRepo(t *testing.T) *db.Repository {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	migrator := db.NewMigrator(conn)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	repo := db.NewRepository(conn)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func TestStoreAndCachedUser(t *testing.T) {
	repo := setupTestRepo(t)
	cache := NewCache(repo, "machine-1")

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	access := signedToken(t, exp)

	err := cache.Store("u-1", "dr.turing@clinic.example", access, "refresh-opaque",
		[]string{"practitioner"}, "Alan Turing")
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := cache.CachedUser()
	if err != nil {
		t.Fatalf("CachedUser failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a cached session")
	}
	if got.UserID != "u-1" || got.FullName != "Alan Turing" {
		t.Errorf("CachedUser = %+v", got)
	}
	if got.AccessToken != access {
		t.Error("Access token should decrypt back to the original")
	}
	if got.RefreshToken != "refresh-opaque" {
		t.Error("Refresh token should decrypt back to the original")
	}
	if got.TokenExpiresAt != exp.Unix() {
		t.Errorf("TokenExpiresAt = %d, want %d", got.TokenExpiresAt, exp.Unix())
	}
}

func TestTokensAreEncryptedAtRest(t *testing.T) {
	repo := setupTestRepo(t)
	cache := NewCache(repo, "machine-1")

	if err := cache.Store("u-1", "a@b.c", "plain-access-token", "", []string{"staff"}, ""); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Read the row directly: the stored token must not be the plaintext
	raw, err := repo.GetCachedSession()
	if err != nil {
		t.Fatalf("GetCachedSession failed: %v", err)
	}
	if raw.AccessToken == "plain-access-token" {
		t.Error("Access token must be encrypted in the database")
	}
}

func TestCachedUserEmpty(t *testing.T) {
	cache := NewCache(setupTestRepo(t), "machine-1")

	got, err := cache.CachedUser()
	if err != nil {
		t.Fatalf("CachedUser failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for an empty cache, got %+v", got)
	}
}

func TestCachedUserDiscardsCorruptedEntry(t *testing.T) {
	repo := setupTestRepo(t)

	// Cache with one machine key, read with another: decryption fails and
	// the entry is treated as missing, not as an error.
	writer := NewCache(repo, "machine-a")
	if err := writer.Store("u-1", "a@b.c", "token", "", []string{"staff"}, ""); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	reader := NewCache(repo, "machine-b")
	got, err := reader.CachedUser()
	if err != nil {
		t.Fatalf("CachedUser failed: %v", err)
	}
	if got != nil {
		t.Error("An unreadable session should be reported as missing")
	}

	// The corrupted row is gone for good
	if _, err := repo.GetCachedSession(); err != sql.ErrNoRows {
		t.Errorf("Expected the corrupted session to be deleted, got %v", err)
	}
}

func TestOpaqueTokenHasNoExpiry(t *testing.T) {
	cache := NewCache(setupTestRepo(t), "machine-1")

	if err := cache.Store("u-1", "a@b.c", "opaque-session-key", "", []string{"staff"}, ""); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := cache.CachedUser()
	if err != nil {
		t.Fatalf("CachedUser failed: %v", err)
	}
	if got.TokenExpiresAt != 0 {
		t.Errorf("TokenExpiresAt = %d for an opaque token, want 0", got.TokenExpiresAt)
	}
}

func TestClear(t *testing.T) {
	cache := NewCache(setupTestRepo(t), "machine-1")

	if err := cache.Store("u-1", "a@b.c", "token", "", []string{"staff"}, ""); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	got, err := cache.CachedUser()
	if err != nil {
		t.Fatalf("CachedUser failed: %v", err)
	}
	if got != nil {
		t.Error("Expected no session after Clear")
	}
}
