// Package db provides CRUD repository operations for clinicsync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opsante/clinicsync/internal/models"
	"github.com/opsante/clinicsync/internal/uuid"
)

// Meta keys used in the sync_meta table.
const (
	MetaLastSyncAt  = "last_sync_at"
	MetaLastSeedAt  = "last_seed_at"
	MetaSeedSummary = "seed_summary"
)

// Repository provides CRUD operations for all engine models.
// Frequently used queries go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// SyncQueue Operations
// =====================================================

// EnqueueMutation appends a mutation to the durable queue. The monotonic id
// is assigned by sqlite and written back into m.
func (r *Repository) EnqueueMutation(m *models.QueuedMutation) error {
	now := time.Now().Unix()
	if m.ClientID == "" {
		m.ClientID = models.UUID(uuid.New())
	}
	m.EnqueuedAt = now
	m.UpdatedAt = now

	query := `
	INSERT INTO sync_queue (client_id, table_name, operation, payload, attempt_count, last_error, enqueued_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return err
	}

	result, err := stmt.Exec(m.ClientID, m.TableName, m.Operation, string(m.Payload),
		m.AttemptCount, m.LastError, m.EnqueuedAt, m.UpdatedAt)
	if err != nil {
		return err
	}

	m.ID, err = result.LastInsertId()
	return err
}

// PendingMutations returns all queued mutations in enqueue (replay) order.
func (r *Repository) PendingMutations() ([]*models.QueuedMutation, error) {
	query := `
	SELECT id, client_id, table_name, operation, payload, attempt_count, last_error, enqueued_at, updated_at
	FROM sync_queue ORDER BY id
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mutations []*models.QueuedMutation
	for rows.Next() {
		var m models.QueuedMutation
		var payload string
		err := rows.Scan(&m.ID, &m.ClientID, &m.TableName, &m.Operation, &payload,
			&m.AttemptCount, &m.LastError, &m.EnqueuedAt, &m.UpdatedAt)
		if err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		mutations = append(mutations, &m)
	}
	return mutations, rows.Err()
}

// PendingCount returns the live number of queued mutations.
func (r *Repository) PendingCount() (int, error) {
	stmt, err := r.PrepareStmt("SELECT COUNT(*) FROM sync_queue")
	if err != nil {
		return 0, err
	}
	var count int
	err = stmt.QueryRow().Scan(&count)
	return count, err
}

// PendingByTable returns per-table pending counts ordered by the position of
// each table's oldest queued mutation, which matches replay order.
func (r *Repository) PendingByTable() ([]models.TableCount, error) {
	query := `
	SELECT table_name, COUNT(*) AS pending
	FROM sync_queue
	GROUP BY table_name
	ORDER BY MIN(id)
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []models.TableCount
	for rows.Next() {
		var tc models.TableCount
		if err := rows.Scan(&tc.Table, &tc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

// RemoveMutation deletes a mutation after confirmed replay.
func (r *Repository) RemoveMutation(id int64) error {
	result, err := r.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("queued mutation not found: %d", id)
	}
	return nil
}

// MarkMutationAttempt increments the attempt counter and records the failure
// reason; the mutation stays queued for the next drain.
func (r *Repository) MarkMutationAttempt(id int64, lastError string) error {
	query := `UPDATE sync_queue SET attempt_count = attempt_count + 1, last_error = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.Exec(query, lastError, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("queued mutation not found: %d", id)
	}
	return nil
}

// =====================================================
// CachedSession Operations
// =====================================================

// SaveCachedSession persists the session, replacing any previous one.
// Token fields are expected to arrive already encrypted.
func (r *Repository) SaveCachedSession(s *models.CachedSession) error {
	rolesJSON, err := json.Marshal(s.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}
	if s.CachedAt == 0 {
		s.CachedAt = time.Now().Unix()
	}

	query := `
	INSERT OR REPLACE INTO cached_session (slot, user_id, email, access_token, refresh_token, roles, full_name, cached_at)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, s.UserID, s.Email, s.AccessToken, s.RefreshToken,
		string(rolesJSON), s.FullName, s.CachedAt)
	return err
}

// GetCachedSession returns the persisted session, or sql.ErrNoRows when the
// cache is empty. Token fields come back still encrypted.
func (r *Repository) GetCachedSession() (*models.CachedSession, error) {
	query := `
	SELECT user_id, email, access_token, refresh_token, roles, full_name, cached_at
	FROM cached_session WHERE slot = 1
	`
	var s models.CachedSession
	var rolesJSON string
	err := r.db.QueryRow(query).Scan(&s.UserID, &s.Email, &s.AccessToken,
		&s.RefreshToken, &rolesJSON, &s.FullName, &s.CachedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rolesJSON), &s.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}
	return &s, nil
}

// DeleteCachedSession removes all persisted identity material.
func (r *Repository) DeleteCachedSession() error {
	_, err := r.db.Exec("DELETE FROM cached_session WHERE slot = 1")
	return err
}

// =====================================================
// RoleCache Operations
// =====================================================

// UpsertRoleCache stores the resolved roles for a user.
func (r *Repository) UpsertRoleCache(entry *models.RoleCacheEntry) error {
	rolesJSON, err := json.Marshal(entry.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	query := `
	INSERT INTO role_cache (user_id, roles, fetched_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET roles = excluded.roles, fetched_at = excluded.fetched_at
	`
	_, err = r.db.Exec(query, entry.UserID, string(rolesJSON), entry.FetchedAt)
	return err
}

// GetRoleCache returns the cached roles for a user, or sql.ErrNoRows.
func (r *Repository) GetRoleCache(userID string) (*models.RoleCacheEntry, error) {
	stmt, err := r.PrepareStmt("SELECT user_id, roles, fetched_at FROM role_cache WHERE user_id = ?")
	if err != nil {
		return nil, err
	}

	var entry models.RoleCacheEntry
	var rolesJSON string
	err = stmt.QueryRow(userID).Scan(&entry.UserID, &rolesJSON, &entry.FetchedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rolesJSON), &entry.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}
	return &entry, nil
}

// ClearRoleCache removes all cached role entries. Called when the engine
// re-enters authoritative mode so branch/user scoped data is re-fetched.
func (r *Repository) ClearRoleCache() error {
	_, err := r.db.Exec("DELETE FROM role_cache")
	return err
}

// =====================================================
// Sync Meta Operations
// =====================================================

// SetMeta stores an engine state value.
func (r *Repository) SetMeta(key, value string) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := r.db.Exec(query, key, value)
	return err
}

// GetMeta returns an engine state value, or empty string when unset.
func (r *Repository) GetMeta(key string) (string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
