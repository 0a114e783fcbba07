package syncqueue

import (
	"database/sql"
	stderrors "errors"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/models"
)

func setupTestQueue(t *testing.T) *Queue {
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
	return NewQueue(repo)
}

func TestEnqueueAssignsMonotonicIDs(t *testing.T) {
	q := setupTestQueue(t)

	var lastID int64
	for i := 0; i < 3; i++ {
		m, err := q.Enqueue("patients", models.OperationInsert, json.RawMessage(`{"n":1}`))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if m.ID <= lastID {
			t.Errorf("Expected ids to grow, got %d after %d", m.ID, lastID)
		}
		lastID = m.ID
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := setupTestQueue(t)

	if _, err := q.Enqueue("", models.OperationInsert, nil); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("Enqueue without a table = %v, want INVALID_INPUT", err)
	}
	if _, err := q.Enqueue("patients", "merge", nil); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("Enqueue with an unknown operation = %v, want INVALID_INPUT", err)
	}
}

func TestEnqueueDefaultsEmptyPayload(t *testing.T) {
	q := setupTestQueue(t)

	m, err := q.Enqueue("patients", models.OperationDelete, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if string(m.Payload) != "{}" {
		t.Errorf("Payload = %q, want empty object", m.Payload)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	// Durability is a property of the sqlite file, not the Queue value:
	// a fresh Queue over the same repository sees the same entries.
	q := setupTestQueue(t)

	if _, err := q.Enqueue("appointments", models.OperationUpdate, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fresh := NewQueue(q.repo)
	count, err := fresh.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("PendingCount = %d, want 1", count)
	}
}

func TestPendingStatusProjection(t *testing.T) {
	q := setupTestQueue(t)

	for _, table := range []string{"patients", "patients", "appointments"} {
		if _, err := q.Enqueue(table, models.OperationInsert, nil); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	status, err := q.PendingStatus()
	if err != nil {
		t.Fatalf("PendingStatus failed: %v", err)
	}
	if status.TotalPending != 3 {
		t.Errorf("TotalPending = %d, want 3", status.TotalPending)
	}
	if len(status.ByTable) != 2 {
		t.Fatalf("ByTable length = %d, want 2", len(status.ByTable))
	}
	if status.ByTable[0].Table != "patients" || status.ByTable[0].Count != 2 {
		t.Errorf("ByTable[0] = %+v, want patients/2", status.ByTable[0])
	}
}

func TestRemoveAndMarkAttempt(t *testing.T) {
	q := setupTestQueue(t)

	m, err := q.Enqueue("patients", models.OperationUpdate, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.MarkAttempt(m.ID, stderrors.New("cloud returned status 503")); err != nil {
		t.Fatalf("MarkAttempt failed: %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if pending[0].AttemptCount != 1 || pending[0].LastError == "" {
		t.Errorf("Attempt not recorded: %+v", pending[0])
	}

	if err := q.Remove(m.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := q.Remove(m.ID); !errors.Is(err, errors.ErrStorage) {
		t.Errorf("Removing twice = %v, want STORAGE_ERROR", err)
	}
}

func TestPrepareThenPersistKeepsClientID(t *testing.T) {
	q := setupTestQueue(t)

	m, err := q.Prepare("patients", models.OperationInsert, json.RawMessage(`{"id":"p1"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if m.ClientID == "" {
		t.Fatal("Prepare should mint the idempotency key")
	}
	if m.ID != 0 {
		t.Error("Prepare must not touch storage")
	}

	minted := m.ClientID
	if err := q.Persist(m); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if m.ID == 0 {
		t.Error("Persist should write back the assigned id")
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ClientID != minted {
		t.Errorf("Persisted ClientID = %q, want %q", pending[0].ClientID, minted)
	}
}
