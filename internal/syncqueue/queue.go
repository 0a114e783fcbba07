// Package syncqueue is the durable, ordered ledger of mutations recorded
// while the authoritative backend is unreachable.
package syncqueue

import (
	"encoding/json"

	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/logging"
	"github.com/opsante/clinicsync/internal/models"
	"github.com/opsante/clinicsync/internal/uuid"
)

// Queue wraps the sqlite-backed ledger. Every operation is a short, bounded
// database call; nothing here ever touches the network, so Enqueue is safe
// to call from any goroutine, including UI threads.
type Queue struct {
	repo *db.Repository
}

// NewQueue creates a Queue over the given repository.
func NewQueue(repo *db.Repository) *Queue {
	return &Queue{repo: repo}
}

// Prepare validates the input and mints the idempotency key without
// touching storage. Callers that first attempt a direct apply use this so
// the apply and any later queue fallback carry the same client id.
func (q *Queue) Prepare(table string, op models.Operation, payload json.RawMessage) (*models.QueuedMutation, error) {
	if table == "" {
		return nil, errors.New(errors.ErrInvalid, "table name is required")
	}
	if !models.ValidOperation(op) {
		return nil, errors.New(errors.ErrInvalid, "unknown operation: "+string(op))
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	return &models.QueuedMutation{
		ClientID:  models.UUID(uuid.New()),
		TableName: table,
		Operation: op,
		Payload:   payload,
	}, nil
}

// Persist appends a prepared mutation to the ledger, keeping its client id,
// and writes the assigned monotonic id back into m. Durability does not
// depend on the background loop: once this returns, the mutation survives
// process death.
func (q *Queue) Persist(m *models.QueuedMutation) error {
	if err := q.repo.EnqueueMutation(m); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to enqueue mutation", err)
	}

	logging.Debug("Mutation queued", map[string]interface{}{
		"id":        m.ID,
		"table":     m.TableName,
		"operation": string(m.Operation),
	})

	return nil
}

// Enqueue prepares and persists a mutation in one step.
func (q *Queue) Enqueue(table string, op models.Operation, payload json.RawMessage) (*models.QueuedMutation, error) {
	m, err := q.Prepare(table, op, payload)
	if err != nil {
		return nil, err
	}
	if err := q.Persist(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Pending returns all queued mutations in replay order.
func (q *Queue) Pending() ([]*models.QueuedMutation, error) {
	mutations, err := q.repo.PendingMutations()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list pending mutations", err)
	}
	return mutations, nil
}

// PendingCount returns the live count of unresolved mutations.
func (q *Queue) PendingCount() (int, error) {
	count, err := q.repo.PendingCount()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count pending mutations", err)
	}
	return count, nil
}

// PendingStatus returns the per-table projection over the live queue.
func (q *Queue) PendingStatus() (models.SyncPendingStatus, error) {
	byTable, err := q.repo.PendingByTable()
	if err != nil {
		return models.SyncPendingStatus{}, errors.Wrap(errors.ErrStorage, "failed to project pending mutations", err)
	}

	total := 0
	for _, tc := range byTable {
		total += tc.Count
	}

	return models.SyncPendingStatus{
		TotalPending: total,
		ByTable:      byTable,
	}, nil
}

// Remove deletes a mutation after the replayer confirmed success. Nothing
// else is allowed to remove entries.
func (q *Queue) Remove(id int64) error {
	if err := q.repo.RemoveMutation(id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove mutation", err)
	}
	return nil
}

// MarkAttempt records a failed replay attempt; the mutation stays queued.
func (q *Queue) MarkAttempt(id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.repo.MarkMutationAttempt(id, msg); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to record replay attempt", err)
	}
	return nil
}
