// Package models provides data model definitions for the clinicsync engine.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of write a queued mutation represents.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ValidOperation reports whether op is a supported mutation operation.
func ValidOperation(op Operation) bool {
	return op == OperationInsert || op == OperationUpdate || op == OperationDelete
}

// QueuedMutation is one entry in the durable offline write ledger. Entries
// are created whenever a write happens outside authoritative mode and are
// removed only after the replayer confirms the cloud accepted them.
//
// ID is assigned by sqlite (AUTOINCREMENT) and is strictly monotonic, which
// gives the queue its replay order. ClientID is a client-generated
// idempotency key so that at-least-once replay can be deduplicated
// upsert-style on the receiving side.
type QueuedMutation struct {
	ID           int64           `db:"id" json:"id"`
	ClientID     UUID            `db:"client_id" json:"client_id"`
	TableName    string          `db:"table_name" json:"table_name"`
	Operation    Operation       `db:"operation" json:"operation"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt   int64           `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedMutation.
func (QueuedMutation) Table() string {
	return "sync_queue"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (m *QueuedMutation) EnqueuedAtTime() time.Time {
	return time.Unix(m.EnqueuedAt, 0)
}
