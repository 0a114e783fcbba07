// Package models provides data model definitions for the clinicsync engine.
package models

import "time"

// ConnectionMode represents which backend the application is currently bound to.
type ConnectionMode string

const (
	// ModeAuthoritative means the cloud backend is reachable and is the source of truth.
	ModeAuthoritative ConnectionMode = "authoritative"

	// ModeLocalReplica means only the on-premise server replica is reachable.
	ModeLocalReplica ConnectionMode = "local_replica"

	// ModeOffline means neither backend is reachable; reads come from the local
	// cache and writes are queued.
	ModeOffline ConnectionMode = "offline"
)

// ValidMode reports whether mode is one of the supported connection modes.
func ValidMode(mode ConnectionMode) bool {
	return mode == ModeAuthoritative || mode == ModeLocalReplica || mode == ModeOffline
}

// Description returns a short human-readable summary of the mode.
func (m ConnectionMode) Description() string {
	switch m {
	case ModeAuthoritative:
		return "online (cloud)"
	case ModeLocalReplica:
		return "degraded (local server fallback)"
	case ModeOffline:
		return "offline (cached data only)"
	default:
		return "unknown"
	}
}

// ConnectionStatus is an immutable snapshot of connectivity, recomputed on
// every probe tick. Only the arbiter produces these; everything else reads.
type ConnectionStatus struct {
	Mode           ConnectionMode `json:"mode"`
	CloudAvailable bool           `json:"cloud_available"`
	LocalAvailable bool           `json:"local_available"`
	LocalEndpoint  string         `json:"local_endpoint,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Description    string         `json:"description"`
	CheckedAt      int64          `json:"checked_at"`
}

// CheckedAtTime returns CheckedAt as time.Time.
func (c ConnectionStatus) CheckedAtTime() time.Time {
	return time.Unix(c.CheckedAt, 0)
}

// Online reports whether any backend is reachable.
func (c ConnectionStatus) Online() bool {
	return c.CloudAvailable || c.LocalAvailable
}

// SyncStatus summarizes the state of the offline mutation ledger.
// PendingChanges is always computed live from the queue, never cached.
type SyncStatus struct {
	LastSyncAt     int64 `json:"last_sync_at,omitempty"`
	PendingChanges int   `json:"pending_changes"`
	IsOnline       bool  `json:"is_online"`
}

// LastSyncAtTime returns LastSyncAt as time.Time; zero if never synced.
func (s SyncStatus) LastSyncAtTime() time.Time {
	if s.LastSyncAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastSyncAt, 0)
}

// TableCount is a per-table pending total, ordered by replay position.
type TableCount struct {
	Table string `json:"table"`
	Count int    `json:"count"`
}

// SyncPendingStatus is a read-only projection over the sync queue.
type SyncPendingStatus struct {
	TotalPending int          `json:"total_pending"`
	ByTable      []TableCount `json:"by_table"`
}

// SeedSummary reports the record counts loaded into the local replica by an
// initial full sync.
type SeedSummary struct {
	Tables     []TableCount `json:"tables"`
	StartedAt  int64        `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
}

// TotalRecords returns the sum of seeded record counts across all tables.
func (s *SeedSummary) TotalRecords() int {
	total := 0
	for _, tc := range s.Tables {
		total += tc.Count
	}
	return total
}
