// Package syncengine drains the offline mutation ledger against the
// authoritative backend once it becomes reachable.
package syncengine

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/logging"
	"github.com/opsante/clinicsync/internal/metrics"
	"github.com/opsante/clinicsync/internal/models"
	"github.com/opsante/clinicsync/internal/status"
	"github.com/opsante/clinicsync/internal/syncqueue"
)

// attemptWarnThreshold is how many failed replays a mutation accumulates
// before each further drain logs a warning about it. Mutations are never
// evicted; the queue projection plus Remove is the administrative way out.
const attemptWarnThreshold = 10

// Applier is the cloud surface the replayer drives. The engine knows nothing
// about the wire format; it only needs "apply this mutation" and "seed the
// local replica" with success/failure results. Applications must apply
// mutations upsert-style keyed on the client id, because delivery is
// at-least-once.
type Applier interface {
	// Apply sends one queued mutation to the authoritative backend.
	Apply(ctx context.Context, credential string, m *models.QueuedMutation) error

	// SeedReplica performs a full download into the local replica and
	// returns per-table record counts. Must be idempotent.
	SeedReplica(ctx context.Context, credential string) ([]models.TableCount, error)
}

// ItemError describes one failed replay item.
type ItemError struct {
	ID      int64  `json:"id"`
	Table   string `json:"table"`
	Message string `json:"message"`
}

// DrainResult aggregates one drain pass. Skipped counts items that were not
// attempted because an earlier item in the same table failed; they stay
// queued but are neither successes nor failures.
type DrainResult struct {
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Replayer drains the sync queue. At most one drain (or initial sync) runs
// at a time; the guard is never held while waiting on the network beyond a
// single bounded item call.
type Replayer struct {
	queue       *syncqueue.Queue
	repo        *db.Repository
	applier     Applier
	publisher   *status.Publisher
	metrics     *metrics.Metrics
	itemTimeout time.Duration

	mu      sync.Mutex
	running bool
}

// NewReplayer creates a Replayer. metrics may be nil.
func NewReplayer(queue *syncqueue.Queue, repo *db.Repository, applier Applier, publisher *status.Publisher, m *metrics.Metrics, itemTimeout time.Duration) *Replayer {
	if itemTimeout <= 0 {
		itemTimeout = 30 * time.Second
	}
	return &Replayer{
		queue:       queue,
		repo:        repo,
		applier:     applier,
		publisher:   publisher,
		metrics:     m,
		itemTimeout: itemTimeout,
	}
}

// Running reports whether a drain or initial sync is currently in flight.
func (r *Replayer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Drain replays all queued mutations in enqueue order. A failure blocks the
// remainder of that mutation's table for this pass, preserving per-table
// FIFO; other tables continue. A second Drain while one runs returns
// SYNC_IN_PROGRESS immediately without touching the queue.
func (r *Replayer) Drain(ctx context.Context, credential string) (*DrainResult, error) {
	if !r.begin() {
		return nil, errors.New(errors.ErrSyncInProgress, "a replay is already running")
	}
	defer r.end()

	start := time.Now()

	pending, err := r.queue.Pending()
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		r.recordSyncTime(start)
		r.refreshStatus(status.EventSyncCompleted)
		return &DrainResult{}, nil
	}

	r.publisher.SetSync(r.currentSyncStatus(), status.EventSyncStarted)
	logging.Info("Replaying queued mutations", map[string]interface{}{
		"pending": len(pending),
	})

	result := &DrainResult{}
	blocked := make(map[string]bool)

	for _, m := range pending {
		if ctx.Err() != nil {
			// Shutdown mid-drain: everything not yet applied stays queued.
			break
		}

		if blocked[m.TableName] {
			result.Skipped++
			continue
		}

		if err := r.applyOne(ctx, credential, m); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{
				ID:      m.ID,
				Table:   m.TableName,
				Message: err.Error(),
			})
			blocked[m.TableName] = true

			if markErr := r.queue.MarkAttempt(m.ID, err); markErr != nil {
				logging.Error("Failed to record replay attempt", markErr,
					map[string]interface{}{"id": m.ID})
			}
			if m.AttemptCount+1 >= attemptWarnThreshold {
				logging.Warn("Mutation keeps failing replay", map[string]interface{}{
					"id":       m.ID,
					"table":    m.TableName,
					"attempts": m.AttemptCount + 1,
				})
			}
			continue
		}

		if err := r.queue.Remove(m.ID); err != nil {
			// The cloud has the mutation; the idempotency key makes the
			// inevitable re-send harmless.
			logging.Error("Failed to remove replayed mutation", err,
				map[string]interface{}{"id": m.ID})
		}
		result.Succeeded++
	}

	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.ObserveDrain(result.Succeeded, result.Failed, elapsed)
	}

	r.recordSyncTime(start)

	eventType := status.EventSyncCompleted
	if result.Failed > 0 {
		eventType = status.EventSyncFailed
	}
	r.refreshStatus(eventType)

	logging.Info("Replay finished", map[string]interface{}{
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"skipped":    result.Skipped,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return result, nil
}

// InitialSync seeds the local replica with a full download. It shares the
// single-flight guard with Drain and is safe to retry: seeding is an upsert
// into the replica, so a repeat run converges to the same state.
func (r *Replayer) InitialSync(ctx context.Context, credential string) (*models.SeedSummary, error) {
	if !r.begin() {
		return nil, errors.New(errors.ErrSyncInProgress, "a replay is already running")
	}
	defer r.end()

	start := time.Now()
	logging.Info("Starting initial full sync")

	tables, err := r.applier.SeedReplica(ctx, credential)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncSeed, "initial sync failed", err)
	}

	summary := &models.SeedSummary{
		Tables:     tables,
		StartedAt:  start.Unix(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	if data, err := json.Marshal(summary); err == nil {
		if err := r.repo.SetMeta(db.MetaSeedSummary, string(data)); err != nil {
			logging.Error("Failed to store seed summary", err)
		}
	}
	if err := r.repo.SetMeta(db.MetaLastSeedAt, strconv.FormatInt(start.Unix(), 10)); err != nil {
		logging.Error("Failed to store seed timestamp", err)
	}

	r.recordSyncTime(start)
	r.refreshStatus(status.EventSyncCompleted)

	logging.Info("Initial full sync finished", map[string]interface{}{
		"records": summary.TotalRecords(),
		"tables":  len(summary.Tables),
	})

	return summary, nil
}

// LastSyncAt returns the unix time of the last successful sync, zero when
// the engine has never synced.
func (r *Replayer) LastSyncAt() int64 {
	value, err := r.repo.GetMeta(db.MetaLastSyncAt)
	if err != nil || value == "" {
		return 0
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func (r *Replayer) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *Replayer) end() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// applyOne sends a single mutation with its own bounded timeout. A timed-out
// call is abandoned without queue side effects.
func (r *Replayer) applyOne(ctx context.Context, credential string, m *models.QueuedMutation) error {
	itemCtx, cancel := context.WithTimeout(ctx, r.itemTimeout)
	defer cancel()

	if err := r.applier.Apply(itemCtx, credential, m); err != nil {
		if itemCtx.Err() == context.DeadlineExceeded {
			return errors.Wrap(errors.ErrSyncTimeout, "replay call timed out", err)
		}
		return errors.Wrap(errors.ErrSyncReplay, "replay call failed", err)
	}
	return nil
}

func (r *Replayer) recordSyncTime(t time.Time) {
	if err := r.repo.SetMeta(db.MetaLastSyncAt, strconv.FormatInt(t.Unix(), 10)); err != nil {
		logging.Error("Failed to store last sync time", err)
	}
}

// refreshStatus recomputes the published sync snapshots from the live queue.
func (r *Replayer) refreshStatus(eventType status.EventType) {
	pendingStatus, err := r.queue.PendingStatus()
	if err != nil {
		logging.Error("Failed to project pending mutations", err)
		return
	}

	r.publisher.SetPending(pendingStatus)
	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(pendingStatus.TotalPending))
	}
	r.publisher.SetSync(r.currentSyncStatus(), eventType)
}

func (r *Replayer) currentSyncStatus() models.SyncStatus {
	count, err := r.queue.PendingCount()
	if err != nil {
		logging.Error("Failed to count pending mutations", err)
		count = r.publisher.Sync().PendingChanges
	}
	return models.SyncStatus{
		LastSyncAt:     r.LastSyncAt(),
		PendingChanges: count,
		IsOnline:       r.publisher.Connection().Online(),
	}
}
