// Package engine is the top-level facade over connection arbitration and
// offline synchronization. A single Engine instance owns the background
// probe loop and is the only writer of the published connection status.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opsante/clinicsync/internal/arbiter"
	"github.com/opsante/clinicsync/internal/clock"
	"github.com/opsante/clinicsync/internal/config"
	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/logging"
	"github.com/opsante/clinicsync/internal/metrics"
	"github.com/opsante/clinicsync/internal/models"
	"github.com/opsante/clinicsync/internal/netprobe"
	"github.com/opsante/clinicsync/internal/session"
	"github.com/opsante/clinicsync/internal/status"
	"github.com/opsante/clinicsync/internal/syncengine"
	"github.com/opsante/clinicsync/internal/syncqueue"
)

// Engine wires the prober, arbiter, queue, replayer and session caches
// behind one API. All state lives on the instance; there are no package
// singletons, so tests can run several engines side by side.
type Engine struct {
	cfg       *config.Config
	prober    *netprobe.Prober
	publisher *status.Publisher
	queue     *syncqueue.Queue
	replayer  *syncengine.Replayer
	applier   syncengine.Applier
	sessions  *session.Cache
	roles     *session.Resolver
	metrics   *metrics.Metrics
	clk       clock.Clock

	// obsMu serializes arbiter observations so each probe result produces
	// at most one published mode change.
	obsMu sync.Mutex
	arb   *arbiter.Arbiter

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	startMu sync.Mutex
	started bool

	// drainMu guards the engine-owned context that reconnect drains run
	// on. Probe callers hand in request-scoped contexts; a drain must not
	// die with the request that happened to observe the reconnect.
	drainMu     sync.Mutex
	drainCtx    context.Context
	drainCancel context.CancelFunc
}

// Options carries the injectable collaborators. Applier is required; the
// rest default to production implementations when nil.
type Options struct {
	Applier     syncengine.Applier
	RoleFetcher session.RoleFetcher
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Prober      *netprobe.Prober
}

// New assembles an Engine on top of an opened repository.
func New(cfg *config.Config, repo *db.Repository, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	prober := opts.Prober
	if prober == nil {
		prober = netprobe.New(cfg.CloudHealthURL, cfg.LocalHealthURL, cfg.ProbeTimeout)
	}

	publisher := status.NewPublisher()
	queue := syncqueue.NewQueue(repo)
	replayer := syncengine.NewReplayer(queue, repo, opts.Applier, publisher, opts.Metrics, cfg.ReplayTimeout)
	sessions := session.NewCache(repo, cfg.MachineID)
	resolverCfg := session.ResolverConfig{
		TTL:         cfg.RoleTTL,
		Debounce:    cfg.RoleDebounce,
		BackoffBase: cfg.RoleBackoffBase,
		MaxRetries:  cfg.RoleMaxRetries,
	}
	if opts.Metrics != nil {
		resolverCfg.OnLookup = func(outcome string) {
			opts.Metrics.RoleCacheLookup.WithLabelValues(outcome).Inc()
		}
	}
	roles := session.NewResolver(opts.RoleFetcher, repo, clk, resolverCfg)

	e := &Engine{
		cfg:       cfg,
		prober:    prober,
		publisher: publisher,
		queue:     queue,
		replayer:  replayer,
		applier:   opts.Applier,
		sessions:  sessions,
		roles:     roles,
		metrics:   opts.Metrics,
		clk:       clk,
		arb:       arbiter.New(prober.LocalEndpoint()),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	e.drainCtx, e.drainCancel = context.WithCancel(context.Background())
	return e
}

// Publisher exposes the status stream for subscribers (shell transports).
func (e *Engine) Publisher() *status.Publisher {
	return e.publisher
}

// Start probes once synchronously so callers see a real mode immediately,
// then launches the background loop.
func (e *Engine) Start(ctx context.Context) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.stopCh = make(chan struct{})

	e.drainMu.Lock()
	if e.drainCtx.Err() != nil {
		e.drainCtx, e.drainCancel = context.WithCancel(context.Background())
	}
	e.drainMu.Unlock()

	e.tick(ctx)

	e.wg.Add(1)
	go e.loop(ctx)

	logging.Info("Sync engine started", map[string]interface{}{
		"probe_interval": e.cfg.ProbeInterval.String(),
	})
}

// Stop shuts the background loop down and cancels any reconnect drain.
// Queued mutations are durable and survive the stop; a canceled drain
// leaves its remaining items queued for the next run.
func (e *Engine) Stop() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if !e.started {
		return
	}
	e.started = false

	close(e.stopCh)
	e.wg.Wait()

	e.drainMu.Lock()
	e.drainCancel()
	e.drainMu.Unlock()

	logging.Info("Sync engine stopped")
}

// NotifyConnectivityChange asks the loop for an out-of-band probe. Bursts
// within the debounce window collapse into a single probe.
func (e *Engine) NotifyConnectivityChange() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// CheckNetworkStatus probes immediately and returns the resulting status.
func (e *Engine) CheckNetworkStatus(ctx context.Context) models.ConnectionStatus {
	return e.tick(ctx)
}

// GetConnectionStatus returns the last published snapshot without probing.
func (e *Engine) GetConnectionStatus() models.ConnectionStatus {
	return e.publisher.Connection()
}

// GetSyncStatus reports the last sync time and a live pending count.
func (e *Engine) GetSyncStatus() (models.SyncStatus, error) {
	count, err := e.queue.PendingCount()
	if err != nil {
		return models.SyncStatus{}, err
	}
	return models.SyncStatus{
		LastSyncAt:     e.replayer.LastSyncAt(),
		PendingChanges: count,
		IsOnline:       e.publisher.Connection().Online(),
	}, nil
}

// GetSyncPendingStatus projects the queue into per-table pending counts.
func (e *Engine) GetSyncPendingStatus() (models.SyncPendingStatus, error) {
	return e.queue.PendingStatus()
}

// ProcessSyncQueue drains the queue against the cloud. It refuses while the
// engine is not in authoritative mode, and while another drain runs.
func (e *Engine) ProcessSyncQueue(ctx context.Context) (*syncengine.DrainResult, error) {
	if e.publisher.Connection().Mode != models.ModeAuthoritative {
		return nil, errors.New(errors.ErrSyncReplay, "cannot replay without a cloud connection")
	}
	return e.replayer.Drain(ctx, e.credential())
}

// TriggerInitialSync seeds the local replica with a full download.
func (e *Engine) TriggerInitialSync(ctx context.Context) (*models.SeedSummary, error) {
	if e.publisher.Connection().Mode != models.ModeAuthoritative {
		return nil, errors.New(errors.ErrSyncSeed, "cannot seed without a cloud connection")
	}
	return e.replayer.InitialSync(ctx, e.credential())
}

// RouteMutation applies a write directly when the cloud is reachable and
// queues it otherwise. The returned mutation is nil on a direct apply.
func (e *Engine) RouteMutation(ctx context.Context, table string, op models.Operation, payload json.RawMessage) (*models.QueuedMutation, error) {
	m, err := e.queue.Prepare(table, op, payload)
	if err != nil {
		return nil, err
	}

	if e.publisher.Connection().Mode == models.ModeAuthoritative {
		if err := e.applier.Apply(ctx, e.credential(), m); err != nil {
			// The cloud went away under us; fall back to the queue so the
			// write is not lost. The mutation keeps the client id the apply
			// already carried, so a replay of a write that actually landed
			// dedupes server-side instead of applying twice.
			logging.Warn("Direct apply failed, queueing mutation", map[string]interface{}{
				"table":     table,
				"client_id": m.ClientID.String(),
				"error":     err.Error(),
			})
			return e.queueMutation(m)
		}
		return nil, nil
	}
	return e.queueMutation(m)
}

// CacheAuthSession stores the session for offline use. It never fails the
// caller: a broken cache only degrades the next offline launch.
func (e *Engine) CacheAuthSession(userID, email, accessToken, refreshToken string, roles []string, fullName string) {
	if err := e.sessions.Store(userID, email, accessToken, refreshToken, roles, fullName); err != nil {
		logging.Error("Failed to cache auth session", err, map[string]interface{}{
			"user_id": userID,
		})
	}
}

// GetCachedSession returns the full cached session including tokens, or
// nil when nothing usable is cached.
func (e *Engine) GetCachedSession() (*models.CachedSession, error) {
	return e.sessions.CachedUser()
}

// GetCachedUser returns the cached profile with tokens stripped, for
// callers that only need identity and roles.
func (e *Engine) GetCachedUser() (*models.CachedSession, error) {
	s, err := e.sessions.CachedUser()
	if err != nil || s == nil {
		return nil, err
	}
	user := *s
	user.AccessToken = ""
	user.RefreshToken = ""
	return &user, nil
}

// ClearCachedSession removes the cached session, e.g. on explicit logout.
func (e *Engine) ClearCachedSession() error {
	return e.sessions.Clear()
}

// ResolveRoles returns the user's roles plus the single effective role
// used for permission decisions.
func (e *Engine) ResolveRoles(ctx context.Context, userID string) ([]string, string, error) {
	roles, err := e.roles.Resolve(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	return roles, session.EffectiveRole(roles), nil
}

func (e *Engine) queueMutation(m *models.QueuedMutation) (*models.QueuedMutation, error) {
	if err := e.queue.Persist(m); err != nil {
		return nil, err
	}
	if ps, err := e.queue.PendingStatus(); err == nil {
		e.publisher.SetPending(ps)
		if e.metrics != nil {
			e.metrics.QueueDepth.Set(float64(ps.TotalPending))
		}
	}
	return m, nil
}

// credential picks the token for cloud-bound calls: the cached session's
// access token when present, else the configured API key.
func (e *Engine) credential() string {
	if s, err := e.sessions.CachedUser(); err == nil && s != nil && s.AccessToken != "" {
		return s.AccessToken
	}
	return e.cfg.APIKey
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		case <-e.kick:
			e.debounceKicks(ctx)
			e.tick(ctx)
			ticker.Reset(e.cfg.ProbeInterval)
		}
	}
}

// debounceKicks absorbs further connectivity notifications for one
// debounce window so a flapping interface costs a single probe.
func (e *Engine) debounceKicks(ctx context.Context) {
	if e.cfg.EventDebounce <= 0 {
		return
	}
	timer := time.NewTimer(e.cfg.EventDebounce)
	defer timer.Stop()
	for {
		select {
		case <-e.kick:
		case <-timer.C:
			return
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one probe/arbitrate/publish pass and returns the snapshot.
func (e *Engine) tick(ctx context.Context) models.ConnectionStatus {
	result := e.prober.Probe(ctx)

	e.obsMu.Lock()
	previous := e.arb.Mode()
	transition := e.arb.Observe(result)
	e.obsMu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveProbe(result.CloudReachable, result.LocalReachable)
		if transition.Changed {
			e.metrics.ObserveTransition(string(previous), string(transition.Status.Mode))
		}
	}

	e.publisher.SetConnection(transition.Status, transition.Changed)

	if transition.EnteredAuthoritative {
		if err := e.roles.Invalidate(); err != nil {
			logging.Error("Failed to invalidate role cache", err)
		}
		go e.drainOnReconnect(e.drainContext())
	}

	return transition.Status
}

// drainContext returns the long-lived context reconnect drains run on.
func (e *Engine) drainContext() context.Context {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	return e.drainCtx
}

// drainOnReconnect replays the queue after regaining the cloud. A drain
// already in flight wins; any other failure is logged and left for the
// next reconnect or an explicit ProcessSyncQueue call.
func (e *Engine) drainOnReconnect(ctx context.Context) {
	result, err := e.replayer.Drain(ctx, e.credential())
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			return
		}
		logging.Error("Automatic replay after reconnect failed", err)
		return
	}
	if result.Failed > 0 {
		logging.Warn("Automatic replay finished with failures", map[string]interface{}{
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		})
	}
}
