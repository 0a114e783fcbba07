package session

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"time"

	"github.com/opsante/clinicsync/internal/clock"
	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/logging"
	"github.com/opsante/clinicsync/internal/models"
)

// Clinic staff roles, most privileged first. An elevated role always wins
// over any other role the user carries; the order here is the single source
// of truth for that decision.
var rolePriority = []string{
	"admin",
	"manager",
	"practitioner",
	"receptionist",
	"staff",
}

// EffectiveRole reduces a role set to the single role the application
// enforces. The reduction is deterministic: the highest-priority known role
// wins regardless of input order; a set of only unknown roles yields the
// first of them alphabetically so the result is still stable.
func EffectiveRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}

	have := make(map[string]bool, len(roles))
	for _, r := range roles {
		have[r] = true
	}

	for _, known := range rolePriority {
		if have[known] {
			return known
		}
	}

	// Only unknown roles: pick the lexicographically smallest.
	best := roles[0]
	for _, r := range roles[1:] {
		if r < best {
			best = r
		}
	}
	return best
}

// RoleFetcher retrieves a user's roles from the cloud authority.
// Implementations must return an AppError with code ROLE_RATE_LIMIT when the
// authority answers HTTP 429.
type RoleFetcher interface {
	FetchRoles(ctx context.Context, userID string) ([]string, error)
}

// flight tracks an in-progress resolution for one user, per the explicit
// {last_invoked_at, in_flight} debounce state.
type flight struct {
	lastInvokedAt time.Time
	inFlight      bool
}

// Resolver resolves authorization roles with a short-TTL persistent cache,
// a per-user debounce window, and bounded backoff on rate limits.
type Resolver struct {
	fetcher     RoleFetcher
	repo        *db.Repository
	clk         clock.Clock
	ttl         time.Duration
	debounce    time.Duration
	backoffBase time.Duration
	maxRetries  int
	onLookup    func(outcome string)

	mu      sync.Mutex
	flights map[string]*flight
}

// ResolverConfig holds Resolver tunables.
type ResolverConfig struct {
	TTL         time.Duration // cache freshness window (default 2m)
	Debounce    time.Duration // duplicate-fetch suppression window (default 10s)
	BackoffBase time.Duration // base delay for rate-limit retries (default 1s)
	MaxRetries  int           // rate-limit retries after the initial attempt (default 3)

	// OnLookup, when set, is called once per resolution with the cache
	// outcome: "hit", "miss" or "stale".
	OnLookup func(outcome string)
}

// NewResolver creates a role resolver.
func NewResolver(fetcher RoleFetcher, repo *db.Repository, clk clock.Clock, cfg ResolverConfig) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &Resolver{
		fetcher:     fetcher,
		repo:        repo,
		clk:         clk,
		ttl:         cfg.TTL,
		debounce:    cfg.Debounce,
		backoffBase: cfg.BackoffBase,
		maxRetries:  cfg.MaxRetries,
		onLookup:    cfg.OnLookup,
		flights:     make(map[string]*flight),
	}
}

func (r *Resolver) observe(outcome string) {
	if r.onLookup != nil {
		r.onLookup(outcome)
	}
}

// Resolve returns the user's roles, from cache when fresh. A second caller
// arriving while a fetch for the same user is in flight within the debounce
// window receives ROLE_RESOLVE_PENDING instead of triggering a duplicate
// request. Rate-limited fetches are retried with waits of 1x, 3x, 9x the
// base delay; once retries are exhausted a stale cached role set is returned
// in preference to blocking the user.
func (r *Resolver) Resolve(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, errors.New(errors.ErrInvalid, "user id is required")
	}

	now := r.clk.Now()

	var stale []string
	entry, err := r.repo.GetRoleCache(userID)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read role cache", err)
	}
	if entry != nil {
		if entry.Fresh(now, r.ttl) {
			r.observe("hit")
			return entry.Roles, nil
		}
		stale = entry.Roles
	}

	if !r.beginFlight(userID, now) {
		return nil, errors.New(errors.ErrRoleResolvePending, "role resolution already in flight")
	}
	defer r.endFlight(userID)

	roles, err := r.fetchWithBackoff(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrRoleRateLimit) && stale != nil {
			logging.Warn("Role fetch rate limited, serving stale roles", map[string]interface{}{
				"user_id": userID,
			})
			r.observe("stale")
			return stale, nil
		}
		logging.ErrorWithCode("Role resolution failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"user_id": userID})
		return nil, err
	}

	r.observe("miss")

	cacheEntry := &models.RoleCacheEntry{
		UserID:    userID,
		Roles:     roles,
		FetchedAt: r.clk.Now().Unix(),
	}
	if err := r.repo.UpsertRoleCache(cacheEntry); err != nil {
		// A cache write failure only costs us a future hit.
		logging.Error("Failed to cache resolved roles", err, map[string]interface{}{
			"user_id": userID,
		})
	}

	return roles, nil
}

// Invalidate drops all cached role entries. Called when the engine re-enters
// authoritative mode so scoped data is re-fetched from the cloud.
func (r *Resolver) Invalidate() error {
	if err := r.repo.ClearRoleCache(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to invalidate role cache", err)
	}
	return nil
}

// beginFlight claims the fetch slot for a user. Returns false when a fetch
// started within the debounce window is still running.
func (r *Resolver) beginFlight(userID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flights[userID]
	if ok && f.inFlight && now.Sub(f.lastInvokedAt) < r.debounce {
		return false
	}

	r.flights[userID] = &flight{lastInvokedAt: now, inFlight: true}
	return true
}

func (r *Resolver) endFlight(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flights[userID]; ok {
		f.inFlight = false
	}
}

// fetchWithBackoff performs the network fetch, retrying only rate-limit
// responses. The waits form the schedule base*1, base*3, base*9.
func (r *Resolver) fetchWithBackoff(ctx context.Context, userID string) ([]string, error) {
	delay := r.backoffBase

	for attempt := 0; ; attempt++ {
		roles, err := r.fetcher.FetchRoles(ctx, userID)
		if err == nil {
			return roles, nil
		}

		if !errors.Is(err, errors.ErrRoleRateLimit) {
			return nil, errors.Wrap(errors.ErrRoleFetch, "role fetch failed", err)
		}

		if attempt >= r.maxRetries {
			return nil, errors.Wrap(errors.ErrRoleRateLimit, "role fetch rate limited after retries", err)
		}

		logging.Debug("Role fetch rate limited, backing off", map[string]interface{}{
			"user_id": userID,
			"attempt": attempt + 1,
			"wait_ms": delay.Milliseconds(),
		})

		r.clk.Sleep(delay)
		delay *= 3
	}
}
