package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsante/clinicsync/internal/clock"
	"github.com/opsante/clinicsync/internal/config"
	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/models"
	"github.com/opsante/clinicsync/internal/netprobe"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	seenIDs []string
	fail    bool
}

func (a *recordingApplier) Apply(ctx context.Context, credential string, m *models.QueuedMutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seenIDs = append(a.seenIDs, m.ClientID.String())
	if a.fail {
		return errors.New(errors.ErrSyncReplay, "cloud rejected mutation")
	}
	a.applied = append(a.applied, m.TableName)
	return nil
}

func (a *recordingApplier) SeedReplica(ctx context.Context, credential string) ([]models.TableCount, error) {
	return []models.TableCount{{Table: "patients", Count: 10}}, nil
}

func (a *recordingApplier) appliedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func (a *recordingApplier) lastSeenID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.seenIDs) == 0 {
		return ""
	}
	return a.seenIDs[len(a.seenIDs)-1]
}

type staticRoles struct{ roles []string }

func (s staticRoles) FetchRoles(ctx context.Context, userID string) ([]string, error) {
	return s.roles, nil
}

func testConfig(cloudHealth, localHealth string) *config.Config {
	return &config.Config{
		CloudHealthURL:  cloudHealth,
		LocalHealthURL:  localHealth,
		CloudAPIURL:     "http://cloud.invalid/api",
		DataDir:         "",
		MachineID:       "test-machine",
		ProbeInterval:   time.Hour, // ticks driven manually in tests
		ProbeTimeout:    time.Second,
		EventDebounce:   time.Millisecond,
		ReplayTimeout:   5 * time.Second,
		RoleTTL:         2 * time.Minute,
		RoleDebounce:    10 * time.Second,
		RoleBackoffBase: time.Second,
		RoleMaxRetries:  3,
	}
}

func setupEngine(t *testing.T, cloudUp bool) (*Engine, *recordingApplier) {
	t.Helper()

	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cloudUp {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cloud.Close)

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

	cfg := testConfig(cloud.URL, "")
	applier := &recordingApplier{}

	eng := New(cfg, repo, Options{
		Applier:     applier,
		RoleFetcher: staticRoles{roles: []string{"practitioner"}},
		Clock:       clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Prober:      netprobe.New(cfg.CloudHealthURL, cfg.LocalHealthURL, cfg.ProbeTimeout),
	})
	return eng, applier
}

func TestCheckNetworkStatusProbes(t *testing.T) {
	eng, _ := setupEngine(t, true)

	st := eng.CheckNetworkStatus(context.Background())
	if st.Mode != models.ModeAuthoritative {
		t.Errorf("Mode = %q, want authoritative", st.Mode)
	}
	if !st.CloudAvailable {
		t.Error("Expected the cloud to be available")
	}

	// The published snapshot now reflects the probe
	if eng.GetConnectionStatus().Mode != models.ModeAuthoritative {
		t.Error("GetConnectionStatus should return the probed mode")
	}
}

func TestOfflineWritesAreQueued(t *testing.T) {
	eng, applier := setupEngine(t, false)
	eng.CheckNetworkStatus(context.Background())

	m, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationInsert, json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}
	if m == nil {
		t.Fatal("Expected the mutation to be queued while offline")
	}
	if applier.appliedCount() != 0 {
		t.Error("Nothing should reach the cloud while offline")
	}

	pending, err := eng.GetSyncPendingStatus()
	if err != nil {
		t.Fatalf("GetSyncPendingStatus failed: %v", err)
	}
	if pending.TotalPending != 1 {
		t.Errorf("TotalPending = %d, want 1", pending.TotalPending)
	}
}

func TestAuthoritativeWritesApplyDirectly(t *testing.T) {
	eng, applier := setupEngine(t, true)
	eng.CheckNetworkStatus(context.Background())

	m, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationUpdate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}
	if m != nil {
		t.Error("A direct apply should not return a queued mutation")
	}
	if applier.appliedCount() != 1 {
		t.Errorf("Applied = %d, want 1", applier.appliedCount())
	}
}

func TestDirectApplyFailureFallsBackToQueue(t *testing.T) {
	eng, applier := setupEngine(t, true)
	eng.CheckNetworkStatus(context.Background())
	applier.fail = true

	m, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationUpdate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}
	if m == nil {
		t.Fatal("A failed direct apply should queue the mutation instead")
	}

	status, err := eng.GetSyncStatus()
	if err != nil {
		t.Fatalf("GetSyncStatus failed: %v", err)
	}
	if status.PendingChanges != 1 {
		t.Errorf("PendingChanges = %d, want 1", status.PendingChanges)
	}
}

func TestProcessSyncQueueRequiresCloud(t *testing.T) {
	eng, _ := setupEngine(t, false)
	eng.CheckNetworkStatus(context.Background())

	if _, err := eng.ProcessSyncQueue(context.Background()); !errors.Is(err, errors.ErrSyncReplay) {
		t.Errorf("ProcessSyncQueue offline = %v, want SYNC_REPLAY_FAILED", err)
	}
	if _, err := eng.TriggerInitialSync(context.Background()); !errors.Is(err, errors.ErrSyncSeed) {
		t.Errorf("TriggerInitialSync offline = %v, want SYNC_SEED_FAILED", err)
	}
}

func TestProcessSyncQueueDrains(t *testing.T) {
	eng, applier := setupEngine(t, false)
	eng.CheckNetworkStatus(context.Background())

	if _, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationInsert, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}

	// Mark the engine authoritative without a probe so only the explicit
	// drain below touches the applier.
	eng.publisher.SetConnection(models.ConnectionStatus{Mode: models.ModeAuthoritative}, false)

	result, err := eng.ProcessSyncQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessSyncQueue failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", result.Succeeded)
	}
	if applier.appliedCount() != 1 {
		t.Errorf("Applied = %d, want 1", applier.appliedCount())
	}
}

func TestReconnectTriggersAutomaticDrain(t *testing.T) {
	eng, applier := setupEngine(t, false)
	eng.CheckNetworkStatus(context.Background())

	if _, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationInsert, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}

	// Flip the probed backend to healthy and re-probe: entering
	// authoritative mode kicks off a background drain.
	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer cloud.Close()
	eng.prober = netprobe.New(cloud.URL, "", time.Second)

	st := eng.CheckNetworkStatus(context.Background())
	if st.Mode != models.ModeAuthoritative {
		t.Fatalf("Mode = %q, want authoritative", st.Mode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for applier.appliedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Automatic drain did not replay the queued mutation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCachedSessionLifecycle(t *testing.T) {
	eng, _ := setupEngine(t, true)

	eng.CacheAuthSession("u-1", "dr@clinic.example", "access-token", "refresh-token",
		[]string{"manager"}, "Grace Hopper")

	session, err := eng.GetCachedSession()
	if err != nil {
		t.Fatalf("GetCachedSession failed: %v", err)
	}
	if session == nil || session.AccessToken != "access-token" {
		t.Fatalf("GetCachedSession = %+v, want the full session", session)
	}

	user, err := eng.GetCachedUser()
	if err != nil {
		t.Fatalf("GetCachedUser failed: %v", err)
	}
	if user.AccessToken != "" || user.RefreshToken != "" {
		t.Error("GetCachedUser must strip tokens")
	}
	if user.UserID != "u-1" || !user.HasRole("manager") {
		t.Errorf("GetCachedUser = %+v", user)
	}

	if err := eng.ClearCachedSession(); err != nil {
		t.Fatalf("ClearCachedSession failed: %v", err)
	}
	cleared, err := eng.GetCachedSession()
	if err != nil {
		t.Fatalf("GetCachedSession failed: %v", err)
	}
	if cleared != nil {
		t.Error("Expected no session after clearing")
	}
}

func TestResolveRolesReturnsEffectiveRole(t *testing.T) {
	eng, _ := setupEngine(t, true)

	roles, effective, err := eng.ResolveRoles(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("ResolveRoles failed: %v", err)
	}
	if len(roles) != 1 || roles[0] != "practitioner" {
		t.Errorf("Roles = %v", roles)
	}
	if effective != "practitioner" {
		t.Errorf("Effective role = %q", effective)
	}
}

func TestStartStop(t *testing.T) {
	eng, _ := setupEngine(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)
	if eng.GetConnectionStatus().Mode != models.ModeAuthoritative {
		t.Error("Start should probe synchronously before returning")
	}

	eng.NotifyConnectivityChange()
	eng.Stop()

	// Stop is idempotent
	eng.Stop()
}

func TestReconnectDrainOutlivesProbeCaller(t *testing.T) {
	eng, applier := setupEngine(t, false)
	eng.CheckNetworkStatus(context.Background())

	if _, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationInsert, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}

	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer cloud.Close()
	eng.prober = netprobe.New(cloud.URL, "", time.Second)

	// The reconnect is observed through a request-scoped probe whose
	// context dies as soon as the response is written. The drain must not
	// die with it.
	probeCtx, cancel := context.WithCancel(context.Background())
	st := eng.CheckNetworkStatus(probeCtx)
	cancel()
	if st.Mode != models.ModeAuthoritative {
		t.Fatalf("Mode = %q, want authoritative", st.Mode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for applier.appliedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Drain did not survive the probe caller's cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, err := eng.GetSyncStatus()
	if err != nil {
		t.Fatalf("GetSyncStatus failed: %v", err)
	}
	if status.PendingChanges != 0 {
		t.Errorf("PendingChanges = %d, want 0", status.PendingChanges)
	}
}

func TestDirectApplyCarriesIdempotencyKey(t *testing.T) {
	eng, applier := setupEngine(t, true)
	eng.CheckNetworkStatus(context.Background())

	if _, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationInsert, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}
	if applier.lastSeenID() == "" {
		t.Error("Direct apply reached the cloud without a client id")
	}
}

func TestFallbackQueueKeepsFailedApplyClientID(t *testing.T) {
	eng, applier := setupEngine(t, true)
	eng.CheckNetworkStatus(context.Background())
	applier.fail = true

	m, err := eng.RouteMutation(context.Background(), "patients",
		models.OperationUpdate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("RouteMutation failed: %v", err)
	}
	if m == nil {
		t.Fatal("A failed direct apply should queue the mutation")
	}

	// An ambiguous failure may have landed server-side; the queued retry
	// must present the same client id so the server can dedupe it.
	if m.ClientID.String() != applier.lastSeenID() {
		t.Errorf("Queued ClientID = %q, apply saw %q", m.ClientID, applier.lastSeenID())
	}

	pending, err := eng.queue.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ClientID != m.ClientID {
		t.Error("Persisted mutation does not carry the original client id")
	}
}

func TestRestartAfterStop(t *testing.T) {
	eng, _ := setupEngine(t, true)

	eng.Start(context.Background())
	eng.Stop()

	eng.Start(context.Background())
	defer eng.Stop()

	select {
	case <-eng.stopCh:
		t.Fatal("Expected a fresh, open stop channel after restart")
	default:
	}
	if eng.drainContext().Err() != nil {
		t.Error("Expected a live drain context after restart")
	}
	if eng.GetConnectionStatus().Mode != models.ModeAuthoritative {
		t.Error("Restarted engine should probe synchronously")
	}
}
