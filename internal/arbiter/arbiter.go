// Package arbiter owns the connection-mode state machine. It is the only
// component allowed to produce ConnectionStatus values.
package arbiter

import (
	"time"

	"github.com/opsante/clinicsync/internal/logging"
	"github.com/opsante/clinicsync/internal/models"
	"github.com/opsante/clinicsync/internal/netprobe"
)

// Next is the pure transition function:
// (true, *) -> Authoritative, (false, true) -> LocalReplica, (false, false) -> Offline.
func Next(cloudReachable, localReachable bool) models.ConnectionMode {
	if cloudReachable {
		return models.ModeAuthoritative
	}
	if localReachable {
		return models.ModeLocalReplica
	}
	return models.ModeOffline
}

// Transition describes the outcome of one arbitration pass.
type Transition struct {
	Status models.ConnectionStatus

	// Changed is true when the mode differs from the previous pass.
	Changed bool

	// EnteredAuthoritative is true when this pass moved into authoritative
	// mode from any other mode; the caller kicks off a queue drain.
	EnteredAuthoritative bool

	Previous models.ConnectionMode
}

// Arbiter folds probe results into connection status snapshots. It is not
// safe for concurrent use: the single background loop is its only caller.
type Arbiter struct {
	localEndpoint string
	current       models.ConnectionMode
	started       bool
}

// New creates an Arbiter. localEndpoint is recorded in snapshots whenever
// the local replica is reachable.
func New(localEndpoint string) *Arbiter {
	return &Arbiter{
		localEndpoint: localEndpoint,
		current:       models.ModeOffline,
	}
}

// Mode returns the mode produced by the last pass.
func (a *Arbiter) Mode() models.ConnectionMode {
	return a.current
}

// Observe consumes one probe result and produces the next immutable
// ConnectionStatus snapshot. Mode changes are logged with before/after and
// the probe diagnostics.
func (a *Arbiter) Observe(result netprobe.Result) Transition {
	mode := Next(result.CloudReachable, result.LocalReachable)

	status := models.ConnectionStatus{
		Mode:           mode,
		CloudAvailable: result.CloudReachable,
		LocalAvailable: result.LocalReachable,
		LastError:      result.Err,
		Description:    mode.Description(),
		CheckedAt:      time.Now().Unix(),
	}
	if result.LocalReachable {
		status.LocalEndpoint = a.localEndpoint
	}

	previous := a.current
	changed := a.started && mode != previous
	entered := mode == models.ModeAuthoritative && (changed || !a.started)

	if !a.started {
		// First pass after startup always counts as a transition.
		changed = true
	}

	a.current = mode
	a.started = true

	if changed {
		logging.Info("Connection mode changed", map[string]interface{}{
			"from":            string(previous),
			"to":              string(mode),
			"cloud_available": result.CloudReachable,
			"local_available": result.LocalReachable,
			"probe_error":     result.Err,
		})
	}

	return Transition{
		Status:               status,
		Changed:              changed,
		EnteredAuthoritative: entered,
		Previous:             previous,
	}
}
