// Package lifecycle drives the image store through compatibility checking,
// degraded opening and destructive rebuilds.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/localrivet/imagecontext/internal/compat"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/telemetry"
)

// State of the managed store.
type State string

// Lifecycle states
const (
	StateUninitialized State = "uninitialized"
	StateChecking      State = "checking"
	StateReady         State = "ready"
	StateBlocked       State = "blocked_incompatible"
	StateDegraded      State = "degraded"
)

// ErrNotReady is returned by Store when the store may not be used.
var ErrNotReady = errors.New("image store is not open")

// OpenResult describes the outcome of Open. Store is nil unless the state
// is ready or degraded. Verdict is nil when the check was skipped.
type OpenResult struct {
	State   State             `json:"state"`
	Verdict *compat.Verdict   `json:"verdict,omitempty"`
	Store   *imagestore.Store `json:"-"`
}

// RebuildResult describes the outcome of ClearAndRebuild.
type RebuildResult struct {
	Success     bool                       `json:"success"`
	NewIdentity *compat.CollectionIdentity `json:"new_identity,omitempty"`
}

// Manager owns the state machine over one store and its embedding model.
// Open and ClearAndRebuild are serialized.
type Manager struct {
	store   *imagestore.Store
	logger  *slog.Logger
	metrics *telemetry.MetricsCollector

	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	verdict *compat.Verdict
}

// NewManager creates a manager in the uninitialized state.
func NewManager(store *imagestore.Store, logger *slog.Logger, metrics *telemetry.MetricsCollector) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger.With("component", "lifecycle", "collection", store.Name()),
		metrics: metrics,
		state:   StateUninitialized,
	}
}

// Collection returns the managed collection name.
func (m *Manager) Collection() string {
	return m.store.Name()
}

// Path returns the persistent store directory.
func (m *Manager) Path() string {
	return m.store.Path()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastVerdict returns the verdict of the most recent checked open, if any.
func (m *Manager) LastVerdict() *compat.Verdict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verdict
}

func (m *Manager) setState(to State, verdict *compat.Verdict) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.verdict = verdict
	m.mu.Unlock()

	if from != to {
		m.logger.Info("Lifecycle state changed", "from", from, "to", to)
	}
}

// Open opens the store. With skipCheck the store is opened unverified in
// the degraded state; a ready store stays ready and a blocked one stays
// blocked. Without skipCheck the configured model is verified and an
// incompatible store is reported through the blocked result rather than
// an error. Model load and storage failures are returned as errors.
func (m *Manager) Open(ctx context.Context, skipCheck bool) (OpenResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if skipCheck {
		return m.openUnchecked(ctx)
	}

	m.setState(StateChecking, nil)
	verdict, err := m.store.Initialize(ctx, false)
	if err != nil {
		if _, ok := imagestore.AsIncompatible(err); ok {
			m.setState(StateBlocked, &verdict)
			m.logger.Warn("Store blocked: embedding model is incompatible",
				"reason", verdict.Reason, "message", verdict.Message)
			return OpenResult{State: StateBlocked, Verdict: &verdict}, nil
		}
		m.setState(StateUninitialized, nil)
		return OpenResult{State: StateUninitialized, Verdict: &verdict}, err
	}

	if _, err := m.store.RecordIdentity(ctx); err != nil {
		m.setState(StateUninitialized, nil)
		return OpenResult{State: StateUninitialized, Verdict: &verdict}, err
	}

	m.setState(StateReady, &verdict)
	return OpenResult{State: StateReady, Verdict: &verdict, Store: m.store}, nil
}

func (m *Manager) openUnchecked(ctx context.Context) (OpenResult, error) {
	switch state := m.State(); state {
	case StateReady, StateDegraded:
		return OpenResult{State: state, Verdict: m.LastVerdict(), Store: m.store}, nil
	case StateBlocked:
		return OpenResult{State: StateBlocked, Verdict: m.LastVerdict()}, nil
	}

	if _, err := m.store.Initialize(ctx, true); err != nil {
		m.setState(StateUninitialized, nil)
		return OpenResult{State: StateUninitialized}, err
	}
	m.setState(StateDegraded, nil)
	m.logger.Warn("Store opened in degraded mode without a compatibility check")
	return OpenResult{State: StateDegraded, Store: m.store}, nil
}

// ClearAndRebuild deletes and recreates the collection and records the
// configured model identity. Every record is lost. Calling it twice in a
// row rebuilds an already empty collection.
func (m *Manager) ClearAndRebuild(ctx context.Context) (RebuildResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.logger.Warn("Clearing and rebuilding collection", "state", m.State())
	identity, err := m.store.Rebuild(ctx)
	if err != nil {
		m.setState(StateUninitialized, nil)
		return RebuildResult{Success: false}, fmt.Errorf("rebuild failed: %w", err)
	}

	m.metrics.IncrementCounter(telemetry.MetricLifecycleRebuilds, 1)
	m.metrics.RecordTimestamp(telemetry.MetricLifecycleLastRebuild)
	m.setState(StateReady, nil)
	m.logger.Info("Collection rebuilt",
		"model_name", identity.ModelName, "model_dimension", identity.ModelDimension)
	return RebuildResult{Success: true, NewIdentity: &identity}, nil
}

// CheckCompatibility runs a read-only check without changing state.
func (m *Manager) CheckCompatibility(ctx context.Context) compat.Verdict {
	return m.store.Checker().Check(ctx)
}

// Store returns the store when it is ready or degraded.
func (m *Manager) Store() (*imagestore.Store, error) {
	switch state := m.State(); state {
	case StateReady, StateDegraded:
		return m.store, nil
	default:
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}
}

// Close returns the manager to the uninitialized state. The underlying
// store client and model are owned by the caller.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.setState(StateUninitialized, nil)
}
