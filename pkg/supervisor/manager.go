package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
)

// Unit is the lifecycle surface the manager drives for one managed
// process. ManagedService is the production implementation; tests
// substitute mocks.
type Unit interface {
	ID() string
	Name() string
	DependsOn() []string
	State() State
	StartupTimeout() time.Duration
	Start() error
	WaitHealthy(ctx context.Context) error
	Stop(ctx context.Context) error
	CheckHealth(ctx context.Context) Health
	Status(ctx context.Context) UnitStatus
	Logs(lines int, patterns []string) (string, error)
	SubstituteArg(flag, value string) bool
	CommandArg(flag string) (string, bool)
	SetDisplayName(name string)
}

// Recorder receives lifecycle events for metrics export. Implementations
// must be safe for concurrent use.
type Recorder interface {
	ServiceStarted(id string)
	ServiceStopped(id string)
	HealthWaitFailed(id string)
}

// Options tunes manager construction.
type Options struct {
	// LogDir is where per-service append logs are created.
	LogDir string

	// NoisePatterns are substrings excluded from filtered log views.
	// Defaults to DefaultNoisePatterns when empty.
	NoisePatterns []string

	// Metrics optionally records lifecycle transitions.
	Metrics Recorder
}

// Manager owns the set of managed services and drives dependency-ordered
// bulk and single-unit lifecycle operations. The dependency graph is
// validated and its topological order fixed at construction; only command
// vectors mutate afterwards.
type Manager struct {
	units map[string]Unit
	order []string // topological: dependencies before dependents

	noisePatterns []string
	metrics       Recorder
	logger        logging.Logger

	mu       sync.Mutex
	starting bool // single-flight guard for StartAll
}

// NewManager builds managed services from specs and validates the
// dependency graph. Unknown dependencies and cycles are configuration
// errors surfaced here, at startup, never at runtime.
func NewManager(specs []ServiceSpec, opts Options, logger logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}

	units := make(map[string]Unit, len(specs))
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, errors.NewValidationError("service id is required", nil)
		}
		if _, exists := units[spec.ID]; exists {
			return nil, errors.NewValidationError(
				fmt.Sprintf("duplicate service id: %s", spec.ID), nil)
		}
		units[spec.ID] = NewManagedService(spec, opts.LogDir, logger)
		ids = append(ids, spec.ID)
	}

	return newManagerWithUnits(units, ids, opts, logger)
}

// newManagerWithUnits is the injection seam used by tests.
func newManagerWithUnits(units map[string]Unit, ids []string, opts Options, logger logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}

	order, err := computeStartOrder(ids, units)
	if err != nil {
		return nil, err
	}

	noise := opts.NoisePatterns
	if len(noise) == 0 {
		noise = DefaultNoisePatterns
	}

	return &Manager{
		units:         units,
		order:         order,
		noisePatterns: noise,
		metrics:       opts.Metrics,
		logger:        logger,
	}, nil
}

// computeStartOrder produces the deterministic topological order via
// depth-first traversal in declared order, visiting dependencies before
// the unit itself. It rejects unknown dependencies and cycles.
func computeStartOrder(ids []string, units map[string]Unit) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	colors := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case visiting:
			return errors.NewValidationError("dependency cycle detected", nil).
				WithContext("service_id", id)
		case done:
			return nil
		}
		colors[id] = visiting
		for _, dep := range units[id].DependsOn() {
			if _, ok := units[dep]; !ok {
				return errors.NewValidationError(
					fmt.Sprintf("service %s depends on unknown service %s", id, dep), nil)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StartOrder returns a copy of the topological start order.
func (m *Manager) StartOrder() []string {
	return append([]string(nil), m.order...)
}

// StartAll starts every unit in topological order, waiting for each to
// become healthy before moving on. Starting is single-flight: a
// concurrent call fails with a conflict. The first unhealthy unit aborts
// the sequence; units already started stay up (no rollback).
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.starting {
		m.mu.Unlock()
		return errors.NewConflictError("start already in progress", nil)
	}
	m.starting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	m.logger.Infof("Starting all services: %v", m.order)
	for _, id := range m.order {
		unit := m.units[id]
		if unit.State() == StateRunning {
			continue
		}
		if err := m.startAndWait(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every unit in reverse topological order (dependents
// before dependencies). Stop is idempotent, so already-stopped units are
// harmless; failures are logged, never surfaced.
func (m *Manager) StopAll(ctx context.Context) {
	m.logger.Infof("Stopping all services")
	for i := len(m.order) - 1; i >= 0; i-- {
		id := m.order[i]
		if err := m.units[id].Stop(ctx); err != nil {
			m.logger.Errorf("Failed to stop service, id: %s, error: %v", id, err)
			continue
		}
		m.recordStopped(id)
	}
}

// StartService starts one unit after satisfying its direct dependencies.
// Dependency satisfaction is deliberately shallow: only the unit's own
// declared dependencies are brought up, not their transitive closure.
func (m *Manager) StartService(ctx context.Context, id string) error {
	unit, err := m.unit(id)
	if err != nil {
		return err
	}

	for _, depID := range unit.DependsOn() {
		dep := m.units[depID] // existence validated at construction
		if dep.State() == StateRunning {
			continue
		}
		if err := m.startAndWait(ctx, dep); err != nil {
			return err
		}
	}
	return m.startAndWait(ctx, unit)
}

// StopService stops every unit that directly depends on id (in reverse
// topological order), then the unit itself. A failing dependent stop does
// not abort the cascade; all failures come back as one collection.
func (m *Manager) StopService(ctx context.Context, id string) error {
	unit, err := m.unit(id)
	if err != nil {
		return err
	}

	collected := errors.NewErrorCollection()
	for i := len(m.order) - 1; i >= 0; i-- {
		otherID := m.order[i]
		if otherID == id {
			continue
		}
		other := m.units[otherID]
		if !dependsOn(other, id) || other.State() == StateStopped {
			continue
		}
		if err := other.Stop(ctx); err != nil {
			m.logger.Errorf("Failed to stop dependent service, id: %s, error: %v", otherID, err)
			collected.Add(errors.NewProcessError("failed to stop dependent service", err).
				WithContext("service_id", otherID))
			continue
		}
		m.recordStopped(otherID)
	}

	if err := unit.Stop(ctx); err != nil {
		collected.Add(errors.NewProcessError("failed to stop service", err).
			WithContext("service_id", id))
	} else {
		m.recordStopped(id)
	}
	return collected.ToError()
}

// StartUnits starts the given subset in topological order with health
// waits, skipping units that are already running. Used to restart the
// previously-running set after a reconfiguration.
func (m *Manager) StartUnits(ctx context.Context, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.units[id]; !ok {
			return errors.NewNotFoundError(fmt.Sprintf("unknown service: %s", id), nil)
		}
		want[id] = true
	}
	for _, id := range m.order {
		if !want[id] {
			continue
		}
		unit := m.units[id]
		if unit.State() == StateRunning {
			continue
		}
		if err := m.startAndWait(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// Status snapshots every unit in topological order. Bounded by the
// per-unit probe ceiling even when services are unresponsive.
func (m *Manager) Status(ctx context.Context) []UnitStatus {
	statuses := make([]UnitStatus, 0, len(m.order))
	for _, id := range m.order {
		statuses = append(statuses, m.units[id].Status(ctx))
	}
	return statuses
}

// ActiveIDs returns, in topological order, the units that are currently
// running or still starting.
func (m *Manager) ActiveIDs() []string {
	var active []string
	for _, id := range m.order {
		switch m.units[id].State() {
		case StateRunning, StateStarting:
			active = append(active, id)
		}
	}
	return active
}

// Logs returns the tail of one unit's log, optionally noise-filtered.
func (m *Manager) Logs(id string, lines int, filterNoise bool) (string, error) {
	unit, err := m.unit(id)
	if err != nil {
		return "", err
	}
	var patterns []string
	if filterNoise {
		patterns = m.noisePatterns
	}
	return unit.Logs(lines, patterns)
}

// SubstituteCommandArg rewrites the token following flag in a unit's
// command vector. An absent flag is configuration drift: logged at
// warning level and skipped, not fatal.
func (m *Manager) SubstituteCommandArg(id, flag, value string) error {
	unit, err := m.unit(id)
	if err != nil {
		return err
	}
	if !unit.SubstituteArg(flag, value) {
		m.logger.Warnf("Flag %s not found in command of service %s, substitution skipped", flag, id)
	}
	return nil
}

// CommandArg reads the token following flag in a unit's command vector.
func (m *Manager) CommandArg(id, flag string) (string, bool) {
	unit, ok := m.units[id]
	if !ok {
		return "", false
	}
	return unit.CommandArg(flag)
}

// SetDisplayName rewrites a unit's human-facing name. Unknown ids are
// ignored (display-only concern).
func (m *Manager) SetDisplayName(id, name string) {
	if unit, ok := m.units[id]; ok {
		unit.SetDisplayName(name)
	}
}

func (m *Manager) startAndWait(ctx context.Context, unit Unit) error {
	if err := unit.Start(); err != nil {
		return err
	}
	if err := unit.WaitHealthy(ctx); err != nil {
		if m.metrics != nil {
			m.metrics.HealthWaitFailed(unit.ID())
		}
		return err
	}
	if m.metrics != nil {
		m.metrics.ServiceStarted(unit.ID())
	}
	return nil
}

func (m *Manager) recordStopped(id string) {
	if m.metrics != nil {
		m.metrics.ServiceStopped(id)
	}
}

func (m *Manager) unit(id string) (Unit, error) {
	unit, ok := m.units[id]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("unknown service: %s", id), nil).
			WithContext("service_id", id)
	}
	return unit, nil
}

func dependsOn(unit Unit, id string) bool {
	for _, dep := range unit.DependsOn() {
		if dep == id {
			return true
		}
	}
	return false
}
