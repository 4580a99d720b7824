package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
)

// ManagedService wraps one external command: process lifecycle, combined
// stdout+stderr log capture, a startup health wait, and group-signal
// termination. All lifecycle transitions for a service are serialized by
// an operation mutex; there is never more than one live OS process per
// service.
type ManagedService struct {
	opMu sync.Mutex // serializes start/wait-healthy/stop
	mu   sync.Mutex // guards the fields below

	spec    ServiceSpec
	logPath string
	logFile *os.File
	cmd     *exec.Cmd
	exited  chan struct{} // closed when the current run's Wait returns
	state   State

	logger logging.Logger
}

// NewManagedService creates a service in the stopped state. Its log file
// lives at <logDir>/<id>.log and is opened in append mode on each start.
func NewManagedService(spec ServiceSpec, logDir string, logger logging.Logger) *ManagedService {
	if spec.StartupTimeout <= 0 {
		spec.StartupTimeout = DefaultStartupTimeout
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = DefaultPollInterval
	}
	return &ManagedService{
		spec:    spec,
		logPath: filepath.Join(logDir, spec.ID+".log"),
		state:   StateStopped,
		logger:  logging.WithPrefix("service: "+spec.ID+" , ", logger),
	}
}

func (s *ManagedService) ID() string { return s.spec.ID }

func (s *ManagedService) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec.Name
}

func (s *ManagedService) DependsOn() []string { return s.spec.DependsOn }

func (s *ManagedService) StartupTimeout() time.Duration { return s.spec.StartupTimeout }

// State refreshes from the OS process first: an unexpected exit is
// observed lazily here, not via a background watcher.
func (s *ManagedService) State() State {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the live OS process id, or nil when no process is running.
func (s *ManagedService) PID() *int {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aliveLocked() {
		return nil
	}
	pid := s.cmd.Process.Pid
	return &pid
}

// Start launches the command with the merged environment and working
// directory, redirecting combined output into the append log, in its own
// process group. It returns once the OS process has been spawned; it does
// not wait for readiness. Starting a service that is already running is a
// conflict, not a no-op.
func (s *ManagedService) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.refresh()

	s.mu.Lock()
	if s.aliveLocked() {
		pid := s.cmd.Process.Pid
		name := s.spec.Name
		s.mu.Unlock()
		return errors.NewConflictError(fmt.Sprintf("%s is already running", name), nil).
			WithContext("service_id", s.spec.ID).
			WithContext("pid", pid)
	}
	// A previous run may have left its sink open (exit observed lazily,
	// or startup error); a new run gets a fresh handle.
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	spec := s.specLocked()
	s.mu.Unlock()

	if len(spec.Command) == 0 {
		return errors.NewValidationError("service has an empty command vector", nil).
			WithContext("service_id", spec.ID)
	}

	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		return errors.NewIOError("failed to create log directory", err).
			WithContext("service_id", spec.ID)
	}
	logFile, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.NewIOError("failed to open service log file", err).
			WithContext("service_id", spec.ID).
			WithContext("log_path", s.logPath)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = mergedEnv(spec.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	s.setState(StateStarting)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.setState(StateError)
		return errors.NewProcessError("failed to start service process", err).
			WithContext("service_id", spec.ID).
			WithContext("command", spec.Command[0])
	}

	exited := make(chan struct{})
	go func() {
		// Wait reaps the child; exit is observed lazily by refresh().
		_ = cmd.Wait()
		close(exited)
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.logFile = logFile
	s.exited = exited
	s.mu.Unlock()

	s.logger.Infof("Started %s (PID %d)", spec.Name, cmd.Process.Pid)
	return nil
}

// WaitHealthy blocks until the service is confirmed healthy or its
// startup budget is exhausted. Without a health URL the service is
// considered healthy after a short grace delay. Probe errors are "not
// yet ready"; only process death or the timeout end the loop early.
func (s *ManagedService) WaitHealthy(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	spec := s.specLocked()
	s.mu.Unlock()

	if spec.HealthURL == "" {
		select {
		case <-time.After(noProbeGrace):
		case <-ctx.Done():
			s.setState(StateError)
			return errors.NewTimeoutError("health wait cancelled", ctx.Err()).
				WithContext("service_id", spec.ID)
		}
		if s.exitedNow() {
			s.setState(StateError)
			return s.diedDuringStartup(spec)
		}
		s.setState(StateRunning)
		return nil
	}

	client := &http.Client{Timeout: startupProbeTimeout}
	elapsed := time.Duration(0)
	for elapsed < spec.StartupTimeout {
		if s.exitedNow() {
			s.setState(StateError)
			return s.diedDuringStartup(spec)
		}
		if probe(ctx, client, spec.HealthURL) {
			s.setState(StateRunning)
			s.logger.Infof("%s is healthy", spec.Name)
			return nil
		}
		select {
		case <-time.After(spec.PollInterval):
		case <-ctx.Done():
			s.setState(StateError)
			return errors.NewTimeoutError("health wait cancelled", ctx.Err()).
				WithContext("service_id", spec.ID)
		}
		elapsed += spec.PollInterval
	}

	s.setState(StateError)
	return errors.NewTimeoutError(
		fmt.Sprintf("%s failed to become healthy within %s", spec.Name, spec.StartupTimeout), nil).
		WithContext("service_id", spec.ID).
		WithContext("startup_timeout", spec.StartupTimeout.String())
}

// CheckHealth is the non-blocking snapshot used for status display. It
// never blocks longer than one short probe round trip.
func (s *ManagedService) CheckHealth(ctx context.Context) Health {
	s.refresh()

	s.mu.Lock()
	alive := s.aliveLocked()
	state := s.state
	url := s.spec.HealthURL
	s.mu.Unlock()

	if !alive {
		return HealthStopped
	}
	if state == StateStarting {
		return HealthStarting
	}
	if url == "" {
		return HealthRunning
	}

	client := &http.Client{Timeout: snapshotProbeTimeout}
	if probe(ctx, client, url) {
		return HealthRunning
	}
	return HealthUnhealthy
}

// Stop is idempotent. It signals the whole process group with SIGTERM,
// waits up to the grace period, escalates to SIGKILL, and always closes
// the log sink and lands in the stopped state. A process that vanished
// between the liveness check and the signal is success.
func (s *ManagedService) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.refresh()

	s.mu.Lock()
	if !s.aliveLocked() {
		s.finalizeLocked()
		s.mu.Unlock()
		return nil
	}
	pid := s.cmd.Process.Pid
	exited := s.exited
	name := s.spec.Name
	s.mu.Unlock()

	if err := signalGroupTerm(pid); err != nil {
		s.logger.Warnf("Failed to signal process group of %s (PID %d): %v", name, pid, err)
	}

	select {
	case <-exited:
	case <-time.After(stopGracePeriod):
		s.logger.Warnf("%s did not exit within %s, escalating to SIGKILL", name, stopGracePeriod)
		s.killAndReap(exited, pid, name)
	case <-ctx.Done():
		s.logger.Warnf("Stop of %s cancelled, escalating to SIGKILL", name)
		s.killAndReap(exited, pid, name)
	}

	s.mu.Lock()
	s.finalizeLocked()
	s.mu.Unlock()

	s.logger.Infof("Stopped %s", name)
	return nil
}

func (s *ManagedService) killAndReap(exited chan struct{}, pid int, name string) {
	if err := signalGroupKill(pid); err != nil {
		s.logger.Errorf("Failed to kill process group of %s (PID %d): %v", name, pid, err)
	}
	select {
	case <-exited:
	case <-time.After(killReapTimeout):
		s.logger.Errorf("%s (PID %d) was not reaped after SIGKILL", name, pid)
	}
}

// Status combines static identity, lifecycle state, pid and a fresh
// non-blocking health probe into one snapshot.
func (s *ManagedService) Status(ctx context.Context) UnitStatus {
	health := s.CheckHealth(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	var pid *int
	if s.aliveLocked() {
		p := s.cmd.Process.Pid
		pid = &p
	}
	return UnitStatus{
		ID:        s.spec.ID,
		Name:      s.spec.Name,
		State:     s.state,
		PID:       pid,
		Port:      s.spec.Port,
		HealthURL: s.spec.HealthURL,
		DependsOn: append([]string(nil), s.spec.DependsOn...),
		Health:    health,
	}
}

// Logs returns the last lines of the captured log, optionally excluding
// noise-pattern lines before the tail cut. A missing log file is an empty
// result, not an error.
func (s *ManagedService) Logs(lines int, patterns []string) (string, error) {
	return readTail(s.logPath, lines, patterns)
}

// SubstituteArg replaces the token following flag in the command vector.
// It reports whether a replacement happened; an absent flag is tolerated
// (configuration drift, handled at warning level by the caller).
func (s *ManagedService) SubstituteArg(flag, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tok := range s.spec.Command {
		if tok == flag && i+1 < len(s.spec.Command) {
			s.spec.Command[i+1] = value
			return true
		}
	}
	return false
}

// CommandArg returns the token following flag in the command vector.
func (s *ManagedService) CommandArg(flag string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tok := range s.spec.Command {
		if tok == flag && i+1 < len(s.spec.Command) {
			return s.spec.Command[i+1], true
		}
	}
	return "", false
}

// SetDisplayName rewrites the human-facing name (used when a model swap
// changes what the unit is serving).
func (s *ManagedService) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spec.Name = name
}

// refresh observes a process exit lazily: a running service whose OS
// process has exited transitions to stopped and its log sink is closed.
func (s *ManagedService) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.cmd != nil && !s.aliveLocked() {
		name := s.spec.Name
		s.finalizeLocked()
		s.logger.Warnf("%s exited unexpectedly", name)
	}
}

// finalizeLocked closes the log sink and lands in stopped. Callers hold mu.
func (s *ManagedService) finalizeLocked() {
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	s.state = StateStopped
}

func (s *ManagedService) aliveLocked() bool {
	if s.cmd == nil || s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *ManagedService) exitedNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && !s.aliveLocked()
}

func (s *ManagedService) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// specLocked snapshots the spec; Command is copied since substitution may
// rewrite it. Callers hold mu.
func (s *ManagedService) specLocked() ServiceSpec {
	spec := s.spec
	spec.Command = append([]string(nil), s.spec.Command...)
	return spec
}

func (s *ManagedService) diedDuringStartup(spec ServiceSpec) error {
	return errors.NewProcessError(
		fmt.Sprintf("%s exited before becoming healthy", spec.Name), nil).
		WithContext("service_id", spec.ID)
}

// probe issues one GET against the health URL; anything but a clean
// HTTP 200 is "not ready".
func probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// mergedEnv layers spec overrides over the ambient environment, expanding
// variable references in override values against the current environment.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for key, val := range overrides {
		env = append(env, key+"="+os.ExpandEnv(val))
	}
	return env
}
