package supervisor

import "time"

// Default timing knobs for service lifecycle operations.
const (
	// DefaultStartupTimeout bounds how long WaitHealthy polls before
	// declaring a startup failure.
	DefaultStartupTimeout = 120 * time.Second

	// DefaultPollInterval is the pause between startup health probes.
	DefaultPollInterval = 5 * time.Second

	// noProbeGrace is how long a service without a health URL is given
	// before it is considered running.
	noProbeGrace = 2 * time.Second

	// startupProbeTimeout caps one probe round trip during WaitHealthy.
	startupProbeTimeout = 3 * time.Second

	// snapshotProbeTimeout caps the CheckHealth probe; this backs the
	// interactive status view and must stay short.
	snapshotProbeTimeout = 2 * time.Second

	// stopGracePeriod is the window between SIGTERM and SIGKILL.
	stopGracePeriod = 10 * time.Second

	// killReapTimeout bounds the wait for the kernel to reap a process
	// after SIGKILL.
	killReapTimeout = 5 * time.Second
)

// DefaultNoisePatterns are substrings of routine health-probe access log
// lines, excluded from log views before the tail cut when filtering is on.
var DefaultNoisePatterns = []string{
	`"GET /health HTTP`,
	`"GET /v1/models HTTP`,
	`"GET /v1/health HTTP`,
}

// ServiceSpec describes one managed external process. Specs are loaded
// from services.yaml at startup; the command vector may later be rewritten
// by model substitution, but only while the service is stopped.
type ServiceSpec struct {
	ID             string            `koanf:"id"`
	Name           string            `koanf:"name"`
	Command        []string          `koanf:"command"`
	WorkDir        string            `koanf:"cwd"`
	Env            map[string]string `koanf:"env"`
	HealthURL      string            `koanf:"health_url"`
	Port           int               `koanf:"port"`
	DependsOn      []string          `koanf:"depends_on"`
	StartupTimeout time.Duration     `koanf:"startup_timeout"`
	PollInterval   time.Duration     `koanf:"startup_poll_interval"`
}

// State is the coarse lifecycle state of a managed service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

// Health is the live probe result reported by CheckHealth. It refines
// State for display: a running process whose probe fails is "unhealthy".
type Health string

const (
	HealthStopped   Health = "stopped"
	HealthStarting  Health = "starting"
	HealthRunning   Health = "running"
	HealthUnhealthy Health = "unhealthy"
)

// UnitStatus is the point-in-time snapshot of one service, in the shape
// the status endpoint serves.
type UnitStatus struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	State     State    `json:"state"`
	PID       *int     `json:"pid"`
	Port      int      `json:"port,omitempty"`
	HealthURL string   `json:"health_url,omitempty"`
	DependsOn []string `json:"depends_on"`
	Health    Health   `json:"health"`
}
