//go:build !windows

package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
)

func newTestService(t *testing.T, spec ServiceSpec) *ManagedService {
	t.Helper()
	svc := NewManagedService(spec, t.TempDir(), logging.NopLogger{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartAndStop(t *testing.T) {
	svc := newTestService(t, ServiceSpec{
		ID:      "sleeper",
		Name:    "Sleeper",
		Command: []string{"sleep", "30"},
	})

	require.Equal(t, StateStopped, svc.State())
	require.NoError(t, svc.Start())
	assert.Equal(t, StateStarting, svc.State())
	require.NotNil(t, svc.PID())

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, StateStopped, svc.State())
	assert.Nil(t, svc.PID())
}

func TestStartWhileRunningIsConflict(t *testing.T) {
	svc := newTestService(t, ServiceSpec{
		ID:      "sleeper",
		Name:    "Sleeper",
		Command: []string{"sleep", "30"},
	})

	require.NoError(t, svc.Start())
	err := svc.Start()
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Contains(t, err.Error(), "already running")
}

func TestStartEmptyCommand(t *testing.T) {
	svc := newTestService(t, ServiceSpec{ID: "empty", Name: "Empty"})

	err := svc.Start()
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestStopIsIdempotent(t *testing.T) {
	svc := newTestService(t, ServiceSpec{
		ID:      "sleeper",
		Name:    "Sleeper",
		Command: []string{"sleep", "30"},
	})

	// Never started: stop is a no-op.
	require.NoError(t, svc.Stop(context.Background()))

	require.NoError(t, svc.Start())
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, StateStopped, svc.State())
}

func TestWaitHealthyWithProbe(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	svc := newTestService(t, ServiceSpec{
		ID:             "web",
		Name:           "Web",
		Command:        []string{"sleep", "30"},
		HealthURL:      srv.URL,
		StartupTimeout: 5 * time.Second,
		PollInterval:   50 * time.Millisecond,
	})

	require.NoError(t, svc.Start())
	require.NoError(t, svc.WaitHealthy(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
	assert.Equal(t, HealthRunning, svc.CheckHealth(context.Background()))
}

func TestWaitHealthyTimesOut(t *testing.T) {
	srv := healthServer(t, http.StatusInternalServerError)
	svc := newTestService(t, ServiceSpec{
		ID:             "web",
		Name:           "Web",
		Command:        []string{"sleep", "30"},
		HealthURL:      srv.URL,
		StartupTimeout: 300 * time.Millisecond,
		PollInterval:   100 * time.Millisecond,
	})

	require.NoError(t, svc.Start())
	err := svc.WaitHealthy(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
	assert.Contains(t, err.Error(), "failed to become healthy")
	assert.Equal(t, StateError, svc.State())
}

func TestWaitHealthyProcessDied(t *testing.T) {
	srv := healthServer(t, http.StatusInternalServerError)
	svc := newTestService(t, ServiceSpec{
		ID:             "flaky",
		Name:           "Flaky",
		Command:        []string{"false"},
		HealthURL:      srv.URL,
		StartupTimeout: 5 * time.Second,
		PollInterval:   50 * time.Millisecond,
	})

	require.NoError(t, svc.Start())
	err := svc.WaitHealthy(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
	assert.Contains(t, err.Error(), "exited before becoming healthy")
	assert.Equal(t, StateError, svc.State())
}

func TestWaitHealthyWithoutProbeUsesGraceDelay(t *testing.T) {
	svc := newTestService(t, ServiceSpec{
		ID:      "plain",
		Name:    "Plain",
		Command: []string{"sleep", "30"},
	})

	require.NoError(t, svc.Start())
	started := time.Now()
	require.NoError(t, svc.WaitHealthy(context.Background()))
	assert.GreaterOrEqual(t, time.Since(started), noProbeGrace)
	assert.Equal(t, StateRunning, svc.State())
}

func TestUnexpectedExitObservedLazily(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	svc := newTestService(t, ServiceSpec{
		ID:             "brief",
		Name:           "Brief",
		Command:        []string{"sleep", "0.3"},
		HealthURL:      srv.URL,
		StartupTimeout: 5 * time.Second,
		PollInterval:   50 * time.Millisecond,
	})

	require.NoError(t, svc.Start())
	require.NoError(t, svc.WaitHealthy(context.Background()))
	require.Equal(t, StateRunning, svc.State())

	// No watcher goroutine flips the state; the next status read does.
	assert.Eventually(t, func() bool {
		return svc.State() == StateStopped
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, HealthStopped, svc.CheckHealth(context.Background()))
}

func TestCheckHealthUnhealthyProbe(t *testing.T) {
	srv := healthServer(t, http.StatusServiceUnavailable)
	svc := newTestService(t, ServiceSpec{
		ID:        "web",
		Name:      "Web",
		Command:   []string{"sleep", "30"},
		HealthURL: srv.URL,
	})

	require.NoError(t, svc.Start())
	// Force past "starting" so the probe result is what gets reported.
	svc.setState(StateRunning)
	assert.Equal(t, HealthUnhealthy, svc.CheckHealth(context.Background()))
}

func TestLogsCaptureCombinedOutput(t *testing.T) {
	svc := newTestService(t, ServiceSpec{
		ID:      "echoer",
		Name:    "Echoer",
		Command: []string{"sh", "-c", "echo out-line; echo err-line 1>&2"},
	})

	require.NoError(t, svc.Start())
	require.Eventually(t, func() bool {
		out, err := svc.Logs(10, nil)
		return err == nil && out != ""
	}, 3*time.Second, 50*time.Millisecond)

	out, err := svc.Logs(10, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "out-line")
	assert.Contains(t, out, "err-line")
}

func TestStatusSnapshot(t *testing.T) {
	svc := newTestService(t, ServiceSpec{
		ID:        "web",
		Name:      "Web",
		Command:   []string{"sleep", "30"},
		Port:      8080,
		DependsOn: []string{"db"},
	})

	st := svc.Status(context.Background())
	assert.Equal(t, "web", st.ID)
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.PID)
	assert.Equal(t, HealthStopped, st.Health)

	require.NoError(t, svc.Start())
	st = svc.Status(context.Background())
	require.NotNil(t, st.PID)
	assert.Equal(t, StateStarting, st.State)
	assert.Equal(t, 8080, st.Port)
	assert.Equal(t, []string{"db"}, st.DependsOn)
}

func TestSubstituteAndReadCommandArg(t *testing.T) {
	svc := newTestService(t, ServiceSpec{
		ID:      "vllm",
		Name:    "vLLM",
		Command: []string{"vllm", "serve", "--model", "old/model", "--port", "8001"},
	})

	got, ok := svc.CommandArg("--model")
	require.True(t, ok)
	assert.Equal(t, "old/model", got)

	assert.True(t, svc.SubstituteArg("--model", "new/model"))
	got, ok = svc.CommandArg("--model")
	require.True(t, ok)
	assert.Equal(t, "new/model", got)

	assert.False(t, svc.SubstituteArg("--missing", "x"))
	_, ok = svc.CommandArg("--missing")
	assert.False(t, ok)

	// A trailing flag has no value token to replace.
	tail := newTestService(t, ServiceSpec{
		ID:      "tail",
		Name:    "Tail",
		Command: []string{"run", "--model"},
	})
	assert.False(t, tail.SubstituteArg("--model", "x"))
}

func TestStopKillsWholeProcessGroup(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("process group timing is flaky on macOS runners")
	}
	svc := newTestService(t, ServiceSpec{
		ID:      "parent",
		Name:    "Parent",
		Command: []string{"sh", "-c", "sleep 30 & wait"},
	})

	require.NoError(t, svc.Start())
	pid := svc.PID()
	require.NotNil(t, pid)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, StateStopped, svc.State())

	// Signal 0 probes group existence; the shell and its child are gone.
	assert.Eventually(t, func() bool {
		return syscall.Kill(-*pid, 0) == syscall.ESRCH
	}, 3*time.Second, 50*time.Millisecond)
}

func TestMergedEnvExpandsOverrides(t *testing.T) {
	t.Setenv("MIOTTS_TEST_ROOT", "/srv/miotts")

	env := mergedEnv(map[string]string{
		"MODEL_DIR": "$MIOTTS_TEST_ROOT/models",
		"PLAIN":     "value",
	})

	assert.Contains(t, env, "MODEL_DIR=/srv/miotts/models")
	assert.Contains(t, env, "PLAIN=value")
	// Ambient environment is preserved underneath the overrides.
	assert.Contains(t, env, "MIOTTS_TEST_ROOT=/srv/miotts")
}

func TestEnvOverridesReachChild(t *testing.T) {
	dir := t.TempDir()
	out := dir + "/env.txt"
	svc := newTestService(t, ServiceSpec{
		ID:      "envdump",
		Name:    "EnvDump",
		Command: []string{"sh", "-c", "printf '%s' \"$GREETING\" > " + out},
		Env:     map[string]string{"GREETING": "hello"},
	})

	require.NoError(t, svc.Start())
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "hello"
	}, 3*time.Second, 50*time.Millisecond)
}
