package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
)

// queryTimeout bounds one nvidia-smi invocation; a wedged driver must not
// stall the status view.
const queryTimeout = 5 * time.Second

// Info is the GPU telemetry snapshot served to the panel. All fields are
// pointers: a host without a usable GPU reports nulls, not zeros.
type Info struct {
	Name               *string `json:"name"`
	MemoryUsedMB       *int    `json:"memory_used_mb"`
	MemoryTotalMB      *int    `json:"memory_total_mb"`
	UtilizationPercent *int    `json:"utilization_percent"`
}

// Prober queries the first GPU via nvidia-smi.
type Prober struct {
	logger logging.Logger

	// runQuery is swapped in tests; production shells out to nvidia-smi.
	runQuery func(ctx context.Context) ([]byte, error)
}

func NewProber(logger logging.Logger) *Prober {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Prober{
		logger:   logging.WithPrefix("gpu: ", logger),
		runQuery: runNvidiaSMI,
	}
}

func runNvidiaSMI(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits")
	return cmd.Output()
}

// Probe returns the current GPU telemetry. Any failure (no binary, no
// device, malformed output) degrades to the all-null snapshot; the panel
// treats that as "no GPU available".
func (p *Prober) Probe(ctx context.Context) Info {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := p.runQuery(ctx)
	if err != nil {
		p.logger.Debugf("nvidia-smi query failed: %v", err)
		return Info{}
	}

	info, ok := parseQueryOutput(string(out))
	if !ok {
		p.logger.Warnf("Unexpected nvidia-smi output: %q", strings.TrimSpace(string(out)))
		return Info{}
	}
	return info
}

// parseQueryOutput parses one CSV line of
// "name, memory.used, memory.total, utilization.gpu" with nounits.
// Multi-GPU hosts report the first device only.
func parseQueryOutput(out string) (Info, bool) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	parts := strings.Split(line, ",")
	if len(parts) < 4 {
		return Info{}, false
	}

	name := strings.TrimSpace(parts[0])
	used, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Info{}, false
	}
	total, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return Info{}, false
	}
	util, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return Info{}, false
	}
	return Info{
		Name:               &name,
		MemoryUsedMB:       &used,
		MemoryTotalMB:      &total,
		UtilizationPercent: &util,
	}, true
}
