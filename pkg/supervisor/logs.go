package supervisor

import (
	"bufio"
	"os"
	"strings"

	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
)

// maxLogLineBytes bounds a single scanned log line; inference servers
// occasionally emit very long lines (request dumps, tracebacks).
const maxLogLineBytes = 1024 * 1024

// noiseWindowFactor widens the pre-filter window so that dropping noise
// lines does not shrink the effective tail below the requested count.
const noiseWindowFactor = 3

// readTail returns the last n lines of the file at path. When patterns is
// non-empty, lines containing any pattern are excluded from a 3*n-line
// window before the tail cut. A missing file yields an empty result.
func readTail(path string, n int, patterns []string) (string, error) {
	if n <= 0 {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.NewIOError("failed to open log file", err).WithContext("log_path", path)
	}
	defer f.Close()

	keep := n
	if len(patterns) > 0 {
		keep = n * noiseWindowFactor
	}

	window := make([]string, 0, keep)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)
	for scanner.Scan() {
		if len(window) == keep {
			copy(window, window[1:])
			window = window[:keep-1]
		}
		window = append(window, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", errors.NewIOError("failed to read log file", err).WithContext("log_path", path)
	}

	if len(patterns) > 0 {
		filtered := window[:0]
		for _, line := range window {
			if !matchesAny(line, patterns) {
				filtered = append(filtered, line)
			}
		}
		window = filtered
		if len(window) > n {
			window = window[len(window)-n:]
		}
	}

	if len(window) == 0 {
		return "", nil
	}
	return strings.Join(window, "\n") + "\n", nil
}

func matchesAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}
