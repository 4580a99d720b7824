package presets

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
)

// convertTimeout bounds one embedding-generation run; CUDA warmup on a
// cold GPU dominates, conversion itself is fast.
const convertTimeout = 120 * time.Second

// allowedAudioExts are the raw audio formats accepted for upload.
var allowedAudioExts = map[string]bool{
	".wav":  true,
	".flac": true,
	".ogg":  true,
}

// embeddingExts are precomputed speaker-embedding formats.
var embeddingExts = map[string]bool{
	".pt":  true,
	".npz": true,
}

// Preset describes one reference-audio entry in the presets directory.
type Preset struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Type      string `json:"type"` // "embedding" or "audio"
}

// Manager owns the presets directory: listing, upload-and-convert via the
// external generate_preset.py script, and deletion.
type Manager struct {
	presetsDir string
	scriptCwd  string // working directory of the MioTTS checkout holding scripts/
	logger     logging.Logger

	// runCommand is swapped in tests; production runs the real script.
	runCommand func(ctx context.Context, cwd string, args []string) ([]byte, error)
}

func NewManager(presetsDir, scriptCwd string, logger logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	if err := os.MkdirAll(presetsDir, 0o755); err != nil {
		return nil, errors.NewIOError("failed to create presets directory", err).
			WithContext("presets_dir", presetsDir)
	}
	return &Manager{
		presetsDir: presetsDir,
		scriptCwd:  scriptCwd,
		logger:     logging.WithPrefix("presets: ", logger),
		runCommand: runScript,
	}, nil
}

func runScript(ctx context.Context, cwd string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = cwd
	return cmd.CombinedOutput()
}

// List returns the presets sorted by filename. Files with unrelated
// extensions (temp files, notes) are skipped.
func (m *Manager) List() ([]Preset, error) {
	entries, err := os.ReadDir(m.presetsDir)
	if err != nil {
		return nil, errors.NewIOError("failed to read presets directory", err).
			WithContext("presets_dir", m.presetsDir)
	}

	presets := make([]Preset, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		var kind string
		switch {
		case embeddingExts[ext]:
			kind = "embedding"
		case allowedAudioExts[ext]:
			kind = "audio"
		default:
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		presets = append(presets, Preset{
			ID:        strings.TrimSuffix(name, ext),
			Filename:  name,
			SizeBytes: info.Size(),
			Type:      kind,
		})
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Filename < presets[j].Filename })
	return presets, nil
}

// SaveAndConvert stores the uploaded audio under a temp name, runs the
// conversion script to produce <preset-id>.pt, and removes the temp audio
// regardless of outcome. Preset ids never overwrite an existing embedding.
func (m *Manager) SaveAndConvert(ctx context.Context, filename string, audio io.Reader) (Preset, error) {
	if filename == "" {
		return Preset{}, errors.NewValidationError("upload has no filename", nil)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedAudioExts[ext] {
		return Preset{}, errors.NewValidationError(
			fmt.Sprintf("unsupported audio extension: %s (allowed: .wav, .flac, .ogg)", ext), nil)
	}

	tmpPath := filepath.Join(m.presetsDir, "_tmp_"+uuid.NewString()+ext)
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return Preset{}, errors.NewIOError("failed to create temp audio file", err).
			WithContext("presets_dir", m.presetsDir)
	}
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmpFile, audio); err != nil {
		tmpFile.Close()
		return Preset{}, errors.NewIOError("failed to store uploaded audio", err)
	}
	if err := tmpFile.Close(); err != nil {
		return Preset{}, errors.NewIOError("failed to store uploaded audio", err)
	}

	presetID := m.freePresetID(strings.TrimSuffix(filepath.Base(filename), ext))

	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()
	args := []string{
		"uv", "run", "python", "scripts/generate_preset.py",
		"--audio", tmpPath,
		"--preset-id", presetID,
		"--output-dir", m.presetsDir,
		"--device", "cuda",
	}
	out, err := m.runCommand(ctx, m.scriptCwd, args)
	if err != nil {
		return Preset{}, errors.NewProcessError(
			fmt.Sprintf("preset conversion failed: %s", strings.TrimSpace(string(out))), err).
			WithContext("preset_id", presetID)
	}

	ptPath := filepath.Join(m.presetsDir, presetID+".pt")
	info, err := os.Stat(ptPath)
	if err != nil {
		return Preset{}, errors.NewProcessError(
			"preset conversion produced no embedding file", err).
			WithContext("preset_id", presetID)
	}

	m.logger.Infof("Created preset embedding: %s.pt", presetID)
	return Preset{
		ID:        presetID,
		Filename:  info.Name(),
		SizeBytes: info.Size(),
		Type:      "embedding",
	}, nil
}

// freePresetID appends a numeric suffix until the id does not collide
// with an existing embedding.
func (m *Manager) freePresetID(stem string) string {
	id := stem
	for counter := 1; ; counter++ {
		if _, err := os.Stat(filepath.Join(m.presetsDir, id+".pt")); os.IsNotExist(err) {
			return id
		}
		id = fmt.Sprintf("%s_%d", stem, counter)
	}
}

// Delete removes every file whose stem matches the preset id (an
// embedding and its source audio may coexist).
func (m *Manager) Delete(presetID string) error {
	entries, err := os.ReadDir(m.presetsDir)
	if err != nil {
		return errors.NewIOError("failed to read presets directory", err).
			WithContext("presets_dir", m.presetsDir)
	}

	deleted := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) != presetID {
			continue
		}
		if err := os.Remove(filepath.Join(m.presetsDir, name)); err != nil {
			return errors.NewIOError("failed to delete preset file", err).
				WithContext("preset_id", presetID)
		}
		deleted = true
	}
	if !deleted {
		return errors.NewNotFoundError(fmt.Sprintf("preset not found: %s", presetID), nil).
			WithContext("preset_id", presetID)
	}
	m.logger.Infof("Deleted preset %s", presetID)
	return nil
}
