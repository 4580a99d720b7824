package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
	"github.com/nyosegawa/miotts-cockpit/pkg/supervisor"
)

// DefaultConfigPaths lists where the config file is searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"services.yaml",
	"services.yml",
	"/etc/miotts-cockpit/services.yaml",
}

// ConfigPathEnvVar overrides the config file search when set.
const ConfigPathEnvVar = "COCKPIT_CONFIG"

// Config is the full cockpit configuration: the HTTP server, the ordered
// list of managed services, and the MioTTS-specific blocks.
type Config struct {
	Server   ServerConfig             `koanf:"server"`
	Services []supervisor.ServiceSpec `koanf:"services"`
	Miotts   MiottsConfig             `koanf:"miotts"`
	Logging  LoggingConfig            `koanf:"logging"`

	// LogNoisePatterns are substrings filtered out of log views; empty
	// means the built-in health-probe patterns.
	LogNoisePatterns []string `koanf:"log_noise_patterns"`
}

// ServerConfig is the cockpit's own HTTP listener and file locations.
type ServerConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	FrontendDir string `koanf:"frontend_dir"`
	StateFile   string `koanf:"state_file"`
	LogDir      string `koanf:"log_dir"`
}

// MiottsConfig groups the TTS-backend specifics: the proxied API, the
// reference-audio preset directory, and the switchable model catalog.
type MiottsConfig struct {
	APIURL     string        `koanf:"api_url"`
	PresetsDir string        `koanf:"presets_dir"`
	Models     []ModelConfig `koanf:"models"`
}

// ModelConfig is one switchable LLM entry in the catalog.
type ModelConfig struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`

	// GPUMemoryUtilization is passed through to vLLM verbatim; kept as a
	// string so the config round-trips exactly ("0.65", not 0.65000001).
	GPUMemoryUtilization string `koanf:"gpu_memory_utilization"`
}

// LoggingConfig controls the cockpit's own log output.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			FrontendDir: "frontend/dist",
			StateFile:   "state.json",
			LogDir:      "logs",
		},
		Miotts: MiottsConfig{
			APIURL:     "http://localhost:8002",
			PresetsDir: "presets",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration with layered precedence: built-in defaults,
// then the YAML file, then COCKPIT_* environment variables. An explicit
// path skips the search; an empty path falls back to ConfigPathEnvVar and
// then DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.NewInternalError("failed to load config defaults", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.NewIOError("failed to load config file", err).
				WithContext("config_path", path)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, errors.NewInternalError("failed to load environment overrides", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.NewValidationError("failed to unmarshal configuration", err)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps COCKPIT_* environment variables onto config
// paths. Unmapped variables are skipped so ambient environment noise
// cannot leak into the configuration.
func envTransformFunc(key string) string {
	mappings := map[string]string{
		"cockpit_host":         "server.host",
		"cockpit_port":         "server.port",
		"cockpit_frontend_dir": "server.frontend_dir",
		"cockpit_state_file":   "server.state_file",
		"cockpit_log_dir":      "server.log_dir",
		"cockpit_log_level":    "logging.level",
		"miotts_api_url":       "miotts.api_url",
		"miotts_presets_dir":   "miotts.presets_dir",
	}
	if mapped, ok := mappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// expandPaths resolves "~" prefixes in every configured filesystem path,
// including the working directories of managed services.
func (c *Config) expandPaths() {
	c.Server.FrontendDir = expandPath(c.Server.FrontendDir)
	c.Server.StateFile = expandPath(c.Server.StateFile)
	c.Server.LogDir = expandPath(c.Server.LogDir)
	c.Miotts.PresetsDir = expandPath(c.Miotts.PresetsDir)
	for i := range c.Services {
		c.Services[i].WorkDir = expandPath(c.Services[i].WorkDir)
	}
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Validate checks the configuration for errors that would otherwise
// surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("server.port must be in 1..65535, got %d", c.Server.Port), nil)
	}
	if len(c.Services) == 0 {
		return errors.NewValidationError("at least one service must be configured", nil)
	}
	for _, svc := range c.Services {
		if svc.ID == "" {
			return errors.NewValidationError("every service needs an id", nil)
		}
		if len(svc.Command) == 0 {
			return errors.NewValidationError(
				fmt.Sprintf("service %s has an empty command", svc.ID), nil)
		}
		if svc.StartupTimeout < 0 || svc.PollInterval < 0 {
			return errors.NewValidationError(
				fmt.Sprintf("service %s has a negative timing value", svc.ID), nil)
		}
	}
	seen := make(map[string]bool, len(c.Miotts.Models))
	for _, m := range c.Miotts.Models {
		if m.ID == "" {
			return errors.NewValidationError("every model needs an id", nil)
		}
		if seen[m.ID] {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate model id: %s", m.ID), nil)
		}
		seen[m.ID] = true
	}
	return nil
}

// Model looks up a catalog entry by id.
func (c *Config) Model(id string) (ModelConfig, bool) {
	for _, m := range c.Miotts.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
