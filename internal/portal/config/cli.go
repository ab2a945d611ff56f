package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finitefield.org/campus-portal/internal/portal/guard"
)

const cliDirName = "campus-portal"

// CLIConfig is the portalctl configuration file.
type CLIConfig struct {
	APIBaseURL  string         `yaml:"api_base_url"`
	Host        string         `yaml:"host"`
	StoragePath string         `yaml:"storage_path"`
	LogLevel    string         `yaml:"log_level"`
	Guard       CLIGuardConfig `yaml:"guard"`
}

// CLIGuardConfig tunes the guard used by interactive browsing.
type CLIGuardConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// DefaultCLIDir returns the per-user configuration directory.
func DefaultCLIDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, cliDirName)
}

// DefaultCLIPath returns the default configuration file path.
func DefaultCLIPath() string {
	return filepath.Join(DefaultCLIDir(), "config.yaml")
}

// DefaultCLIConfig returns the configuration used when no file exists.
func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		StoragePath: filepath.Join(DefaultCLIDir(), "storage.json"),
		LogLevel:    "warn",
		Guard: CLIGuardConfig{
			Debounce:    guard.DefaultDebounce,
			MinInterval: guard.DefaultMinInterval,
		},
	}
}

// LoadCLI reads path, falling back to defaults for a missing file or unset
// fields. PORTAL_API_BASE_URL overrides the file.
func LoadCLI(path string) (CLIConfig, error) {
	cfg := DefaultCLIConfig()
	if path == "" {
		path = DefaultCLIPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return CLIConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		var fromFile CLIConfig
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return CLIConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.merge(fromFile)
	}

	if v := strings.TrimSpace(os.Getenv("PORTAL_API_BASE_URL")); v != "" {
		cfg.APIBaseURL = v
	}
	if cfg.StoragePath != "" && !filepath.IsAbs(cfg.StoragePath) {
		cfg.StoragePath = filepath.Join(filepath.Dir(path), cfg.StoragePath)
	}
	return cfg, nil
}

// SaveCLI writes cfg to path, creating the directory.
func SaveCLI(path string, cfg CLIConfig) error {
	if path == "" {
		path = DefaultCLIPath()
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *CLIConfig) merge(other CLIConfig) {
	if v := strings.TrimSpace(other.APIBaseURL); v != "" {
		c.APIBaseURL = v
	}
	if v := strings.TrimSpace(other.Host); v != "" {
		c.Host = v
	}
	if v := strings.TrimSpace(other.StoragePath); v != "" {
		c.StoragePath = v
	}
	if v := strings.TrimSpace(other.LogLevel); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if other.Guard.Debounce > 0 {
		c.Guard.Debounce = other.Guard.Debounce
	}
	if other.Guard.MinInterval > 0 {
		c.Guard.MinInterval = other.Guard.MinInterval
	}
}
