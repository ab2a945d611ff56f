// Package config loads portal server settings from the environment and an
// optional .env file.
package config

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"finitefield.org/campus-portal/internal/portal/guard"
)

const (
	defaultEnvFile         = ".env"
	defaultAddress         = ":8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultEnvironment     = "local"
	defaultAPITimeout      = 10 * time.Second
	defaultCookieName      = "portal_browser"
	defaultSessionIdle     = 30 * time.Minute
	defaultSessionLifetime = 12 * time.Hour
	defaultTabCacheSize    = 1024
	defaultTabTTL          = 30 * time.Minute
	defaultLogLevel        = "info"
)

// Config captures runtime configuration grouped by concern.
type Config struct {
	Server  ServerConfig
	API     APIConfig
	Browser BrowserConfig
	Redis   RedisConfig
	Guard   GuardConfig
	Tabs    TabConfig
	Log     LogConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Environment     string
}

// APIConfig locates the remote REST API.
type APIConfig struct {
	BaseURL string
	// PublicHost is the hostname used to derive BaseURL when it is unset.
	PublicHost string
	Timeout    time.Duration
}

// BrowserConfig controls the signed browser-session cookie.
type BrowserConfig struct {
	CookieName   string
	HashKey      []byte
	BlockKey     []byte
	CookieSecure bool
	IdleTimeout  time.Duration
	Lifetime     time.Duration
}

// RedisConfig enables Redis-backed browser storage when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether Redis storage is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// GuardConfig tunes the route guard.
type GuardConfig struct {
	Debounce       time.Duration
	MinInterval    time.Duration
	ExtraProtected []string
}

// TabConfig bounds the in-memory tab registry.
type TabConfig struct {
	CacheSize int
	TTL       time.Duration
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string
}

// Local reports whether the server runs in the local development environment.
func (c Config) Local() bool {
	return c.Server.Environment == defaultEnvironment
}

// ValidationError is returned when required fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing or invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables os.LookupEnv.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load combines defaults, .env values, the environment and explicit overrides.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	var invalid []string
	decodeKey := func(field, key string) []byte {
		raw := strings.TrimSpace(stringWithDefault(lookup, key, ""))
		if raw == "" {
			return nil
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			invalid = append(invalid, field)
			return nil
		}
		return decoded
	}

	cfg := Config{
		Server: ServerConfig{
			Address:         stringWithDefault(lookup, "PORTAL_HTTP_ADDR", defaultAddress),
			ReadTimeout:     durationWithDefault(lookup, "PORTAL_HTTP_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "PORTAL_HTTP_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "PORTAL_HTTP_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "PORTAL_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			Environment:     strings.ToLower(stringWithDefault(lookup, "PORTAL_ENVIRONMENT", defaultEnvironment)),
		},
		API: APIConfig{
			BaseURL:    stringWithDefault(lookup, "PORTAL_API_BASE_URL", ""),
			PublicHost: stringWithDefault(lookup, "PORTAL_PUBLIC_HOST", ""),
			Timeout:    durationWithDefault(lookup, "PORTAL_API_TIMEOUT", defaultAPITimeout),
		},
		Browser: BrowserConfig{
			CookieName:   stringWithDefault(lookup, "PORTAL_COOKIE_NAME", defaultCookieName),
			HashKey:      decodeKey("Browser.HashKey", "PORTAL_SESSION_HASH_KEY"),
			BlockKey:     decodeKey("Browser.BlockKey", "PORTAL_SESSION_BLOCK_KEY"),
			CookieSecure: boolWithDefault(lookup, "PORTAL_COOKIE_SECURE", false),
			IdleTimeout:  durationWithDefault(lookup, "PORTAL_SESSION_IDLE_TIMEOUT", defaultSessionIdle),
			Lifetime:     durationWithDefault(lookup, "PORTAL_SESSION_LIFETIME", defaultSessionLifetime),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "PORTAL_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "PORTAL_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "PORTAL_REDIS_DB", 0),
		},
		Guard: GuardConfig{
			Debounce:       durationWithDefault(lookup, "PORTAL_GUARD_DEBOUNCE", guard.DefaultDebounce),
			MinInterval:    durationWithDefault(lookup, "PORTAL_GUARD_MIN_INTERVAL", guard.DefaultMinInterval),
			ExtraProtected: csvWithDefault(lookup, "PORTAL_EXTRA_PROTECTED_PATHS"),
		},
		Tabs: TabConfig{
			CacheSize: intWithDefault(lookup, "PORTAL_TAB_CACHE_SIZE", defaultTabCacheSize),
			TTL:       durationWithDefault(lookup, "PORTAL_TAB_TTL", defaultTabTTL),
		},
		Log: LogConfig{
			Level: strings.ToLower(stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel)),
		},
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)
	if strings.TrimSpace(cfg.Server.Address) == "" {
		missing = append(missing, "Server.Address")
	}
	if !cfg.Local() && len(cfg.Browser.HashKey) == 0 {
		missing = append(missing, "Browser.HashKey")
	}
	if n := len(cfg.Browser.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		missing = append(missing, "Browser.BlockKey")
	}
	if cfg.Guard.Debounce <= 0 {
		missing = append(missing, "Guard.Debounce")
	}
	if cfg.Guard.MinInterval <= 0 {
		missing = append(missing, "Guard.MinInterval")
	}
	if cfg.Tabs.CacheSize <= 0 {
		missing = append(missing, "Tabs.CacheSize")
	}
	if cfg.Tabs.TTL <= 0 {
		missing = append(missing, "Tabs.TTL")
	}
	if cfg.API.Timeout <= 0 {
		missing = append(missing, "API.Timeout")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: dedupe(missing)}
	}
	return nil
}

func dedupe(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
