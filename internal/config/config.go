package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultIPCTimeoutMs     = 5000
	DefaultClientTimeoutMs  = 10000
	DefaultTelemetryCap     = 10000
	DefaultMaxFrameBytes    = 10 * 1024 * 1024
	DefaultCDPHost          = "127.0.0.1"
	DefaultCDPPort          = 9222
	DefaultConnectTimeoutMs = 10000
	DefaultBodyLimitBytes   = 1 << 20

	// FileName is looked up inside the session directory
	FileName = "config.toml"
)

// Environment overrides
const (
	EnvHome       = "WEBTAP_HOME"
	EnvIPCTimeout = "WEBTAP_IPC_TIMEOUT_MS"
	EnvDebug      = "WEBTAP_DEBUG"
)

// Config holds daemon, worker and client settings. Unset fields fall back
// to defaults through the getters.
type Config struct {
	SessionDir        *string    `toml:"session_dir,omitempty"`
	IPCTimeoutMs      *int       `toml:"ipc_timeout_ms,omitempty"`
	ClientTimeoutMs   *int       `toml:"client_timeout_ms,omitempty"`
	TelemetryCapacity *int       `toml:"telemetry_capacity,omitempty"`
	MaxFrameBytes     *int       `toml:"max_frame_bytes,omitempty"`
	Debug             *bool      `toml:"debug,omitempty"`
	CDP               *CDPConfig `toml:"cdp,omitempty"`
}

// CDPConfig configures how the worker reaches the browser
type CDPConfig struct {
	Host             *string `toml:"host,omitempty"`
	Port             *int    `toml:"port,omitempty"`
	ConnectTimeoutMs *int    `toml:"connect_timeout_ms,omitempty"`
	BodyLimitBytes   *int    `toml:"body_limit_bytes,omitempty"`
}

// DefaultSessionDir is $XDG_RUNTIME_DIR/webtap, else ~/.webtap
func DefaultSessionDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "webtap")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "webtap")
	}
	return filepath.Join(home, ".webtap")
}

// Load resolves the session directory, reads config.toml from it when
// present and applies environment overrides.
func Load() (*Config, error) {
	dir := os.Getenv(EnvHome)
	if dir == "" {
		dir = DefaultSessionDir()
	}
	cfg, err := LoadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	if cfg.SessionDir == nil {
		cfg.SessionDir = &dir
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes path. A missing file yields an empty config.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv layers WEBTAP_* variables over the file values
func (c *Config) ApplyEnv() error {
	if dir := os.Getenv(EnvHome); dir != "" {
		c.SessionDir = &dir
	}
	if v := os.Getenv(EnvIPCTimeout); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", EnvIPCTimeout, v)
		}
		c.IPCTimeoutMs = &ms
	}
	if v := os.Getenv(EnvDebug); v != "" {
		on := v != "0" && !strings.EqualFold(v, "false")
		c.Debug = &on
	}
	return nil
}

// Validate rejects values that cannot work
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}

	var errs []string
	positive := func(name string, v *int) {
		if v != nil && *v <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	positive("ipc_timeout_ms", c.IPCTimeoutMs)
	positive("client_timeout_ms", c.ClientTimeoutMs)
	positive("telemetry_capacity", c.TelemetryCapacity)
	positive("max_frame_bytes", c.MaxFrameBytes)

	if c.SessionDir != nil && *c.SessionDir == "" {
		errs = append(errs, "session_dir cannot be empty")
	}

	if c.CDP != nil {
		if c.CDP.Port != nil && (*c.CDP.Port <= 0 || *c.CDP.Port > 65535) {
			errs = append(errs, "cdp.port must be between 1 and 65535")
		}
		positive("cdp.connect_timeout_ms", c.CDP.ConnectTimeoutMs)
		positive("cdp.body_limit_bytes", c.CDP.BodyLimitBytes)
	}

	if len(errs) > 0 {
		return errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) GetSessionDir() string {
	if c == nil || c.SessionDir == nil {
		return DefaultSessionDir()
	}
	return *c.SessionDir
}

func (c *Config) GetIPCTimeout() time.Duration {
	if c == nil || c.IPCTimeoutMs == nil {
		return DefaultIPCTimeoutMs * time.Millisecond
	}
	return time.Duration(*c.IPCTimeoutMs) * time.Millisecond
}

// GetClientTimeout is how long a CLI invocation waits for its response. It
// never undercuts the IPC timeout so a daemon timeout reply can still arrive.
func (c *Config) GetClientTimeout() time.Duration {
	d := DefaultClientTimeoutMs * time.Millisecond
	if c != nil && c.ClientTimeoutMs != nil {
		d = time.Duration(*c.ClientTimeoutMs) * time.Millisecond
	}
	if floor := c.GetIPCTimeout() + time.Second; d < floor {
		d = floor
	}
	return d
}

func (c *Config) GetTelemetryCapacity() int {
	if c == nil || c.TelemetryCapacity == nil {
		return DefaultTelemetryCap
	}
	return *c.TelemetryCapacity
}

func (c *Config) GetMaxFrameBytes() int {
	if c == nil || c.MaxFrameBytes == nil {
		return DefaultMaxFrameBytes
	}
	return *c.MaxFrameBytes
}

func (c *Config) GetDebug() bool {
	if c == nil || c.Debug == nil {
		return false
	}
	return *c.Debug
}

func (c *Config) GetCDPHost() string {
	if c == nil || c.CDP == nil || c.CDP.Host == nil {
		return DefaultCDPHost
	}
	return *c.CDP.Host
}

func (c *Config) GetCDPPort() int {
	if c == nil || c.CDP == nil || c.CDP.Port == nil {
		return DefaultCDPPort
	}
	return *c.CDP.Port
}

func (c *Config) GetConnectTimeout() time.Duration {
	if c == nil || c.CDP == nil || c.CDP.ConnectTimeoutMs == nil {
		return DefaultConnectTimeoutMs * time.Millisecond
	}
	return time.Duration(*c.CDP.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) GetBodyLimitBytes() int {
	if c == nil || c.CDP == nil || c.CDP.BodyLimitBytes == nil {
		return DefaultBodyLimitBytes
	}
	return *c.CDP.BodyLimitBytes
}
