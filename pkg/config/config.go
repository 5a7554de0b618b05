// Package config handles the host configuration for devrt.
//
// The host process owns one Config and outlives every factory built from it.
// Anything that used to be process-wide mutable state (interpreter overrides,
// the virtualenv root, the legacy runtime location) is a field here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// DefaultFile is the host config file name looked up in the working directory.
const DefaultFile = "devrt.toml"

// Config is the host configuration.
type Config struct {
	// Interpreter selects the Python interpreter per runtime
	Interpreter InterpreterConfig `toml:"interpreter"`

	// VenvRoot is a host-supplied directory for environments. When set, each
	// module gets <VenvRoot>/<module> and devrt never deletes it.
	VenvRoot string `toml:"venv_root"`

	// Legacy configures the module-based (python27) runtime
	Legacy LegacyConfig `toml:"legacy"`

	// LogDir holds installer logs (default: ~/.devrt/logs)
	LogDir string `toml:"log_dir"`

	// StateDB is the provisioning ledger (default: ~/.devrt/state.db)
	StateDB string `toml:"state_db"`

	// API is the host API server advertised to workers
	API APIConfig `toml:"api"`

	// AppID is the application identity advertised to workers
	AppID string `toml:"app_id"`

	// Maintenance configures periodic cleanup
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// InterpreterConfig holds interpreter overrides.
type InterpreterConfig struct {
	// Path overrides the interpreter for every runtime
	Path string `toml:"path"`

	// Runtimes overrides the interpreter per runtime tag (e.g. python311)
	Runtimes map[string]string `toml:"runtimes"`
}

// LegacyConfig configures the module-based runtime generation.
type LegacyConfig struct {
	// RuntimePath is the runtime module (or executable) to start
	RuntimePath string `toml:"runtime_path"`

	// Executable means RuntimePath is started directly, without an interpreter
	Executable bool `toml:"executable"`
}

// APIConfig is the API server workers talk back to.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MaintenanceConfig configures the cleanup schedule.
type MaintenanceConfig struct {
	// Schedule is a cron expression or descriptor (e.g. "@hourly")
	Schedule string `toml:"schedule"`

	// Retention is how long installer logs and ledger rows are kept
	Retention Duration `toml:"retention"`
}

// Duration is a wrapper around time.Duration for TOML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for go-toml/v2.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler for go-toml/v2.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(dataDir())
	return cfg
}

// Load reads a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data, filepath.Dir(path))
}

// LoadOrDefault loads path if it exists and falls back to Default otherwise.
// An empty path means DefaultFile in the working directory.
func LoadOrDefault(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("cannot access config %s: %w", path, err)
	}

	return Load(path)
}

// Parse parses TOML configuration from bytes. Relative paths are resolved
// against baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.resolvePaths(baseDir)
	cfg.applyDefaults(dataDir())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) resolvePaths(baseDir string) {
	for _, p := range []*string{&c.VenvRoot, &c.LogDir, &c.StateDB, &c.Legacy.RuntimePath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// applyDefaults sets default values for unspecified fields.
func (c *Config) applyDefaults(data string) {
	if c.LogDir == "" {
		c.LogDir = filepath.Join(data, "logs")
	}
	if c.StateDB == "" {
		c.StateDB = filepath.Join(data, "state.db")
	}
	if c.API.Host == "" {
		c.API.Host = "localhost"
	}
	if c.AppID == "" {
		c.AppID = "dev~devrt"
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@hourly"
	}
	if c.Maintenance.Retention.Duration == 0 {
		c.Maintenance.Retention.Duration = 7 * 24 * time.Hour
	}
	if c.Legacy.RuntimePath == "" {
		if exe, err := os.Executable(); err == nil {
			c.Legacy.RuntimePath = filepath.Join(filepath.Dir(exe), "_python_runtime.py")
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port must be between 0 and 65535")
	}

	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", c.Maintenance.Schedule, err)
	}

	if c.Maintenance.Retention.Duration < 0 {
		return fmt.Errorf("maintenance retention cannot be negative")
	}

	for tag, path := range c.Interpreter.Runtimes {
		if path == "" {
			return fmt.Errorf("interpreter for runtime %s is empty", tag)
		}
	}

	return nil
}

// EnsureVenvRoot creates the host-supplied environment root if one is set.
func (c *Config) EnsureVenvRoot() error {
	if c.VenvRoot == "" {
		return nil
	}
	if err := os.MkdirAll(c.VenvRoot, 0755); err != nil {
		return fmt.Errorf("cannot create venv root: %w", err)
	}
	return nil
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "devrt")
	}
	return filepath.Join(home, ".devrt")
}
