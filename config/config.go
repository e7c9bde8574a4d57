// Package config loads the agent configuration.
//
// Values come from the defaults embedded from default.toml, overlaid
// by the config file when one exists; the TOML decoder only touches
// keys present in the file. Environment variables are applied last
// with ApplyEnv. An invalid config file is an error, never a silent
// fallback to defaults.
package config

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultConfigTOML string

const (
	// DefaultConfigPath is read when SP_CONFIG is unset.
	DefaultConfigPath = "/etc/propel/propel.toml"

	EnvConfig         = "SP_CONFIG"
	EnvCoredump       = "SP_COREDUMP"
	EnvDirectcallOnly = "SP_DIRECTCALL_ONLY"
	EnvTrap           = "SP_TRAP"
	EnvLog            = "SP_LOG"
)

type Config struct {
	Agent   AgentConfig   `toml:"agent"`
	IPC     IPCConfig     `toml:"ipc"`
	Logging LoggingConfig `toml:"logging"`
	Journal JournalConfig `toml:"journal"`
	Trap    TrapConfig    `toml:"trap"`
	Runtime RuntimeConfig `toml:"runtime"`
}

// AgentConfig holds the agent's bootstrap settings.
type AgentConfig struct {
	Entry          string   `toml:"entry"`
	Exit           string   `toml:"exit"`
	ParseOnly      bool     `toml:"parse_only"`
	DirectcallOnly bool     `toml:"directcall_only"`
	TrapOnly       bool     `toml:"trap_only"`
	Libraries      []string `toml:"libraries"`
	SkipFunctions  []string `toml:"skip_functions"`
	// IllegalPrograms are executables the agent never instruments.
	IllegalPrograms []string `toml:"illegal_programs"`
	// Delay postpones instrumentation; zero instruments at load time.
	Delay time.Duration `toml:"delay"`
	// Coredump raises RLIMIT_CORE. Only set from SP_COREDUMP.
	Coredump bool `toml:"-"`
}

// IPCConfig controls propagation to connected processes.
type IPCConfig struct {
	Enabled       bool          `toml:"enabled"`
	Injector      string        `toml:"injector"`
	InjectTimeout time.Duration `toml:"inject_timeout"`
	ShmKey        int           `toml:"shm_key"`
	ShmSize       int           `toml:"shm_size"`
}

type LoggingConfig struct {
	// Level is a log spec such as "warn" or "info,worker=debug".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// Components is an alternative to per-component entries in Level.
	Components map[string]string `toml:"components"`
}

// ToSpec returns the log spec. Level wins; otherwise a spec is built
// from Components.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" && len(c.Components) == 0 {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}
	base := c.Level
	if base == "" {
		base = "warn"
	}
	parts := []string{base}
	for _, name := range slices.Sorted(maps.Keys(c.Components)) {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// JournalConfig controls the sqlite journal of patches and injections.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TrapConfig controls the kernel probe fallback strategy.
type TrapConfig struct {
	Enabled   bool `toml:"enabled"`
	MaxProbes int  `toml:"max_probes"`
}

type RuntimeConfig struct {
	Base string `toml:"base"`
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Path returns SP_CONFIG, or DefaultConfigPath when unset.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load overlays the file at path onto the defaults. A missing file
// yields the defaults. An empty path selects Path().
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown keys in config file %s: %v", path, undecoded)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides cfg from the SP_* environment variables. A
// variable counts as set when present, whatever its value.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if _, ok := lookup(EnvCoredump); ok {
		c.Agent.Coredump = true
	}
	if _, ok := lookup(EnvDirectcallOnly); ok {
		c.Agent.DirectcallOnly = true
	}
	if _, ok := lookup(EnvTrap); ok {
		c.Agent.TrapOnly = true
	}
	if v, ok := lookup(EnvLog); ok && v != "" {
		c.Logging.Level = v
		c.Logging.Components = nil
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Agent.Entry == "" {
		return fmt.Errorf("agent.entry must be set")
	}
	if c.Agent.Delay < 0 {
		return fmt.Errorf("agent.delay must not be negative")
	}
	if c.IPC.ShmSize <= 0 {
		return fmt.Errorf("ipc.shm_size must be positive, got %d", c.IPC.ShmSize)
	}
	if c.Trap.MaxProbes <= 0 {
		return fmt.Errorf("trap.max_probes must be positive, got %d", c.Trap.MaxProbes)
	}
	if _, err := NewRuntimeDirs(c.Runtime.Base); err != nil {
		return fmt.Errorf("runtime.base: %w", err)
	}
	return nil
}

// RuntimeDirs returns the runtime directories for cfg.
func (c *Config) RuntimeDirs() (RuntimeDirs, error) {
	return NewRuntimeDirs(c.Runtime.Base)
}

// JournalPath returns the configured journal database, defaulting into
// the runtime directory.
func (c *Config) JournalPath() (string, error) {
	if c.Journal.Path != "" {
		return c.Journal.Path, nil
	}
	dirs, err := c.RuntimeDirs()
	if err != nil {
		return "", err
	}
	return dirs.DBPath(), nil
}
