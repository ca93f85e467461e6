// Package config holds the externally supplied settings consumed by the
// command channel and capability discovery: backend path, command
// prefixes, flag tokens and timeouts.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/wire"
)

// Environment variables overriding file settings
const (
	EnvMonolithExe       = "CLIPPY_MONOLITH_EXE"
	EnvCmdPrefix         = "CLIPPY_CMD_PREFIX"
	EnvValidateCmdPrefix = "CLIPPY_VALIDATE_CMD_PREFIX"
	EnvReadTimeout       = "CLIPPY_READ_TIMEOUT"
	EnvReadyTimeout      = "CLIPPY_READY_TIMEOUT"
	EnvLogLevel          = "CLIPPY_LOG_LEVEL"
	EnvLogFormat         = "CLIPPY_LOG_FORMAT"
)

const (
	defaultDryRunFlag   = "--clippy-validate"
	defaultHelpFlag     = "--clippy-help"
	defaultReadTimeout  = 2 * time.Second
	defaultReadyTimeout = 5 * time.Second
	defaultLogLevel     = "info"
	defaultLogFormat    = "console"
	defaultLogName      = "clippy"
)

// Mode selects how methods reach the backend
type Mode string

const (
	// ModeSession keeps one backend process alive for every call
	ModeSession Mode = "session"
	// ModeExec spawns the backend once per call
	ModeExec Mode = "exec"
)

// Config is the complete configuration surface
type Config struct {
	Backend BackendConfig
	Log     LogConfig
}

// BackendConfig configures how the backend is spawned and spoken to
type BackendConfig struct {
	Executable     string
	Mode           Mode
	ExecPrefix     []string
	ValidatePrefix []string
	DryRunFlag     string
	HelpFlag       string
	ReadTimeout    time.Duration
	ReadyTimeout   time.Duration
	MaxLine        int
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string
	Format string
	Name   string
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Mode:         ModeSession,
			DryRunFlag:   defaultDryRunFlag,
			HelpFlag:     defaultHelpFlag,
			ReadTimeout:  defaultReadTimeout,
			ReadyTimeout: defaultReadyTimeout,
			MaxLine:      wire.DefaultMaxLine,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
			Name:   defaultLogName,
		},
	}
}

// clippy.toml key mapping
type fileConfig struct {
	Backend struct {
		Executable     string `toml:"executable"`
		Mode           string `toml:"mode"`
		ExecPrefix     string `toml:"cmd_prefix"`
		ValidatePrefix string `toml:"validate_cmd_prefix"`
		DryRunFlag     string `toml:"dry_run_flag"`
		HelpFlag       string `toml:"help_flag"`
		ReadTimeout    string `toml:"read_timeout"`
		ReadyTimeout   string `toml:"ready_timeout"`
		MaxLine        int    `toml:"max_line"`
	} `toml:"backend"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		Name   string `toml:"name"`
	} `toml:"log"`
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, clippyerr.Wrap(clippyerr.Configuration, err, "load config %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, clippyerr.Configurationf("load config %q: unknown key %q", path, undecoded[0].String())
	}

	b := raw.Backend
	if meta.IsDefined("backend", "executable") {
		cfg.Backend.Executable = strings.TrimSpace(b.Executable)
	}
	if meta.IsDefined("backend", "mode") {
		cfg.Backend.Mode = Mode(strings.TrimSpace(b.Mode))
	}
	if meta.IsDefined("backend", "cmd_prefix") {
		cfg.Backend.ExecPrefix = strings.Fields(b.ExecPrefix)
	}
	if meta.IsDefined("backend", "validate_cmd_prefix") {
		cfg.Backend.ValidatePrefix = strings.Fields(b.ValidatePrefix)
	}
	if meta.IsDefined("backend", "dry_run_flag") {
		cfg.Backend.DryRunFlag = strings.TrimSpace(b.DryRunFlag)
	}
	if meta.IsDefined("backend", "help_flag") {
		cfg.Backend.HelpFlag = strings.TrimSpace(b.HelpFlag)
	}
	if meta.IsDefined("backend", "read_timeout") {
		d, err := parseDuration(b.ReadTimeout)
		if err != nil {
			return Config{}, clippyerr.Wrap(clippyerr.Configuration, err, "load config %q: read_timeout", path)
		}
		cfg.Backend.ReadTimeout = d
	}
	if meta.IsDefined("backend", "ready_timeout") {
		d, err := parseDuration(b.ReadyTimeout)
		if err != nil {
			return Config{}, clippyerr.Wrap(clippyerr.Configuration, err, "load config %q: ready_timeout", path)
		}
		cfg.Backend.ReadyTimeout = d
	}
	if meta.IsDefined("backend", "max_line") {
		cfg.Backend.MaxLine = b.MaxLine
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "name") {
		cfg.Log.Name = strings.TrimSpace(raw.Log.Name)
	}
	return cfg, nil
}

// FromEnv applies environment overrides to cfg
func FromEnv(cfg Config) (Config, error) {
	return fromLookup(cfg, os.LookupEnv)
}

func fromLookup(cfg Config, lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup(EnvMonolithExe); ok {
		cfg.Backend.Executable = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvCmdPrefix); ok {
		cfg.Backend.ExecPrefix = strings.Fields(v)
	}
	if v, ok := lookup(EnvValidateCmdPrefix); ok {
		cfg.Backend.ValidatePrefix = strings.Fields(v)
	}
	if v, ok := lookup(EnvReadTimeout); ok {
		d, err := parseDuration(v)
		if err != nil {
			return Config{}, clippyerr.Wrap(clippyerr.Configuration, err, "%s", EnvReadTimeout)
		}
		cfg.Backend.ReadTimeout = d
	}
	if v, ok := lookup(EnvReadyTimeout); ok {
		d, err := parseDuration(v)
		if err != nil {
			return Config{}, clippyerr.Wrap(clippyerr.Configuration, err, "%s", EnvReadyTimeout)
		}
		cfg.Backend.ReadyTimeout = d
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		cfg.Log.Level = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogFormat); ok && strings.TrimSpace(v) != "" {
		cfg.Log.Format = strings.TrimSpace(v)
	}
	return cfg, nil
}

// parseDuration accepts Go durations ("1500ms") and plain seconds ("2.5")
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// Validate rejects settings the channel and discovery cannot work with
func (c Config) Validate() error {
	b := c.Backend
	switch b.Mode {
	case ModeSession, ModeExec:
	default:
		return clippyerr.Configurationf("unknown backend mode %q (expected %q or %q)", b.Mode, ModeSession, ModeExec)
	}
	if strings.TrimSpace(b.DryRunFlag) == "" {
		return clippyerr.Configurationf("dry run flag is empty")
	}
	if strings.TrimSpace(b.HelpFlag) == "" {
		return clippyerr.Configurationf("help flag is empty")
	}
	if b.ReadTimeout <= 0 {
		return clippyerr.Configurationf("read timeout must be positive, got %s", b.ReadTimeout)
	}
	if b.ReadyTimeout <= 0 {
		return clippyerr.Configurationf("ready timeout must be positive, got %s", b.ReadyTimeout)
	}
	if b.MaxLine <= 0 {
		return clippyerr.Configurationf("max_line must be positive, got %d", b.MaxLine)
	}
	return nil
}

// Limits returns the wire limits for this configuration
func (b BackendConfig) Limits() wire.Limits {
	return wire.Limits{MaxLine: b.MaxLine}
}
