// Package config loads dv configuration from JSONC files, the environment
// and command-line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/docvault/pkg/fs"
	"github.com/calvinalkan/docvault/pkg/library"
)

// Errors returned by [Load].
var (
	ErrConfigInvalid      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrDataDirEmpty       = errors.New("data_dir cannot be empty")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".dv.json"

// EnvDataDir overrides data_dir from the environment or a .env file.
const EnvDataDir = "DV_DATA_DIR"

// EnvLogLevel overrides log_level from the environment or a .env file.
const EnvLogLevel = "DV_LOG_LEVEL"

// LogLevels lists the accepted log_level values.
var LogLevels = []string{"debug", "info", "warn", "error"}

// Duration is a time.Duration that reads and writes Go duration strings
// ("90s", "24h").
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string

	err := json.Unmarshal(b, &s)
	if err != nil {
		var n int64

		if numErr := json.Unmarshal(b, &n); numErr != nil {
			return fmt.Errorf("duration must be a string like \"5m\": %w", err)
		}

		*d = Duration(n)

		return nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds all configuration options.
type Config struct {
	DataDir          string   `json:"data_dir"`
	MaxBlobSize      int64    `json:"max_blob_size,omitempty"`
	CacheTTL         Duration `json:"cache_ttl,omitempty"`
	HistoryLimit     int      `json:"history_limit,omitempty"`
	NearLimitPercent float64  `json:"near_limit_percent,omitempty"`
	QuotaBytes       int64    `json:"quota_bytes,omitempty"`
	LockTimeout      Duration `json:"lock_timeout,omitempty"`
	LogLevel         string   `json:"log_level,omitempty"`

	// CacheSweepInterval is a pointer so an explicit "0s" (disabled) can
	// be told apart from unset.
	CacheSweepInterval *Duration `json:"cache_sweep_interval,omitempty"`

	// Resolved values (computed, not serialized)
	EffectiveCwd string `json:"-"`
	DataDirAbs   string `json:"-"`

	Sources Sources `json:"-"`
}

// Sources tracks where configuration was loaded from.
type Sources struct {
	Global  string // Path to global config if loaded
	Project string // Path to project or explicit config if loaded
	DotEnv  string // Path to .env if loaded
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:  ".docvault",
		LogLevel: "warn",
	}
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride  string            // -C/--cwd; os.Getwd() when empty
	ConfigPath       string            // -c/--config
	DataDirOverride  string            // --data-dir
	HasDataDir       bool              // --data-dir was given, even if empty
	LogLevelOverride string            // --log-level
	Env              map[string]string // process environment
}

// Load resolves configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global user config ($XDG_CONFIG_HOME/dv/config.json or ~/.config/dv/config.json)
//  3. Project config (.dv.json in the working directory), or the explicit -c file
//  4. Environment (DV_DATA_DIR, DV_LOG_LEVEL), with .env filling unset variables
//  5. Command-line overrides
//
// DataDirAbs is resolved against the working directory.
func Load(in LoadInput) (Config, error) {
	workDir := in.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	globalCfg, globalPath, err := loadGlobal(in.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProject(workDir, in.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	env, dotenvPath, err := withDotEnv(workDir, in.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.DotEnv = dotenvPath

	if v := env[EnvDataDir]; v != "" {
		cfg.DataDir = v
	}

	if v := env[EnvLogLevel]; v != "" {
		cfg.LogLevel = v
	}

	if in.HasDataDir {
		if in.DataDirOverride == "" {
			return Config{}, ErrDataDirEmpty
		}

		cfg.DataDir = in.DataDirOverride
	}

	if in.LogLevelOverride != "" {
		cfg.LogLevel = in.LogLevelOverride
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	err = cfg.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	cfg.EffectiveCwd = workDir
	cfg.DataDirAbs = expandHome(cfg.DataDir, env)

	if !filepath.IsAbs(cfg.DataDirAbs) {
		cfg.DataDirAbs = filepath.Join(workDir, cfg.DataDirAbs)
	}

	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	levels := make([]any, len(LogLevels))
	for i, l := range LogLevels {
		levels[i] = l
	}

	return validation.ValidateStruct(&c,
		validation.Field(&c.DataDir, validation.Required.ErrorObject(validation.NewError("data_dir_empty", ErrDataDirEmpty.Error()))),
		validation.Field(&c.MaxBlobSize, validation.Min(int64(0))),
		validation.Field(&c.CacheTTL, validation.Min(Duration(0))),
		validation.Field(&c.CacheSweepInterval, validation.Min(Duration(0))),
		validation.Field(&c.HistoryLimit, validation.Min(0)),
		validation.Field(&c.NearLimitPercent, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&c.QuotaBytes, validation.Min(int64(0))),
		validation.Field(&c.LockTimeout, validation.Min(Duration(0))),
		validation.Field(&c.LogLevel, validation.In(levels...)),
	)
}

// LibraryOptions maps the configuration onto [library.Options].
func (c Config) LibraryOptions(logger *slog.Logger) library.Options {
	opts := library.Options{
		Dir:              c.DataDirAbs,
		MaxBlobSize:      c.MaxBlobSize,
		CacheTTL:         time.Duration(c.CacheTTL),
		HistoryLimit:     c.HistoryLimit,
		NearLimitPercent: c.NearLimitPercent,
		QuotaBytes:       c.QuotaBytes,
		LockTimeout:      time.Duration(c.LockTimeout),
		Logger:           logger,
	}

	if c.CacheSweepInterval != nil {
		opts.CacheSweepInterval = time.Duration(*c.CacheSweepInterval)
		if opts.CacheSweepInterval == 0 {
			opts.CacheSweepInterval = -1
		}
	}

	return opts
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level

	err := level.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return slog.LevelWarn
	}

	return level
}

// Format renders the effective configuration as indented JSON.
func Format(c Config) (string, error) {
	out := c
	out.DataDir = c.DataDirAbs

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}

func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "dv", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "dv", "config.json")
	}

	return ""
}

func loadGlobal(env map[string]string) (Config, string, error) {
	path := globalPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, explicitEmpty, loaded, err := loadFile(path, false)
	if err != nil || !loaded {
		return Config{}, "", err
	}

	if explicitEmpty["data_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrDataDirEmpty)
	}

	return cfg, path, nil
}

func loadProject(workDir, configPath string) (Config, string, error) {
	path := filepath.Join(workDir, FileName)
	mustExist := false

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		exists, statErr := fs.Exists(path)
		if statErr != nil {
			return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, statErr)
		}

		if !exists {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	}

	cfg, explicitEmpty, loaded, err := loadFile(path, mustExist)
	if err != nil || !loaded {
		return Config{}, "", err
	}

	if explicitEmpty["data_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrDataDirEmpty)
	}

	return cfg, path, nil
}

// loadFile reads a JSONC config. Missing optional files report loaded=false.
func loadFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return Config{}, nil, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, nil, false, nil
	}

	cfg, explicitEmpty, err := parse(data)
	if err != nil {
		return Config{}, nil, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, explicitEmpty, true, nil
}

func parse(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	explicitEmpty := make(map[string]bool)

	if val, ok := raw["data_dir"].(string); ok && val == "" {
		explicitEmpty["data_dir"] = true
	}

	return cfg, explicitEmpty, nil
}

func merge(base, overlay Config) Config {
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}

	if overlay.MaxBlobSize != 0 {
		base.MaxBlobSize = overlay.MaxBlobSize
	}

	if overlay.CacheTTL != 0 {
		base.CacheTTL = overlay.CacheTTL
	}

	if overlay.CacheSweepInterval != nil {
		base.CacheSweepInterval = overlay.CacheSweepInterval
	}

	if overlay.HistoryLimit != 0 {
		base.HistoryLimit = overlay.HistoryLimit
	}

	if overlay.NearLimitPercent != 0 {
		base.NearLimitPercent = overlay.NearLimitPercent
	}

	if overlay.QuotaBytes != 0 {
		base.QuotaBytes = overlay.QuotaBytes
	}

	if overlay.LockTimeout != 0 {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	return base
}

// withDotEnv returns env extended with variables from <workDir>/.env that
// env does not already define.
func withDotEnv(workDir string, env map[string]string) (map[string]string, string, error) {
	path := filepath.Join(workDir, ".env")

	vars, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return env, "", nil
	}

	if err != nil {
		return nil, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	merged := make(map[string]string, len(env)+len(vars))

	for k, v := range vars {
		merged[k] = v
	}

	for k, v := range env {
		merged[k] = v
	}

	return merged, path, nil
}

func expandHome(path string, env map[string]string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}

	home := env["HOME"]
	if home == "" {
		return path
	}

	return filepath.Join(home, rest)
}
