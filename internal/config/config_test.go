package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docvault/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func load(t *testing.T, in config.LoadInput) (config.Config, error) {
	t.Helper()

	if in.Env == nil {
		in.Env = map[string]string{"HOME": t.TempDir()}
	}

	return config.Load(in)
}

func Test_Load_Returns_Defaults_When_No_Config_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := load(t, config.LoadInput{WorkDirOverride: dir})
	require.NoError(t, err)

	require.Equal(t, ".docvault", cfg.DataDir)
	require.Equal(t, filepath.Join(dir, ".docvault"), cfg.DataDirAbs)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Empty(t, cfg.Sources.Global)
	require.Empty(t, cfg.Sources.Project)
	require.Empty(t, cfg.Sources.DotEnv)
}

func Test_Load_Applies_Precedence_When_All_Sources_Present(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	home := t.TempDir()

	writeFile(t, filepath.Join(home, ".config", "dv", "config.json"), `{
		// global settings
		"data_dir": "global-data",
		"history_limit": 50,
		"cache_ttl": "1h",
	}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"history_limit": 20, "log_level": "info"}`)

	cfg, err := load(t, config.LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"HOME": home},
	})
	require.NoError(t, err)

	require.Equal(t, "global-data", cfg.DataDir)
	require.Equal(t, 20, cfg.HistoryLimit)
	require.Equal(t, config.Duration(time.Hour), cfg.CacheTTL)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, filepath.Join(dir, config.FileName), cfg.Sources.Project)
	require.NotEmpty(t, cfg.Sources.Global)

	cfg, err = load(t, config.LoadInput{
		WorkDirOverride:  dir,
		HasDataDir:       true,
		DataDirOverride:  "/tmp/flag-data",
		LogLevelOverride: "DEBUG",
		Env:              map[string]string{"HOME": home, config.EnvDataDir: "env-data"},
	})
	require.NoError(t, err)

	require.Equal(t, "/tmp/flag-data", cfg.DataDirAbs)
	require.Equal(t, "debug", cfg.LogLevel)
}

func Test_Load_Uses_XDG_Config_Home_When_Set(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := t.TempDir()

	writeFile(t, filepath.Join(xdg, "dv", "config.json"), `{"quota_bytes": 4096}`)

	cfg, err := load(t, config.LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	require.NoError(t, err)
	require.Equal(t, int64(4096), cfg.QuotaBytes)
}

func Test_Load_Reads_DotEnv_Without_Overriding_Process_Env(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "DV_DATA_DIR=from-dotenv\nDV_LOG_LEVEL=error\n")

	cfg, err := load(t, config.LoadInput{WorkDirOverride: dir})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "from-dotenv"), cfg.DataDirAbs)
	require.Equal(t, "error", cfg.LogLevel)
	require.Equal(t, filepath.Join(dir, ".env"), cfg.Sources.DotEnv)

	cfg, err = load(t, config.LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{config.EnvDataDir: "from-env"},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "from-env"), cfg.DataDirAbs)
}

func Test_Load_Expands_Home_When_Data_Dir_Starts_With_Tilde(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	home := t.TempDir()

	writeFile(t, filepath.Join(dir, config.FileName), `{"data_dir": "~/vault"}`)

	cfg, err := load(t, config.LoadInput{WorkDirOverride: dir, Env: map[string]string{"HOME": home}})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "vault"), cfg.DataDirAbs)
}

func Test_Load_Returns_Error_When_Explicit_Config_Missing(t *testing.T) {
	t.Parallel()

	_, err := load(t, config.LoadInput{WorkDirOverride: t.TempDir(), ConfigPath: "nope.json"})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func Test_Load_Uses_Explicit_Config_Instead_Of_Project_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, config.FileName), `{"history_limit": 20}`)
	writeFile(t, filepath.Join(dir, "alt.json"), `{"history_limit": 7}`)

	cfg, err := load(t, config.LoadInput{WorkDirOverride: dir, ConfigPath: "alt.json"})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.HistoryLimit)
	require.Equal(t, filepath.Join(dir, "alt.json"), cfg.Sources.Project)
}

func Test_Load_Returns_ErrConfigInvalid_When_Values_Bad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{name: "SyntaxError", content: `{"history_limit": `, want: config.ErrConfigInvalid},
		{name: "EmptyDataDir", content: `{"data_dir": ""}`, want: config.ErrDataDirEmpty},
		{name: "NegativeHistory", content: `{"history_limit": -1}`, want: config.ErrConfigInvalid},
		{name: "PercentTooHigh", content: `{"near_limit_percent": 120}`, want: config.ErrConfigInvalid},
		{name: "UnknownLevel", content: `{"log_level": "loud"}`, want: config.ErrConfigInvalid},
		{name: "BadDuration", content: `{"cache_ttl": "soon"}`, want: config.ErrConfigInvalid},
		{name: "NegativeSweep", content: `{"cache_sweep_interval": "-1m"}`, want: config.ErrConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, config.FileName), tt.content)

			_, err := load(t, config.LoadInput{WorkDirOverride: dir})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func Test_Load_Returns_ErrDataDirEmpty_When_Flag_Is_Empty(t *testing.T) {
	t.Parallel()

	_, err := load(t, config.LoadInput{WorkDirOverride: t.TempDir(), HasDataDir: true})
	require.ErrorIs(t, err, config.ErrDataDirEmpty)
}

func Test_LibraryOptions_Disables_Sweep_When_Interval_Is_Zero(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `{
		"cache_sweep_interval": "0s",
		"lock_timeout": "2s",
		"max_blob_size": 1024
	}`)

	cfg, err := load(t, config.LoadInput{WorkDirOverride: dir})
	require.NoError(t, err)

	opts := cfg.LibraryOptions(nil)
	require.Equal(t, filepath.Join(dir, ".docvault"), opts.Dir)
	require.Negative(t, opts.CacheSweepInterval)
	require.Equal(t, 2*time.Second, opts.LockTimeout)
	require.Equal(t, int64(1024), opts.MaxBlobSize)

	cfg, err = load(t, config.LoadInput{WorkDirOverride: t.TempDir()})
	require.NoError(t, err)
	require.Zero(t, cfg.LibraryOptions(nil).CacheSweepInterval)
}

func Test_Format_Prints_Resolved_Data_Dir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := load(t, config.LoadInput{WorkDirOverride: dir})
	require.NoError(t, err)

	out, err := config.Format(cfg)
	require.NoError(t, err)
	require.Contains(t, out, filepath.Join(dir, ".docvault"))
	require.Contains(t, out, `"log_level": "warn"`)
}
