package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/model"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"run", "inspect", "classify", "backups", "history", "config", "serve", "version"} {
		assert.True(t, names[want], "root command missing subcommand %q", want)
	}
}

func TestVersionOutput(t *testing.T) {
	// version vars are set via ldflags; in tests they have their defaults
	assert.Equal(t, "dev", version)

	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "tiergate dev")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     int
		wantText string
	}{
		{"nil", nil, exitOK, ""},
		{"config", &model.ConfigError{Field: "tiers", Err: errors.New("empty")}, exitConfig, "Error: "},
		{"wrapped config", fmt.Errorf("load: %w", &model.ConfigError{Err: errors.New("bad")}), exitConfig, "Error: "},
		{"candidates failed", errCandidatesFailed, exitFailure, ""},
		{"other", errors.New("boom"), exitFailure, "Error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, tt.want, exitCode(tt.err, &stderr))
			if tt.wantText == "" {
				assert.Empty(t, stderr.String())
			} else {
				assert.Contains(t, stderr.String(), tt.wantText)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello", "component", "test")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = newLogger(&buf, "loud", "text")
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "--log-level", cfgErr.Field)

	_, err = newLogger(&buf, "info", "xml")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "--log-format", cfgErr.Field)
}

func TestOpenLogFileRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tiergate.log")

	f, err := openLogFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Truncate(path, maxLogSize+1))

	f, err = openLogFile(path)
	require.NoError(t, err)
	defer f.Close()

	rotated, err := os.Stat(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, int64(maxLogSize+1), rotated.Size())

	fresh, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, fresh.Size())
}

func TestLoggerFromWithoutCommand(t *testing.T) {
	assert.NotNil(t, loggerFrom(context.Background()))
}

func TestClassifyCommand(t *testing.T) {
	cfgPath := writeExampleConfig(t)

	tests := []struct {
		name       string
		args       []string
		wantTier   string
		wantAction string
	}{
		{"small", []string{"--files", "3", "--critical", "0", "--conflicts", "0"}, "auto_merge", "merge"},
		{"critical", []string{"--files", "8", "--critical", "1", "--conflicts", "0"}, "guided_merge", "none"},
		{"huge", []string{"--files", "500", "--critical", "0", "--conflicts", "0"}, "rejected", "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"classify", "--config", cfgPath}, tt.args...)
			code, stdout, stderr := runCLI(t, args...)
			require.Equal(t, exitOK, code, stderr)
			assert.Contains(t, stdout, "tier:   "+tt.wantTier)
			assert.Contains(t, stdout, "action: "+tt.wantAction)
		})
	}
}

func TestClassifyRejectsNegative(t *testing.T) {
	cfgPath := writeExampleConfig(t)
	code, _, stderr := runCLI(t, "classify", "--config", cfgPath, "--files=-1", "--critical", "0", "--conflicts", "0")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "non-negative")
}

func TestConfigInitThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiergate.yaml")

	code, stdout, stderr := runCLI(t, "config", "init", "--force=false", path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Example(), data)

	code, _, stderr = runCLI(t, "config", "init", "--force=false", path)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "already exists")

	code, stdout, stderr = runCLI(t, "config", "check", "--config", path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Configuration OK: "+path)
	assert.Contains(t, stdout, "auto_merge")
	assert.Contains(t, stdout, "manual_merge")
}

func TestConfigCheckInvalidExitsWithConfigCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiergate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers: []\n"), 0o644))

	code, _, stderr := runCLI(t, "config", "check", "--config", path)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "Error:")
}

func TestHistoryNeedsSQLiteStore(t *testing.T) {
	cfgPath := writeExampleConfig(t)
	code, _, stderr := runCLI(t, "history", "--config", cfgPath, "--store", config.StoreMemory)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "backup.store")
}

func TestHistoryEmptyStore(t *testing.T) {
	cfgPath := writeExampleConfig(t)
	state := filepath.Join(t.TempDir(), "state.db")
	code, stdout, stderr := runCLI(t, "history", "--config", cfgPath, "--store", config.StoreSQLite, "--state", state)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "No runs recorded.")
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	cfgPath := writeExampleConfig(t)
	code, _, stderr := runCLI(t, "run", "--config", cfgPath, "--format", "pdf")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "pdf")
}

func writeExampleConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiergate.yaml")
	require.NoError(t, os.WriteFile(path, config.Example(), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}
