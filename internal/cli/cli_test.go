package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvforecast/nwplake/internal/app"
	"github.com/pvforecast/nwplake/internal/config"
	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/observability"
	"github.com/pvforecast/nwplake/internal/upstream/dmi"
)

// brokenUpstream lists one file that cannot be downloaded.
type brokenUpstream struct{}

func (brokenUpstream) ListRuns(context.Context) ([]dmi.Run, error) {
	run := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return []dmi.Run{{RunID: "HARMONIE_DINI_SF_2024-05-01T000000Z_2024-05-01T000000Z.grib", ModelRunTime: run, Time: run}}, nil
}

func (brokenUpstream) Download(context.Context, string, *os.File) (int64, error) {
	return 0, nerrors.NewUpstreamError(nerrors.CodeHTTPStatus, "status 503", nil)
}

func execute(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{
		newApp: func(cfg *config.Config, logger *slog.Logger) (*app.App, error) {
			return app.New(cfg, logger,
				app.WithUpstream(brokenUpstream{}),
				app.WithMetrics(observability.NewMetricsForTesting()),
			)
		},
	}
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "nwplake", cmd.Use)

	for _, path := range [][]string{
		{"sync"}, {"dataset", "list"}, {"dataset", "partitions"}, {"dataset", "read"},
		{"dataset", "delete"}, {"log", "show"}, {"version"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "nwplake version dev")

	out, err = execute(t, t.TempDir(), "--format", "json", "version")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "dev", v["version"])
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, t.TempDir(), "--format", "yaml", "version")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSync_Latest_NothingToDo(t *testing.T) {
	out, err := execute(t, t.TempDir(), "sync", "latest")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB")
	assert.Contains(t, out, "latest")
}

func TestSync_UnitFailureExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "sync", "all")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "failed while fetching")

	out, err = execute(t, dir, "--format", "json", "sync", "versioned")
	require.Error(t, err)
	var results []syncResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Pending)
	require.Len(t, results[0].Failures, 1)
	assert.Equal(t, "fetching", results[0].Failures[0].State)
}

func TestSync_UnknownTarget(t *testing.T) {
	_, err := execute(t, t.TempDir(), "sync", "hourly")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDatasetCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "dataset", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "latest_nwp")
	assert.Contains(t, out, "versioned_nwp")
	assert.Contains(t, out, "model_run_time_utc:datetime64[ms]")

	out, err = execute(t, dir, "dataset", "partitions", "versioned_nwp")
	require.NoError(t, err)
	assert.Contains(t, out, "PATH")

	_, err = execute(t, dir, "dataset", "partitions", "versioned_nwp", "--where", "time_utc >=")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, dir, "dataset", "read", "versioned_nwp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to read")

	_, err = execute(t, dir, "dataset", "delete", "latest_nwp")
	require.Error(t, err)
	assert.ErrorIs(t, err, nerrors.ErrConfirmationAborted)

	out, err = execute(t, dir, "dataset", "delete", "latest_nwp", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted latest_nwp")
}

func TestLogShow(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "log", "show", "log_versioned_nwp")
	require.NoError(t, err)
	assert.Contains(t, out, "run_id")
	assert.Contains(t, out, "checksum")

	_, err = execute(t, dir, "log", "show", "log_hourly")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("NWPLAKE_DATA_DIR", "/from/env")
	t.Setenv("NWPLAKE_LOG_LEVEL", "warn")

	cfg, err := loadConfig(&RootOptions{DataDir: "/from/flag"})
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.DataDir)
	assert.Equal(t, "warn", cfg.Log.Level)
}
