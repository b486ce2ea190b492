package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pvforecast/nwplake/internal/changelog"
	"github.com/pvforecast/nwplake/internal/dataset"
	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/grib"
	"github.com/pvforecast/nwplake/internal/nwp"
	"github.com/pvforecast/nwplake/internal/observability"
	"github.com/pvforecast/nwplake/internal/storage"
	"github.com/pvforecast/nwplake/internal/upstream/dmi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	runA = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	runB = time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
)

func runID(run time.Time, hour int) string {
	valid := run.Add(time.Duration(hour) * time.Hour)
	return fmt.Sprintf("HARMONIE_DINI_SF_%s_%s.grib", run.Format("2006-01-02T150405Z"), valid.Format("2006-01-02T150405Z"))
}

// forecastFile encodes one step of a run on a 2x2 grid. Temperatures are
// 280 + run hour of day + step, radiation accumulates 3600*(10+i) J/m2 per
// hour at point i.
func forecastFile(t *testing.T, run time.Time, hour int) []byte {
	t.Helper()
	valid := run.Add(time.Duration(hour) * time.Hour)
	var products []grib.Product
	for _, p := range nwp.DefaultParameters {
		prod := grib.Product{
			Category: p.Category, Number: p.Number,
			SurfaceType: p.SurfaceType, SurfaceValue: uint32(p.Level),
			ReferenceTime: run, ValidTime: valid,
			Ni: 2, Nj: 2,
		}
		switch {
		case nwp.IsAccumulated(p.Name):
			prod.SurfaceType = grib.SurfaceGround
			prod.Accumulated = true
			prod.Values = make([]float64, 4)
			for i := range prod.Values {
				prod.Values[i] = 3600 * float64((10+i)*hour)
			}
		default:
			base := 280 + float64(run.Hour()+hour)
			prod.Values = []float64{base, base, base, base}
		}
		products = append(products, prod)
	}
	var buf bytes.Buffer
	require.NoError(t, grib.Encode(&buf, products...))
	return buf.Bytes()
}

// fakeUpstream serves forecast files from memory.
type fakeUpstream struct {
	mu        sync.Mutex
	runs      []dmi.Run
	files     map[string][]byte
	failures  map[string]error
	listErr   error
	downloads map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		files:     map[string][]byte{},
		failures:  map[string]error{},
		downloads: map[string]int{},
	}
}

func (u *fakeUpstream) publish(t *testing.T, run time.Time, hours ...int) {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, h := range hours {
		id := runID(run, h)
		u.runs = append(u.runs, dmi.Run{
			RunID:        id,
			ModelRunTime: run,
			Time:         run.Add(time.Duration(h) * time.Hour),
			Created:      run.Add(time.Duration(h)*time.Hour + 70*time.Minute),
		})
		u.files[id] = forecastFile(t, run, h)
	}
}

func (u *fakeUpstream) ListRuns(context.Context) ([]dmi.Run, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.listErr != nil {
		return nil, u.listErr
	}
	return append([]dmi.Run(nil), u.runs...), nil
}

func (u *fakeUpstream) Download(_ context.Context, id string, dst *os.File) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.downloads[id]++
	if err := u.failures[id]; err != nil {
		return 0, err
	}
	data, ok := u.files[id]
	if !ok {
		return 0, nerrors.NewUpstreamError(nerrors.CodeHTTPStatus, "status 404", nil)
	}
	n, err := io.Copy(dst, bytes.NewReader(data))
	return n, err
}

func (u *fakeUpstream) totalDownloads() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.downloads {
		n += c
	}
	return n
}

// env is a lake with both datasets and logs on a local store.
type env struct {
	store     *storage.LocalStorage
	lake      *dataset.Lake
	upstream  *fakeUpstream
	versioned *dataset.Dataset
	vlog      *changelog.Log
	latest    *dataset.Dataset
	llog      *changelog.Log
	runner    *Runner
	clock     *clockwork.FakeClock
	logger    *slog.Logger
	logs      *bytes.Buffer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	lake := dataset.NewLake(store, t.TempDir(), logger)

	versioned, err := lake.Create(ctx, "versioned_nwp", VersionedSchema, dataset.CreateOptions{})
	require.NoError(t, err)
	latest, err := lake.Create(ctx, "latest_nwp", LatestSchema, dataset.CreateOptions{})
	require.NoError(t, err)
	vlog, err := changelog.Create(ctx, store, "log_versioned_nwp", VersionedColumns, logger)
	require.NoError(t, err)
	llog, err := changelog.Create(ctx, store, "log_latest_nwp", LatestColumns, logger)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	return &env{
		store:     store,
		lake:      lake,
		upstream:  newFakeUpstream(),
		versioned: versioned,
		vlog:      vlog,
		latest:    latest,
		llog:      llog,
		runner:    NewRunner(logger, observability.NewMetricsForTesting(), clock),
		clock:     clock,
		logger:    logger,
		logs:      logs,
	}
}

func (e *env) versionedJob(t *testing.T) *VersionedJob {
	t.Helper()
	job, err := NewVersionedJob(VersionedJobConfig{
		Upstream:   e.upstream,
		Dataset:    e.versioned,
		Log:        e.vlog,
		Model:      dmi.DefaultModel,
		ScratchDir: t.TempDir(),
		Logger:     e.logger,
	})
	require.NoError(t, err)
	return job
}

func (e *env) latestJob(t *testing.T, threshold int) *LatestJob {
	t.Helper()
	job, err := NewLatestJob(LatestJobConfig{
		Source:    e.versioned,
		SourceLog: e.vlog,
		Dest:      e.latest,
		Log:       e.llog,
		Threshold: threshold,
		Logger:    e.logger,
	})
	require.NoError(t, err)
	return job
}

func (e *env) logKeys(t *testing.T, log *changelog.Log, column string) []string {
	t.Helper()
	table, err := log.ReadAll(context.Background())
	require.NoError(t, err)
	var keys []string
	for k := range table.Keys(column) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *env) partitionPaths(t *testing.T, d *dataset.Dataset) []string {
	t.Helper()
	parts, err := d.ListPartitions(context.Background())
	require.NoError(t, err)
	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.Path
	}
	return paths
}
