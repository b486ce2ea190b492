package syncer

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/pvforecast/nwplake/internal/changelog"
	"github.com/pvforecast/nwplake/internal/dataset"
	"github.com/pvforecast/nwplake/internal/grib"
	"github.com/pvforecast/nwplake/internal/nwp"
	"github.com/pvforecast/nwplake/internal/observability"
	"github.com/pvforecast/nwplake/internal/upstream/dmi"
	"github.com/pvforecast/nwplake/pkg/types"
)

// VersionedSchema partitions raw runs by model run and valid time.
var VersionedSchema = types.NewPartitionSchema(
	types.Field{Name: nwp.DimModelRun, Type: types.TypeDatetimeMs},
	types.Field{Name: nwp.DimTime, Type: types.TypeDatetimeMs},
)

// VersionedColumns is the schema of the ingestion log.
var VersionedColumns = []changelog.Column{
	{Name: "run_id", Type: types.TypeString},
	{Name: nwp.DimModelRun, Type: types.TypeDatetimeMs},
	{Name: nwp.DimTime, Type: types.TypeDatetimeMs},
	{Name: "created_utc", Type: types.TypeDatetimeMs},
	{Name: "size_bytes", Type: types.TypeInt64},
	{Name: "checksum", Type: types.TypeString},
}

// Upstream lists and downloads forecast files.
type Upstream interface {
	ListRuns(ctx context.Context) ([]dmi.Run, error)
	Download(ctx context.Context, runID string, dst *os.File) (int64, error)
}

// VersionedJobConfig holds the collaborators of a VersionedJob.
type VersionedJobConfig struct {
	Upstream   Upstream
	Dataset    *dataset.Dataset
	Log        *changelog.Log
	Parameters []nwp.Parameter
	Model      string
	ScratchDir string
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// VersionedJob ingests every upstream file into the versioned dataset,
// keyed by run id.
type VersionedJob struct {
	cfg VersionedJobConfig
}

// NewVersionedJob validates cfg and fills defaults.
func NewVersionedJob(cfg VersionedJobConfig) (*VersionedJob, error) {
	if cfg.Upstream == nil || cfg.Dataset == nil || cfg.Log == nil {
		return nil, errors.New("versioned job: upstream, dataset and log are required")
	}
	if len(cfg.Parameters) == 0 {
		cfg.Parameters = nwp.DefaultParameters
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsForTesting()
	}
	return &VersionedJob{cfg: cfg}, nil
}

func (j *VersionedJob) Name() string { return "versioned" }

func (j *VersionedJob) Log() *changelog.Log { return j.cfg.Log }

func (j *VersionedJob) Key(rec changelog.Record) (string, error) {
	id, ok := rec["run_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("record has no run_id: %v", rec)
	}
	return id, nil
}

func (j *VersionedJob) Available(ctx context.Context) ([]changelog.Record, error) {
	runs, err := j.cfg.Upstream.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]changelog.Record, 0, len(runs))
	for _, r := range runs {
		rec := changelog.Record{
			"run_id":        r.RunID,
			nwp.DimModelRun: r.ModelRunTime,
			nwp.DimTime:     r.Time,
		}
		if !r.Created.IsZero() {
			rec["created_utc"] = r.Created
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Process downloads the file to scratch, decodes it and writes its
// partitions. The returned record carries the size and murmur3 checksum of
// the raw file.
func (j *VersionedJob) Process(ctx context.Context, rec changelog.Record, progress Progress) (changelog.Record, error) {
	runID, err := j.Key(rec)
	if err != nil {
		return nil, err
	}

	progress(StateFetching)
	f, err := os.CreateTemp(j.cfg.ScratchDir, "run-*.grib")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	size, err := j.cfg.Upstream.Download(ctx, runID, f)
	if err != nil {
		return nil, err
	}
	j.cfg.Metrics.BytesDownloaded.Add(float64(size))
	progress(StateFetched)

	progress(StateTransforming)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind scratch file: %w", err)
	}
	h := murmur3.New128()
	fields, err := grib.Decode(bufio.NewReader(io.TeeReader(f, h)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", runID, err)
	}
	frame, err := nwp.Normalize(fields, j.cfg.Parameters)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", runID, err)
	}
	if j.cfg.Model != "" {
		frame.Attrs["model"] = j.cfg.Model
	}
	j.checkListing(runID, rec, frame.Coords[0].Values, frame.Coords[1].Values)

	parts, err := j.cfg.Dataset.Write(ctx, frame)
	if err != nil {
		return nil, err
	}
	j.cfg.Metrics.Partitions.WithLabelValues(j.cfg.Dataset.Name()).Add(float64(len(parts)))
	progress(StateWritten)

	out := make(changelog.Record, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	out["size_bytes"] = size
	out["checksum"] = hex.EncodeToString(h.Sum(nil))
	return out, nil
}

// checkListing warns when the file holds other times than its listing
// announced. The file contents win.
func (j *VersionedJob) checkListing(runID string, rec changelog.Record, runs, times []any) {
	contains := func(labels []any, v any) bool {
		t, ok := v.(time.Time)
		if !ok {
			return true
		}
		for _, l := range labels {
			if types.Equal(l, t) {
				return true
			}
		}
		return false
	}
	if !contains(runs, rec[nwp.DimModelRun]) || !contains(times, rec[nwp.DimTime]) {
		j.cfg.Logger.Warn("file times differ from listing",
			"run_id", runID,
			"listed_model_run", rec[nwp.DimModelRun],
			"listed_time", rec[nwp.DimTime],
			"file_model_runs", len(runs),
			"file_times", len(times),
		)
	}
}
