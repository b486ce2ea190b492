package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pvforecast/nwplake/internal/changelog"
	"github.com/pvforecast/nwplake/internal/dataset"
	"github.com/pvforecast/nwplake/internal/nwp"
	"github.com/pvforecast/nwplake/internal/observability"
	"github.com/pvforecast/nwplake/internal/predicate"
	"github.com/pvforecast/nwplake/pkg/types"
)

// DefaultThreshold is the number of files in a complete HARMONIE run: the
// analysis plus 60 hourly steps.
const DefaultThreshold = 61

// LatestSchema partitions the consolidated view by valid time only, so a
// newer run overwrites the partitions it shares with older runs.
var LatestSchema = types.NewPartitionSchema(
	types.Field{Name: nwp.DimTime, Type: types.TypeDatetimeMs},
)

// LatestColumns is the schema of the consolidation log.
var LatestColumns = []changelog.Column{
	{Name: nwp.DimModelRun, Type: types.TypeDatetimeMs},
	{Name: "member_count", Type: types.TypeInt64},
	{Name: "partitions_written", Type: types.TypeInt64},
}

// LatestJobConfig holds the collaborators of a LatestJob.
type LatestJobConfig struct {
	Source    *dataset.Dataset
	SourceLog *changelog.Log
	Dest      *dataset.Dataset
	Log       *changelog.Log
	Threshold int
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// LatestJob consolidates every complete model run of the versioned dataset
// into the latest dataset, oldest run first.
type LatestJob struct {
	cfg LatestJobConfig
}

// NewLatestJob validates cfg and fills defaults.
func NewLatestJob(cfg LatestJobConfig) (*LatestJob, error) {
	if cfg.Source == nil || cfg.SourceLog == nil || cfg.Dest == nil || cfg.Log == nil {
		return nil, errors.New("latest job: source, source log, destination and log are required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsForTesting()
	}
	return &LatestJob{cfg: cfg}, nil
}

func (j *LatestJob) Name() string { return "latest" }

func (j *LatestJob) Log() *changelog.Log { return j.cfg.Log }

// Key is the formatted model run time; the format sorts chronologically.
func (j *LatestJob) Key(rec changelog.Record) (string, error) {
	v, ok := rec[nwp.DimModelRun]
	if !ok || v == nil {
		return "", fmt.Errorf("record has no %s: %v", nwp.DimModelRun, rec)
	}
	return types.Format(types.TypeDatetimeMs, v)
}

// Available returns the model runs whose number of distinct ingested files
// has reached the threshold.
func (j *LatestJob) Available(ctx context.Context) ([]changelog.Record, error) {
	table, err := j.cfg.SourceLog.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	var recs []changelog.Record
	for _, g := range table.GroupBy(nwp.DimModelRun) {
		n := g.Distinct("run_id")
		if n < j.cfg.Threshold {
			j.cfg.Logger.Debug("batch incomplete", "model_run", g.Key, "members", n, "threshold", j.cfg.Threshold)
			continue
		}
		recs = append(recs, changelog.Record{nwp.DimModelRun: g.Key, "member_count": int64(n)})
	}
	return recs, nil
}

// Process reads the batch through a pushdown on its model run, consolidates
// it and writes the result. Valid times already covered by a newer
// consolidated run are left alone, so a late older batch never overwrites
// newer forecasts.
func (j *LatestJob) Process(ctx context.Context, rec changelog.Record, progress Progress) (changelog.Record, error) {
	run, ok := rec[nwp.DimModelRun].(time.Time)
	if !ok {
		return nil, fmt.Errorf("record has no %s time: %v", nwp.DimModelRun, rec)
	}

	progress(StateFetching)
	frame, err := j.cfg.Source.Read(ctx, predicate.Eq(nwp.DimModelRun, run))
	if err != nil {
		return nil, err
	}
	progress(StateFetched)

	progress(StateTransforming)
	out, err := nwp.Consolidate(frame)
	if err != nil {
		return nil, fmt.Errorf("consolidate %s: %w", run.Format(time.RFC3339), err)
	}
	newer, err := j.nextConsolidated(ctx, run)
	if err != nil {
		return nil, err
	}
	if !newer.IsZero() {
		out, err = out.Where(nwp.DimTime, func(v any) bool {
			t, ok := v.(time.Time)
			return ok && !t.After(newer)
		})
		if err != nil {
			return nil, err
		}
		j.cfg.Logger.Info("batch partly superseded", "model_run", run, "newer_model_run", newer)
	}

	var parts []types.Partition
	if c, _ := out.Coord(nwp.DimTime); c.Len() > 0 {
		if parts, err = j.cfg.Dest.Write(ctx, out); err != nil {
			return nil, err
		}
	}
	j.cfg.Metrics.Partitions.WithLabelValues(j.cfg.Dest.Name()).Add(float64(len(parts)))
	progress(StateWritten)

	return changelog.Record{
		nwp.DimModelRun:      run,
		"member_count":       rec["member_count"],
		"partitions_written": int64(len(parts)),
	}, nil
}

// nextConsolidated returns the earliest consolidated model run later than run,
// or the zero time.
func (j *LatestJob) nextConsolidated(ctx context.Context, run time.Time) (time.Time, error) {
	table, err := j.cfg.Log.ReadAll(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var first time.Time
	for _, v := range table.Values(nwp.DimModelRun) {
		t, ok := v.(time.Time)
		if !ok || !t.After(run) {
			continue
		}
		if first.IsZero() || t.Before(first) {
			first = t
		}
	}
	return first, nil
}
