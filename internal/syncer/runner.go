// Package syncer brings a destination dataset up to date with its source.
// A run lists the available units, subtracts those already recorded in the
// destination's append-only log and processes the rest one by one. A unit
// is done once its record is in the log; a failed unit is retried on the
// next run.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/pvforecast/nwplake/internal/changelog"
	"github.com/pvforecast/nwplake/internal/observability"
)

// State is the progress of one unit within a run.
type State string

const (
	StatePending      State = "pending"
	StateFetching     State = "fetching"
	StateFetched      State = "fetched"
	StateTransforming State = "transforming"
	StateWritten      State = "written"
	StateLogged       State = "logged"
)

// Progress is called by a job as a unit moves through its states.
type Progress func(State)

// Job is one source to destination sync.
type Job interface {
	// Name identifies the job in logs and metrics.
	Name() string

	// Log is the destination log recording completed units.
	Log() *changelog.Log

	// Key returns the business key of a unit record, as found in the log.
	Key(rec changelog.Record) (string, error)

	// Available lists every unit the source currently offers.
	Available(ctx context.Context) ([]changelog.Record, error)

	// Process fetches, transforms and writes one unit and returns the
	// record to append to the log.
	Process(ctx context.Context, rec changelog.Record, progress Progress) (changelog.Record, error)
}

// Failure is a unit that did not reach the log.
type Failure struct {
	Key   string
	State State
	Err   error
}

// Report summarises one run.
type Report struct {
	RunID     string
	Job       string
	Started   time.Time
	Duration  time.Duration
	Available int
	Done      int
	Pending   int
	Succeeded int
	Failures  []Failure
}

// Err aggregates the unit failures, or returns nil.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, fmt.Errorf("%s (%s): %w", f.Key, f.State, f.Err))
	}
	return result.ErrorOrNil()
}

// Runner executes jobs.
type Runner struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
}

// NewRunner creates a runner. Nil metrics or clock fall back to a private
// registry and the real clock.
func NewRunner(logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{logger: logger, metrics: metrics, clock: clock}
}

// Run syncs job once. Failing to list the source or read the log aborts
// the run with an error; failing units are recorded in the report and do
// not stop the others. Cancelling ctx stops the run before the next unit.
func (r *Runner) Run(ctx context.Context, job Job) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Job:     job.Name(),
		Started: r.clock.Now(),
	}
	logger := r.logger.With("job", job.Name(), "sync_run", report.RunID)
	defer func() {
		report.Duration = r.clock.Since(report.Started)
		r.metrics.RunDuration.WithLabelValues(job.Name()).Observe(report.Duration.Seconds())
	}()

	available, err := job.Available(ctx)
	if err != nil {
		r.metrics.Runs.WithLabelValues(job.Name(), "failed").Inc()
		return report, fmt.Errorf("%s: list available units: %w", job.Name(), err)
	}
	table, err := job.Log().ReadAll(ctx)
	if err != nil {
		r.metrics.Runs.WithLabelValues(job.Name(), "failed").Inc()
		return report, fmt.Errorf("%s: read log %s: %w", job.Name(), job.Log().Name(), err)
	}

	pending, done, err := r.pending(job, available, table)
	if err != nil {
		r.metrics.Runs.WithLabelValues(job.Name(), "failed").Inc()
		return report, err
	}
	report.Available = len(available)
	report.Done = done
	report.Pending = len(pending)
	r.metrics.UnitsPending.WithLabelValues(job.Name()).Set(float64(len(pending)))

	logger.Info("sync started", "available", report.Available, "done", done, "pending", report.Pending)

	for _, u := range pending {
		if err := ctx.Err(); err != nil {
			logger.Warn("sync cancelled", "remaining", report.Pending-report.Succeeded-len(report.Failures))
			r.metrics.Runs.WithLabelValues(job.Name(), "failed").Inc()
			return report, err
		}

		state, err := r.unit(ctx, logger, job, u)
		if err != nil {
			report.Failures = append(report.Failures, Failure{Key: u.key, State: state, Err: err})
			r.metrics.Units.WithLabelValues(job.Name(), "failure").Inc()
			logger.Error("unit failed", "key", u.key, "state", state, "error", err)
			continue
		}
		report.Succeeded++
		r.metrics.Units.WithLabelValues(job.Name(), "success").Inc()
	}

	outcome := "success"
	if len(report.Failures) > 0 {
		outcome = "partial"
	} else {
		r.metrics.LastSuccess.WithLabelValues(job.Name()).Set(float64(r.clock.Now().Unix()))
	}
	r.metrics.Runs.WithLabelValues(job.Name(), outcome).Inc()
	logger.Info("sync finished",
		"succeeded", report.Succeeded,
		"failed", len(report.Failures),
		"duration", r.clock.Since(report.Started),
	)
	return report, nil
}

type unit struct {
	key string
	rec changelog.Record
}

// pending returns the available units whose key is not logged, without
// duplicates and ascending by key, plus the number already done.
func (r *Runner) pending(job Job, available []changelog.Record, table *changelog.Table) ([]unit, int, error) {
	logged := make(map[string]struct{}, table.Len())
	for _, rec := range table.Records {
		k, err := job.Key(rec)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: key of logged record: %w", job.Name(), err)
		}
		logged[k] = struct{}{}
	}

	seen := make(map[string]struct{}, len(available))
	var (
		out  []unit
		done int
	)
	for _, rec := range available {
		k, err := job.Key(rec)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: key of available unit: %w", job.Name(), err)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := logged[k]; ok {
			done++
			continue
		}
		out = append(out, unit{key: k, rec: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, done, nil
}

// unit processes and logs one unit, returning the last state reached.
func (r *Runner) unit(ctx context.Context, logger *slog.Logger, job Job, u unit) (State, error) {
	start := r.clock.Now()
	state := StatePending
	progress := func(s State) {
		state = s
		logger.Debug("unit progress", "key", u.key, "state", s)
	}

	rec, err := job.Process(ctx, u.rec, progress)
	if err != nil {
		return state, err
	}
	state = StateWritten
	if err := job.Log().Append(ctx, rec); err != nil {
		return state, fmt.Errorf("append to log %s: %w", job.Log().Name(), err)
	}
	state = StateLogged

	elapsed := r.clock.Since(start)
	r.metrics.UnitDuration.WithLabelValues(job.Name()).Observe(elapsed.Seconds())
	logger.Info("unit synced", "key", u.key, "duration", elapsed)
	return state, nil
}
