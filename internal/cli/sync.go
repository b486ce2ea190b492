package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pvforecast/nwplake/internal/app"
	"github.com/pvforecast/nwplake/internal/syncer"
)

type syncResult struct {
	Job       string        `json:"job"`
	RunID     string        `json:"run_id"`
	Available int           `json:"available"`
	Done      int           `json:"done"`
	Pending   int           `json:"pending"`
	Succeeded int           `json:"succeeded"`
	Duration  string        `json:"duration"`
	Failures  []syncFailure `json:"failures,omitempty"`
}

type syncFailure struct {
	Key   string `json:"key"`
	State string `json:"state"`
	Error string `json:"error"`
}

func newSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <versioned|latest|all>",
		Short: "Run one incremental sync",
		Long: `Sync fetches what is not yet recorded in the sync logs.

  versioned  download new forecast files into the versioned dataset
  latest     consolidate complete model runs into the latest dataset
  all        versioned, then latest

Exits with status 1 when any unit failed; rerunning retries only those.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{app.JobVersioned, app.JobLatest, "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runSync(cmd *cobra.Command, opts *RootOptions, target string) error {
	var jobs []string
	switch target {
	case app.JobVersioned, app.JobLatest:
		jobs = []string{target}
	case "all":
		jobs = []string{app.JobVersioned, app.JobLatest}
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown sync target %q: must be versioned, latest or all", target))
	}

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}

	reports, runErr := a.Sync(cmd.Context(), jobs...)
	p := &printer{format: opts.Format, w: cmd.OutOrStdout()}
	if err := printReports(p, reports); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitCommandError, "sync aborted", runErr)
	}

	failed := 0
	for _, r := range reports {
		failed += len(r.Failures)
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d unit(s) failed", failed))
	}
	return nil
}

func printReports(p *printer, reports []*syncer.Report) error {
	results := make([]syncResult, 0, len(reports))
	var rows [][]string
	for _, r := range reports {
		res := syncResult{
			Job:       r.Job,
			RunID:     r.RunID,
			Available: r.Available,
			Done:      r.Done,
			Pending:   r.Pending,
			Succeeded: r.Succeeded,
			Duration:  r.Duration.String(),
		}
		for _, f := range r.Failures {
			res.Failures = append(res.Failures, syncFailure{Key: f.Key, State: string(f.State), Error: f.Err.Error()})
		}
		results = append(results, res)
		rows = append(rows, []string{
			r.Job,
			strconv.Itoa(r.Available),
			strconv.Itoa(r.Done),
			strconv.Itoa(r.Pending),
			strconv.Itoa(r.Succeeded),
			strconv.Itoa(len(r.Failures)),
			r.Duration.String(),
		})
	}
	if err := p.table(results, []string{"JOB", "AVAILABLE", "DONE", "PENDING", "SUCCEEDED", "FAILED", "DURATION"}, rows); err != nil {
		return err
	}
	if p.format == "json" {
		return nil
	}
	for _, r := range results {
		for _, f := range r.Failures {
			fmt.Fprintf(p.w, "%s: %s failed while %s: %s\n", r.Job, f.Key, f.State, f.Error)
		}
	}
	return nil
}
