package cli

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvforecast/nwplake/internal/dataset"
	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/grid"
	"github.com/pvforecast/nwplake/internal/predicate"
	"github.com/pvforecast/nwplake/pkg/types"
)

func newDatasetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Inspect and manage datasets",
	}
	cmd.AddCommand(newDatasetListCommand(rootOpts))
	cmd.AddCommand(newDatasetPartitionsCommand(rootOpts))
	cmd.AddCommand(newDatasetReadCommand(rootOpts))
	cmd.AddCommand(newDatasetDeleteCommand(rootOpts))
	return cmd
}

type datasetInfo struct {
	Name            string                `json:"name"`
	Format          string                `json:"format"`
	PartitionSchema types.PartitionSchema `json:"partition_schema"`
}

func newDatasetListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			names, err := a.Lake().List(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list datasets", err)
			}
			infos := make([]datasetInfo, 0, len(names))
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				d, err := a.Lake().Get(ctx, name)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to open dataset", err)
				}
				infos = append(infos, datasetInfo{Name: name, Format: d.Format(), PartitionSchema: d.Schema()})
				rows = append(rows, []string{name, d.Format(), d.Schema().String()})
			}
			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return p.table(infos, []string{"NAME", "FORMAT", "PARTITION SCHEMA"}, rows)
		},
	}
}

// whereFlag adds --where to cmd and returns a function parsing it.
func whereFlag(cmd *cobra.Command) func() (predicate.Predicate, error) {
	var where string
	cmd.Flags().StringVarP(&where, "where", "w", "", `partition filter, e.g. "time_utc >= '2024-05-01T00:00:00.000' AND time_utc < '2024-05-02T00:00:00.000'"`)
	return func() (predicate.Predicate, error) {
		if strings.TrimSpace(where) == "" {
			return predicate.True(), nil
		}
		p, err := predicate.Parse(where)
		if err != nil {
			return predicate.Predicate{}, WrapExitError(ExitCommandError, "invalid --where", err)
		}
		return p, nil
	}
}

func openDataset(cmd *cobra.Command, rootOpts *RootOptions, name string) (*dataset.Dataset, error) {
	a, err := openApp(cmd, rootOpts)
	if err != nil {
		return nil, err
	}
	d, err := a.Lake().Get(cmd.Context(), name)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open dataset", err)
	}
	return d, nil
}

func newDatasetPartitionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions <dataset>",
		Short: "List the partitions of a dataset",
		Args:  cobra.ExactArgs(1),
	}
	where := whereFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		p, err := where()
		if err != nil {
			return err
		}
		d, err := openDataset(cmd, rootOpts, args[0])
		if err != nil {
			return err
		}
		parts, err := d.Partitions(cmd.Context(), p)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list partitions", err)
		}

		names := d.Schema().Names()
		header := append(append([]string{}, names...), "PATH")
		rows := make([][]string, 0, len(parts))
		for _, part := range parts {
			row := make([]string, 0, len(header))
			for _, f := range d.Schema() {
				s, err := types.Format(f.Type, part.Key[f.Name])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to format partition key", err)
				}
				row = append(row, s)
			}
			rows = append(rows, append(row, part.Path))
		}
		out := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
		return out.table(parts, header, rows)
	}
	return cmd
}

type coordSummary struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
	First  string `json:"first"`
	Last   string `json:"last"`
}

type varSummary struct {
	Name  string  `json:"name"`
	Units string  `json:"units"`
	Min   float64 `json:"min"`
	Mean  float64 `json:"mean"`
	Max   float64 `json:"max"`
	NaN   int     `json:"nan"`
}

type frameSummary struct {
	Coords []coordSummary       `json:"coords"`
	Vars   []varSummary         `json:"variables"`
	Attrs  map[string]string    `json:"attrs,omitempty"`
	Values map[string][]float64 `json:"values,omitempty"`
}

func newDatasetReadCommand(rootOpts *RootOptions) *cobra.Command {
	var withValues bool
	cmd := &cobra.Command{
		Use:   "read <dataset>",
		Short: "Read the partitions matching --where and summarise them",
		Args:  cobra.ExactArgs(1),
	}
	where := whereFlag(cmd)
	cmd.Flags().BoolVar(&withValues, "values", false, "include every value in JSON output")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		p, err := where()
		if err != nil {
			return err
		}
		d, err := openDataset(cmd, rootOpts, args[0])
		if err != nil {
			return err
		}
		f, err := d.Read(cmd.Context(), p)
		if err != nil {
			if errors.Is(err, nerrors.ErrStorageNotFound) || nerrors.GetCode(err) == nerrors.CodeNoPartitions {
				return WrapExitError(ExitCommandError, "nothing to read", err)
			}
			return WrapExitError(ExitCommandError, "failed to read dataset", err)
		}

		s := summarize(f)
		if withValues {
			s.Values = make(map[string][]float64, len(f.Vars))
			for _, v := range f.Vars {
				s.Values[v.Name] = v.Data
			}
		}
		out := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
		if out.format == "json" {
			return out.json(s)
		}
		return printSummary(out, s)
	}
	return cmd
}

func summarize(f *grid.Frame) frameSummary {
	s := frameSummary{Attrs: f.Attrs}
	for _, c := range f.Coords {
		cs := coordSummary{Name: c.Name, Length: c.Len()}
		if c.Len() > 0 {
			cs.First = label(c.Values[0])
			cs.Last = label(c.Values[c.Len()-1])
		}
		s.Coords = append(s.Coords, cs)
	}
	for _, v := range f.Vars {
		vs := varSummary{Name: v.Name, Units: v.Units, Min: math.Inf(1), Max: math.Inf(-1)}
		var sum float64
		n := 0
		for _, x := range v.Data {
			if math.IsNaN(x) {
				vs.NaN++
				continue
			}
			sum += x
			n++
			vs.Min = math.Min(vs.Min, x)
			vs.Max = math.Max(vs.Max, x)
		}
		if n == 0 {
			vs.Min, vs.Mean, vs.Max = 0, 0, 0
		} else {
			vs.Mean = sum / float64(n)
		}
		s.Vars = append(s.Vars, vs)
	}
	return s
}

func printSummary(p *printer, s frameSummary) error {
	rows := make([][]string, 0, len(s.Coords))
	for _, c := range s.Coords {
		rows = append(rows, []string{c.Name, strconv.Itoa(c.Length), c.First, c.Last})
	}
	if err := p.table(nil, []string{"DIMENSION", "LENGTH", "FIRST", "LAST"}, rows); err != nil {
		return err
	}
	fmt.Fprintln(p.w)

	rows = rows[:0]
	for _, v := range s.Vars {
		rows = append(rows, []string{
			v.Name, v.Units,
			strconv.FormatFloat(v.Min, 'g', 6, 64),
			strconv.FormatFloat(v.Mean, 'g', 6, 64),
			strconv.FormatFloat(v.Max, 'g', 6, 64),
			strconv.Itoa(v.NaN),
		})
	}
	if err := p.table(nil, []string{"VARIABLE", "UNITS", "MIN", "MEAN", "MAX", "NAN"}, rows); err != nil {
		return err
	}

	if len(s.Attrs) > 0 {
		fmt.Fprintln(p.w)
		keys := make([]string, 0, len(s.Attrs))
		for k := range s.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(p.w, "%s: %s\n", k, s.Attrs[k])
		}
	}
	return nil
}

func label(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format("2006-01-02T15:04:05")
	}
	return fmt.Sprint(v)
}

func newDatasetDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <dataset>",
		Short: "Delete a dataset and all its partitions",
		Long: `Delete removes the dataset metadata and every partition. It does not
touch the sync logs: delete or edit the matching log as well to resync.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			if err := a.Lake().Delete(cmd.Context(), args[0], yes); err != nil {
				if errors.Is(err, nerrors.ErrConfirmationAborted) {
					return WrapExitError(ExitCommandError, "refusing to delete without --yes", err)
				}
				return WrapExitError(ExitCommandError, "failed to delete dataset", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}
