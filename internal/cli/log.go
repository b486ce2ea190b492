package cli

import (
	"github.com/spf13/cobra"

	"github.com/pvforecast/nwplake/pkg/types"
)

func newLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the sync logs",
	}
	cmd.AddCommand(newLogShowCommand(rootOpts))
	return cmd
}

func newLogShowCommand(rootOpts *RootOptions) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "show <log>",
		Short: "Print the records of a sync log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			log, err := a.Log(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "unknown log", err)
			}
			table, err := log.ReadAll(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read log", err)
			}

			records := table.Records
			if tail > 0 && len(records) > tail {
				records = records[len(records)-tail:]
			}

			header := make([]string, len(table.Columns))
			for i, c := range table.Columns {
				header[i] = c.Name
			}
			rows := make([][]string, 0, len(records))
			out := make([]map[string]string, 0, len(records))
			for _, rec := range records {
				row := make([]string, len(table.Columns))
				m := make(map[string]string, len(table.Columns))
				for i, c := range table.Columns {
					if v := rec[c.Name]; v != nil {
						s, err := types.Format(c.Type, v)
						if err != nil {
							return WrapExitError(ExitCommandError, "failed to format log record", err)
						}
						row[i] = s
						m[c.Name] = s
					}
				}
				rows = append(rows, row)
				out = append(out, m)
			}
			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return p.table(out, header, rows)
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "show only the last n records")
	return cmd
}
