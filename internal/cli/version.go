package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X github.com/pvforecast/nwplake/internal/cli.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

func newVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.Format == "json" {
				p := &printer{format: "json", w: cmd.OutOrStdout()}
				return p.json(map[string]string{"version": Version, "commit": Commit})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "nwplake version %s (commit: %s)\n", Version, Commit)
			return nil
		},
	}
}
