package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:           "hermit",
		Short:         "hermit: build-sandbox access observer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})))
			}
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate("hermit {{.Version}}\n")

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newInspectCmd())

	return cmd
}
