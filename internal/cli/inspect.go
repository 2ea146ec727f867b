package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentsh/hermit/internal/linkage"
	"github.com/agentsh/hermit/internal/observer"
)

// inspectHook overrides the binary-inspection tool in tests.
var inspectHook linkage.Inspect

func newInspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect BINARY",
		Short: "Print the static-linkage verdict for a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := observer.CaptureEnv()
			checker := linkage.NewChecker(linkage.Config{
				Enabled:     true,
				ForcedNames: env.ForcedNames,
				Inspect:     inspectHook,
			})

			path := args[0]
			linked, err := checker.StaticallyLinked(path)
			if err != nil {
				return err
			}

			verdict := "dynamic"
			if linked {
				verdict = "static"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, verdict)
			if checker.Forced(path) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: force-traced by name\n", path)
			}
			return nil
		},
	}
	return c
}
