package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentsh/hermit/internal/fdtable"
	"github.com/agentsh/hermit/internal/resolve"
)

func newResolveCmd() *cobra.Command {
	var noFollow bool
	c := &cobra.Command{
		Use:   "resolve PATH",
		Short: "Normalize a path the way the observer would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := resolve.New(fdtable.New(), resolve.Options{})
			flags := 0
			if noFollow {
				flags = unix.O_NOFOLLOW
			}
			p, err := r.Normalize(args[0], flags, 0)
			if err != nil {
				return err
			}
			if p == "" {
				return fmt.Errorf("cannot resolve %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
	c.Flags().BoolVar(&noFollow, "no-follow", false, "Do not follow a symlink in the final component")
	return c
}
