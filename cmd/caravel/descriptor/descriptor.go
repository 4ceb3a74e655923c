// Package descriptor holds the `caravel descriptor` command group.
package descriptor

import "github.com/spf13/cobra"

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "descriptor",
		Short: "Inspect and validate the service descriptor",
	}
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(showCmd())
	return cmd
}
