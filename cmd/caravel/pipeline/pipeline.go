// Package pipeline holds the `caravel pipeline` command group.
package pipeline

import "github.com/spf13/cobra"

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run and inspect deployment pipelines",
	}
	cmd.AddCommand(runCmd())
	cmd.AddCommand(historyCmd())
	return cmd
}
