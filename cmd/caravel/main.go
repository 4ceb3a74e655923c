package main

import (
	"fmt"
	"os"

	descriptorcmd "caravel/cmd/caravel/descriptor"
	pipelinecmd "caravel/cmd/caravel/pipeline"
	previewcmd "caravel/cmd/caravel/preview"
	"caravel/cmd/caravel/ui"
	"caravel/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var (
		debug         bool
		logFormat     string
		noInteraction bool
	)
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "caravel",
		Short:         "Build, publish, and deploy the application stack",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureInteraction(noInteraction)

			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, logFormat)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text or json")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Disable colors and progress output")

	root.AddCommand(pipelinecmd.Cmd())
	root.AddCommand(descriptorcmd.Cmd())
	root.AddCommand(previewcmd.Cmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
