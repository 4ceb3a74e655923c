package pipeline

import (
	"fmt"

	"caravel/cmd/caravel/ui"
	"caravel/config"
	"caravel/internal/store"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.StatePath)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(ui.Muted("no pipeline runs recorded"))
				return nil
			}

			rows := make([][]string, len(runs))
			for i, run := range runs {
				failure := "-"
				if stage, ok := run.FailedStage(); ok {
					failure = fmt.Sprintf("%s (%s)", stage.Name, stage.ErrorKind)
				}
				rows[i] = []string{
					run.ID,
					shortCommit(run.Commit),
					run.Tag,
					ui.Status(run.Status.String()),
					failure,
					run.CreatedAt,
				}
			}

			fmt.Println(ui.Table(
				[]string{"Run", "Commit", "Tag", "Status", "Failure", "Started"},
				rows,
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Project config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
