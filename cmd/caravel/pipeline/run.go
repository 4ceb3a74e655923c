package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"caravel/cmd/caravel/ui"
	"caravel/config"
	"caravel/internal/build"
	"caravel/internal/descriptor"
	"caravel/internal/pipeline"
	"caravel/internal/reconcile"
	"caravel/internal/registry"
	"caravel/internal/remote"
	"caravel/internal/store"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		configPath string
		commit     string
		attempts   int
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build, publish, and deploy the current commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if commit == "" {
				commit, err = headCommit(cmd.Context())
				if err != nil {
					return fmt.Errorf("resolve commit (pass --commit explicitly): %w", err)
				}
			}

			if dryRun {
				return dryRunPlan(cmd, cfg, commit)
			}

			db, err := store.Open(cfg.StatePath)
			if err != nil {
				return err
			}
			defer db.Close()

			docker, err := build.NewClient()
			if err != nil {
				return err
			}
			defer docker.Close()

			targets := make(map[pipeline.Component]build.Target, len(cfg.Components))
			for name, target := range cfg.Components {
				targets[pipeline.Component(name)] = build.Target{
					Context:    target.Context,
					Dockerfile: target.Dockerfile,
					Repository: target.Repository,
				}
			}

			source := descriptor.NewFileSource(cfg.Descriptor, map[string]string{
				"REGISTRY": cfg.Registry.Server,
			})
			runner := remote.NewSSHRunner(cfg.Remote.Host, remote.Options{
				Port:           cfg.Remote.Port,
				KeyPath:        cfg.Remote.KeyPath,
				ConnectTimeout: 15 * time.Second,
			})
			reconciler := reconcile.NewReconciler(
				runner, source, db, pipeline.SystemClock{}, cfg.Remote.Host, cfg.Remote.DeployDir,
			).WithSkewChecker(reconcile.NewSkewChecker())

			publisher := registry.NewPublisher(docker, registry.Credentials{
				Server:   cfg.Registry.Server,
				Username: cfg.Registry.Username,
				Token:    cfg.Registry.Token,
			})
			if attempts > 0 {
				publisher = publisher.WithRetry(attempts, 2*time.Second)
			}

			out := ui.NewTelemetryOutput()
			defer out.Close()

			coordinator := pipeline.NewCoordinator(
				build.NewBuilder(docker, targets),
				publisher,
				reconciler,
				db,
				pipeline.SystemClock{},
			).WithTracer(out.Tracer("caravel/pipeline"))

			run, err := coordinator.Run(cmd.Context(), commit)
			if err != nil {
				if failed, ok := run.FailedStage(); ok {
					return fmt.Errorf("run %s failed at %s (%s): %s", run.ID, failed.Name, failed.ErrorKind, failed.Message)
				}
				return err
			}

			fmt.Println(ui.SuccessMsg("deployed %s to %s", run.Tag, cfg.Remote.Host))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("run", run.ID),
				ui.KV("commit", run.Commit),
				ui.KV("tag", run.Tag),
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Project config file")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit id to deploy (defaults to git HEAD)")
	cmd.Flags().IntVar(&attempts, "push-attempts", 0, "Override the registry push retry budget")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate config and descriptor, print the plan, and exit")
	return cmd
}

// dryRunPlan renders and validates the descriptor for the resolved tag and
// prints the stages a real run would execute, without touching the daemon,
// the registry, or the remote host.
func dryRunPlan(cmd *cobra.Command, cfg *config.Config, commit string) error {
	tag := pipeline.TagForCommit(commit)

	source := descriptor.NewFileSource(cfg.Descriptor, map[string]string{
		"REGISTRY": cfg.Registry.Server,
	})
	desc, err := source.Descriptor(cmd.Context(), tag)
	if err != nil {
		return err
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	components := make([]string, 0, len(cfg.Components))
	for name := range cfg.Components {
		components = append(components, name)
	}
	sort.Strings(components)

	fmt.Println(ui.InfoMsg("dry run for commit %s (tag %s)", commit, tag))
	for _, name := range components {
		fmt.Printf("  %s\n", pipeline.StageName(pipeline.StageBuild, pipeline.Component(name)))
	}
	for _, name := range components {
		fmt.Printf("  %s\n", pipeline.StageName(pipeline.StagePublish, pipeline.Component(name)))
	}
	fmt.Printf("  %s\n", pipeline.StageReconcile)
	fmt.Print(ui.KeyValues("  ",
		ui.KV("descriptor", cfg.Descriptor),
		ui.KV("images", fmt.Sprintf("%d", len(desc.Images()))),
		ui.KV("remote", cfg.Remote.Host),
	))
	return nil
}

func headCommit(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
