package descriptor

import (
	"fmt"
	"strings"

	"caravel/cmd/caravel/ui"
	"caravel/config"
	"caravel/internal/descriptor"
	"caravel/internal/pipeline"

	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	var (
		configPath string
		file       string
		tag        string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the descriptor against the deployment invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if file != "" {
				cfg.Descriptor = file
			}

			desc, err := load(cmd, cfg, tag)
			if err != nil {
				return err
			}
			if err := desc.Validate(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("descriptor %s is valid", cfg.Descriptor))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("services", strings.Join(serviceNames(desc), ", ")),
				ui.KV("networks", strings.Join(desc.Networks, ", ")),
				ui.KV("volumes", strings.Join(desc.Volumes, ", ")),
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Project config file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Descriptor file (overrides the config)")
	cmd.Flags().StringVar(&tag, "tag", "latest", "Image tag to render with")
	return cmd
}

func showCmd() *cobra.Command {
	var (
		configPath string
		file       string
		tag        string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the rendered descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if file != "" {
				cfg.Descriptor = file
			}

			desc, err := load(cmd, cfg, tag)
			if err != nil {
				return err
			}
			fmt.Print(string(desc.Raw))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Project config file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Descriptor file (overrides the config)")
	cmd.Flags().StringVar(&tag, "tag", "latest", "Image tag to render with")
	return cmd
}

func load(cmd *cobra.Command, cfg *config.Config, tag string) (*descriptor.Descriptor, error) {
	source := descriptor.NewFileSource(cfg.Descriptor, map[string]string{
		"REGISTRY": cfg.Registry.Server,
	})
	return source.Descriptor(cmd.Context(), pipeline.TagForCommit(tag))
}

func serviceNames(desc *descriptor.Descriptor) []string {
	out := make([]string, 0, len(desc.Services))
	for _, svc := range desc.Services {
		out = append(out, svc.Name)
	}
	return out
}
