// Package preview serves the frontend locally with API calls forwarded
// to a running backend, mirroring the routing the deployed stack uses.
package preview

import (
	"errors"
	"fmt"
	"net/http"

	"caravel/cmd/caravel/ui"
	"caravel/config"
	"caravel/internal/proxy"

	"github.com/spf13/cobra"
)

func Cmd() *cobra.Command {
	var (
		configPath string
		listen     string
		backendURL string
		assetDir   string
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Serve the frontend locally, proxying API calls to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Preview.Listen
			}
			if backendURL == "" {
				backendURL = cfg.Preview.BackendURL
			}
			if assetDir == "" {
				assetDir = cfg.Preview.AssetDir
			}
			if assetDir == "" {
				return fmt.Errorf("no asset directory configured (set preview.asset_dir or pass --assets)")
			}

			handler, err := proxy.New(backendURL, assetDir)
			if err != nil {
				return err
			}
			handler = handler.WithAPIPrefix(cfg.Preview.APIPrefix)

			server := &http.Server{Addr: listen, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				_ = server.Close()
			}()

			fmt.Println(ui.InfoMsg("preview on http://%s (backend %s)", listen, backendURL))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Project config file")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (defaults to preview.listen)")
	cmd.Flags().StringVar(&backendURL, "backend", "", "Backend base URL (defaults to preview.backend_url)")
	cmd.Flags().StringVar(&assetDir, "assets", "", "Built frontend asset directory")
	return cmd
}
