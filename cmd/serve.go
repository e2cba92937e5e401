package cmd

import (
	"context"
	"fmt"

	"argus/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the detection engine and HTTP API",
		Long: `Start the detection engine, the REST API and the live detection stream.

Configuration is read from --config when given, otherwise config.yaml is
searched in the working directory. ARGUS_* environment variables override
file values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Config file path")
	return cmd
}

// serve runs the application until a shutdown signal arrives
func serve(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := bootstrap.NewApp(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}
