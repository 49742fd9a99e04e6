package main

import (
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"scrape-queue/pkg/app"
	"scrape-queue/pkg/config"
	"scrape-queue/pkg/observability"
)

const cliExecutable = "scrape-queue"

func newCommand() *cobra.Command {
	var configPath string

	command := &cobra.Command{
		Use:   cliExecutable,
		Short: "Per-source scraping job queue server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside local development.
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg, err := config.Load(config.DefaultSources(configPath, cmd.Flags())...)
			if err != nil {
				return err
			}

			logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
			observability.ConfigureGlobal(logger)

			deps, err := app.BuildDeps(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, deps)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}

	command.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	config.BindFlags(command.Flags())
	command.SilenceUsage = true
	command.SilenceErrors = true
	command.SuggestionsMinimumDistance = 1

	return command
}
