// Package cmd defines and implements the CLI commands for the leadengine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/app"
	"github.com/Ank61/leadengine/internal/config"
	"github.com/Ank61/leadengine/internal/logging"
	"github.com/Ank61/leadengine/internal/publisher"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. Tests inject a
// fake through newApp.
type App interface {
	Serve(ctx context.Context, withWorker bool) error
	RunWorker(ctx context.Context) error
	Publisher() *publisher.Service
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

type rootOptions struct {
	configFile string
	envFile    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "leadengine",
		Short: "Scrape job publisher and worker.",
		Long: `leadengine accepts lead-scraping jobs over HTTP, persists them, and hands
them to workers through a message broker. Workers collect, deduplicate and
store the results, and record each job's lifecycle.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyOverrides(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newSubmitCmd())
	return cmd
}

// applyOverrides copies explicitly set subcommand flags over the loaded config.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("prefetch") {
		cfg.Worker.Prefetch, _ = flags.GetInt("prefetch")
	}
	if flags.Changed("broker") {
		cfg.Broker.Kind, _ = flags.GetString("broker")
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command until it finishes or the process receives
// SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
