// Package cmd defines and implements the CLI commands for the mediascraper executable.
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

	"github.com/JakeFAU/media-scraper/internal/api"
	"github.com/JakeFAU/media-scraper/internal/app"
	"github.com/JakeFAU/media-scraper/internal/config"
	"github.com/JakeFAU/media-scraper/internal/logging"
	"github.com/JakeFAU/media-scraper/internal/pipeline"
)

var cfgFile string

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"

	// annotationNoApp marks commands that only need configuration.
	annotationNoApp = "mediascraper/no-app"
)

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Logger() *zap.Logger
	Connect(ctx context.Context) error
	Start(ctx context.Context) error
	Server() *api.Server
	Observer() *pipeline.Observer
	Close(ctx context.Context) error
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		return app.New(ctx, cfg, logger)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediascraper",
		Short: "Scrapes images and videos from submitted pages into a searchable store.",
		Long: `mediascraper accepts page URLs over HTTP, scrapes each page for image and
video sources on a durable job queue, and saves new media in batches to a
relational store that the API can page and search.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if cmd.Annotations[annotationNoApp] == "" {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			defer func() { _ = zap.L().Sync() }()
			return closeApp(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); env and .env files apply either way")

	for _, sub := range []*cobra.Command{newServeCmd(), newMonitorCmd(), newCleanCmd(), newMigrateCmd()} {
		if sub.RunE != nil {
			sub.RunE = closeOnFailure(sub.RunE)
		}
		cmd.AddCommand(sub)
	}
	return cmd
}

// closeOnFailure closes the app when run fails. Cobra skips
// PersistentPostRunE after a RunE error.
func closeOnFailure(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := run(cmd, args)
		if err == nil {
			return nil
		}
		if closeErr := closeApp(cmd.Context()); closeErr != nil {
			return errors.Join(err, fmt.Errorf("close app: %w", closeErr))
		}
		return err
	}
}

func closeApp(ctx context.Context) error {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveConfig(ctx).ShutdownTimeout())
	defer cancel()
	return appInstance.Close(closeCtx)
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) config.Config {
	cfg, _ := ctx.Value(configKey).(config.Config)
	return cfg
}
