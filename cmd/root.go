package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/app"
	"github.com/KennyJian/red-book/internal/config"
	"github.com/KennyJian/red-book/internal/logging"
	"github.com/KennyJian/red-book/internal/status"
	"github.com/KennyJian/red-book/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// App defines the services commands use. Tests inject a fake through newApp.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Handler() http.Handler
	Runner() *worker.Runner
	Status() *status.Tracker
	StorageDescription() string
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loadConfig is swapped in tests to avoid touching the filesystem.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Collects commenters of keyword search results into author records.",
		Long: `harvester searches a content platform for keywords, walks the comments
of every result and keeps one record per commenting author, with all of their
comments appended over time. It runs as an HTTP service (serve) or as a
one-shot foreground crawl (crawl).`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			logger := appInstance.Logger()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}
			_ = logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
