// Package cmd defines the CLI commands of the pncp-item-ingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/app"
	"github.com/JakeFAU/pncp-item-ingest/internal/config"
	"github.com/JakeFAU/pncp-item-ingest/internal/logging"
)

const (
	// annotationConsole marks commands that print interactive progress.
	annotationConsole = "console"
	shutdownTimeout   = 30 * time.Second
)

type appKeyType string

const appKey appKeyType = "app"

// appHolder carries the App built in PersistentPreRunE so Execute can close it
// even when the command fails.
type appHolder struct {
	app    *app.App
	logger *zap.Logger
}

// newApp is the application factory; tests replace it.
var newApp = app.New

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pncp-item-ingest",
		Short: "Ingests PNCP procurement items into PostgreSQL.",
		Long: `pncp-item-ingest reads the purchases eligible for ingestion from the
procurement catalog, paginates each purchase's items from the PNCP API and
stores them idempotently. It runs once (ingest) or as a service with an HTTP
trigger and a periodic schedule (serve).`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			holder, ok := cmd.Context().Value(appKey).(*appHolder)
			if !ok {
				return errors.New("command context is missing the app holder")
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			holder.logger = logger

			a, err := newApp(cmd.Context(), cfg, logger, optionsFor(cmd))
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			holder.app = a
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); INGEST_* environment variables override it")
	cmd.AddCommand(newIngestCmd(), newServeCmd())
	return cmd
}

// optionsFor derives App options from the command being executed.
func optionsFor(cmd *cobra.Command) app.Options {
	var opts app.Options
	if f := cmd.Flags().Lookup("dry-run"); f != nil {
		opts.DryRun = f.Value.String() == "true"
	}
	if cmd.Annotations[annotationConsole] == "true" {
		opts.Console = cmd.OutOrStdout()
	}
	return opts
}

func resolveApp(ctx context.Context) (*app.App, error) {
	holder, ok := ctx.Value(appKey).(*appHolder)
	if !ok || holder.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return holder.app, nil
}

// Execute runs the root command until it finishes or the process receives
// SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	holder := &appHolder{}
	err := newRootCmd().ExecuteContext(context.WithValue(ctx, appKey, holder))
	stop()

	if holder.app != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if cerr := holder.app.Close(closeCtx); cerr != nil {
			holder.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
		cancel()
	}
	if holder.logger != nil {
		_ = holder.logger.Sync()
	}
	if err != nil {
		os.Exit(1)
	}
}
