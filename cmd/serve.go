package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/api"
	"github.com/JakeFAU/pncp-item-ingest/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP trigger API and runs ingestion on a schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), noSchedule)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "only trigger runs through the HTTP API")
	return cmd
}

func runServe(ctx context.Context, noSchedule bool) error {
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := a.Config()
	logger := a.Logger()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	apiServer, err := api.NewServer(api.Deps{
		Runner:      a.Pipeline(),
		Runs:        a.Runs(),
		Ready:       a.Pool(),
		BaseContext: ctx,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	if !noSchedule {
		sched, err := scheduler.New(a.Pipeline(), scheduler.Config{
			Interval:   cfg.Schedule.Interval,
			RunOnStart: cfg.Schedule.RunOnStart,
		}, logger)
		if err != nil {
			return fmt.Errorf("build scheduler: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	// A run triggered over HTTP is canceled with ctx; wait for it to record
	// its final status before the app closes.
	for a.Pipeline().Running() {
		select {
		case <-shutdownCtx.Done():
			logger.Warn("run still active at shutdown")
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
