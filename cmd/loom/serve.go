package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loom-backend/internal/config"
	"loom-backend/internal/interfaces/http/rest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the document over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := container.Config
	logger := container.Logger

	svc, err := container.OpenDocument(ctx, documentID)
	if err != nil {
		return err
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	serviceErr := make(chan error, 1)
	go func() { serviceErr <- svc.Run(runCtx) }()

	watcher, err := config.NewWatcher(loader, cfg, logger, 0)
	if err != nil {
		return err
	}
	defer watcher.Stop()
	watcher.OnChange(func(next *config.Config) {
		if err := svc.SetDefaults(context.Background(), next.Generation.Settings); err != nil {
			logger.Warn("Failed to apply generation settings", zap.Error(err))
			return
		}
		logger.Info("Generation settings updated", zap.String("model", next.Generation.Settings.Model))
	})

	options := rest.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Environment == config.Development,
	}
	if cfg.Metrics.Enabled {
		options.Metrics = container.Metrics
		options.MetricsPath = cfg.Metrics.Path
	}
	if cfg.Tracing.Enabled {
		options.TracingService = cfg.Tracing.ServiceName
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      rest.NewRouter(svc, options, logger).Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("address", srv.Addr),
			zap.String("document_id", svc.DocumentID()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err = <-serverErr:
		logger.Error("Server failed", zap.Error(err))
	case err = <-serviceErr:
		logger.Error("Document service stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("Server shutdown error", zap.Error(serr))
	}
	if werr := svc.WaitIdle(shutdownCtx); werr != nil {
		logger.Warn("Generations still running at shutdown", zap.Error(werr))
	}
	if serr := svc.Save(shutdownCtx); serr != nil {
		logger.Error("Failed to save document", zap.Error(serr))
		if err == nil {
			err = serr
		}
	}
	logger.Info("Server stopped")
	return err
}
