package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfman30/zapdesk/cmd/mainconfig"
	"github.com/wolfman30/zapdesk/internal/api/router"
	"github.com/wolfman30/zapdesk/internal/app/bootstrap"
	appconfig "github.com/wolfman30/zapdesk/internal/config"
	"github.com/wolfman30/zapdesk/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/zapdesk/internal/http/middleware"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

func main() {
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting zapdesk API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	app, err := bootstrap.Build(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// With the in-memory queue the flush worker must live in this process.
	var stopWorker func()
	if cfg.UseMemoryQueue {
		worker := app.NewWorker(cfg, logger)
		worker.Start(ctx)
		stopWorker = worker.Wait
		logger.Info("in-process flush worker started", "workers", cfg.WorkerCount)
	}

	r := newRouter(ctx, cfg, app, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	if stopWorker != nil {
		stopWorker()
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func newRouter(ctx context.Context, cfg *appconfig.Config, app *bootstrap.App, logger *logging.Logger) http.Handler {
	return router.New(&router.Config{
		Logger:             logger,
		Webhook:            app.Webhook,
		AdminConversations: handlers.NewAdminConversationsHandler(app.Store, app.Hub, logger),
		AdminStats:         handlers.NewAdminStatsHandler(app.Registry, logger),
		AdminLive:          handlers.NewAdminLiveHandler(app.Hub),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     app.MetricsHandler(),
		CORS:               httpmiddleware.DashboardCORS{Origins: cfg.CORSOrigins, Methods: cfg.CORSMethods},
		WebhookRateLimit:   cfg.WebhookRateLimit,
		WebhookRateBurst:   cfg.WebhookRateBurst,
		Done:               ctx.Done(),
	})
}
