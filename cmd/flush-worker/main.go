package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfman30/zapdesk/cmd/mainconfig"
	"github.com/wolfman30/zapdesk/internal/app/bootstrap"
	appconfig "github.com/wolfman30/zapdesk/internal/config"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue {
		logger.Error("flush worker needs the SQS queue; the API runs its own worker with USE_MEMORY_QUEUE")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	app, err := bootstrap.Build(ctx, cfg, awsConfig, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	worker := app.NewWorker(cfg, logger)
	worker.Start(ctx)
	logger.Info("flush worker started", "workers", cfg.WorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down flush worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("flush worker stopped")
	case <-doneCtx.Done():
		logger.Error("flush worker shutdown timed out", "error", doneCtx.Err())
	}
}
