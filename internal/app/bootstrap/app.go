package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/zapdesk/internal/assistant"
	appconfig "github.com/wolfman30/zapdesk/internal/config"
	"github.com/wolfman30/zapdesk/internal/content"
	"github.com/wolfman30/zapdesk/internal/debounce"
	"github.com/wolfman30/zapdesk/internal/events"
	"github.com/wolfman30/zapdesk/internal/evolution"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/live"
	"github.com/wolfman30/zapdesk/internal/notify"
	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/internal/pipeline"
	"github.com/wolfman30/zapdesk/internal/tenant"
	"github.com/wolfman30/zapdesk/internal/webhook"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// App is the fully wired inbound pipeline shared by every binary.
type App struct {
	Pool     *pgxpool.Pool
	DB       *sql.DB
	Redis    *redis.Client
	Store    *inbox.Store
	Hub      *live.Hub
	Queue    debounce.Queue
	Pipeline *pipeline.Pipeline
	Webhook  *webhook.Handler
	Metrics  *metrics.PipelineMetrics
	Registry *prometheus.Registry

	ai *AI
}

// MetricsHandler serves the app registry in the Prometheus text format.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	if mq, ok := a.Queue.(*debounce.MemoryQueue); ok {
		mq.Close()
	}
	if err := a.ai.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return errors.Join(errs...)
}

// Build connects to every backing service and assembles the pipeline.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is required")
	}

	app := &App{Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.NewPipelineMetrics(app.Registry)

	app.Pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err = app.Pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	app.DB = stdlib.OpenDBFromPool(app.Pool)
	app.Store = inbox.NewStore(app.Pool)
	claims := events.NewProcessedStore(app.Pool)

	app.Redis = BuildRedisClient(ctx, cfg, logger, true)
	directory := tenant.NewCachedDirectory(tenant.NewSQLDirectory(app.DB), app.Redis, cfg.DirectoryCacheTTL, logger)

	app.Hub = live.NewHub(logger)
	messages := live.NewPublishingAppender(app.Store, app.Hub)

	gateway, err := evolution.New(evolution.Config{
		BaseURL:       cfg.EvolutionBaseURL,
		APIKey:        cfg.EvolutionAPIKey,
		WebhookSecret: cfg.EvolutionWebhookSecret,
		Timeout:       cfg.EvolutionTimeout,
		MaxRetries:    cfg.EvolutionMaxRetries,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: evolution client: %w", err)
	}

	app.ai, err = BuildAI(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	extractorOpts := []content.Option{content.WithMetrics(app.Metrics)}
	if archive := content.NewS3Archive(s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	}), cfg.MediaArchiveBucket, logger); archive != nil {
		extractorOpts = append(extractorOpts, content.WithArchiver(archive))
	}
	extractor := content.NewExtractor(gateway, app.ai.Transcriber, app.ai.Describer, logger, extractorOpts...)

	generator := assistant.NewGenerator(app.ai.LLM, logger,
		assistant.WithMaxTokens(cfg.MaxReplyTokens),
		assistant.WithTemperature(cfg.ReplyTemperature),
		assistant.WithGeneratorMetrics(app.Metrics),
	)

	app.Queue, err = BuildFlushQueue(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	buffer, err := BuildBufferStore(cfg, awsCfg, app.Store, logger)
	if err != nil {
		return nil, err
	}
	coordinator := debounce.NewCoordinator(buffer, messages, debounce.NewQueueScheduler(app.Queue), logger,
		debounce.WithWindow(cfg.DebounceWindow),
		debounce.WithCoordinatorMetrics(app.Metrics),
	)

	alerter := notify.NewAlerter(BuildEmailSender(cfg, awsCfg, logger), cfg.AlertEmails, 0, logger)
	dispatcher := pipeline.NewDispatcher(gateway, messages, claims, alerter, app.Metrics, logger)

	app.Pipeline, err = pipeline.New(pipeline.Deps{
		Directory:  directory,
		Store:      app.Store,
		Messages:   messages,
		Claims:     claims,
		Extractor:  extractor,
		Debounce:   coordinator,
		Generator:  generator,
		Dispatcher: dispatcher,
		Metrics:    app.Metrics,
		Logger:     logger,
	}, pipeline.Config{
		HistoryLimit:        cfg.HistoryLimit,
		FallbackReply:       cfg.FallbackReply,
		OperatorPlaceholder: cfg.OperatorMediaPlaceholder,
		DefaultTimezone:     cfg.DefaultTimezone,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: pipeline: %w", err)
	}
	app.Webhook = webhook.NewHandler(app.Pipeline, gateway, app.Metrics, logger)

	logger.Info("pipeline ready",
		"buffer_store", cfg.BufferStore,
		"memory_queue", cfg.UseMemoryQueue,
		"debounce_window", coordinator.Window().String(),
		"redis_cache", app.Redis != nil,
	)
	return app, nil
}

// NewWorker consumes flush jobs from the app queue.
func (a *App) NewWorker(cfg *appconfig.Config, logger *logging.Logger) *debounce.Worker {
	return debounce.NewWorker(a.Queue, a.Pipeline, logger, debounce.WithWorkerCount(cfg.WorkerCount))
}
