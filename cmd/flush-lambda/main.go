package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/zapdesk/cmd/mainconfig"
	"github.com/wolfman30/zapdesk/internal/app/bootstrap"
	appconfig "github.com/wolfman30/zapdesk/internal/config"
	"github.com/wolfman30/zapdesk/internal/debounce"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()
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

	lambda.Start(newHandler(app.Pipeline, logger))
}

// newHandler runs every flush job in the batch. Failed jobs are logged and
// not retried, so the batch always succeeds.
func newHandler(handler debounce.FlushHandler, logger *logging.Logger) func(context.Context, events.SQSEvent) error {
	return func(ctx context.Context, evt events.SQSEvent) error {
		for _, record := range evt.Records {
			job, err := debounce.DecodeJob(record.Body)
			if err != nil {
				logger.Error("dropping malformed flush job", "error", err, "message_id", record.MessageId)
				continue
			}
			if err := handler.Flush(ctx, job); err != nil {
				logger.Error("flush failed",
					"error", err,
					"job_id", job.ID,
					"conversation_id", job.ConversationID,
					"token", job.Token,
				)
			}
		}
		return nil
	}
}
