package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/zapdesk/internal/config"
	"github.com/wolfman30/zapdesk/internal/debounce"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

const memoryQueueBuffer = 256

// BuildFlushQueue returns the delayed queue that carries flush jobs.
func BuildFlushQueue(cfg *appconfig.Config, awsCfg aws.Config) (debounce.Queue, error) {
	if cfg.UseMemoryQueue {
		return debounce.NewMemoryQueue(memoryQueueBuffer), nil
	}
	if strings.TrimSpace(cfg.FlushQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: FLUSH_QUEUE_URL is required unless USE_MEMORY_QUEUE is set")
	}
	return debounce.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.FlushQueueURL), nil
}

// BuildBufferStore selects where the debounce buffer and token live.
func BuildBufferStore(cfg *appconfig.Config, awsCfg aws.Config, store *inbox.Store, logger *logging.Logger) (debounce.BufferStore, error) {
	switch cfg.BufferStore {
	case "", "postgres":
		if store == nil {
			return nil, fmt.Errorf("bootstrap: postgres buffer store requires a database")
		}
		return store, nil
	case "dynamodb":
		return inbox.NewDynamoBufferStore(dynamodb.NewFromConfig(awsCfg), cfg.BufferTable, logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown BUFFER_STORE %q", cfg.BufferStore)
	}
}
