package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"

	appconfig "github.com/wolfman30/zapdesk/internal/config"
	"github.com/wolfman30/zapdesk/internal/debounce"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/notify"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

func TestBuildRequiresConfig(t *testing.T) {
	if _, err := Build(context.Background(), nil, aws.Config{}, logging.New("error")); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := Build(context.Background(), &appconfig.Config{}, aws.Config{}, logging.New("error")); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestBuildAINoProviders(t *testing.T) {
	_, err := BuildAI(context.Background(), &appconfig.Config{}, aws.Config{}, logging.New("error"))
	if !errors.Is(err, ErrNoLLM) {
		t.Fatalf("expected ErrNoLLM, got %v", err)
	}
}

func TestBuildAIBedrockOnly(t *testing.T) {
	cfg := &appconfig.Config{BedrockModelID: "anthropic.claude-3-haiku", BedrockVisionModelID: "anthropic.claude-3-haiku"}
	ai, err := BuildAI(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ai.LLM == nil || ai.Describer == nil {
		t.Fatalf("expected bedrock to serve completions and images")
	}
	if ai.Transcriber != nil {
		t.Fatalf("bedrock cannot transcribe audio")
	}
	if err := ai.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBuildFlushQueue(t *testing.T) {
	q, err := BuildFlushQueue(&appconfig.Config{UseMemoryQueue: true}, aws.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mq, ok := q.(*debounce.MemoryQueue)
	if !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}
	mq.Close()

	if _, err := BuildFlushQueue(&appconfig.Config{}, aws.Config{}); err == nil {
		t.Fatalf("expected error without queue url")
	}

	q, err = BuildFlushQueue(&appconfig.Config{FlushQueueURL: "https://sqs.us-east-1.amazonaws.com/1/flush"}, aws.Config{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*debounce.SQSQueue); !ok {
		t.Fatalf("expected sqs queue, got %T", q)
	}
}

func TestBuildBufferStore(t *testing.T) {
	logger := logging.New("error")
	if _, err := BuildBufferStore(&appconfig.Config{BufferStore: "postgres"}, aws.Config{}, nil, logger); err == nil {
		t.Fatalf("expected error without postgres store")
	}
	if _, err := BuildBufferStore(&appconfig.Config{BufferStore: "etcd"}, aws.Config{}, nil, logger); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	store, err := BuildBufferStore(&appconfig.Config{BufferStore: "dynamodb", BufferTable: "debounce_buffers"}, aws.Config{Region: "us-east-1"}, nil, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*inbox.DynamoBufferStore); !ok {
		t.Fatalf("expected dynamo buffer store, got %T", store)
	}
}

func TestBuildEmailSenderFallsBackToStub(t *testing.T) {
	sender := BuildEmailSender(&appconfig.Config{}, aws.Config{}, logging.New("error"))
	if _, ok := sender.(*notify.StubEmailSender); !ok {
		t.Fatalf("expected stub sender, got %T", sender)
	}

	sender = BuildEmailSender(&appconfig.Config{SESFromEmail: "alerts@example.com"}, aws.Config{Region: "us-east-1"}, logging.New("error"))
	if _, ok := sender.(*notify.SESSender); !ok {
		t.Fatalf("expected ses sender, got %T", sender)
	}
}

func TestBuildRedisClient(t *testing.T) {
	if BuildRedisClient(context.Background(), &appconfig.Config{}, nil, true) != nil {
		t.Fatalf("expected nil client without address")
	}

	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, nil, true)
	if client == nil {
		t.Fatalf("expected client for reachable redis")
	}
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	if BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, nil, true) != nil {
		t.Fatalf("expected nil client when ping fails")
	}
}
