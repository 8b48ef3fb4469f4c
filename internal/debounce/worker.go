package debounce

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/zapdesk/pkg/logging"
)

// FlushHandler answers a claimed burst.
type FlushHandler interface {
	Flush(ctx context.Context, job FlushJob) error
}

// FlushHandlerFunc adapts a function to FlushHandler.
type FlushHandlerFunc func(ctx context.Context, job FlushJob) error

func (f FlushHandlerFunc) Flush(ctx context.Context, job FlushJob) error {
	return f(ctx, job)
}

// Worker consumes flush jobs from the queue and invokes the handler.
type Worker struct {
	queue   Queue
	handler FlushHandler
	logger  *logging.Logger

	cfg   workerConfig
	group *errgroup.Group
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	jobTimeout       time.Duration
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	defaultJobTimeout    = 90 * time.Second
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithJobTimeout bounds a single flush (generation plus send).
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.jobTimeout = d
		}
	}
}

func NewWorker(queue Queue, handler FlushHandler, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queue == nil {
		panic("debounce: queue cannot be nil")
	}
	if handler == nil {
		panic("debounce: flush handler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		jobTimeout:       defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start launches the consumer goroutines. They exit when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.group = &errgroup.Group{}
	for i := 0; i < w.cfg.workers; i++ {
		workerID := i + 1
		w.group.Go(func() error {
			w.run(ctx, workerID)
			return nil
		})
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	if w.group == nil {
		return
	}
	_ = w.group.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	w.logger.Debug("flush worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("flush worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive flush jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one queue entry and deletes it afterwards, whether
// or not the handler succeeded.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	defer w.deleteMessage(context.Background(), msg.ReceiptHandle)

	job, err := DecodeJob(msg.Body)
	if err != nil {
		w.logger.Error("failed to decode flush job", "error", err, "msg_id", msg.ID)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.jobTimeout)
	defer cancel()

	if err := w.handler.Flush(jobCtx, job); err != nil {
		w.logger.Error("flush job failed",
			"error", err,
			"job_id", job.ID,
			"conversation_id", job.ConversationID,
			"token", job.Token,
		)
		return
	}
	w.logger.Debug("flush job processed", "job_id", job.ID, "conversation_id", job.ConversationID)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete flush job", "error", err)
	}
}
