package debounce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is a delayed job queue. A message sent with a positive delay is not
// visible to Receive until the delay has elapsed.
type Queue interface {
	Send(ctx context.Context, body string, delay time.Duration) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue entry.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// FlushJob asks a worker to check whether a conversation's buffer is still
// owned by Token and, if so, answer it.
type FlushJob struct {
	ID             string    `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	CompanyID      uuid.UUID `json:"company_id"`
	ChannelID      uuid.UUID `json:"channel_id"`
	ChannelName    string    `json:"channel_name"`
	ContactPhone   string    `json:"contact_phone"`
	Token          int64     `json:"token"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// EncodeJob serializes a job, assigning an id when missing.
func EncodeJob(job FlushJob) (FlushJob, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return FlushJob{}, "", fmt.Errorf("debounce: failed to encode job: %w", err)
	}
	return job, string(body), nil
}

// DecodeJob parses a queue body produced by EncodeJob.
func DecodeJob(body string) (FlushJob, error) {
	var job FlushJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return FlushJob{}, fmt.Errorf("debounce: failed to decode job: %w", err)
	}
	if job.ConversationID == uuid.Nil {
		return FlushJob{}, fmt.Errorf("debounce: job %q has no conversation id", job.ID)
	}
	return job, nil
}

// QueueScheduler schedules flush checks on a delayed queue.
type QueueScheduler struct {
	queue Queue
}

// NewQueueScheduler wraps q.
func NewQueueScheduler(q Queue) *QueueScheduler {
	if q == nil {
		panic("debounce: queue cannot be nil")
	}
	return &QueueScheduler{queue: q}
}

// Schedule enqueues job so it becomes visible after delay.
func (s *QueueScheduler) Schedule(ctx context.Context, job FlushJob, delay time.Duration) error {
	job, body, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if err := s.queue.Send(ctx, body, delay); err != nil {
		return fmt.Errorf("debounce: schedule job %s: %w", job.ID, err)
	}
	return nil
}
