// Package debounce coalesces bursts of inbound fragments into one reply. Each
// fragment advances the conversation's freshness token and schedules a delayed
// check; only the check carrying the latest token claims the buffer.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// DefaultWindow is how long the coordinator waits for more fragments.
const DefaultWindow = 10 * time.Second

var (
	// ErrSuperseded means a newer fragment arrived after the job was scheduled.
	ErrSuperseded = inbox.ErrStaleToken
	// ErrEmptyBuffer means the job owned the buffer but there was nothing to answer.
	ErrEmptyBuffer = errors.New("debounce: buffer empty")
)

// ScheduleError is returned by Accept when the fragment was persisted and
// buffered but its flush check could not be scheduled. The buffer then has
// no pending check; callers run Job themselves instead of retrying Accept.
type ScheduleError struct {
	Job FlushJob
	Err error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("debounce: schedule flush for conversation %s: %v", e.Job.ConversationID, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// BufferStore holds the per-conversation fragment buffer and its token.
type BufferStore interface {
	AppendToBuffer(ctx context.Context, conversationID uuid.UUID, text string, at time.Time) (int64, error)
	ClearBufferIfTokenMatches(ctx context.Context, conversationID uuid.UUID, token int64) (string, error)
}

// MessageAppender persists transcript rows.
type MessageAppender interface {
	AppendMessage(ctx context.Context, conversationID, companyID uuid.UUID, sender inbox.Sender, content string) (inbox.Message, error)
}

// Scheduler delivers a job after delay.
type Scheduler interface {
	Schedule(ctx context.Context, job FlushJob, delay time.Duration) error
}

// Fragment is one extracted inbound message ready to be buffered.
type Fragment struct {
	ConversationID uuid.UUID
	CompanyID      uuid.UUID
	ChannelID      uuid.UUID
	ChannelName    string
	ContactPhone   string
	Text           string
	ReceivedAt     time.Time
}

// Coordinator implements Accept/Resume over a buffer store and a scheduler.
type Coordinator struct {
	buffer    BufferStore
	messages  MessageAppender
	scheduler Scheduler
	window    time.Duration
	metrics   *metrics.PipelineMetrics
	logger    *logging.Logger
	now       func() time.Time
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithWindow overrides the debounce window.
func WithWindow(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithCoordinatorMetrics records flush outcomes.
func WithCoordinatorMetrics(m *metrics.PipelineMetrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(buffer BufferStore, messages MessageAppender, scheduler Scheduler, logger *logging.Logger, opts ...CoordinatorOption) *Coordinator {
	if buffer == nil {
		panic("debounce: buffer store cannot be nil")
	}
	if messages == nil {
		panic("debounce: message appender cannot be nil")
	}
	if scheduler == nil {
		panic("debounce: scheduler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Coordinator{
		buffer:    buffer,
		messages:  messages,
		scheduler: scheduler,
		window:    DefaultWindow,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Window returns the configured debounce window.
func (c *Coordinator) Window() time.Duration {
	return c.window
}

// Accept records the fragment as a USER row, appends it to the buffer and
// schedules a flush check carrying the new token. It returns the token. A
// scheduling failure comes back as a *ScheduleError; the fragment is already
// stored at that point.
func (c *Coordinator) Accept(ctx context.Context, f Fragment) (int64, error) {
	text := f.Text
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("debounce: empty fragment for conversation %s", f.ConversationID)
	}
	at := f.ReceivedAt
	if at.IsZero() {
		at = c.now()
	}

	if _, err := c.messages.AppendMessage(ctx, f.ConversationID, f.CompanyID, inbox.SenderUser, text); err != nil {
		return 0, fmt.Errorf("debounce: persist fragment: %w", err)
	}

	token, err := c.buffer.AppendToBuffer(ctx, f.ConversationID, text, at)
	if err != nil {
		return 0, fmt.Errorf("debounce: append to buffer: %w", err)
	}

	job := FlushJob{
		ConversationID: f.ConversationID,
		CompanyID:      f.CompanyID,
		ChannelID:      f.ChannelID,
		ChannelName:    f.ChannelName,
		ContactPhone:   f.ContactPhone,
		Token:          token,
		ScheduledAt:    c.now().UTC(),
	}
	if err := c.scheduler.Schedule(ctx, job, c.window); err != nil {
		c.metrics.ObserveFlush("schedule_failed")
		return token, &ScheduleError{Job: job, Err: err}
	}

	c.logger.Debug("fragment buffered",
		"conversation_id", f.ConversationID,
		"token", token,
		"window", c.window,
	)
	return token, nil
}

// Resume claims the buffer for job. It returns ErrSuperseded when a newer
// fragment owns the buffer and ErrEmptyBuffer when nothing is left to answer.
func (c *Coordinator) Resume(ctx context.Context, job FlushJob) (string, error) {
	text, err := c.buffer.ClearBufferIfTokenMatches(ctx, job.ConversationID, job.Token)
	switch {
	case errors.Is(err, inbox.ErrStaleToken):
		c.metrics.ObserveFlush("stale")
		c.logger.Debug("flush superseded", "conversation_id", job.ConversationID, "token", job.Token)
		return "", ErrSuperseded
	case err != nil:
		c.metrics.ObserveFlush("error")
		return "", fmt.Errorf("debounce: claim buffer: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		c.metrics.ObserveFlush("empty")
		return "", ErrEmptyBuffer
	}
	c.metrics.ObserveFlush("claimed")
	return text, nil
}
