package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/events"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/notify"
	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/internal/tenant"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// ErrDispatch is returned when the gateway did not accept a reply.
var ErrDispatch = errors.New("pipeline: dispatch failed")

const alertTimeout = 10 * time.Second

// ReplyKind labels why a reply was sent.
type ReplyKind string

const (
	ReplyGenerated ReplyKind = "reply"
	ReplyOffline   ReplyKind = "offline"
	ReplyFallback  ReplyKind = "fallback"
)

// Gateway sends WhatsApp text messages.
type Gateway interface {
	SendText(ctx context.Context, instance, token, number, text string) (string, error)
}

// EventClaims is the processed-events table.
type EventClaims interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

// MessageAppender persists transcript rows.
type MessageAppender interface {
	AppendMessage(ctx context.Context, conversationID, companyID uuid.UUID, sender inbox.Sender, content string) (inbox.Message, error)
}

// FailureAlerter is told about replies that could not be delivered.
type FailureAlerter interface {
	NotifyDispatchFailure(ctx context.Context, f notify.DispatchFailure) error
}

// Outbound is one reply to deliver.
type Outbound struct {
	Channel        tenant.Channel
	CompanyID      uuid.UUID
	ConversationID uuid.UUID
	Phone          string
	Text           string
	Kind           ReplyKind
}

// Dispatcher sends replies and records exactly one AI row per delivered reply.
type Dispatcher struct {
	gateway  Gateway
	messages MessageAppender
	claims   EventClaims
	alerter  FailureAlerter
	metrics  *metrics.PipelineMetrics
	logger   *logging.Logger
}

func NewDispatcher(gateway Gateway, messages MessageAppender, claims EventClaims, alerter FailureAlerter, m *metrics.PipelineMetrics, logger *logging.Logger) *Dispatcher {
	if gateway == nil {
		panic("pipeline: gateway cannot be nil")
	}
	if messages == nil {
		panic("pipeline: message appender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		gateway:  gateway,
		messages: messages,
		claims:   claims,
		alerter:  alerter,
		metrics:  m,
		logger:   logger,
	}
}

// Send delivers out. On success the AI row is stored and the gateway id is
// claimed so the echo webhook is treated as a duplicate. The content marker
// only covers the send itself; once the id is claimed it is dropped. On
// failure nothing is stored and ErrDispatch is returned.
func (d *Dispatcher) Send(ctx context.Context, out Outbound) (inbox.Message, error) {
	text := out.Text
	if strings.TrimSpace(text) == "" {
		return inbox.Message{}, fmt.Errorf("%w: empty reply", ErrDispatch)
	}
	channel := out.Channel.Name
	pendingKey := events.OutboundKey(channel, out.Phone, text)
	d.claim(ctx, pendingKey)

	gatewayID, err := d.gateway.SendText(ctx, channel, out.Channel.Token, out.Phone, text)
	if err != nil {
		d.metrics.ObserveOutbound(string(out.Kind), "failed")
		d.release(ctx, pendingKey)
		d.logger.Error("reply dispatch failed",
			"error", err,
			"channel", channel,
			"conversation_id", out.ConversationID,
			"kind", out.Kind,
		)
		d.alert(ctx, out, err)
		return inbox.Message{}, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	d.metrics.ObserveOutbound(string(out.Kind), "sent")

	if gatewayID != "" && d.claim(ctx, events.MessageKey(channel, gatewayID)) {
		d.release(ctx, pendingKey)
	}

	msg, err := d.messages.AppendMessage(ctx, out.ConversationID, out.CompanyID, inbox.SenderAI, text)
	if err != nil {
		return inbox.Message{}, fmt.Errorf("pipeline: record sent reply %s: %w", gatewayID, err)
	}
	d.logger.Info("reply dispatched",
		"channel", channel,
		"conversation_id", out.ConversationID,
		"gateway_message_id", gatewayID,
		"kind", out.Kind,
	)
	return msg, nil
}

// claim records key and reports whether it is now held, whether by this
// call or by an echo that beat the send response.
func (d *Dispatcher) claim(ctx context.Context, key string) bool {
	if d.claims == nil {
		return false
	}
	if _, err := d.claims.MarkProcessed(ctx, events.ProviderEvolution, key); err != nil {
		d.logger.Warn("failed to record outbound id", "error", err, "key", key)
		return false
	}
	return true
}

func (d *Dispatcher) release(ctx context.Context, key string) {
	if d.claims == nil {
		return
	}
	if err := d.claims.Release(ctx, events.ProviderEvolution, key); err != nil {
		d.logger.Warn("failed to release outbound claim", "error", err, "key", key)
	}
}

func (d *Dispatcher) alert(ctx context.Context, out Outbound, cause error) {
	if d.alerter == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	err := d.alerter.NotifyDispatchFailure(alertCtx, notify.DispatchFailure{
		CompanyID:      out.CompanyID,
		ConversationID: out.ConversationID,
		ChannelName:    out.Channel.Name,
		Phone:          out.Phone,
		ReplyKind:      string(out.Kind),
		Err:            cause,
	})
	if err != nil {
		d.logger.Warn("dispatch alert failed", "error", err, "conversation_id", out.ConversationID)
	}
}
