// Package pipeline decides, for every inbound WhatsApp message, who answers
// it and how, and answers debounced bursts once their window closes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/assistant"
	"github.com/wolfman30/zapdesk/internal/businesshours"
	"github.com/wolfman30/zapdesk/internal/content"
	"github.com/wolfman30/zapdesk/internal/debounce"
	"github.com/wolfman30/zapdesk/internal/events"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/internal/tenant"
	"github.com/wolfman30/zapdesk/internal/webhook"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

const (
	DefaultHistoryLimit        = 8
	DefaultFallbackReply       = "Não consegui entender a mídia enviada, por favor descreva em texto."
	DefaultOperatorPlaceholder = "[Mídia enviada pelo operador]"
)

// ConversationStore is the conversation state the pipeline reads and writes.
type ConversationStore interface {
	UpsertContact(ctx context.Context, companyID uuid.UUID, phone, name string) (inbox.Contact, error)
	UpsertConversation(ctx context.Context, companyID, contactID, channelID uuid.UUID, forceHuman bool) (inbox.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (inbox.Conversation, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]inbox.Message, error)
}

type Extractor interface {
	Extract(ctx context.Context, in content.Input, caps content.Capabilities) content.Result
}

type Debouncer interface {
	Accept(ctx context.Context, f debounce.Fragment) (int64, error)
	Resume(ctx context.Context, job debounce.FlushJob) (string, error)
}

type ReplyGenerator interface {
	Generate(ctx context.Context, in assistant.Input) (string, error)
}

// Config holds the tunables.
type Config struct {
	HistoryLimit        int
	FallbackReply       string
	OperatorPlaceholder string
	DefaultTimezone     string
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		c.FallbackReply = DefaultFallbackReply
	}
	if strings.TrimSpace(c.OperatorPlaceholder) == "" {
		c.OperatorPlaceholder = DefaultOperatorPlaceholder
	}
	if strings.TrimSpace(c.DefaultTimezone) == "" {
		c.DefaultTimezone = businesshours.DefaultTimezone
	}
	return c
}

// Deps are the collaborators. Claims, Metrics and Logger are optional.
type Deps struct {
	Directory  tenant.Directory
	Store      ConversationStore
	Messages   MessageAppender
	Claims     EventClaims
	Extractor  Extractor
	Debounce   Debouncer
	Generator  ReplyGenerator
	Dispatcher *Dispatcher
	Metrics    *metrics.PipelineMetrics
	Logger     *logging.Logger
}

// Pipeline implements webhook.Processor and debounce.FlushHandler.
type Pipeline struct {
	dir        tenant.Directory
	store      ConversationStore
	messages   MessageAppender
	claims     EventClaims
	extractor  Extractor
	debounce   Debouncer
	generator  ReplyGenerator
	dispatcher *Dispatcher
	metrics    *metrics.PipelineMetrics
	logger     *logging.Logger
	cfg        Config
	now        func() time.Time
}

var (
	_ webhook.Processor     = (*Pipeline)(nil)
	_ debounce.FlushHandler = (*Pipeline)(nil)
)

func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("pipeline: directory required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: conversation store required")
	case deps.Messages == nil:
		return nil, errors.New("pipeline: message appender required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor required")
	case deps.Debounce == nil:
		return nil, errors.New("pipeline: debouncer required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: generator required")
	case deps.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		dir:        deps.Directory,
		store:      deps.Store,
		messages:   deps.Messages,
		claims:     deps.Claims,
		extractor:  deps.Extractor,
		debounce:   deps.Debounce,
		generator:  deps.Generator,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}, nil
}

// HandleInbound runs one normalized event through dedupe, ownership, the
// business hours gate and content extraction, then buffers it. Only
// persistence failures are returned as errors; the redelivery claim is
// released so the gateway can retry.
func (p *Pipeline) HandleInbound(ctx context.Context, evt webhook.InboundEvent) (outcome webhook.Outcome, err error) {
	key := events.MessageKey(evt.ChannelName, evt.MessageID)
	if p.claims != nil {
		claimed, claimErr := p.claims.MarkProcessed(ctx, events.ProviderEvolution, key)
		if claimErr != nil {
			return "", fmt.Errorf("pipeline: claim event: %w", claimErr)
		}
		if !claimed {
			p.logger.Debug("duplicate webhook", "channel", evt.ChannelName, "message_id", evt.MessageID)
			return webhook.OutcomeDuplicate, nil
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := p.claims.Release(context.WithoutCancel(ctx), events.ProviderEvolution, key); relErr != nil {
				p.logger.Warn("failed to release event claim", "error", relErr, "key", key)
			}
		}()
	}

	channel, err := p.dir.ChannelByName(ctx, evt.ChannelName)
	if err != nil {
		if errors.Is(err, tenant.ErrChannelNotFound) {
			return "", fmt.Errorf("%w: %s", webhook.ErrUnknownChannel, evt.ChannelName)
		}
		return "", fmt.Errorf("pipeline: lookup channel: %w", err)
	}

	if evt.FromMe && p.isOwnEcho(ctx, channel, evt) {
		return webhook.OutcomeDuplicate, nil
	}

	// The push name on our own messages is the operator's, not the contact's.
	name := evt.PushName
	if evt.FromMe {
		name = ""
	}
	contact, err := p.store.UpsertContact(ctx, channel.CompanyID, evt.Phone, name)
	if err != nil {
		return "", err
	}
	conv, err := p.store.UpsertConversation(ctx, channel.CompanyID, contact.ID, channel.ID, evt.FromMe)
	if err != nil {
		return "", err
	}
	log := p.logger.With("conversation_id", conv.ID, "channel", channel.Name, "message_id", evt.MessageID)

	if evt.FromMe {
		if _, err := p.messages.AppendMessage(ctx, conv.ID, channel.CompanyID, inbox.SenderOperator, p.operatorContent(evt)); err != nil {
			return "", err
		}
		log.Info("operator replied from phone, AI paused")
		return webhook.OutcomeOperator, nil
	}

	input := evt.ExtractorInput()
	if conv.HumanActive {
		if _, err := p.messages.AppendMessage(ctx, conv.ID, channel.CompanyID, inbox.SenderUser, content.Placeholder(input)); err != nil {
			return "", err
		}
		log.Debug("human active, message stored without reply")
		return webhook.OutcomeHumanActive, nil
	}

	settings, err := p.dir.Settings(ctx, channel.CompanyID)
	if err != nil {
		return "", fmt.Errorf("pipeline: load settings: %w", err)
	}
	schedule := p.schedule(settings)
	if !schedule.IsOpen(p.now()) {
		if _, err := p.messages.AppendMessage(ctx, conv.ID, channel.CompanyID, inbox.SenderUser, content.Placeholder(input)); err != nil {
			return "", err
		}
		if strings.TrimSpace(settings.OfflineMessage) != "" {
			p.sendBestEffort(ctx, Outbound{
				Channel:        channel,
				CompanyID:      channel.CompanyID,
				ConversationID: conv.ID,
				Phone:          evt.Phone,
				Text:           settings.OfflineMessage,
				Kind:           ReplyOffline,
			})
		}
		log.Info("outside business hours")
		return webhook.OutcomeOffline, nil
	}

	agent := p.agent(ctx, channel)
	result := p.extractor.Extract(ctx, input, content.Capabilities{Audio: agent.EnableAudio, Image: agent.EnableImage})
	if result.Fallback {
		note := fmt.Sprintf("Mídia não interpretada (%s: %s), pedido de descrição enviado.", result.Kind, result.Reason)
		if _, err := p.messages.AppendMessage(ctx, conv.ID, channel.CompanyID, inbox.SenderSystem, note); err != nil {
			return "", err
		}
		p.sendBestEffort(ctx, Outbound{
			Channel:        channel,
			CompanyID:      channel.CompanyID,
			ConversationID: conv.ID,
			Phone:          evt.Phone,
			Text:           p.cfg.FallbackReply,
			Kind:           ReplyFallback,
		})
		log.Info("content fallback", "kind", result.Kind.String(), "reason", result.Reason)
		return webhook.OutcomeFallback, nil
	}

	token, err := p.debounce.Accept(ctx, debounce.Fragment{
		ConversationID: conv.ID,
		CompanyID:      channel.CompanyID,
		ChannelID:      channel.ID,
		ChannelName:    channel.Name,
		ContactPhone:   evt.Phone,
		Text:           result.Text,
		ReceivedAt:     evt.ReceivedAt,
	})
	var schedErr *debounce.ScheduleError
	switch {
	case errors.As(err, &schedErr):
		// Already stored and buffered, so the redelivery claim must hold.
		log.Error("flush check not scheduled, answering now", "error", schedErr.Err, "token", token)
		if flushErr := p.Flush(context.WithoutCancel(ctx), schedErr.Job); flushErr != nil {
			log.Error("immediate flush failed", "error", flushErr, "token", token)
		}
		return webhook.OutcomeBuffered, nil
	case err != nil:
		return "", err
	}
	log.Debug("fragment accepted", "token", token, "kind", result.Kind.String())
	return webhook.OutcomeBuffered, nil
}

// Flush answers the burst owned by job. Superseded and empty jobs, and
// conversations a human took over inside the window, end silently.
func (p *Pipeline) Flush(ctx context.Context, job debounce.FlushJob) error {
	text, err := p.debounce.Resume(ctx, job)
	switch {
	case errors.Is(err, debounce.ErrSuperseded), errors.Is(err, debounce.ErrEmptyBuffer):
		return nil
	case err != nil:
		return err
	}
	log := p.logger.With("conversation_id", job.ConversationID, "token", job.Token)

	conv, err := p.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return err
	}
	if conv.HumanActive {
		p.metrics.ObserveFlush("human_active")
		log.Info("human took over during debounce window, reply suppressed")
		return nil
	}

	channel, err := p.dir.ChannelByName(ctx, job.ChannelName)
	if err != nil {
		return fmt.Errorf("pipeline: lookup channel %s: %w", job.ChannelName, err)
	}
	settings, err := p.dir.Settings(ctx, conv.CompanyID)
	if err != nil {
		return fmt.Errorf("pipeline: load settings: %w", err)
	}
	agent := p.agent(ctx, channel)

	history, err := p.store.RecentMessages(ctx, conv.ID, p.cfg.HistoryLimit)
	if err != nil {
		return err
	}

	reply, err := p.generator.Generate(ctx, assistant.Input{
		Agent:    agent,
		Settings: settings,
		Schedule: p.schedule(settings),
		History:  history,
		Text:     text,
	})
	if err != nil {
		p.metrics.ObserveFlush("no_reply")
		return err
	}

	// Generation takes seconds; the operator may have assumed meanwhile.
	if latest, err := p.store.GetConversation(ctx, conv.ID); err == nil && latest.HumanActive {
		p.metrics.ObserveFlush("human_active")
		log.Info("human took over during generation, reply discarded")
		return nil
	}

	if _, err := p.dispatcher.Send(ctx, Outbound{
		Channel:        channel,
		CompanyID:      conv.CompanyID,
		ConversationID: conv.ID,
		Phone:          job.ContactPhone,
		Text:           reply,
		Kind:           ReplyGenerated,
	}); err != nil {
		return err
	}
	p.metrics.ObserveFlush("replied")
	return nil
}

// isOwnEcho reports whether a fromMe event is the echo of a reply still in
// flight, one whose gateway id was not yet known when the echo arrived, and
// consumes the pending marker if so.
func (p *Pipeline) isOwnEcho(ctx context.Context, channel tenant.Channel, evt webhook.InboundEvent) bool {
	if p.claims == nil || evt.Kind != content.KindText || strings.TrimSpace(evt.Text) == "" {
		return false
	}
	key := events.OutboundKey(channel.Name, evt.Phone, evt.Text)
	seen, err := p.claims.AlreadyProcessed(ctx, events.ProviderEvolution, key)
	if err != nil {
		p.logger.Warn("echo lookup failed", "error", err, "key", key)
		return false
	}
	if !seen {
		return false
	}
	if err := p.claims.Release(ctx, events.ProviderEvolution, key); err != nil {
		p.logger.Warn("failed to consume echo marker", "error", err, "key", key)
	}
	return true
}

func (p *Pipeline) operatorContent(evt webhook.InboundEvent) string {
	if evt.Kind == content.KindText && strings.TrimSpace(evt.Text) != "" {
		return evt.Text
	}
	return p.cfg.OperatorPlaceholder
}

func (p *Pipeline) schedule(settings tenant.Settings) businesshours.Schedule {
	schedule, err := settings.Schedule(p.cfg.DefaultTimezone)
	if err != nil {
		p.logger.Warn("invalid business hours, treating as always open", "error", err, "company_id", settings.CompanyID)
		return businesshours.Schedule{}
	}
	return schedule
}

// agent resolves the channel's agent. A missing agent yields the default
// persona with media capabilities off.
func (p *Pipeline) agent(ctx context.Context, channel tenant.Channel) tenant.Agent {
	if channel.AgentID == nil {
		return tenant.Agent{CompanyID: channel.CompanyID}
	}
	agent, err := tenant.ResolveAgent(ctx, p.dir, *channel.AgentID)
	if err != nil {
		p.logger.Warn("agent unavailable, using default persona", "error", err, "agent_id", *channel.AgentID)
		return tenant.Agent{CompanyID: channel.CompanyID}
	}
	return agent
}

// sendBestEffort dispatches replies whose failure must not fail the webhook;
// the dispatcher already logs, counts and alerts.
func (p *Pipeline) sendBestEffort(ctx context.Context, out Outbound) {
	_, _ = p.dispatcher.Send(ctx, out)
}
