package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/pkg/logging"
)

const (
	defaultAlertCooldown    = 15 * time.Minute
	dispatchFailureCategory = "dispatch_failure"
)

// DispatchFailure describes a reply the gateway refused to deliver.
type DispatchFailure struct {
	CompanyID      uuid.UUID
	ConversationID uuid.UUID
	ChannelName    string
	Phone          string
	ReplyKind      string
	Err            error
	At             time.Time
}

// Alerter emails operators about delivery failures. Repeated failures for
// the same conversation inside the cooldown produce one email.
type Alerter struct {
	sender     EmailSender
	recipients []string
	cooldown   time.Duration
	logger     *logging.Logger
	now        func() time.Time

	mu   sync.Mutex
	last map[uuid.UUID]time.Time
}

func NewAlerter(sender EmailSender, recipients []string, cooldown time.Duration, logger *logging.Logger) *Alerter {
	if logger == nil {
		logger = logging.Default()
	}
	if cooldown <= 0 {
		cooldown = defaultAlertCooldown
	}
	cleaned := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	return &Alerter{
		sender:     sender,
		recipients: cleaned,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
		last:       make(map[uuid.UUID]time.Time),
	}
}

// NotifyDispatchFailure sends the alert to every recipient. A nil Alerter or
// one without sender or recipients does nothing.
func (a *Alerter) NotifyDispatchFailure(ctx context.Context, f DispatchFailure) error {
	if a == nil || a.sender == nil || len(a.recipients) == 0 {
		return nil
	}
	if !a.claim(f.ConversationID) {
		a.logger.Debug("dispatch alert suppressed by cooldown", "conversation_id", f.ConversationID)
		return nil
	}

	at := f.At
	if at.IsZero() {
		at = a.now()
	}
	reason := "unknown error"
	if f.Err != nil {
		reason = f.Err.Error()
	}

	msg := EmailMessage{
		Subject: fmt.Sprintf("[zapdesk] Falha ao enviar resposta (%s)", f.ChannelName),
		Body: fmt.Sprintf(
			"Não foi possível entregar uma resposta automática.\n\nCanal: %s\nContato: %s\nConversa: %s\nTipo: %s\nHorário: %s\nErro: %s\n",
			f.ChannelName, f.Phone, f.ConversationID, f.ReplyKind, at.UTC().Format(time.RFC3339), reason,
		),
		Category: dispatchFailureCategory,
		Tags: map[string]string{
			"company_id":      f.CompanyID.String(),
			"conversation_id": f.ConversationID.String(),
			"channel":         f.ChannelName,
			"reply_kind":      f.ReplyKind,
		},
	}

	var errs []error
	for _, to := range a.recipients {
		msg.To = to
		if err := a.sender.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify: alert %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// claim starts a cooldown for conversationID unless one is running. Expired
// cooldowns are dropped on the way.
func (a *Alerter) claim(conversationID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for id, prev := range a.last {
		if now.Sub(prev) >= a.cooldown {
			delete(a.last, id)
		}
	}
	if _, cooling := a.last[conversationID]; cooling {
		return false
	}
	a.last[conversationID] = now
	return true
}
