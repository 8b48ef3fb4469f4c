// Package webhook receives Evolution API webhooks and normalizes them into
// canonical inbound events.
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/zapdesk/internal/content"
)

var (
	// ErrIgnored marks payloads that are valid but not inbound chat messages.
	ErrIgnored = errors.New("webhook: event ignored")
	// ErrMalformed marks payloads that cannot be understood.
	ErrMalformed = errors.New("webhook: malformed payload")
	// ErrUnknownChannel is returned by processors when the instance is not registered.
	ErrUnknownChannel = errors.New("webhook: unknown channel")
)

// InboundEvent is one WhatsApp message in gateway-independent form.
type InboundEvent struct {
	ChannelName string
	MessageID   string
	Phone       string
	PushName    string
	FromMe      bool
	Kind        content.Kind
	Text        string
	Caption     string
	ReceivedAt  time.Time
}

// ExtractorInput is the subset of the event the content extractor reads.
func (e InboundEvent) ExtractorInput() content.Input {
	return content.Input{
		Kind:        e.Kind,
		Text:        e.Text,
		Caption:     e.Caption,
		ChannelName: e.ChannelName,
		MessageID:   e.MessageID,
	}
}

// Outcome is the terminal decision for one inbound event.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeOperator    Outcome = "operator"
	OutcomeHumanActive Outcome = "human_active"
	OutcomeOffline     Outcome = "offline"
	OutcomeFallback    Outcome = "fallback"
	OutcomeBuffered    Outcome = "buffered"
)

// Processor runs the inbound pipeline for a normalized event.
type Processor interface {
	HandleInbound(ctx context.Context, evt InboundEvent) (Outcome, error)
}
