package live

import (
	"context"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/inbox"
)

// MessageAppender is the transcript write the pipeline performs.
type MessageAppender interface {
	AppendMessage(ctx context.Context, conversationID, companyID uuid.UUID, sender inbox.Sender, content string) (inbox.Message, error)
}

// PublishingAppender publishes every persisted row to the hub.
type PublishingAppender struct {
	inner MessageAppender
	hub   *Hub
}

// NewPublishingAppender returns inner unchanged when hub is nil.
func NewPublishingAppender(inner MessageAppender, hub *Hub) MessageAppender {
	if hub == nil {
		return inner
	}
	return &PublishingAppender{inner: inner, hub: hub}
}

func (p *PublishingAppender) AppendMessage(ctx context.Context, conversationID, companyID uuid.UUID, sender inbox.Sender, content string) (inbox.Message, error) {
	msg, err := p.inner.AppendMessage(ctx, conversationID, companyID, sender, content)
	if err != nil {
		return msg, err
	}
	row := msg
	p.hub.Publish(companyID, Event{Type: "message", ConversationID: conversationID, Message: &row})
	return msg, nil
}
