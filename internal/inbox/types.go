package inbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStaleToken means a newer fragment superseded the caller's freshness token.
	ErrStaleToken = errors.New("inbox: stale debounce token")
	// ErrConversationNotFound is returned when a conversation id does not exist.
	ErrConversationNotFound = errors.New("inbox: conversation not found")
)

// Sender identifies who authored a persisted message.
type Sender uint8

const (
	SenderUser Sender = iota + 1
	SenderAI
	SenderOperator
	SenderSystem
)

func (s Sender) String() string {
	switch s {
	case SenderUser:
		return "USER"
	case SenderAI:
		return "AI"
	case SenderOperator:
		return "OPERATOR"
	case SenderSystem:
		return "SYSTEM"
	default:
		return fmt.Sprintf("Sender(%d)", uint8(s))
	}
}

// ParseSender maps the stored representation back to a Sender.
func ParseSender(value string) (Sender, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "USER":
		return SenderUser, nil
	case "AI":
		return SenderAI, nil
	case "OPERATOR":
		return SenderOperator, nil
	case "SYSTEM":
		return SenderSystem, nil
	default:
		return 0, fmt.Errorf("inbox: unknown sender %q", value)
	}
}

func (s Sender) MarshalText() ([]byte, error) {
	if s < SenderUser || s > SenderSystem {
		return nil, fmt.Errorf("inbox: invalid sender %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Sender) UnmarshalText(text []byte) error {
	parsed, err := ParseSender(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Contact is an end customer, unique by phone within a company.
type Contact struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
}

// Conversation is the thread between one contact and one channel.
type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	CompanyID     uuid.UUID  `json:"company_id"`
	ContactID     uuid.UUID  `json:"contact_id"`
	ChannelID     uuid.UUID  `json:"channel_id"`
	HumanActive   bool       `json:"is_human_active"`
	TempBuffer    string     `json:"temp_buffer"`
	DebounceSeq   int64      `json:"debounce_seq"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// ConversationSummary is one row of the dashboard inbox.
type ConversationSummary struct {
	Conversation
	ContactPhone string `json:"contact_phone"`
	ContactName  string `json:"contact_name"`
	Unread       int    `json:"unread"`
}

// Message is one persisted line of a conversation.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	CompanyID      uuid.UUID `json:"company_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	Timestamp      time.Time `json:"timestamp"`
}

// JoinFragments concatenates buffered fragments with single spaces.
func JoinFragments(buffer, text string) string {
	return strings.TrimSpace(strings.TrimSpace(buffer) + " " + strings.TrimSpace(text))
}
