package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PgxPool is the subset of pgxpool.Pool the store relies on.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists contacts, conversations and messages in Postgres.
type Store struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{
		pool:   pool,
		tracer: otel.Tracer("zapdesk.internal.inbox"),
	}
}

const conversationColumns = `id, company_id, contact_id, channel_id, is_human_active, temp_buffer, debounce_seq, last_message_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.CompanyID, &conv.ContactID, &conv.ChannelID,
		&conv.HumanActive, &conv.TempBuffer, &conv.DebounceSeq, &conv.LastMessageAt)
	return conv, err
}

// UpsertContact finds or creates the contact for phone. A non-empty name
// replaces the stored one.
func (s *Store) UpsertContact(ctx context.Context, companyID uuid.UUID, phone, name string) (Contact, error) {
	query := `
		INSERT INTO contacts (company_id, phone, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (company_id, phone)
		DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name)
		RETURNING id, company_id, phone, name
	`
	var c Contact
	if err := s.pool.QueryRow(ctx, query, companyID, phone, name).Scan(&c.ID, &c.CompanyID, &c.Phone, &c.Name); err != nil {
		return Contact{}, fmt.Errorf("inbox: upsert contact: %w", err)
	}
	return c, nil
}

// UpsertConversation finds or creates the conversation for the contact and
// channel. forceHuman can only raise the human flag, never clear it.
func (s *Store) UpsertConversation(ctx context.Context, companyID, contactID, channelID uuid.UUID, forceHuman bool) (Conversation, error) {
	query := `
		INSERT INTO conversations (company_id, contact_id, channel_id, is_human_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contact_id, channel_id)
		DO UPDATE SET is_human_active = conversations.is_human_active OR EXCLUDED.is_human_active
		RETURNING ` + conversationColumns
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, companyID, contactID, channelID, forceHuman))
	if err != nil {
		return Conversation{}, fmt.Errorf("inbox: upsert conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("inbox: get conversation: %w", err)
	}
	return conv, nil
}

// AppendToBuffer adds text to the debounce buffer and advances the freshness
// token in one statement, so concurrent fragments are never lost.
func (s *Store) AppendToBuffer(ctx context.Context, conversationID uuid.UUID, text string, at time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "inbox.buffer.append")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID.String()))

	query := `
		UPDATE conversations
		SET temp_buffer = btrim(temp_buffer || ' ' || $2),
			debounce_seq = debounce_seq + 1,
			last_message_at = $3
		WHERE id = $1
		RETURNING debounce_seq
	`
	var token int64
	if err := s.pool.QueryRow(ctx, query, conversationID, text, at.UTC()).Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrConversationNotFound
		}
		span.RecordError(err)
		return 0, fmt.Errorf("inbox: append to buffer: %w", err)
	}
	span.SetAttributes(attribute.Int64("debounce.token", token))
	return token, nil
}

// ClearBufferIfTokenMatches returns the buffered text and empties the buffer,
// but only while token is still the latest. Otherwise ErrStaleToken.
func (s *Store) ClearBufferIfTokenMatches(ctx context.Context, conversationID uuid.UUID, token int64) (string, error) {
	ctx, span := s.tracer.Start(ctx, "inbox.buffer.claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID.String()),
		attribute.Int64("debounce.token", token),
	)

	query := `
		WITH claimed AS (
			SELECT id, temp_buffer FROM conversations
			WHERE id = $1 AND debounce_seq = $2
			FOR UPDATE
		)
		UPDATE conversations c
		SET temp_buffer = ''
		FROM claimed
		WHERE c.id = claimed.id
		RETURNING claimed.temp_buffer
	`
	var buffer string
	if err := s.pool.QueryRow(ctx, query, conversationID, token).Scan(&buffer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrStaleToken
		}
		span.RecordError(err)
		return "", fmt.Errorf("inbox: clear buffer: %w", err)
	}
	return buffer, nil
}

func (s *Store) SetHumanActive(ctx context.Context, conversationID uuid.UUID, active bool) error {
	ct, err := s.pool.Exec(ctx, `UPDATE conversations SET is_human_active = $2 WHERE id = $1`, conversationID, active)
	if err != nil {
		return fmt.Errorf("inbox: set human active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// AppendMessage inserts a transcript row and advances the conversation's
// last_message_at to it, whoever the sender is.
func (s *Store) AppendMessage(ctx context.Context, conversationID, companyID uuid.UUID, sender Sender, content string) (Message, error) {
	label, err := sender.MarshalText()
	if err != nil {
		return Message{}, err
	}
	query := `
		WITH inserted AS (
			INSERT INTO messages (conversation_id, company_id, sender, content)
			VALUES ($1, $2, $3, $4)
			RETURNING id, conversation_id, timestamp
		), touched AS (
			UPDATE conversations c
			SET last_message_at = GREATEST(COALESCE(c.last_message_at, i.timestamp), i.timestamp)
			FROM inserted i
			WHERE c.id = i.conversation_id
		)
		SELECT id, timestamp FROM inserted
	`
	msg := Message{
		ConversationID: conversationID,
		CompanyID:      companyID,
		Sender:         sender,
		Content:        content,
	}
	if err := s.pool.QueryRow(ctx, query, conversationID, companyID, string(label), content).Scan(&msg.ID, &msg.Timestamp); err != nil {
		return Message{}, fmt.Errorf("inbox: insert message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 8
	}
	query := `
		SELECT id, conversation_id, company_id, sender, content, is_read, timestamp
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("inbox: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg    Message
			sender string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.CompanyID, &sender, &msg.Content, &msg.IsRead, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("inbox: scan message: %w", err)
		}
		if msg.Sender, err = ParseSender(sender); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox: list messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkRead flags every unread contact message in the conversation as read.
func (s *Store) MarkRead(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender = 'USER' AND NOT is_read
	`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("inbox: mark read: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ListConversations returns the company's conversations, most recent activity first.
func (s *Store) ListConversations(ctx context.Context, companyID uuid.UUID, limit, offset int) ([]ConversationSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT c.id, c.company_id, c.contact_id, c.channel_id, c.is_human_active,
			c.temp_buffer, c.debounce_seq, c.last_message_at,
			ct.phone, ct.name,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender = 'USER' AND NOT m.is_read) AS unread
		FROM conversations c
		JOIN contacts ct ON ct.id = c.contact_id
		WHERE c.company_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, query, companyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("inbox: list conversations: %w", err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		var sum ConversationSummary
		if err := rows.Scan(&sum.ID, &sum.CompanyID, &sum.ContactID, &sum.ChannelID, &sum.HumanActive,
			&sum.TempBuffer, &sum.DebounceSeq, &sum.LastMessageAt,
			&sum.ContactPhone, &sum.ContactName, &sum.Unread); err != nil {
			return nil, fmt.Errorf("inbox: scan conversation: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox: list conversations: %w", err)
	}
	return out, nil
}
