package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/http/middleware"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/live"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
)

// ConversationStore is the slice of inbox.Store the dashboard uses.
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (inbox.Conversation, error)
	ListConversations(ctx context.Context, companyID uuid.UUID, limit, offset int) ([]inbox.ConversationSummary, error)
	SetHumanActive(ctx context.Context, conversationID uuid.UUID, active bool) error
	MarkRead(ctx context.Context, conversationID uuid.UUID) (int64, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]inbox.Message, error)
}

// Publisher pushes dashboard events to connected operators.
type Publisher interface {
	Publish(companyID uuid.UUID, evt live.Event)
}

// AdminConversationsHandler lets operators take over, hand back and read
// conversations of their own company.
type AdminConversationsHandler struct {
	store     ConversationStore
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
}

func NewAdminConversationsHandler(store ConversationStore, publisher Publisher, logger *logging.Logger) *AdminConversationsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminConversationsHandler{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// OwnershipResponse is returned by assume and release.
type OwnershipResponse struct {
	ConversationID string `json:"conversation_id"`
	HumanActive    bool   `json:"is_human_active"`
}

// MessagesResponse lists the latest messages, oldest first.
type MessagesResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []inbox.Message `json:"messages"`
}

// ListConversations returns the operator's inbox.
// GET /admin/conversations
func (h *AdminConversationsHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	companyID, ok := middleware.CompanyIDFromContext(r.Context())
	if !ok {
		jsonError(w, "missing company", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	convs, err := h.store.ListConversations(r.Context(), companyID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err, "company_id", companyID)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// Assume hands the conversation to a human operator.
// POST /admin/conversations/{id}/assume
func (h *AdminConversationsHandler) Assume(w http.ResponseWriter, r *http.Request) {
	h.setOwnership(w, r, true)
}

// Release hands the conversation back to the AI.
// POST /admin/conversations/{id}/release
func (h *AdminConversationsHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.setOwnership(w, r, false)
}

func (h *AdminConversationsHandler) setOwnership(w http.ResponseWriter, r *http.Request, humanActive bool) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	if err := h.store.SetHumanActive(r.Context(), conv.ID, humanActive); err != nil {
		if errors.Is(err, inbox.ErrConversationNotFound) {
			jsonError(w, "conversation not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update ownership", "error", err, "conversation_id", conv.ID)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	eventType := "released"
	if humanActive {
		eventType = "assumed"
	}
	h.logger.Info("conversation ownership changed",
		"conversation_id", conv.ID,
		"company_id", conv.CompanyID,
		"human_active", humanActive,
	)
	if h.publisher != nil {
		h.publisher.Publish(conv.CompanyID, live.Event{Type: eventType, ConversationID: conv.ID, At: h.now().UTC()})
	}
	writeJSON(w, http.StatusOK, OwnershipResponse{ConversationID: conv.ID.String(), HumanActive: humanActive})
}

// MarkRead flags the contact's messages as read.
// POST /admin/conversations/{id}/read
func (h *AdminConversationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	n, err := h.store.MarkRead(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("failed to mark read", "error", err, "conversation_id", conv.ID)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": conv.ID.String(), "marked": n})
}

// Messages returns the conversation history.
// GET /admin/conversations/{id}/messages?limit=50
func (h *AdminConversationsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultMessagesLimit
	}
	if limit > maxMessagesLimit {
		limit = maxMessagesLimit
	}
	msgs, err := h.store.RecentMessages(r.Context(), conv.ID, limit)
	if err != nil {
		h.logger.Error("failed to load messages", "error", err, "conversation_id", conv.ID)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []inbox.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{ConversationID: conv.ID.String(), Messages: msgs})
}

// ownedConversation loads {id} and hides conversations of other companies.
func (h *AdminConversationsHandler) ownedConversation(w http.ResponseWriter, r *http.Request) (inbox.Conversation, bool) {
	companyID, ok := middleware.CompanyIDFromContext(r.Context())
	if !ok {
		jsonError(w, "missing company", http.StatusUnauthorized)
		return inbox.Conversation{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid conversation id", http.StatusBadRequest)
		return inbox.Conversation{}, false
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, inbox.ErrConversationNotFound) {
			jsonError(w, "conversation not found", http.StatusNotFound)
			return inbox.Conversation{}, false
		}
		h.logger.Error("failed to load conversation", "error", err, "conversation_id", id)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return inbox.Conversation{}, false
	}
	if conv.CompanyID != companyID {
		jsonError(w, "conversation not found", http.StatusNotFound)
		return inbox.Conversation{}, false
	}
	return conv, true
}
