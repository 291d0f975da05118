package core

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pediachat/chat-service/internal/store"
)

// ErrNotAuthorized covers both "conversation does not exist" and "conversation
// belongs to someone else". The two cases are deliberately indistinguishable
// so callers cannot probe for conversations they do not own.
var ErrNotAuthorized = errors.New("not authorized")

const maxTitleLength = 255

// ChatService implements the externally visible conversation operations. Every
// operation scoped to an existing conversation runs the ownership check first,
// then touches the store, then writes an audit row where required.
type ChatService struct {
	dbStore *store.SQLiteStore
}

func NewChatService(db *store.SQLiteStore) *ChatService {
	return &ChatService{dbStore: db}
}

// RequestMeta carries transport-level facts recorded in audit rows.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type ConversationDetails struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []store.Message     `json:"messages"`
}

// authorize resolves the conversation and fails closed. It runs on every
// scoped call; ownership is never trusted from a prior call in the same
// session.
func (s *ChatService) authorize(requesterID, conversationID string) (*store.Conversation, error) {
	conv, err := s.dbStore.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if conv == nil || conv.UserID != requesterID {
		return nil, ErrNotAuthorized
	}
	return conv, nil
}

// SyncUser upserts the requester from the identity provider's payload and
// returns the stored row. The id always comes from the authenticated identity,
// never from the payload.
func (s *ChatService) SyncUser(requesterID string, u store.UserUpsert) (*store.User, error) {
	u.ID = requesterID
	if err := s.dbStore.UpsertUser(u); err != nil {
		return nil, err
	}
	return s.dbStore.GetUser(requesterID)
}

func (s *ChatService) GetUser(id string) (*store.User, error) {
	return s.dbStore.GetUser(id)
}

// ListConversations needs no ownership check: the requester id is itself the
// owner filter.
func (s *ChatService) ListConversations(userID string) ([]store.Conversation, error) {
	return s.dbStore.GetConversations(userID)
}

func (s *ChatService) CreateConversation(userID, title, responseMode string) (*store.Conversation, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if err := validateResponseMode(responseMode); err != nil {
		return nil, err
	}
	return s.dbStore.CreateConversation(userID, title, responseMode)
}

func (s *ChatService) GetConversationWithMessages(requesterID, conversationID string) (*ConversationDetails, error) {
	conv, err := s.authorize(requesterID, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.dbStore.GetMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for conversation: %w", err)
	}
	return &ConversationDetails{Conversation: conv, Messages: messages}, nil
}

func (s *ChatService) UpdateConversation(requesterID, conversationID string, upd store.ConversationUpdate) error {
	if upd.Title != nil {
		if err := validateTitle(*upd.Title); err != nil {
			return err
		}
	}
	if upd.ResponseMode != nil {
		if err := validateResponseMode(*upd.ResponseMode); err != nil {
			return err
		}
	}
	if _, err := s.authorize(requesterID, conversationID); err != nil {
		return err
	}
	return s.dbStore.UpdateConversation(conversationID, upd)
}

func (s *ChatService) DeleteConversation(requesterID, conversationID string) error {
	if _, err := s.authorize(requesterID, conversationID); err != nil {
		return err
	}
	return s.dbStore.DeleteConversation(conversationID)
}

// SendMessage appends a user message to the conversation and records a
// message_sent audit row carrying the message's character length. Generating
// an assistant reply happens elsewhere; this layer only persists.
func (s *ChatService) SendMessage(requesterID, conversationID, content string, meta RequestMeta) (*store.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", store.ErrValidation)
	}
	if _, err := s.authorize(requesterID, conversationID); err != nil {
		return nil, err
	}

	msg, err := s.dbStore.CreateMessage(conversationID, store.MessageRoleUser, content, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	details := map[string]any{"messageLength": utf8.RuneCountInString(content)}
	_, err = s.dbStore.CreateAuditLog(requesterID, "message_sent", &conversationID, details, optional(meta.IPAddress), optional(meta.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("failed to write audit log for message: %w", err)
	}
	return msg, nil
}

// CreateMedicalEmbedding appends a reference-corpus row. Gated on the admin
// role since the corpus is shared across all users.
func (s *ChatService) CreateMedicalEmbedding(requesterID, source, content string, embedding []float32, chapter, section *string, metadata map[string]any) (*store.MedicalEmbedding, error) {
	if source == "" || content == "" {
		return nil, fmt.Errorf("%w: source and content are required", store.ErrValidation)
	}
	user, err := s.dbStore.GetUser(requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve requester: %w", err)
	}
	if user == nil || user.Role != store.UserRoleAdmin {
		return nil, ErrNotAuthorized
	}
	return s.dbStore.CreateMedicalEmbedding(source, content, embedding, chapter, section, metadata)
}

func validateTitle(title string) error {
	if n := utf8.RuneCountInString(title); n < 1 || n > maxTitleLength {
		return fmt.Errorf("%w: title must be between 1 and %d characters", store.ErrValidation, maxTitleLength)
	}
	return nil
}

func validateResponseMode(mode string) error {
	switch mode {
	case "", store.ResponseModeConcise, store.ResponseModeAcademic:
		return nil
	}
	return fmt.Errorf("%w: response mode must be %q or %q", store.ErrValidation, store.ResponseModeConcise, store.ResponseModeAcademic)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
