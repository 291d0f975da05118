package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pediachat/chat-service/internal/auth"
	"github.com/pediachat/chat-service/internal/core"
	"github.com/pediachat/chat-service/internal/store"
)

type APIHandler struct {
	chatService *core.ChatService
}

func NewAPIHandler(cs *core.ChatService) *APIHandler {
	return &APIHandler{chatService: cs}
}

type contextKey string

const userIDKey contextKey = "userID"

func requesterID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// JWTAuthMiddleware resolves the authenticated identity from the bearer token
// and stores it in the request context. Everything behind it can assume a
// non-empty requester id.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// writeError maps the service error kinds onto HTTP statuses. Missing and
// foreign conversations share one status so ownership probing reveals nothing.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrNotAuthorized):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, store.ErrUnavailable):
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		log.Printf("Internal error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func requestMeta(r *http.Request) core.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return core.RequestMeta{IPAddress: ip, UserAgent: r.UserAgent()}
}

type SyncUserRequest struct {
	Name        *string `json:"name,omitempty"`
	Email       *string `json:"email,omitempty"`
	LoginMethod *string `json:"login_method,omitempty"`
}

// SyncUserHandler upserts the requester's profile from the identity provider
// payload. Only the fields present in the body are written.
func (h *APIHandler) SyncUserHandler(w http.ResponseWriter, r *http.Request) {
	var req SyncUserRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	user, err := h.chatService.SyncUser(requesterID(r), store.UserUpsert{
		Name:        req.Name,
		Email:       req.Email,
		LoginMethod: req.LoginMethod,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.chatService.GetUser(requesterID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatService.ListConversations(requesterID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type CreateConversationRequest struct {
	Title        string `json:"title"`
	ResponseMode string `json:"response_mode,omitempty"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := h.chatService.CreateConversation(requesterID(r), req.Title, req.ResponseMode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	details, err := h.chatService.GetConversationWithMessages(requesterID(r), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if details.Messages == nil {
		details.Messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, details)
}

type UpdateConversationRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	ResponseMode *string `json:"response_mode,omitempty"`
}

func (h *APIHandler) UpdateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := h.chatService.UpdateConversation(requesterID(r), chi.URLParam(r, "conversationID"), store.ConversationUpdate{
		Title:        req.Title,
		Description:  req.Description,
		ResponseMode: req.ResponseMode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteConversation(requesterID(r), chi.URLParam(r, "conversationID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.chatService.SendMessage(requesterID(r), chi.URLParam(r, "conversationID"), req.Content, requestMeta(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type CreateEmbeddingRequest struct {
	Source    string         `json:"source"`
	Chapter   *string        `json:"chapter,omitempty"`
	Section   *string        `json:"section,omitempty"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateEmbeddingHandler appends a row to the shared reference corpus.
// Admin only; the service enforces the role check.
func (h *APIHandler) CreateEmbeddingHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateEmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	emb, err := h.chatService.CreateMedicalEmbedding(requesterID(r), req.Source, req.Content, req.Embedding, req.Chapter, req.Section, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, emb)
}
