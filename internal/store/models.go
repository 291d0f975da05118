package store

import "time"

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"

	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"

	ResponseModeConcise  = "concise"
	ResponseModeAcademic = "academic"
)

type User struct {
	ID           string    `json:"id"`
	Name         *string   `json:"name"`
	Email        *string   `json:"email"`
	LoginMethod  *string   `json:"login_method"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	LastSignedIn time.Time `json:"last_signed_in"`
}

// UserUpsert carries the fields of an upsert call. A nil field means "not
// provided" and leaves the stored value untouched; a non-nil field is written
// as given. This is what lets repeated sign-ins update only what the identity
// provider actually sent.
type UserUpsert struct {
	ID           string
	Name         *string
	Email        *string
	LoginMethod  *string
	Role         *string
	LastSignedIn *time.Time
}

type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Description  *string   `json:"description,omitempty"`
	ResponseMode string    `json:"response_mode"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationUpdate is a partial update; nil fields are left untouched.
// updated_at is always refreshed, even when every field is nil.
type ConversationUpdate struct {
	Title        *string
	Description  *string
	ResponseMode *string
}

// Citation points at a passage of the reference corpus backing a message.
type Citation struct {
	Source  string `json:"source"`
	Chapter string `json:"chapter,omitempty"`
	Section string `json:"section,omitempty"`
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"` // "user" or "assistant"
	Content        string     `json:"content"`
	Citations      []Citation `json:"citations,omitempty"`
	Tokens         *int       `json:"tokens,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MedicalEmbedding is one chunk of the reference corpus with its precomputed
// vector. Independent of any conversation.
type MedicalEmbedding struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Chapter   *string        `json:"chapter,omitempty"`
	Section   *string        `json:"section,omitempty"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"` // internal, not exposed in responses
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditLog rows are append-only; they are never updated or deleted.
type AuditLog struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ConversationID *string        `json:"conversation_id,omitempty"`
	Action         string         `json:"action"`
	Details        map[string]any `json:"details,omitempty"`
	IPAddress      *string        `json:"ip_address,omitempty"`
	UserAgent      *string        `json:"user_agent,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
