package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore is the durable record store. It holds no authorization logic;
// ownership checks live in the core package.
//
// A SQLiteStore with a nil handle is a valid degraded-mode store: reads report
// empty results so the UI can render an empty state, creates fail with
// ErrUnavailable, and best-effort writes (user upsert, conversation
// update/delete) are silently skipped.
type SQLiteStore struct {
	db          *sql.DB
	ownerUserID string
}

func NewSQLiteStore(dataSourceName, ownerUserID string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, ownerUserID: ownerUserID}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewUnavailableStore returns a store with no backing database.
func NewUnavailableStore(ownerUserID string) *SQLiteStore {
	return &SQLiteStore{ownerUserID: ownerUserID}
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        name TEXT,
        email TEXT,
        login_method TEXT,
        role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin')),
        created_at DATETIME NOT NULL,
        last_signed_in DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        description TEXT,
        response_mode TEXT NOT NULL DEFAULT 'concise' CHECK (response_mode IN ('concise', 'academic')),
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        citations TEXT, -- JSON array of {source, chapter?, section?}
        tokens INTEGER,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE TABLE IF NOT EXISTS medical_embeddings (
        id TEXT PRIMARY KEY,
        source TEXT NOT NULL,
        chapter TEXT,
        section TEXT,
        content TEXT NOT NULL,
        embedding TEXT, -- JSON array of float32
        metadata TEXT,  -- JSON object
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS audit_logs (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        conversation_id TEXT,
        action TEXT NOT NULL,
        details TEXT, -- JSON object
        ip_address TEXT,
        user_agent TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, updated_at);
    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
    CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs (user_id, created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

// newID returns an identifier unique across restarts and concurrent callers.
// The prefix keeps ids self-describing in logs and audit rows.
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// User methods

// UpsertUser inserts the user if absent, otherwise updates only the fields
// present in the call. When no explicit field is given the row's
// last_signed_in is still touched, so a bare sign-in keeps the liveness
// signal fresh. If no role is provided and the id matches the configured
// owner identity, the role is forced to admin on this write.
func (s *SQLiteStore) UpsertUser(u UserUpsert) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id is required for upsert", ErrValidation)
	}
	if s.db == nil {
		return nil // best-effort write, skipped in degraded mode
	}

	now := time.Now()
	cols := []string{"id", "created_at"}
	args := []any{u.ID, now}
	var set []string
	var setArgs []any

	addText := func(col string, val *string) {
		if val == nil {
			return
		}
		cols = append(cols, col)
		args = append(args, *val)
		set = append(set, col+" = ?")
		setArgs = append(setArgs, *val)
	}
	addText("name", u.Name)
	addText("email", u.Email)
	addText("login_method", u.LoginMethod)

	role := u.Role
	if role == nil && u.ID == s.ownerUserID {
		admin := UserRoleAdmin
		role = &admin
	}
	addText("role", role)

	signedIn := now
	if u.LastSignedIn != nil {
		signedIn = *u.LastSignedIn
		set = append(set, "last_signed_in = ?")
		setArgs = append(setArgs, signedIn)
	}
	cols = append(cols, "last_signed_in")
	args = append(args, signedIn)

	if len(set) == 0 {
		// Nothing explicit to update: still touch the liveness column.
		set = append(set, "last_signed_in = ?")
		setArgs = append(setArgs, now)
	}

	query := fmt.Sprintf(
		"INSERT INTO users (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(set, ", "))
	if _, err := s.db.Exec(query, append(args, setArgs...)...); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(id string) (*User, error) {
	if s.db == nil {
		return nil, nil
	}
	var user User
	var name, email, loginMethod sql.NullString
	err := s.db.QueryRow(
		"SELECT id, name, email, login_method, role, created_at, last_signed_in FROM users WHERE id = ?", id,
	).Scan(&user.ID, &name, &email, &loginMethod, &user.Role, &user.CreatedAt, &user.LastSignedIn)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	user.Name = nullToPtr(name)
	user.Email = nullToPtr(email)
	user.LoginMethod = nullToPtr(loginMethod)
	return &user, nil
}

// Conversation methods

func (s *SQLiteStore) CreateConversation(userID, title, responseMode string) (*Conversation, error) {
	if s.db == nil {
		return nil, ErrUnavailable
	}
	if responseMode == "" {
		responseMode = ResponseModeConcise
	}

	now := time.Now()
	conv := &Conversation{
		ID:           newID("conv"),
		UserID:       userID,
		Title:        title,
		ResponseMode: responseMode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	stmt, err := s.db.Prepare("INSERT INTO conversations (id, user_id, title, response_mode, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare conversation insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(conv.ID, conv.UserID, conv.Title, conv.ResponseMode, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to execute conversation insert: %w", err)
	}
	return conv, nil
}

// GetConversations returns all conversations owned by userID, most recently
// touched first. Degraded mode and zero matches both yield an empty list.
func (s *SQLiteStore) GetConversations(userID string) ([]Conversation, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		"SELECT id, user_id, title, description, response_mode, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) GetConversation(id string) (*Conversation, error) {
	if s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRow(
		"SELECT id, user_id, title, description, response_mode, created_at, updated_at FROM conversations WHERE id = ?", id)
	conv, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, err
	}
	return conv, nil
}

// UpdateConversation applies only the provided fields and always refreshes
// updated_at, whether or not anything else changed.
func (s *SQLiteStore) UpdateConversation(id string, upd ConversationUpdate) error {
	if s.db == nil {
		return nil // best-effort write, skipped in degraded mode
	}

	set := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.ResponseMode != nil {
		set = append(set, "response_mode = ?")
		args = append(args, *upd.ResponseMode)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE conversations SET %s WHERE id = ?", strings.Join(set, ", "))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes the conversation and all of its messages. Both
// deletes run in one transaction so a crash cannot leave orphan messages
// behind.
func (s *SQLiteStore) DeleteConversation(id string) error {
	if s.db == nil {
		return nil // best-effort write, skipped in degraded mode
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	if _, err = tx.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return tx.Commit()
}

// Message methods

func (s *SQLiteStore) CreateMessage(conversationID, role, content string, citations []Citation, tokens *int) (*Message, error) {
	if s.db == nil {
		return nil, ErrUnavailable
	}

	msg := &Message{
		ID:             newID("msg"),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Citations:      citations,
		Tokens:         tokens,
		CreatedAt:      time.Now(),
	}

	var citationsJSON any
	if citations != nil {
		b, err := json.Marshal(citations)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal citations: %w", err)
		}
		citationsJSON = string(b)
	}

	stmt, err := s.db.Prepare("INSERT INTO messages (id, conversation_id, role, content, citations, tokens, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(msg.ID, msg.ConversationID, msg.Role, msg.Content, citationsJSON, toNullInt(tokens), msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to execute message insert: %w", err)
	}
	return msg, nil
}

// GetMessages returns the conversation's messages oldest first. The rowid
// tiebreak keeps equal timestamps in insertion order.
func (s *SQLiteStore) GetMessages(conversationID string) ([]Message, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		"SELECT id, conversation_id, role, content, citations, tokens, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var citations sql.NullString
		var tokens sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &citations, &tokens, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if citations.Valid && citations.String != "" {
			if err := json.Unmarshal([]byte(citations.String), &msg.Citations); err != nil {
				return nil, fmt.Errorf("failed to unmarshal citations for message %s: %w", msg.ID, err)
			}
		}
		if tokens.Valid {
			t := int(tokens.Int64)
			msg.Tokens = &t
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Medical embedding methods

func (s *SQLiteStore) CreateMedicalEmbedding(source, content string, embedding []float32, chapter, section *string, metadata map[string]any) (*MedicalEmbedding, error) {
	if s.db == nil {
		return nil, ErrUnavailable
	}

	emb := &MedicalEmbedding{
		ID:        newID("emb"),
		Source:    source,
		Chapter:   chapter,
		Section:   section,
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	embeddingJSON, err := marshalOrNull(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	metadataJSON, err := marshalOrNull(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding metadata: %w", err)
	}

	stmt, err := s.db.Prepare("INSERT INTO medical_embeddings (id, source, chapter, section, content, embedding, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(emb.ID, emb.Source, ptrToNull(chapter), ptrToNull(section), emb.Content, embeddingJSON, metadataJSON, emb.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to execute embedding insert: %w", err)
	}
	return emb, nil
}

func (s *SQLiteStore) GetMedicalEmbedding(id string) (*MedicalEmbedding, error) {
	if s.db == nil {
		return nil, nil
	}
	var emb MedicalEmbedding
	var chapter, section, embedding, metadata sql.NullString
	err := s.db.QueryRow(
		"SELECT id, source, chapter, section, content, embedding, metadata, created_at FROM medical_embeddings WHERE id = ?", id,
	).Scan(&emb.ID, &emb.Source, &chapter, &section, &emb.Content, &embedding, &metadata, &emb.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query embedding: %w", err)
	}
	emb.Chapter = nullToPtr(chapter)
	emb.Section = nullToPtr(section)
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &emb.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding %s: %w", emb.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &emb.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for embedding %s: %w", emb.ID, err)
		}
	}
	return &emb, nil
}

// Audit log methods

func (s *SQLiteStore) CreateAuditLog(userID, action string, conversationID *string, details map[string]any, ipAddress, userAgent *string) (*AuditLog, error) {
	if s.db == nil {
		return nil, ErrUnavailable
	}

	entry := &AuditLog{
		ID:             newID("log"),
		UserID:         userID,
		ConversationID: conversationID,
		Action:         action,
		Details:        details,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		CreatedAt:      time.Now(),
	}

	detailsJSON, err := marshalOrNull(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit details: %w", err)
	}

	stmt, err := s.db.Prepare("INSERT INTO audit_logs (id, user_id, conversation_id, action, details, ip_address, user_agent, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare audit log insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(entry.ID, entry.UserID, ptrToNull(conversationID), entry.Action, detailsJSON, ptrToNull(ipAddress), ptrToNull(userAgent), entry.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to execute audit log insert: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) GetAuditLogs(userID string) ([]AuditLog, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		"SELECT id, user_id, conversation_id, action, details, ip_address, user_agent, created_at FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC, rowid DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []AuditLog
	for rows.Next() {
		var entry AuditLog
		var conversationID, details, ipAddress, userAgent sql.NullString
		if err := rows.Scan(&entry.ID, &entry.UserID, &conversationID, &entry.Action, &details, &ipAddress, &userAgent, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log row: %w", err)
		}
		entry.ConversationID = nullToPtr(conversationID)
		entry.IPAddress = nullToPtr(ipAddress)
		entry.UserAgent = nullToPtr(userAgent)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details for audit log %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var description sql.NullString
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &description, &conv.ResponseMode, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation row: %w", err)
	}
	conv.Description = nullToPtr(description)
	return &conv, nil
}

func nullToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func ptrToNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func toNullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func marshalOrNull(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
