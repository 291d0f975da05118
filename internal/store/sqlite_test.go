package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testOwnerID = "owner-user-1"

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testOwnerID)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func str(s string) *string { return &s }

func TestUpsertUserRequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertUser(UserUpsert{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestUpsertUserIdempotent(t *testing.T) {
	s := newTestStore(t)

	upsert := UserUpsert{ID: "u1", Name: str("Alice"), Email: str("alice@example.com")}
	assertNoError(t, s.UpsertUser(upsert))
	assertNoError(t, s.UpsertUser(upsert))

	user, err := s.GetUser("u1")
	assertNoError(t, err)
	if user == nil {
		t.Fatal("expected user, got nil")
	}
	if *user.Name != "Alice" || *user.Email != "alice@example.com" {
		t.Fatalf("unexpected user fields: %+v", user)
	}
	if user.Role != UserRoleUser {
		t.Fatalf("expected default role %q, got %q", UserRoleUser, user.Role)
	}
}

func TestUpsertUserPreservesAbsentFields(t *testing.T) {
	s := newTestStore(t)

	assertNoError(t, s.UpsertUser(UserUpsert{ID: "u1", Name: str("A")}))
	assertNoError(t, s.UpsertUser(UserUpsert{ID: "u1", Email: str("a@b.com")}))

	user, err := s.GetUser("u1")
	assertNoError(t, err)
	if user.Name == nil || *user.Name != "A" {
		t.Fatalf("second upsert nulled out name: %+v", user)
	}
	if user.Email == nil || *user.Email != "a@b.com" {
		t.Fatalf("email not set: %+v", user)
	}
}

func TestUpsertUserTouchesLastSignedIn(t *testing.T) {
	s := newTestStore(t)

	assertNoError(t, s.UpsertUser(UserUpsert{ID: "u1"}))
	before, err := s.GetUser("u1")
	assertNoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assertNoError(t, s.UpsertUser(UserUpsert{ID: "u1"}))

	after, err := s.GetUser("u1")
	assertNoError(t, err)
	if !after.LastSignedIn.After(before.LastSignedIn) {
		t.Fatalf("bare upsert did not touch last_signed_in: before=%v after=%v", before.LastSignedIn, after.LastSignedIn)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("created_at changed on re-upsert: before=%v after=%v", before.CreatedAt, after.CreatedAt)
	}
}

func TestUpsertUserOwnerAutoPromotion(t *testing.T) {
	s := newTestStore(t)

	assertNoError(t, s.UpsertUser(UserUpsert{ID: testOwnerID}))
	owner, err := s.GetUser(testOwnerID)
	assertNoError(t, err)
	if owner.Role != UserRoleAdmin {
		t.Fatalf("expected owner to be promoted to admin, got %q", owner.Role)
	}

	assertNoError(t, s.UpsertUser(UserUpsert{ID: "u2"}))
	other, err := s.GetUser("u2")
	assertNoError(t, err)
	if other.Role != UserRoleUser {
		t.Fatalf("expected non-owner role %q, got %q", UserRoleUser, other.Role)
	}
}

func TestUpsertUserExplicitRoleWins(t *testing.T) {
	s := newTestStore(t)

	// Promotion only applies when role is absent from the call.
	assertNoError(t, s.UpsertUser(UserUpsert{ID: testOwnerID, Role: str(UserRoleUser)}))
	owner, err := s.GetUser(testOwnerID)
	assertNoError(t, err)
	if owner.Role != UserRoleUser {
		t.Fatalf("explicit role ignored, got %q", owner.Role)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	user, err := s.GetUser("missing")
	assertNoError(t, err)
	if user != nil {
		t.Fatalf("expected nil for missing user, got %+v", user)
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("u1", "Fever workup", "")
	assertNoError(t, err)
	if conv.ID == "" || conv.UserID != "u1" || conv.Title != "Fever workup" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if conv.ResponseMode != ResponseModeConcise {
		t.Fatalf("expected default response mode, got %q", conv.ResponseMode)
	}

	got, err := s.GetConversation(conv.ID)
	assertNoError(t, err)
	if got == nil || got.ID != conv.ID || got.Title != conv.Title {
		t.Fatalf("round trip mismatch: %+v vs %+v", conv, got)
	}
}

func TestGetConversationsOrderedByUpdatedAt(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateConversation("u1", "first", "")
	assertNoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.CreateConversation("u1", "second", "")
	assertNoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Touching the oldest conversation moves it to the front.
	assertNoError(t, s.UpdateConversation(first.ID, ConversationUpdate{}))

	convs, err := s.GetConversations("u1")
	assertNoError(t, err)
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != first.ID {
		t.Fatalf("expected most recently touched conversation first, got %q", convs[0].Title)
	}
}

func TestUpdateConversationPartial(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("u1", "original", ResponseModeAcademic)
	assertNoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assertNoError(t, s.UpdateConversation(conv.ID, ConversationUpdate{Title: str("renamed")}))

	got, err := s.GetConversation(conv.ID)
	assertNoError(t, err)
	if got.Title != "renamed" {
		t.Fatalf("title not updated: %+v", got)
	}
	if got.ResponseMode != ResponseModeAcademic {
		t.Fatalf("response mode changed by partial update: %+v", got)
	}
	if !got.UpdatedAt.After(conv.UpdatedAt) {
		t.Fatalf("updated_at not refreshed: %v vs %v", got.UpdatedAt, conv.UpdatedAt)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("u1", "doomed", "")
	assertNoError(t, err)
	_, err = s.CreateMessage(conv.ID, MessageRoleUser, "hello", nil, nil)
	assertNoError(t, err)
	_, err = s.CreateMessage(conv.ID, MessageRoleAssistant, "hi", nil, nil)
	assertNoError(t, err)

	assertNoError(t, s.DeleteConversation(conv.ID))

	msgs, err := s.GetMessages(conv.ID)
	assertNoError(t, err)
	if len(msgs) != 0 {
		t.Fatalf("expected no orphan messages, got %d", len(msgs))
	}
	got, err := s.GetConversation(conv.ID)
	assertNoError(t, err)
	if got != nil {
		t.Fatalf("conversation still present after delete: %+v", got)
	}
}

func TestMessageOrderingWithInterleaving(t *testing.T) {
	s := newTestStore(t)

	a, err := s.CreateConversation("u1", "a", "")
	assertNoError(t, err)
	b, err := s.CreateConversation("u1", "b", "")
	assertNoError(t, err)

	contents := []string{"one", "two", "three"}
	for _, c := range contents {
		_, err = s.CreateMessage(a.ID, MessageRoleUser, c, nil, nil)
		assertNoError(t, err)
		_, err = s.CreateMessage(b.ID, MessageRoleUser, "noise "+c, nil, nil)
		assertNoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := s.GetMessages(a.ID)
	assertNoError(t, err)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, c := range contents {
		if msgs[i].Content != c {
			t.Fatalf("message %d out of order: got %q, want %q", i, msgs[i].Content, c)
		}
	}
}

func TestCreateMessageWithCitationsAndTokens(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("u1", "cited", "")
	assertNoError(t, err)

	tokens := 42
	citations := []Citation{{Source: "Nelson Textbook of Pediatrics", Chapter: "7", Section: "Fever"}}
	_, err = s.CreateMessage(conv.ID, MessageRoleAssistant, "see chapter 7", citations, &tokens)
	assertNoError(t, err)

	msgs, err := s.GetMessages(conv.ID)
	assertNoError(t, err)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Tokens == nil || *msg.Tokens != 42 {
		t.Fatalf("tokens not round-tripped: %+v", msg.Tokens)
	}
	if len(msg.Citations) != 1 || msg.Citations[0].Source != "Nelson Textbook of Pediatrics" || msg.Citations[0].Section != "Fever" {
		t.Fatalf("citations not round-tripped: %+v", msg.Citations)
	}
}

func TestCreateMedicalEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)

	emb, err := s.CreateMedicalEmbedding(
		"Nelson Textbook of Pediatrics", "Neonatal fever is a red flag...",
		[]float32{0.1, 0.2, 0.3}, str("7"), str("Fever"),
		map[string]any{"edition": "21st"})
	assertNoError(t, err)

	got, err := s.GetMedicalEmbedding(emb.ID)
	assertNoError(t, err)
	if got == nil {
		t.Fatal("embedding not found after create")
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 0.2 {
		t.Fatalf("embedding vector not round-tripped: %+v", got.Embedding)
	}
	if got.Metadata["edition"] != "21st" {
		t.Fatalf("metadata not round-tripped: %+v", got.Metadata)
	}
	if got.Chapter == nil || *got.Chapter != "7" {
		t.Fatalf("chapter not round-tripped: %+v", got.Chapter)
	}
}

func TestCreateAuditLogRoundTrip(t *testing.T) {
	s := newTestStore(t)

	convID := "conv_x"
	_, err := s.CreateAuditLog("u1", "message_sent", &convID,
		map[string]any{"messageLength": 12}, str("10.0.0.1"), str("test-agent"))
	assertNoError(t, err)

	entries, err := s.GetAuditLogs("u1")
	assertNoError(t, err)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit log, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Action != "message_sent" {
		t.Fatalf("unexpected action %q", entry.Action)
	}
	if entry.Details["messageLength"] != float64(12) {
		t.Fatalf("details not round-tripped: %+v", entry.Details)
	}
	if entry.ConversationID == nil || *entry.ConversationID != convID {
		t.Fatalf("conversation id not round-tripped: %+v", entry.ConversationID)
	}
	if entry.IPAddress == nil || *entry.IPAddress != "10.0.0.1" {
		t.Fatalf("ip address not round-tripped: %+v", entry.IPAddress)
	}
}

func TestDegradedMode(t *testing.T) {
	s := NewUnavailableStore(testOwnerID)

	// Reads degrade to empty results.
	convs, err := s.GetConversations("u1")
	assertNoError(t, err)
	if len(convs) != 0 {
		t.Fatalf("expected empty conversations, got %d", len(convs))
	}
	conv, err := s.GetConversation("conv_x")
	assertNoError(t, err)
	if conv != nil {
		t.Fatalf("expected absent conversation, got %+v", conv)
	}
	msgs, err := s.GetMessages("conv_x")
	assertNoError(t, err)
	if len(msgs) != 0 {
		t.Fatalf("expected empty messages, got %d", len(msgs))
	}
	user, err := s.GetUser("u1")
	assertNoError(t, err)
	if user != nil {
		t.Fatalf("expected absent user, got %+v", user)
	}

	// Creates that the caller cannot proceed without fail loudly.
	if _, err := s.CreateConversation("u1", "t", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from CreateConversation, got %v", err)
	}
	if _, err := s.CreateMessage("conv_x", MessageRoleUser, "hi", nil, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from CreateMessage, got %v", err)
	}
	if _, err := s.CreateMedicalEmbedding("src", "content", nil, nil, nil, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from CreateMedicalEmbedding, got %v", err)
	}
	if _, err := s.CreateAuditLog("u1", "a", nil, nil, nil, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from CreateAuditLog, got %v", err)
	}

	// Best-effort writes are silently skipped.
	assertNoError(t, s.UpsertUser(UserUpsert{ID: "u1"}))
	assertNoError(t, s.UpdateConversation("conv_x", ConversationUpdate{}))
	assertNoError(t, s.DeleteConversation("conv_x"))
	assertNoError(t, s.Close())
}

func TestIngestEmbeddingsFromFile(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(t.TempDir(), "embeddings.json")
	payload := `[
	  {"source": "Nelson", "chapter": "7", "content": "fever", "embedding": [0.1, 0.2]},
	  {"source": "Nelson", "content": "rash", "embedding": [0.3, 0.4], "metadata": {"page": 12}},
	  {"source": "", "content": "missing source, skipped"}
	]`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	n, err := s.IngestEmbeddingsFromFile(path)
	assertNoError(t, err)
	if n != 2 {
		t.Fatalf("expected 2 ingested records, got %d", n)
	}
}

func TestIngestEmbeddingsFromFileMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.IngestEmbeddingsFromFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
