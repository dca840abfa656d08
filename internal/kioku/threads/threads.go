// Package threads is the append-only conversation log: threads per user and
// their messages, with messageCount maintained in the same transaction as
// every append.
package threads

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/schema"
)

const (
	DefaultModel               = "gemini-1.5"
	DefaultSystemPromptVersion = "v1"
	DefaultTitle               = "New Conversation"

	maxTitleWords   = 8
	maxSummaryChars = 200

	threadsCollection  = "threads"
	MessagesCollection = "messages"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Thread is one conversation.
type Thread struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"ownerId"`
	Title               string    `json:"title"`
	CreatedAt           time.Time `json:"createdAt"`
	LastMessageAt       time.Time `json:"lastMessageAt"`
	MessageCount        int64     `json:"messageCount"`
	Model               string    `json:"model"`
	SystemPromptVersion string    `json:"systemPromptVersion"`
	Saved               bool      `json:"saved"`
	Summary             string    `json:"summary"`
}

// SnapshotRefs records which memories and goals were in the context when
// a reply was generated.
type SnapshotRefs struct {
	Memories []string `json:"memories"`
	Goals    []string `json:"goals"`
}

// Message is one entry in a thread.
type Message struct {
	ID                  string        `json:"id"`
	ThreadID            string        `json:"threadId"`
	OwnerID             string        `json:"ownerId"`
	Role                Role          `json:"role"`
	Text                string        `json:"text"`
	CreatedAt           time.Time     `json:"createdAt"`
	ContextSnapshotRefs *SnapshotRefs `json:"contextSnapshotRefs,omitempty"`
}

// Meta overrides thread defaults at creation.
type Meta struct {
	Model               string
	SystemPromptVersion string
}

// NewMessage is the input of AppendMessage.
type NewMessage struct {
	Role                Role
	Text                string
	ContextSnapshotRefs *SnapshotRefs
}

// Log reads and writes threads.
type Log struct {
	Store  docstore.Store
	Now    func() time.Time
	Logger *slog.Logger
}

// NewLog creates a Log using the wall clock.
func NewLog(store docstore.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Store: store, Now: func() time.Time { return time.Now().UTC() }, Logger: logger}
}

func ThreadsPath(ownerID string) string {
	return docstore.Join("users", ownerID, threadsCollection)
}

func ThreadPath(ownerID, threadID string) string {
	return docstore.Join(ThreadsPath(ownerID), threadID)
}

func MessagesPath(ownerID, threadID string) string {
	return docstore.Join(ThreadPath(ownerID, threadID), MessagesCollection)
}

var titleStrip = regexp.MustCompile(`[^\p{L}\p{N}\s]`)

// MakeTitle derives a thread title from the first user message: symbols
// and punctuation are removed and the first eight words kept.
func MakeTitle(text string) string {
	words := strings.FieldsFunc(titleStrip.ReplaceAllString(text, ""), unicode.IsSpace)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	if len(words) == 0 {
		return DefaultTitle
	}
	return strings.Join(words, " ")
}

// CreateThread starts a thread titled after firstMessageText. The message
// itself is not appended.
func (l *Log) CreateThread(ctx context.Context, ownerID, firstMessageText string, meta Meta) (*Thread, error) {
	if ownerID == "" {
		return nil, apperr.Validation("threads.create", "ownerId is required")
	}
	now := l.Now()
	th := &Thread{
		ID:                  uuid.NewString(),
		OwnerID:             ownerID,
		Title:               MakeTitle(firstMessageText),
		CreatedAt:           now,
		LastMessageAt:       now,
		Model:               cmpOr(meta.Model, DefaultModel),
		SystemPromptVersion: cmpOr(meta.SystemPromptVersion, DefaultSystemPromptVersion),
	}
	fields := th.fields()
	if err := schema.Validate(schema.Thread, fields); err != nil {
		return nil, err
	}
	// The user document is what the nightly sweeps enumerate.
	err := l.Store.Batch(ctx,
		docstore.SetWrite(docstore.Join("users", ownerID), map[string]any{"ownerId": ownerID}, true),
		docstore.SetWrite(ThreadPath(ownerID, th.ID), fields, false),
	)
	if err != nil {
		return nil, err
	}
	l.Logger.Debug("threads: created", "owner_id", ownerID, "thread_id", th.ID)
	return th, nil
}

// AppendMessage stores a message and bumps the thread's messageCount and
// lastMessageAt in one transaction. It returns a NotFound error when the
// thread does not exist.
func (l *Log) AppendMessage(ctx context.Context, ownerID, threadID string, in NewMessage) (*Message, error) {
	const op = "threads.append"
	if ownerID == "" || threadID == "" {
		return nil, apperr.Validation(op, "ownerId and threadId are required")
	}
	now := l.Now()
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return nil, fmt.Errorf("threads: generate message id: %w", err)
	}
	msg := &Message{
		ID:                  id.String(),
		ThreadID:            threadID,
		OwnerID:             ownerID,
		Role:                in.Role,
		Text:                in.Text,
		CreatedAt:           now,
		ContextSnapshotRefs: in.ContextSnapshotRefs,
	}
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	fields := msg.fields()
	if err := schema.Validate(schema.Message, fields); err != nil {
		return nil, err
	}

	err = l.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		threadPath := ThreadPath(ownerID, threadID)
		if _, err := tx.Get(ctx, threadPath); err != nil {
			return err
		}
		if err := tx.Set(ctx, docstore.Join(MessagesPath(ownerID, threadID), msg.ID), fields, false); err != nil {
			return err
		}
		return tx.Update(ctx, threadPath, map[string]any{
			"messageCount":  docstore.Increment(1),
			"lastMessageAt": now,
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ExportThread marks a thread as saved with a summary of at most 200
// characters.
func (l *Log) ExportThread(ctx context.Context, ownerID, threadID, summary string) error {
	runes := []rune(strings.TrimSpace(summary))
	if len(runes) > maxSummaryChars {
		runes = runes[:maxSummaryChars]
	}
	return l.Store.Update(ctx, ThreadPath(ownerID, threadID), map[string]any{
		"saved":   true,
		"summary": string(runes),
	})
}

// Thread returns one thread or a NotFound error.
func (l *Log) Thread(ctx context.Context, ownerID, threadID string) (*Thread, error) {
	doc, err := l.Store.Get(ctx, ThreadPath(ownerID, threadID))
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.Thread, doc.Data); err != nil {
		return nil, err
	}
	var th Thread
	if err := doc.DataTo(&th); err != nil {
		return nil, err
	}
	th.ID = doc.ID
	return &th, nil
}

// ListMessages returns the latest limit messages of a thread, oldest first.
func (l *Log) ListMessages(ctx context.Context, ownerID, threadID string, limit int) ([]*Message, error) {
	if _, err := l.Store.Get(ctx, ThreadPath(ownerID, threadID)); err != nil {
		return nil, err
	}
	docs, err := l.Store.Query(ctx, MessagesPath(ownerID, threadID), docstore.Query{
		OrderBy: []docstore.Order{{Field: "createdAt", Dir: docstore.Desc}, {Field: docstore.DocumentID, Dir: docstore.Desc}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return l.decodeChronological(ownerID, docs), nil
}

// RecentMessages returns, across all of a user's threads, the latest limit
// messages created in (after, until], oldest first.
func (l *Log) RecentMessages(ctx context.Context, ownerID string, after, until time.Time, limit int) ([]*Message, error) {
	filters := []docstore.Filter{{Field: "createdAt", Op: docstore.Le, Value: until}}
	if !after.IsZero() {
		filters = append(filters, docstore.Filter{Field: "createdAt", Op: docstore.Gt, Value: after})
	}
	docs, err := l.Store.QueryGroup(ctx, docstore.Join("users", ownerID), MessagesCollection, docstore.Query{
		Filters: filters,
		OrderBy: []docstore.Order{{Field: "createdAt", Dir: docstore.Desc}, {Field: docstore.DocumentID, Dir: docstore.Desc}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return l.decodeChronological(ownerID, docs), nil
}

// decodeChronological decodes newest-first documents and returns them
// oldest first, dropping invalid ones.
func (l *Log) decodeChronological(ownerID string, docs []*docstore.Document) []*Message {
	out := make([]*Message, 0, len(docs))
	for _, doc := range docs {
		if err := schema.Validate(schema.Message, doc.Data); err != nil {
			l.Logger.Warn("threads: skipping invalid message", "owner_id", ownerID, "path", doc.Path, "err", err)
			continue
		}
		var m Message
		if err := doc.DataTo(&m); err != nil {
			l.Logger.Warn("threads: skipping undecodable message", "owner_id", ownerID, "path", doc.Path, "err", err)
			continue
		}
		m.ID = doc.ID
		out = append(out, &m)
	}
	slices.Reverse(out)
	return out
}

func (t *Thread) fields() map[string]any {
	return map[string]any{
		"schemaVersion":       schema.CurrentVersion,
		"ownerId":             t.OwnerID,
		"title":               t.Title,
		"createdAt":           t.CreatedAt,
		"lastMessageAt":       t.LastMessageAt,
		"messageCount":        t.MessageCount,
		"model":               t.Model,
		"systemPromptVersion": t.SystemPromptVersion,
		"saved":               t.Saved,
		"summary":             t.Summary,
	}
}

func (m *Message) fields() map[string]any {
	f := map[string]any{
		"schemaVersion": schema.CurrentVersion,
		"threadId":      m.ThreadID,
		"ownerId":       m.OwnerID,
		"role":          string(m.Role),
		"text":          m.Text,
		"createdAt":     m.CreatedAt,
	}
	if refs := m.ContextSnapshotRefs; refs != nil {
		f["contextSnapshotRefs"] = map[string]any{
			"memories": orEmpty(refs.Memories),
			"goals":    orEmpty(refs.Goals),
		}
	}
	return f
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func cmpOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
