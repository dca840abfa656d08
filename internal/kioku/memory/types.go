// Package memory owns a user's long-term memory records and everything that
// reads them on the request path: reinforcement and pin mutators, the
// ranking used to pick relevant memories, and the Assembler that builds the
// per-request context payload and its rendered prompt block.
package memory

import (
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/schema"
)

// Kind classifies a memory.
type Kind string

const (
	KindStory      Kind = "story"
	KindFact       Kind = "fact"
	KindPreference Kind = "preference"
	KindGoalHint   Kind = "goal_hint"
)

// ParseKind maps free-form input to a Kind, defaulting to KindFact.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindStory, KindFact, KindPreference, KindGoalHint:
		return k
	default:
		return KindFact
	}
}

// Source records where a memory came from.
type Source string

const (
	SourceChat    Source = "chat"
	SourceJournal Source = "journal"
	SourceSystem  Source = "system"
)

// ParseSource maps free-form input to a Source, defaulting to SourceChat.
func ParseSource(s string) Source {
	switch src := Source(s); src {
	case SourceChat, SourceJournal, SourceSystem:
		return src
	default:
		return SourceChat
	}
}

const (
	// DefaultDecayScore applies to new memories and to stored ones that
	// predate the field.
	DefaultDecayScore = 1.0
	MinDecayScore     = 0.0
	MaxDecayScore     = 1.2

	MinImportance = 1
	MaxImportance = 5
)

// Memory is a durable fact, preference, story, or goal hint about a user.
type Memory struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Text       string     `json:"text"`
	Kind       Kind       `json:"kind"`
	Importance int        `json:"importance"`
	DecayScore float64    `json:"decayScore"`
	Pinned     bool       `json:"pinned"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Source     Source     `json:"source"`
	Tags       []string   `json:"tags"`
	Revision   int64      `json:"revision"`
}

// Fields returns the stored representation of m.
func (m *Memory) Fields() map[string]any {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	f := map[string]any{
		"schemaVersion": schema.CurrentVersion,
		"ownerId":       m.OwnerID,
		"text":          m.Text,
		"kind":          string(m.Kind),
		"importance":    m.Importance,
		"decayScore":    m.DecayScore,
		"pinned":        m.Pinned,
		"createdAt":     m.CreatedAt,
		"source":        string(m.Source),
		"tags":          tags,
		"revision":      m.Revision,
	}
	if m.LastUsedAt != nil {
		f["lastUsedAt"] = *m.LastUsedAt
	}
	return f
}

// NewMemory is the input of an explicit save or an extraction.
type NewMemory struct {
	// ID is optional; the extraction consumer passes deterministic ids so
	// that redelivered events overwrite instead of duplicating.
	ID         string
	Text       string
	Kind       Kind
	Importance int
	Source     Source
	Tags       []string
	Pinned     bool
}

// SessionSummary is a rolling summary of one span of conversation.
type SessionSummary struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Text         string    `json:"text"`
	SpanStart    time.Time `json:"spanStart"`
	SpanEnd      time.Time `json:"spanEnd"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
	Fallback     bool      `json:"fallback"`
}

func (s *SessionSummary) Fields() map[string]any {
	return map[string]any{
		"schemaVersion": schema.CurrentVersion,
		"ownerId":       s.OwnerID,
		"text":          s.Text,
		"spanStart":     s.SpanStart,
		"spanEnd":       s.SpanEnd,
		"createdAt":     s.CreatedAt,
		"messageCount":  s.MessageCount,
		"fallback":      s.Fallback,
	}
}

// Checkpoint records how far a user's conversation has been summarized.
type Checkpoint struct {
	OwnerID          string    `json:"ownerId"`
	LastSummarizedAt time.Time `json:"lastSummarizedAt"`
}

func (c *Checkpoint) Fields() map[string]any {
	return map[string]any{
		"schemaVersion":    schema.CurrentVersion,
		"ownerId":          c.OwnerID,
		"lastSummarizedAt": c.LastSummarizedAt,
	}
}

// Goal is read-only to the core.
type Goal struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActiveGoalStatuses are the status spellings treated as active.
var ActiveGoalStatuses = []string{"active", "Active"}

// Profile holds the descriptive fields of the user document.
type Profile struct {
	DisplayName          string   `json:"displayName,omitempty"`
	Username             string   `json:"username,omitempty"`
	Region               string   `json:"region,omitempty"`
	Timezone             string   `json:"timezone,omitempty"`
	About                string   `json:"about,omitempty"`
	PersonalizationRules []string `json:"personalizationRules,omitempty"`
}

func decodeMemory(doc *docstore.Document) (*Memory, error) {
	if err := schema.Validate(schema.Memory, doc.Data); err != nil {
		return nil, err
	}
	var m Memory
	if err := doc.DataTo(&m); err != nil {
		return nil, err
	}
	m.ID = doc.ID
	if _, ok := doc.Data["decayScore"]; !ok {
		m.DecayScore = DefaultDecayScore
	}
	return &m, nil
}

func decodeSummary(doc *docstore.Document) (*SessionSummary, error) {
	if err := schema.Validate(schema.SessionSummary, doc.Data); err != nil {
		return nil, err
	}
	var s SessionSummary
	if err := doc.DataTo(&s); err != nil {
		return nil, err
	}
	s.ID = doc.ID
	return &s, nil
}

func decodeGoal(doc *docstore.Document) (*Goal, error) {
	if err := schema.Validate(schema.Goal, doc.Data); err != nil {
		return nil, err
	}
	var g Goal
	if err := doc.DataTo(&g); err != nil {
		return nil, err
	}
	g.ID = doc.ID
	return &g, nil
}
