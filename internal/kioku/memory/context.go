package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"
)

// Placeholders used when an input is missing.
const (
	UnknownProfile = "Unknown"
	NoneText       = "None"
)

// DefaultRules apply when the profile carries no personalization rules.
var DefaultRules = []string{
	"Prefer an encouraging tone",
	"Include gentle reminders at preferred times when relevant",
	"Keep answers concise and practical",
}

const (
	DefaultMaxMemories    = 12
	MinMaxMemories        = 10
	MaxMaxMemories        = 15
	DefaultMaxGoals       = 10
	DefaultCandidateLimit = 200

	maxProfileChars = 400
	maxGoalChars    = 200
)

// UserContext is the per-request payload handed to the text generator.
// Slices are never nil so that they encode as [] when empty.
type UserContext struct {
	Profile              string   `json:"profile"`
	Goals                []string `json:"goals"`
	Memories             []string `json:"memories"`
	SessionSummary       string   `json:"sessionSummary"`
	PersonalizationRules []string `json:"personalizationRules"`
	SelectedMemoryIDs    []string `json:"selectedMemoryIds"`
	SelectedGoalIDs      []string `json:"selectedGoalIds"`
}

// Assembler builds a UserContext from the store.
//
// Assembly never fails: each input that is missing or cannot be read
// degrades to its placeholder and the failure is logged. Assembly has no
// side effects, and for a given store state and clock it is deterministic.
type Assembler struct {
	Repo           *Repo
	Now            func() time.Time
	Logger         *slog.Logger
	MaxMemories    int // clamped to [10, 15]; zero means 12
	MaxGoals       int
	CandidateLimit int
}

// NewAssembler creates an Assembler with default limits.
func NewAssembler(repo *Repo, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		Repo:           repo,
		Now:            func() time.Time { return time.Now().UTC() },
		Logger:         logger,
		MaxMemories:    DefaultMaxMemories,
		MaxGoals:       DefaultMaxGoals,
		CandidateLimit: DefaultCandidateLimit,
	}
}

// Assemble builds the context for ownerID. The current user message is
// accepted for interface stability; retrieval does not depend on it.
func (a *Assembler) Assemble(ctx context.Context, ownerID, userMessage string) UserContext {
	start := time.Now()
	uc := UserContext{
		Profile:              UnknownProfile,
		Goals:                []string{},
		Memories:             []string{},
		SessionSummary:       NoneText,
		PersonalizationRules: append([]string(nil), DefaultRules...),
		SelectedMemoryIDs:    []string{},
		SelectedGoalIDs:      []string{},
	}
	log := a.Logger.With("owner_id", ownerID)

	// --- 1. Profile and personalization rules --------------------------------
	if p, err := a.Repo.Profile(ctx, ownerID); err != nil {
		log.Info("context: profile unavailable", "err", err)
	} else {
		if s := renderProfile(p); s != "" {
			uc.Profile = s
		}
		if rules := nonEmpty(p.PersonalizationRules); len(rules) > 0 {
			uc.PersonalizationRules = rules
		}
	}

	// --- 2. Active goals ------------------------------------------------------
	if goals, err := a.Repo.ActiveGoals(ctx, ownerID, positive(a.MaxGoals, DefaultMaxGoals)); err != nil {
		log.Warn("context: goals unavailable", "err", err)
	} else {
		for _, g := range goals {
			uc.Goals = append(uc.Goals, truncateRunes(g.Text, maxGoalChars))
			uc.SelectedGoalIDs = append(uc.SelectedGoalIDs, g.ID)
		}
	}

	// --- 3. Ranked memories ---------------------------------------------------
	if candidates, err := a.Repo.Candidates(ctx, ownerID, positive(a.CandidateLimit, DefaultCandidateLimit)); err != nil {
		log.Warn("context: memories unavailable", "err", err)
	} else {
		for _, m := range Rank(candidates, a.Now(), a.memoryLimit()) {
			uc.Memories = append(uc.Memories, FormatMemory(m))
			uc.SelectedMemoryIDs = append(uc.SelectedMemoryIDs, m.ID)
		}
	}

	// --- 4. Latest session summary -------------------------------------------
	if s, err := a.Repo.LatestSummary(ctx, ownerID); err != nil {
		log.Info("context: session summary unavailable", "err", err)
	} else if s.Text != "" {
		uc.SessionSummary = s.Text
	}

	log.Debug("context: assembled",
		"goals", len(uc.Goals),
		"memories", len(uc.Memories),
		"message_chars", utf8.RuneCountInString(userMessage),
		"duration", time.Since(start),
	)
	return uc
}

func (a *Assembler) memoryLimit() int {
	switch n := a.MaxMemories; {
	case n == 0:
		return DefaultMaxMemories
	case n < MinMaxMemories:
		return MinMaxMemories
	case n > MaxMaxMemories:
		return MaxMaxMemories
	default:
		return n
	}
}

// FormatMemory renders a memory as "(kind|importance) text".
func FormatMemory(m *Memory) string {
	return fmt.Sprintf("(%s|%d) %s", m.Kind, m.Importance, m.Text)
}

func renderProfile(p *Profile) string {
	descriptive := *p
	descriptive.PersonalizationRules = nil
	raw, err := json.Marshal(descriptive)
	if err != nil || string(raw) == "{}" {
		return ""
	}
	return truncateRunes(string(raw), maxProfileChars)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
