// Package llm is Kioku's boundary to the external text-generation service:
// conversation summarization and memory extraction over an OpenAI-compatible
// chat completions API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SummarizeInstruction is the system instruction for session summaries.
const SummarizeInstruction = "Summarize the conversation in <= 250 words, focusing on goals, struggles, wins, tone preferences, and follow-ups. Neutral tone."

// ExtractSystemPrompt asks for memory candidates as JSON.
const ExtractSystemPrompt = `You extract timeless, first-person-agnostic facts, preferences, goals, and motifs.
Return concise JSON ONLY (no prose) as an array of up to 3 items.
Each item: {"type":"story|fact|preference|goal_hint","text":"<=28 words","importance":1..5,"tags":["..."]}
No secrets or sensitive data.`

const (
	MaxCandidates   = 3
	MinCandidateLen = 8
	MaxCandidateLen = 300
	MaxTags         = 5
)

// Client is the text-generation collaborator. A nil Client means no
// service is configured; callers fall back locally.
type Client interface {
	Summarize(ctx context.Context, transcript, instruction string) (string, error)
	Extract(ctx context.Context, text string) ([]Candidate, error)
}

// Candidate is one extracted memory before it is stored.
type Candidate struct {
	Type       string   `json:"type"`
	Text       string   `json:"text"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags"`
}

type rawCandidate struct {
	Type       any `json:"type"`
	Text       any `json:"text"`
	Importance any `json:"importance"`
	Tags       any `json:"tags"`
}

// ParseCandidates decodes a model reply into at most MaxCandidates
// normalized candidates. It accepts a bare array or an object with an
// "items" array, optionally wrapped in a Markdown code fence. Items without
// text or type, or whose text length falls outside [8, 300] characters, are
// dropped; importance is clamped to 1..5 (3 when missing) and tags are
// capped at five.
func ParseCandidates(reply string) ([]Candidate, error) {
	body := stripFence(strings.TrimSpace(reply))
	if body == "" {
		return nil, nil
	}

	var items []rawCandidate
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return nil, fmt.Errorf("llm: parse candidates: %w", err)
		}
	} else {
		var wrapped struct {
			Items []rawCandidate `json:"items"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("llm: parse candidates: %w", err)
		}
		items = wrapped.Items
	}

	out := make([]Candidate, 0, MaxCandidates)
	for _, it := range items {
		if len(out) == MaxCandidates {
			break
		}
		text, _ := it.Text.(string)
		kind, _ := it.Type.(string)
		text = strings.TrimSpace(text)
		if text == "" || kind == "" {
			continue
		}
		if n := utf8.RuneCountInString(text); n < MinCandidateLen || n > MaxCandidateLen {
			continue
		}
		out = append(out, Candidate{
			Type:       kind,
			Text:       text,
			Importance: importance(it.Importance),
			Tags:       tags(it.Tags),
		})
	}
	return out, nil
}

func importance(v any) int {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case string:
		fmt.Sscanf(x, "%g", &n)
	}
	if n == 0 {
		return 3
	}
	return int(max(1, min(5, n)))
}

func tags(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, min(len(list), MaxTags))
	for _, t := range list {
		if len(out) == MaxTags {
			break
		}
		if s := strings.TrimSpace(fmt.Sprint(t)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
