package memory

import "strings"

// RenderPrompt renders uc as the system prompt block sent ahead of the
// user's message. Empty lists render as "None".
func RenderPrompt(uc UserContext) string {
	var lines []string
	section := func(title string, body ...string) {
		lines = append(lines, "["+title+"]")
		lines = append(lines, body...)
	}
	orNone := func(items []string, bullet string) []string {
		if len(items) == 0 {
			return []string{NoneText}
		}
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = bullet + it
		}
		return out
	}

	profile := uc.Profile
	if profile == "" {
		profile = UnknownProfile
	}
	summary := uc.SessionSummary
	if summary == "" {
		summary = NoneText
	}
	rules := uc.PersonalizationRules
	if len(rules) == 0 {
		rules = DefaultRules
	}

	section("USER PROFILE", profile)
	section("GOALS", orNone(uc.Goals, "")...)
	section("RELEVANT MEMORIES", orNone(uc.Memories, "• ")...)
	section("RECENT CONTEXT", summary)
	section("PERSONALIZATION RULES", orNone(rules, "• ")...)
	return strings.Join(lines, "\n")
}
