package llm

import "testing"

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []Candidate
	}{
		{
			name:  "bare array",
			reply: `[{"type":"preference","text":"prefers morning runs","importance":4,"tags":["fitness"]}]`,
			want:  []Candidate{{Type: "preference", Text: "prefers morning runs", Importance: 4, Tags: []string{"fitness"}}},
		},
		{
			name:  "items object",
			reply: `{"items":[{"type":"fact","text":"works as a nurse","importance":9}]}`,
			want:  []Candidate{{Type: "fact", Text: "works as a nurse", Importance: 5, Tags: []string{}}},
		},
		{
			name:  "code fence and default importance",
			reply: "```json\n[{\"type\":\"goal_hint\",\"text\":\"wants to learn Spanish\",\"tags\":[1,\"lang\"]}]\n```",
			want:  []Candidate{{Type: "goal_hint", Text: "wants to learn Spanish", Importance: 3, Tags: []string{"1", "lang"}}},
		},
		{
			name:  "drops short, typeless and textless items",
			reply: `[{"type":"fact","text":"short"},{"text":"no type given here"},{"type":"fact"},{"type":"story","text":"grew up near the sea"}]`,
			want:  []Candidate{{Type: "story", Text: "grew up near the sea", Importance: 3, Tags: []string{}}},
		},
		{
			name:  "empty reply",
			reply: "  ",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCandidates(tt.reply)
			if err != nil {
				t.Fatalf("ParseCandidates: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates (%+v), want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				g, w := got[i], tt.want[i]
				if g.Type != w.Type || g.Text != w.Text || g.Importance != w.Importance || len(g.Tags) != len(w.Tags) {
					t.Errorf("candidate %d: got %+v, want %+v", i, g, w)
				}
			}
		})
	}
}

func TestParseCandidates_CapsCountAndTags(t *testing.T) {
	reply := `[
		{"type":"fact","text":"first useful fact","tags":["a","b","c","d","e","f","g"]},
		{"type":"fact","text":"second useful fact"},
		{"type":"fact","text":"third useful fact"},
		{"type":"fact","text":"fourth useful fact"}
	]`
	got, err := ParseCandidates(reply)
	if err != nil {
		t.Fatalf("ParseCandidates: %v", err)
	}
	if len(got) != MaxCandidates {
		t.Fatalf("got %d candidates, want %d", len(got), MaxCandidates)
	}
	if len(got[0].Tags) != MaxTags {
		t.Errorf("tags: got %d, want %d", len(got[0].Tags), MaxTags)
	}
}

func TestParseCandidates_Malformed(t *testing.T) {
	if _, err := ParseCandidates("not json at all"); err == nil {
		t.Fatal("expected an error for malformed reply")
	}
}
