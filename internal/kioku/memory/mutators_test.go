package memory_test

import (
	"context"
	"testing"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

func TestReinforce_SetsLastUsedAndSkipsUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putMemory(t, s, "u1", memory.Memory{ID: "m1", Text: "likes tea", DecayScore: 0.5})
	putMemory(t, s, "u1", memory.Memory{ID: "m2", Text: "has a dog", DecayScore: 1})

	n, err := newMutators(s).Reinforce(ctx, "u1", []string{"m1", "missing", "m1", ""})
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if n != 1 {
		t.Errorf("reinforced: got %d, want 1", n)
	}

	repo := memory.NewRepo(s, nil)
	m1, err := repo.Memory(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("Memory: %v", err)
	}
	if m1.LastUsedAt == nil || !m1.LastUsedAt.Equal(testNow) {
		t.Errorf("lastUsedAt: got %v, want %v", m1.LastUsedAt, testNow)
	}
	if m1.DecayScore != 0.5 {
		t.Errorf("reinforce must not touch decayScore, got %v", m1.DecayScore)
	}
	if m1.Revision != 1 {
		t.Errorf("revision: got %d, want 1", m1.Revision)
	}

	m2, _ := repo.Memory(ctx, "u1", "m2")
	if m2.LastUsedAt != nil {
		t.Errorf("m2 should not be reinforced")
	}
}

func TestReinforce_EmptyIDs(t *testing.T) {
	s := newTestStore(t)
	n, err := newMutators(s).Reinforce(context.Background(), "u1", nil)
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v", n, err)
	}
}

func TestSetPinned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putMemory(t, s, "u1", memory.Memory{ID: "m1", Text: "likes tea", DecayScore: 1})
	mut := newMutators(s)

	for range 2 {
		if err := mut.SetPinned(ctx, "u1", "m1", true); err != nil {
			t.Fatalf("SetPinned: %v", err)
		}
	}
	m, _ := memory.NewRepo(s, nil).Memory(ctx, "u1", "m1")
	if !m.Pinned {
		t.Error("expected pinned")
	}
	if m.Revision != 2 {
		t.Errorf("revision: got %d, want 2", m.Revision)
	}

	err := mut.SetPinned(ctx, "u1", "missing", true)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestMutations_MergePerField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putMemory(t, s, "u1", memory.Memory{ID: "m1", Text: "likes tea", DecayScore: 0.8})
	mut := newMutators(s)

	if err := mut.SetPinned(ctx, "u1", "m1", true); err != nil {
		t.Fatal(err)
	}
	if _, err := mut.Reinforce(ctx, "u1", []string{"m1"}); err != nil {
		t.Fatal(err)
	}
	// An unrelated writer touching only decayScore keeps both mutations.
	if err := s.Update(ctx, memory.MemoryPath("u1", "m1"), map[string]any{"decayScore": 0.7}); err != nil {
		t.Fatal(err)
	}

	m, _ := memory.NewRepo(s, nil).Memory(ctx, "u1", "m1")
	if !m.Pinned || m.LastUsedAt == nil || m.DecayScore != 0.7 || m.Text != "likes tea" {
		t.Errorf("lost a field: %+v", m)
	}
}

func TestSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mut := newMutators(s)

	saved, err := mut.Save(ctx, "u1", memory.NewMemory{Text: "  Training for a 10k  ", Kind: memory.KindGoalHint, Importance: 9})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == "" || saved.Text != "Training for a 10k" || saved.Importance != 5 || saved.DecayScore != 1 {
		t.Errorf("unexpected memory: %+v", saved)
	}

	got, err := memory.NewRepo(s, nil).Memory(ctx, "u1", saved.ID)
	if err != nil {
		t.Fatalf("Memory: %v", err)
	}
	if got.Kind != memory.KindGoalHint || got.Source != memory.SourceChat {
		t.Errorf("unexpected stored memory: %+v", got)
	}

	if _, err := mut.Save(ctx, "u1", memory.NewMemory{Text: "   "}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for blank text, got %v", err)
	}
	if _, err := mut.Save(ctx, "u1", memory.NewMemory{Text: "x", Kind: "secret"}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for unknown kind, got %v", err)
	}
}

func TestClampImportance(t *testing.T) {
	tests := []struct{ in, want int }{{0, 3}, {-2, 1}, {1, 1}, {4, 4}, {7, 5}}
	for _, tt := range tests {
		if got := memory.ClampImportance(tt.in); got != tt.want {
			t.Errorf("ClampImportance(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMutators_RejectNestedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putMemory(t, s, "u1", memory.Memory{ID: "m1", Text: "likes tea", DecayScore: 1})
	// A document nested under m1 that a crafted id could otherwise reach.
	if err := s.Set(ctx, memory.MemoryPath("u1", "m1")+"/notes/n1", map[string]any{"revision": 0}, false); err != nil {
		t.Fatalf("Set nested: %v", err)
	}
	mut := newMutators(s)

	for _, id := range []string{"m1/notes/n1", "..", "a\\b"} {
		if err := mut.SetPinned(ctx, "u1", id, true); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("SetPinned(%q): expected Validation, got %v", id, err)
		}
		if _, err := mut.Reinforce(ctx, "u1", []string{"m1", id}); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("Reinforce(%q): expected Validation, got %v", id, err)
		}
	}

	doc, err := s.Get(ctx, memory.MemoryPath("u1", "m1")+"/notes/n1")
	if err != nil {
		t.Fatalf("Get nested: %v", err)
	}
	if _, ok := doc.Data["pinned"]; ok {
		t.Error("nested document was modified")
	}
	if m, _ := memory.NewRepo(s, nil).Memory(ctx, "u1", "m1"); m.LastUsedAt != nil {
		t.Error("a rejected Reinforce must not touch valid ids in the same call")
	}
}
