package memory_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *docstore.SQLite {
	t.Helper()
	s, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "kioku.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newMutators(s docstore.Store) *memory.Mutators {
	m := memory.NewMutators(s, nil)
	m.Now = func() time.Time { return testNow }
	return m
}

func putMemory(t *testing.T, s docstore.Store, owner string, m memory.Memory) {
	t.Helper()
	m.OwnerID = owner
	if m.Kind == "" {
		m.Kind = memory.KindFact
	}
	if m.Source == "" {
		m.Source = memory.SourceChat
	}
	if m.Importance == 0 {
		m.Importance = 3
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = testNow.Add(-24 * time.Hour)
	}
	if err := s.Set(context.Background(), memory.MemoryPath(owner, m.ID), m.Fields(), false); err != nil {
		t.Fatalf("put memory %s: %v", m.ID, err)
	}
}
