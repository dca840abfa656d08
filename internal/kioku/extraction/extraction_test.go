package extraction_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/common/spec/envelope"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/extraction"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeLLM struct {
	mu         sync.Mutex
	candidates []llm.Candidate
	failFirst  int
	calls      int
	input      string
}

func (f *fakeLLM) Summarize(context.Context, string, string) (string, error) { return "", nil }

func (f *fakeLLM) Extract(_ context.Context, text string) ([]llm.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.input = text
	if f.calls <= f.failFirst {
		return nil, apperr.Upstream("llm.extract", errors.New("unavailable"))
	}
	return f.candidates, nil
}

func newTestStore(t *testing.T) *docstore.SQLite {
	t.Helper()
	s, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "kioku.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newConsumer(q extraction.Queue, s docstore.Store, client llm.Client) *extraction.Consumer {
	c := extraction.NewConsumer(q, s, client, nil, nil)
	c.Now = func() time.Time { return now }
	return c
}

func event(id, owner, text string) *envelope.Event {
	return &envelope.Event{
		ID: id, Type: envelope.TypeMemoryExtract, TS: now,
		Payload: envelope.EventPayload{OwnerID: owner, Text: text, Source: "journal"},
	}
}

func memories(t *testing.T, s docstore.Store, owner string) []*docstore.Document {
	t.Helper()
	docs, err := s.Query(context.Background(), memory.MemoriesPath(owner), docstore.Query{})
	if err != nil {
		t.Fatalf("query memories: %v", err)
	}
	return docs
}

var twoCandidates = []llm.Candidate{
	{Type: "preference", Text: "prefers tea over coffee", Importance: 4, Tags: []string{"drinks"}},
	{Type: "goal_hint", Text: "wants to read more novels", Importance: 2},
}

func TestHandle_StoresMemoriesAndReceipt(t *testing.T) {
	s := newTestStore(t)
	c := newConsumer(nil, s, &fakeLLM{candidates: twoCandidates})
	ctx := context.Background()

	outcome, err := c.Handle(ctx, event("e1", "u1", "I like tea and I want to read more"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != "stored" {
		t.Errorf("outcome: got %q", outcome)
	}

	m, err := memory.NewRepo(s, nil).Memory(ctx, "u1", extraction.MemoryID("e1", 0))
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if m.Kind != memory.KindPreference || m.Importance != 4 || m.Source != memory.SourceJournal || m.DecayScore != 1 {
		t.Errorf("unexpected memory: %+v", m)
	}
	if len(memories(t, s, "u1")) != 2 {
		t.Errorf("expected 2 memories")
	}
	if _, err := s.Get(ctx, extraction.ReceiptPath("u1", "e1")); err != nil {
		t.Errorf("receipt missing: %v", err)
	}
	if _, err := s.Get(ctx, memory.UserPath("u1")); err != nil {
		t.Errorf("user document missing: %v", err)
	}
}

func TestHandle_RedeliveryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	client := &fakeLLM{candidates: twoCandidates}
	c := newConsumer(nil, s, client)
	ctx := context.Background()

	for range 3 {
		if _, err := c.Handle(ctx, event("e1", "u1", "text")); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if n := len(memories(t, s, "u1")); n != 2 {
		t.Errorf("memories: got %d, want 2", n)
	}
	if client.calls != 1 {
		t.Errorf("extract calls: got %d, want 1", client.calls)
	}
}

func TestHandle_SkipsExactDuplicates(t *testing.T) {
	s := newTestStore(t)
	existing := memory.Memory{
		OwnerID: "u1", Text: "Prefers  TEA over coffee", Kind: memory.KindPreference,
		Importance: 3, DecayScore: 1, CreatedAt: now.Add(-time.Hour), Source: memory.SourceChat,
	}
	s.Set(context.Background(), memory.MemoryPath("u1", "old"), existing.Fields(), false)
	c := newConsumer(nil, s, &fakeLLM{candidates: twoCandidates})

	if _, err := c.Handle(context.Background(), event("e1", "u1", "text")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := len(memories(t, s, "u1")); n != 2 {
		t.Errorf("memories: got %d, want 2 (old + one new)", n)
	}
}

func TestHandle_NoClientWritesReceiptOnly(t *testing.T) {
	s := newTestStore(t)
	c := newConsumer(nil, s, nil)

	if _, err := c.Handle(context.Background(), event("e1", "u1", "text")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := len(memories(t, s, "u1")); n != 0 {
		t.Errorf("memories: got %d, want 0", n)
	}
	if _, err := s.Get(context.Background(), extraction.ReceiptPath("u1", "e1")); err != nil {
		t.Errorf("receipt missing: %v", err)
	}
}

func TestRun_RetriesUntilStored(t *testing.T) {
	s := newTestStore(t)
	q := extraction.NewMemoryQueue(8)
	q.RedeliveryDelay = 10 * time.Millisecond
	client := &fakeLLM{candidates: twoCandidates, failFirst: 2}
	c := newConsumer(q, s, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := extraction.Enqueue(ctx, q, "u1", "  I like tea  ", "", now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	receipt := extraction.ReceiptPath("u1", id)
	for {
		if _, err := s.Get(ctx, receipt); err == nil {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("event was never stored")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if client.calls != 3 {
		t.Errorf("extract calls: got %d, want 3", client.calls)
	}
	if client.input != "I like tea" {
		t.Errorf("input: got %q", client.input)
	}
}

func TestRun_DropsMalformedAndExhaustedEvents(t *testing.T) {
	s := newTestStore(t)
	q := extraction.NewMemoryQueue(8)
	q.RedeliveryDelay = time.Millisecond
	client := &fakeLLM{failFirst: 100}
	c := newConsumer(q, s, client)
	c.MaxTries = 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := extraction.Enqueue(ctx, q, "u1", "text", "chat", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	go c.Run(ctx)

	for q.Pending() > 0 {
		if ctx.Err() != nil {
			t.Fatal("event was never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	client.mu.Lock()
	calls := client.calls
	client.mu.Unlock()
	if calls != 2 {
		t.Errorf("extract calls: got %d, want 2", calls)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q := extraction.NewMemoryQueue(1)
	if _, err := extraction.Enqueue(context.Background(), q, "u1", "   ", "", now); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected Validation, got %v", err)
	}
}

func TestMemoryQueue_NackRedelivers(t *testing.T) {
	q := extraction.NewMemoryQueue(1)
	q.RedeliveryDelay = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := q.Publish(ctx, event("e1", "u1", "text")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	q.Nack(ctx, first)
	second, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive after nack: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("redelivery id: got %s, want %s", second.ID, first.ID)
	}
	q.Ack(ctx, second)
	if q.Pending() != 0 {
		t.Errorf("pending: got %d", q.Pending())
	}

	q.Close()
	if _, err := q.Receive(ctx); !errors.Is(err, extraction.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestTruncateAndNormalize(t *testing.T) {
	if got := extraction.Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate: got %q", got)
	}
	if got := extraction.Normalize("  Hello \n World "); got != "hello world" {
		t.Errorf("Normalize: got %q", got)
	}
}
