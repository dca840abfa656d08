// Package summarizer compresses each user's new conversation messages into
// a rolling SessionSummary once per nightly pass, advancing a per-user
// checkpoint so that spans never overlap.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/sweep"
	"github.com/bdobrica/Kioku/internal/kioku/threads"
)

// JobName labels summarizer runs in logs and metrics.
const JobName = "summarize"

const (
	DefaultMaxMessages = 50
	DefaultTimeout     = 30 * time.Second
	MaxSummaryWords    = 250
	FallbackChars      = 1000
)

// Report is the outcome of one pass.
type Report struct {
	UsersSeen        int `json:"usersSeen"`
	UsersSucceeded   int `json:"usersSucceeded"`
	UsersFailed      int `json:"usersFailed"`
	SummariesCreated int `json:"summariesCreated"`
}

// Summarizer runs summarization passes. LLM may be nil, in which case every
// summary is a transcript excerpt marked as a fallback.
type Summarizer struct {
	Store       docstore.Store
	Messages    *threads.Log
	Runner      *sweep.Runner
	LLM         llm.Client
	Metrics     *observability.Metrics
	MaxMessages int
	Timeout     time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// New creates a Summarizer with default limits.
func New(store docstore.Store, runner *sweep.Runner, client llm.Client, metrics *observability.Metrics, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		Store:       store,
		Messages:    threads.NewLog(store, logger),
		Runner:      runner,
		LLM:         client,
		Metrics:     metrics,
		MaxMessages: DefaultMaxMessages,
		Timeout:     DefaultTimeout,
		Now:         func() time.Time { return time.Now().UTC() },
		Logger:      logger,
	}
}

// Run summarizes every user. The same "now" bounds every user's span, so a
// message written during the pass is picked up by the next one.
func (s *Summarizer) Run(ctx context.Context) (Report, error) {
	now := s.Now()
	r, err := s.Runner.Run(ctx, JobName, func(ctx context.Context, ownerID string) (int, error) {
		return s.SummarizeUser(ctx, ownerID, now)
	})
	return Report{
		UsersSeen:        r.UsersSeen,
		UsersSucceeded:   r.UsersSucceeded,
		UsersFailed:      r.UsersFailed,
		SummariesCreated: r.Items,
	}, err
}

// SummarizeUser writes at most one SessionSummary covering the user's
// messages in (checkpoint, now] and advances the checkpoint to now. It
// returns the number of summaries written (0 or 1).
func (s *Summarizer) SummarizeUser(ctx context.Context, ownerID string, now time.Time) (int, error) {
	// --- 1. Checkpoint -------------------------------------------------------
	var last time.Time
	cp, err := memory.NewRepo(s.Store, s.Logger).Checkpoint(ctx, ownerID)
	switch {
	case err == nil:
		last = cp.LastSummarizedAt
	case apperr.IsKind(err, apperr.KindNotFound):
	default:
		return 0, fmt.Errorf("summarizer: read checkpoint for %s: %w", ownerID, err)
	}
	if !last.Before(now) {
		return 0, nil
	}

	// --- 2. Messages ---------------------------------------------------------
	msgs, err := s.Messages.RecentMessages(ctx, ownerID, last, now, s.maxMessages())
	if err != nil {
		return 0, fmt.Errorf("summarizer: read messages for %s: %w", ownerID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	transcript := Transcript(msgs)

	// --- 3. Summarize --------------------------------------------------------
	text, fallback := s.summarize(ctx, ownerID, transcript)

	// --- 4. Persist summary and checkpoint together ----------------------------
	summary := memory.SessionSummary{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Text:         CapWords(text, MaxSummaryWords),
		SpanStart:    msgs[0].CreatedAt,
		SpanEnd:      msgs[len(msgs)-1].CreatedAt,
		CreatedAt:    now,
		MessageCount: len(msgs),
		Fallback:     fallback,
	}
	next := memory.Checkpoint{OwnerID: ownerID, LastSummarizedAt: now}
	if err := s.Store.Batch(ctx,
		docstore.SetWrite(memory.SummaryPath(ownerID, summary.ID), summary.Fields(), false),
		docstore.SetWrite(memory.CheckpointPath(ownerID), next.Fields(), false),
	); err != nil {
		return 0, fmt.Errorf("summarizer: persist summary for %s: %w", ownerID, err)
	}
	s.Metrics.SummaryCreated(ctx, fallback)

	s.Logger.Info("session summarized",
		"owner_id", ownerID,
		"summary_id", summary.ID,
		"messages", len(msgs),
		"fallback", fallback,
	)
	return 1, nil
}

// summarize calls the collaborator under the per-user timeout and falls
// back to a transcript excerpt on failure, absence, or an empty reply.
func (s *Summarizer) summarize(ctx context.Context, ownerID, transcript string) (string, bool) {
	if s.LLM == nil {
		return Fallback(transcript), true
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	text, err := s.LLM.Summarize(callCtx, transcript, llm.SummarizeInstruction)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.DeadlineExceeded) {
			level = slog.LevelInfo
		}
		s.Logger.Log(ctx, level, "summarizer: generation failed, using excerpt", "owner_id", ownerID, "err", err)
		return Fallback(transcript), true
	}
	if strings.TrimSpace(text) == "" {
		return Fallback(transcript), true
	}
	return strings.TrimSpace(text), false
}

func (s *Summarizer) maxMessages() int {
	if s.MaxMessages <= 0 {
		return DefaultMaxMessages
	}
	return s.MaxMessages
}

func (s *Summarizer) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// Transcript renders messages as "role: text" lines.
func Transcript(msgs []*threads.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}

// Fallback returns the first FallbackChars runes of the transcript.
func Fallback(transcript string) string {
	r := []rune(transcript)
	if len(r) <= FallbackChars {
		return transcript
	}
	return string(r[:FallbackChars])
}

// CapWords keeps at most n whitespace-separated words. Text within the limit
// is returned unchanged.
func CapWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}
