package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/common/spec/envelope"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/schema"
)

const (
	// ReceiptsCollection holds one receipt per processed event.
	ReceiptsCollection = "extraction_receipts"

	MaxInputChars   = 2000
	DedupeWindow    = 500
	DefaultTimeout  = 30 * time.Second
	DefaultMaxTries = 5
)

// memoryNamespace seeds deterministic memory ids derived from event ids.
var memoryNamespace = uuid.MustParse("6f1c7c1e-5a0e-4d55-9a57-3c1b7f0e8a21")

// ReceiptPath is the idempotency receipt of eventID.
func ReceiptPath(ownerID, eventID string) string {
	return docstore.Join(memory.UserPath(ownerID), ReceiptsCollection, eventID)
}

// MemoryID is the id of the index-th memory extracted from eventID.
func MemoryID(eventID string, index int) string {
	return uuid.NewSHA1(memoryNamespace, []byte(eventID+"#"+strconv.Itoa(index))).String()
}

// Consumer processes extraction events.
type Consumer struct {
	Queue   Queue
	Store   docstore.Store
	LLM     llm.Client // nil extracts nothing
	Metrics *observability.Metrics
	Timeout time.Duration
	// MaxTries bounds deliveries of one event before it is dropped.
	MaxTries int
	Now      func() time.Time
	Logger   *slog.Logger

	mu    sync.Mutex
	tries map[string]int
}

// NewConsumer creates a Consumer with default limits.
func NewConsumer(q Queue, store docstore.Store, client llm.Client, metrics *observability.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		Queue:    q,
		Store:    store,
		LLM:      client,
		Metrics:  metrics,
		Timeout:  DefaultTimeout,
		MaxTries: DefaultMaxTries,
		Now:      func() time.Time { return time.Now().UTC() },
		Logger:   logger,
		tries:    make(map[string]int),
	}
}

// Run receives and handles deliveries until ctx ends or the queue closes.
func (c *Consumer) Run(ctx context.Context) error {
	c.Logger.Info("extraction consumer started")
	for {
		d, err := c.Queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				c.Logger.Info("extraction consumer stopped")
				return nil
			}
			c.Logger.Warn("extraction: receive failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.process(ctx, d)
	}
}

// process handles one delivery and acks it unless it should be retried.
func (c *Consumer) process(ctx context.Context, d Delivery) {
	evt, err := envelope.ParseEvent(d.Data)
	if err == nil && evt.Type != envelope.TypeMemoryExtract {
		err = fmt.Errorf("unexpected event type %q", evt.Type)
	}
	if err != nil {
		c.Logger.Warn("extraction: dropping malformed event", "delivery_id", d.ID, "err", err)
		c.Metrics.Extraction(ctx, "invalid")
		c.ack(ctx, d)
		return
	}

	outcome, err := c.Handle(ctx, evt)
	if err == nil {
		c.Metrics.Extraction(ctx, outcome)
		c.ack(ctx, d)
		return
	}

	c.Metrics.Extraction(ctx, "failed")
	tries := c.recordTry(d.ID)
	if tries >= c.maxTries() || !apperr.Retryable(err) {
		c.Logger.Error("extraction: giving up on event",
			"event_id", evt.ID,
			"owner_id", evt.Payload.OwnerID,
			"tries", tries,
			"err", err,
		)
		c.Metrics.Extraction(ctx, "dropped")
		c.ack(ctx, d)
		return
	}
	c.Logger.Warn("extraction: handling failed, will retry", "event_id", evt.ID, "tries", tries, "err", err)
	if err := c.Queue.Nack(ctx, d); err != nil {
		c.Logger.Warn("extraction: nack failed", "delivery_id", d.ID, "err", err)
	}
}

func (c *Consumer) ack(ctx context.Context, d Delivery) {
	c.mu.Lock()
	delete(c.tries, d.ID)
	c.mu.Unlock()
	if err := c.Queue.Ack(ctx, d); err != nil {
		c.Logger.Warn("extraction: ack failed", "delivery_id", d.ID, "err", err)
	}
}

func (c *Consumer) recordTry(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tries == nil {
		c.tries = make(map[string]int)
	}
	c.tries[id]++
	return c.tries[id]
}

func (c *Consumer) maxTries() int {
	if c.MaxTries <= 0 {
		return DefaultMaxTries
	}
	return c.MaxTries
}

// Handle extracts and stores the memories of one event. It is idempotent:
// an event with a receipt is skipped, and memory ids derive from the event
// id, so a redelivery overwrites rather than duplicates. The outcome is
// "stored" or "duplicate".
func (c *Consumer) Handle(ctx context.Context, evt *envelope.Event) (string, error) {
	owner := evt.Payload.OwnerID

	// --- 1. Receipt ----------------------------------------------------------
	_, err := c.Store.Get(ctx, ReceiptPath(owner, evt.ID))
	if err == nil {
		c.Logger.Debug("extraction: event already processed", "event_id", evt.ID)
		return "duplicate", nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return "", fmt.Errorf("extraction: read receipt: %w", err)
	}

	// --- 2. Extract ----------------------------------------------------------
	var candidates []llm.Candidate
	if c.LLM != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout())
		candidates, err = c.LLM.Extract(callCtx, Truncate(evt.Payload.Text, MaxInputChars))
		cancel()
		if err != nil {
			return "", fmt.Errorf("extraction: extract: %w", err)
		}
	}

	// --- 3. Dedupe against recent memories -------------------------------------
	seen, err := c.existingTexts(ctx, owner)
	if err != nil {
		return "", err
	}

	// --- 4. Store memories and receipt atomically -------------------------------
	now := c.Now()
	writes := []docstore.Write{memory.TouchUser(owner)}
	ids := make([]string, 0, len(candidates))
	for i, cand := range candidates {
		key := Normalize(cand.Text)
		if seen[key] {
			c.Logger.Debug("extraction: skipping duplicate memory", "event_id", evt.ID, "index", i)
			continue
		}
		seen[key] = true
		mem, err := memory.New(owner, memory.NewMemory{
			ID:         MemoryID(evt.ID, i),
			Text:       cand.Text,
			Kind:       memory.ParseKind(cand.Type),
			Importance: cand.Importance,
			Source:     memory.ParseSource(evt.Payload.Source),
			Tags:       cand.Tags,
		}, now)
		if err != nil {
			c.Logger.Warn("extraction: skipping invalid candidate", "event_id", evt.ID, "index", i, "err", err)
			continue
		}
		writes = append(writes, docstore.SetWrite(memory.MemoryPath(owner, mem.ID), mem.Fields(), false))
		ids = append(ids, mem.ID)
	}
	receipt := map[string]any{
		"schemaVersion": schema.CurrentVersion,
		"eventId":       evt.ID,
		"ownerId":       owner,
		"memoryIds":     ids,
		"processedAt":   now,
	}
	if err := schema.Validate(schema.Receipt, receipt); err != nil {
		return "", err
	}
	writes = append(writes, docstore.SetWrite(ReceiptPath(owner, evt.ID), receipt, false))
	if err := c.Store.Batch(ctx, writes...); err != nil {
		return "", fmt.Errorf("extraction: store memories: %w", err)
	}

	c.Logger.Info("memories extracted",
		"event_id", evt.ID,
		"owner_id", owner,
		"candidates", len(candidates),
		"stored", len(ids),
	)
	return "stored", nil
}

// existingTexts returns the normalized texts of the owner's most recent
// memories.
func (c *Consumer) existingTexts(ctx context.Context, owner string) (map[string]bool, error) {
	docs, err := c.Store.Query(ctx, memory.MemoriesPath(owner), docstore.Query{
		OrderBy: []docstore.Order{{Field: "createdAt", Dir: docstore.Desc}},
		Limit:   DedupeWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction: read memories: %w", err)
	}
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if text, ok := doc.Data["text"].(string); ok {
			seen[Normalize(text)] = true
		}
	}
	return seen, nil
}

func (c *Consumer) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Normalize lowercases text and collapses whitespace for exact dedupe.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Truncate keeps the first n runes of s.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
