package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/schema"
)

// Mutators applies the request-path writes to memories. Each mutation
// writes only the fields it owns plus a revision bump, so concurrent
// mutators and the nightly decay never overwrite each other's fields.
type Mutators struct {
	Store  docstore.Store
	Now    func() time.Time
	Logger *slog.Logger
}

// NewMutators creates Mutators using the wall clock.
func NewMutators(store docstore.Store, logger *slog.Logger) *Mutators {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutators{Store: store, Now: func() time.Time { return time.Now().UTC() }, Logger: logger}
}

// Reinforce marks the given memories as used now. Unknown ids are skipped.
// All updates commit together; once Reinforce returns nil they are durable.
func (m *Mutators) Reinforce(ctx context.Context, ownerID string, ids []string) (int, error) {
	const op = "memory.reinforce"
	if ownerID == "" {
		return 0, apperr.Validation(op, "ownerId is required")
	}
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		if err := CheckID(id); err != nil {
			return 0, err
		}
	}
	now := m.Now()

	var reinforced int
	err := m.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		reinforced = 0
		for _, id := range ids {
			err := tx.Update(ctx, MemoryPath(ownerID, id), map[string]any{
				"lastUsedAt": now,
				"revision":   docstore.Increment(1),
			})
			if apperr.IsKind(err, apperr.KindNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			reinforced++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.Logger.Debug("memory: reinforced", "owner_id", ownerID, "requested", len(ids), "reinforced", reinforced)
	return reinforced, nil
}

// SetPinned sets the pinned flag of one memory.
func (m *Mutators) SetPinned(ctx context.Context, ownerID, id string, pinned bool) error {
	const op = "memory.set_pinned"
	if ownerID == "" || strings.TrimSpace(id) == "" {
		return apperr.Validation(op, "ownerId and memoryId are required")
	}
	if err := CheckID(id); err != nil {
		return err
	}
	return m.Store.Update(ctx, MemoryPath(ownerID, id), map[string]any{
		"pinned":   pinned,
		"revision": docstore.Increment(1),
	})
}

// New builds and validates a memory without storing it.
func New(ownerID string, in NewMemory, now time.Time) (*Memory, error) {
	const op = "memory.new"
	text := strings.TrimSpace(in.Text)
	if ownerID == "" {
		return nil, apperr.Validation(op, "ownerId is required")
	}
	if text == "" {
		return nil, apperr.Validation(op, "text is required")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	kind := in.Kind
	if kind == "" {
		kind = KindFact
	}
	source := in.Source
	if source == "" {
		source = SourceChat
	}
	mem := &Memory{
		ID:         id,
		OwnerID:    ownerID,
		Text:       text,
		Kind:       kind,
		Importance: ClampImportance(in.Importance),
		DecayScore: DefaultDecayScore,
		Pinned:     in.Pinned,
		CreatedAt:  now,
		Source:     source,
		Tags:       in.Tags,
	}
	if err := schema.Validate(schema.Memory, mem.Fields()); err != nil {
		return nil, err
	}
	return mem, nil
}

// Save stores a new memory.
func (m *Mutators) Save(ctx context.Context, ownerID string, in NewMemory) (*Memory, error) {
	mem, err := New(ownerID, in, m.Now())
	if err != nil {
		return nil, err
	}
	err = m.Store.Batch(ctx,
		TouchUser(ownerID),
		docstore.SetWrite(MemoryPath(ownerID, mem.ID), mem.Fields(), false),
	)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// TouchUser ensures the user document exists so that the nightly sweeps,
// which enumerate the users collection, visit the owner.
func TouchUser(ownerID string) docstore.Write {
	return docstore.SetWrite(UserPath(ownerID), map[string]any{"ownerId": ownerID}, true)
}

// ClampImportance forces importance into [MinImportance, MaxImportance];
// zero becomes the midpoint.
func ClampImportance(v int) int {
	switch {
	case v == 0:
		return 3
	case v < MinImportance:
		return MinImportance
	case v > MaxImportance:
		return MaxImportance
	default:
		return v
	}
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
