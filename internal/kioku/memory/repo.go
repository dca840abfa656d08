package memory

import (
	"context"
	"log/slog"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/schema"
)

// Repo reads memory-related documents of a user. Records that fail schema
// validation are logged and left out of list results.
type Repo struct {
	Store  docstore.Reader
	Logger *slog.Logger
}

// NewRepo creates a Repo. If logger is nil, the default slog logger is used.
func NewRepo(store docstore.Reader, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{Store: store, Logger: logger}
}

// Memory returns one memory or a NotFound error.
func (r *Repo) Memory(ctx context.Context, ownerID, id string) (*Memory, error) {
	doc, err := r.Store.Get(ctx, MemoryPath(ownerID, id))
	if err != nil {
		return nil, err
	}
	return decodeMemory(doc)
}

// Candidates returns the memories eligible for ranking, deduplicated: up
// to limit each of the most recently used, the most recently created and
// the highest decayScore, plus every pinned memory.
func (r *Repo) Candidates(ctx context.Context, ownerID string, limit int) ([]*Memory, error) {
	queries := []docstore.Query{
		{OrderBy: []docstore.Order{{Field: "lastUsedAt", Dir: docstore.Desc}}, Limit: limit},
		{OrderBy: []docstore.Order{{Field: "createdAt", Dir: docstore.Desc}}, Limit: limit},
		{OrderBy: []docstore.Order{{Field: "decayScore", Dir: docstore.Desc}}, Limit: limit},
		{Filters: []docstore.Filter{{Field: "pinned", Op: docstore.Eq, Value: true}}, Limit: limit},
	}

	seen := make(map[string]bool)
	var out []*Memory
	for _, q := range queries {
		docs, err := r.Store.Query(ctx, MemoriesPath(ownerID), q)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			m, err := decodeMemory(doc)
			if err != nil {
				r.Logger.Warn("memory: skipping invalid memory", "owner_id", ownerID, "memory_id", doc.ID, "err", err)
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// LatestSummary returns the newest session summary or a NotFound error.
func (r *Repo) LatestSummary(ctx context.Context, ownerID string) (*SessionSummary, error) {
	docs, err := r.Store.Query(ctx, SummariesPath(ownerID), docstore.Query{
		OrderBy: []docstore.Order{{Field: "createdAt", Dir: docstore.Desc}},
		Limit:   5,
	})
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		s, err := decodeSummary(doc)
		if err != nil {
			r.Logger.Warn("memory: skipping invalid session summary", "owner_id", ownerID, "summary_id", doc.ID, "err", err)
			continue
		}
		return s, nil
	}
	return nil, apperr.NotFound("memory.latest_summary", "no session summary for %s", ownerID)
}

// ActiveGoals returns up to limit goals with an active status, newest first.
func (r *Repo) ActiveGoals(ctx context.Context, ownerID string, limit int) ([]*Goal, error) {
	docs, err := r.Store.Query(ctx, GoalsPath(ownerID), docstore.Query{
		Filters: []docstore.Filter{{Field: "status", Op: docstore.In, Value: ActiveGoalStatuses}},
		OrderBy: []docstore.Order{{Field: "createdAt", Dir: docstore.Desc}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	goals := make([]*Goal, 0, len(docs))
	for _, doc := range docs {
		g, err := decodeGoal(doc)
		if err != nil {
			r.Logger.Warn("memory: skipping invalid goal", "owner_id", ownerID, "goal_id", doc.ID, "err", err)
			continue
		}
		goals = append(goals, g)
	}
	return goals, nil
}

// Profile returns the user's profile or a NotFound error when the user
// document does not exist.
func (r *Repo) Profile(ctx context.Context, ownerID string) (*Profile, error) {
	doc, err := r.Store.Get(ctx, UserPath(ownerID))
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.Profile, doc.Data); err != nil {
		return nil, err
	}
	var p Profile
	if err := doc.DataTo(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Checkpoint returns the summarization checkpoint or a NotFound error.
func (r *Repo) Checkpoint(ctx context.Context, ownerID string) (*Checkpoint, error) {
	doc, err := r.Store.Get(ctx, CheckpointPath(ownerID))
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.Checkpoint, doc.Data); err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := doc.DataTo(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
