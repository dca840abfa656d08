// Package decay lowers the relevance score of every unpinned memory once per
// nightly pass.
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/schema"
	"github.com/bdobrica/Kioku/internal/kioku/sweep"
)

// JobName labels decay runs in logs and metrics.
const JobName = "decay"

// Config tunes a pass.
type Config struct {
	Factor             float64
	MinScore           float64
	MaxScore           float64
	MaxMemoriesPerUser int
}

// DefaultConfig multiplies by 0.97 and clamps to [0, 1.2], touching at most
// 500 memories per user per pass.
var DefaultConfig = Config{
	Factor:             0.97,
	MinScore:           memory.MinDecayScore,
	MaxScore:           memory.MaxDecayScore,
	MaxMemoriesPerUser: 500,
}

// Validate rejects configurations under which a pass could raise a score.
func (c Config) Validate() error {
	if c.Factor <= 0 || c.Factor > 1 {
		return fmt.Errorf("decay: factor must be in (0, 1], got %v", c.Factor)
	}
	if c.MinScore < 0 || c.MaxScore < c.MinScore {
		return fmt.Errorf("decay: invalid clamp bounds [%v, %v]", c.MinScore, c.MaxScore)
	}
	if c.MaxMemoriesPerUser <= 0 {
		return fmt.Errorf("decay: max memories per user must be positive")
	}
	return nil
}

// Report is the outcome of one pass.
type Report struct {
	UsersSeen       int `json:"usersSeen"`
	UsersSucceeded  int `json:"usersSucceeded"`
	UsersFailed     int `json:"usersFailed"`
	MemoriesDecayed int `json:"memoriesDecayed"`
}

// Engine runs decay passes.
type Engine struct {
	Store  docstore.Store
	Runner *sweep.Runner
	Config Config
	Now    func() time.Time
	Logger *slog.Logger
}

// NewEngine creates an Engine. The config is validated here so that a bad
// factor fails at startup rather than at 02:00.
func NewEngine(store docstore.Store, runner *sweep.Runner, cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Store: store, Runner: runner, Config: cfg, Now: func() time.Time { return time.Now().UTC() }, Logger: logger}, nil
}

// Apply returns the decayed score: score × factor clamped to [min, max].
func Apply(score, factor, min, max float64) float64 {
	return clamp(score*factor, min, max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run decays every user's memories.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	r, err := e.Runner.Run(ctx, JobName, e.DecayUser)
	return Report{
		UsersSeen:       r.UsersSeen,
		UsersSucceeded:  r.UsersSucceeded,
		UsersFailed:     r.UsersFailed,
		MemoriesDecayed: r.Items,
	}, err
}

// DecayUser applies one pass to a single user inside one transaction, so a
// pin toggled concurrently is either seen (and honoured) or applied after
// the pass, never overwritten. Memories least recently decayed go first
// when the user has more than MaxMemoriesPerUser.
func (e *Engine) DecayUser(ctx context.Context, ownerID string) (int, error) {
	now := e.Now()
	var decayed int
	err := e.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		decayed = 0
		docs, err := tx.Query(ctx, memory.MemoriesPath(ownerID), docstore.Query{
			OrderBy: []docstore.Order{{Field: "decayedAt", Dir: docstore.Asc}},
			Limit:   e.Config.MaxMemoriesPerUser,
		})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := schema.Validate(schema.Memory, doc.Data); err != nil {
				e.Logger.Warn("decay: skipping invalid memory", "owner_id", ownerID, "memory_id", doc.ID, "err", err)
				continue
			}
			if pinned, _ := doc.Data["pinned"].(bool); pinned {
				continue
			}
			current := memory.DefaultDecayScore
			if v, ok := doc.Data["decayScore"].(float64); ok {
				current = v
			}
			next := Apply(current, e.Config.Factor, e.Config.MinScore, e.Config.MaxScore)
			// Never raise a score, even one stored above the clamp.
			next = min(next, current)
			if err := tx.Update(ctx, doc.Path, map[string]any{
				"decayScore": next,
				"decayedAt":  now,
				"revision":   docstore.Increment(1),
			}); err != nil {
				return err
			}
			decayed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("decay: user %s: %w", ownerID, err)
	}
	return decayed, nil
}
