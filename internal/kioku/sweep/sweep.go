// Package sweep runs a per-user job over every user in the store: users are
// read in pages ordered by id and each page is processed by a bounded pool
// of workers. One user's failure is logged and counted, never fatal.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

const (
	DefaultPageSize = 50
	DefaultWorkers  = 4
)

// Report summarises one run. Items is job-specific (memories decayed,
// summaries written).
type Report struct {
	UsersSeen      int           `json:"usersSeen"`
	UsersSucceeded int           `json:"usersSucceeded"`
	UsersFailed    int           `json:"usersFailed"`
	Items          int           `json:"items"`
	Duration       time.Duration `json:"duration"`
}

// UserFunc processes one user and returns the number of items it changed.
type UserFunc func(ctx context.Context, ownerID string) (int, error)

// Runner iterates users.
type Runner struct {
	Store    docstore.Reader
	PageSize int
	Workers  int
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// NewRunner creates a Runner with default page size and worker count.
func NewRunner(store docstore.Reader, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Store: store, PageSize: DefaultPageSize, Workers: DefaultWorkers, Logger: logger, Metrics: metrics}
}

// Run applies fn to every user. It returns an error only when a page of
// users cannot be read or ctx ends; the report is valid in both cases and
// covers the users processed so far.
func (r *Runner) Run(ctx context.Context, job string, fn UserFunc) (Report, error) {
	start := time.Now()
	pageSize := r.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	log := observability.WithTrace(ctx, r.Logger).With("job", job)

	var (
		mu     sync.Mutex
		report Report
		after  string
	)
	finish := func(err error) (Report, error) {
		report.Duration = time.Since(start)
		log.Info("sweep: finished",
			"users_seen", report.UsersSeen,
			"users_succeeded", report.UsersSucceeded,
			"users_failed", report.UsersFailed,
			"items", report.Items,
			"duration", report.Duration,
			"err", err,
		)
		return report, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		page, err := r.Store.Query(ctx, "users", docstore.Query{
			OrderBy:      []docstore.Order{{Field: docstore.DocumentID}},
			Limit:        pageSize,
			StartAfterID: after,
		})
		if err != nil {
			return finish(fmt.Errorf("sweep: list users after %q: %w", after, err))
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, doc := range page {
			ownerID := doc.ID
			g.Go(func() error {
				items, err := fn(gctx, ownerID)
				mu.Lock()
				report.UsersSeen++
				if err != nil {
					report.UsersFailed++
				} else {
					report.UsersSucceeded++
					report.Items += items
				}
				mu.Unlock()

				r.Metrics.SweepUser(gctx, job, err == nil, items)
				if err != nil {
					log.Warn("sweep: user failed", "owner_id", ownerID, "err", err)
				}
				// Per-user failures never cancel the page.
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < pageSize {
			return finish(nil)
		}
		after = page[len(page)-1].ID
	}
}
