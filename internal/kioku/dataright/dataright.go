// Package dataright implements a user's data rights over their long-term
// memory: a full export, and the two irreversible erasures.
package dataright

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/blob"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/identity"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

const (
	PageSize  = 500
	ExportTTL = 24 * time.Hour
)

// Export is the exported document. Sections hold raw stored fields plus
// the document id; empty sections encode as [].
type Export struct {
	Profile          map[string]any   `json:"profile"`
	Goals            []map[string]any `json:"goals"`
	Preferences      []map[string]any `json:"preferences"`
	Memories         []map[string]any `json:"memories"`
	Facts            []map[string]any `json:"facts"`
	SessionSummaries []map[string]any `json:"session_summaries"`
}

// Service runs export and erasure for one owner at a time.
type Service struct {
	Store  docstore.Store
	Blobs  blob.Store
	Retry  retry.Config
	Now    func() time.Time
	Logger *slog.Logger
}

// New creates a Service that retries store failures of the Upstream kind.
func New(store docstore.Store, blobs blob.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := retry.DefaultConfig
	cfg.ShouldRetry = apperr.Retryable
	return &Service{Store: store, Blobs: blobs, Retry: cfg, Now: func() time.Time { return time.Now().UTC() }, Logger: logger}
}

// ExportMemories writes everything Kioku keeps about ownerID to blob
// storage and returns a download URL valid for ExportTTL.
func (s *Service) ExportMemories(ctx context.Context, p identity.Principal, ownerID string) (string, error) {
	if err := checkOwner(p, ownerID); err != nil {
		return "", err
	}

	exp := Export{Profile: map[string]any{}}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := s.Store.Get(gctx, memory.UserPath(ownerID))
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exp.Profile = doc.Data
		return nil
	})
	sections := []struct {
		collection string
		dst        *[]map[string]any
		optional   bool
	}{
		{memory.GoalsPath(ownerID), &exp.Goals, false},
		{memory.PreferencesPath(ownerID), &exp.Preferences, true},
		{memory.MemoriesPath(ownerID), &exp.Memories, false},
		{memory.FactsPath(ownerID), &exp.Facts, true},
		{memory.SummariesPath(ownerID), &exp.SessionSummaries, false},
	}
	for _, sec := range sections {
		g.Go(func() error {
			rows, err := s.readAll(gctx, sec.collection)
			if err != nil && sec.optional {
				s.Logger.Warn("dataright: optional section unreadable, exporting empty", "owner_id", ownerID, "collection", sec.collection, "err", err)
				rows, err = nil, nil
			}
			*sec.dst = orEmpty(rows)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("dataright: export %s: %w", ownerID, err)
	}

	body, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("dataright: encode export: %w", err)
	}
	name := fmt.Sprintf("exports/memories_%s_%d.json", ownerID, s.Now().UnixMilli())
	path, err := s.Blobs.Save(ctx, name, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("dataright: save export: %w", err)
	}
	url, err := s.Blobs.SignedURL(ctx, path, ExportTTL)
	if err != nil {
		return "", fmt.Errorf("dataright: sign export: %w", err)
	}
	s.Logger.Info("memories exported", "owner_id", ownerID, "path", path, "memories", len(exp.Memories))
	return url, nil
}

// ResetSessionSummaries deletes every SessionSummary of ownerID. Messages,
// memories, and the checkpoint are kept.
func (s *Service) ResetSessionSummaries(ctx context.Context, p identity.Principal, ownerID string) (int, error) {
	if err := checkOwner(p, ownerID); err != nil {
		return 0, err
	}
	n, err := s.deleteAll(ctx, memory.SummariesPath(ownerID))
	if err != nil {
		return n, fmt.Errorf("dataright: reset summaries for %s: %w", ownerID, err)
	}
	s.Logger.Info("session summaries reset", "owner_id", ownerID, "deleted", n)
	return n, nil
}

// EraseLongTermMemories deletes every Memory of ownerID.
func (s *Service) EraseLongTermMemories(ctx context.Context, p identity.Principal, ownerID string) (int, error) {
	if err := checkOwner(p, ownerID); err != nil {
		return 0, err
	}
	n, err := s.deleteAll(ctx, memory.MemoriesPath(ownerID))
	if err != nil {
		return n, fmt.Errorf("dataright: erase memories for %s: %w", ownerID, err)
	}
	s.Logger.Info("long-term memories erased", "owner_id", ownerID, "deleted", n)
	return n, nil
}

func checkOwner(p identity.Principal, ownerID string) error {
	if ownerID == "" {
		return apperr.Validation("dataright", "owner id is required")
	}
	if p.OwnerID != ownerID {
		return apperr.Permission("dataright", "principal may not act on another owner")
	}
	return nil
}

// readAll pages through collection by document id.
func (s *Service) readAll(ctx context.Context, collection string) ([]map[string]any, error) {
	var out []map[string]any
	after := ""
	for {
		var page []*docstore.Document
		err := retry.Do(ctx, s.Retry, func() error {
			var err error
			page, err = s.Store.Query(ctx, collection, docstore.Query{Limit: PageSize, StartAfterID: after})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, doc := range page {
			row := make(map[string]any, len(doc.Data)+1)
			for k, v := range doc.Data {
				row[k] = v
			}
			row["id"] = doc.ID
			out = append(out, row)
		}
		if len(page) < PageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// deleteAll removes collection in pages of PageSize, each page one atomic
// batch, and stops between pages when ctx ends.
func (s *Service) deleteAll(ctx context.Context, collection string) (int, error) {
	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		var page []*docstore.Document
		err := retry.Do(ctx, s.Retry, func() error {
			var err error
			page, err = s.Store.Query(ctx, collection, docstore.Query{Limit: PageSize})
			return err
		})
		if err != nil {
			return deleted, err
		}
		if len(page) == 0 {
			return deleted, nil
		}
		writes := make([]docstore.Write, len(page))
		for i, doc := range page {
			writes[i] = docstore.DeleteWrite(doc.Path)
		}
		if err := retry.Do(ctx, s.Retry, func() error { return s.Store.Batch(ctx, writes...) }); err != nil {
			return deleted, err
		}
		deleted += len(page)
		if len(page) < PageSize {
			return deleted, nil
		}
	}
}

func orEmpty(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}
