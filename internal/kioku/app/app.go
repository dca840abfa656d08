// Package app wires Kioku's components from a config.Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kioku/common/crypto"
	"github.com/bdobrica/Kioku/internal/kioku/blob"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/dataright"
	"github.com/bdobrica/Kioku/internal/kioku/decay"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
	"github.com/bdobrica/Kioku/internal/kioku/extraction"
	"github.com/bdobrica/Kioku/internal/kioku/httpapi"
	"github.com/bdobrica/Kioku/internal/kioku/identity"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/scheduler"
	"github.com/bdobrica/Kioku/internal/kioku/summarizer"
	"github.com/bdobrica/Kioku/internal/kioku/sweep"
	"github.com/bdobrica/Kioku/internal/kioku/threads"
)

// App holds the components shared by every command. Serve adds the request
// surface, the extraction consumer and the scheduler on top.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *docstore.SQLite
	metrics    *observability.Metrics
	llm        llm.Client
	decay      *decay.Engine
	summarizer *summarizer.Summarizer
}

// New opens the store and builds the nightly jobs.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("opening document store", "path", cfg.DBPath)
	store, err := docstore.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	// A nil client makes the summarizer and extractor use their local
	// fallbacks.
	var client llm.Client
	if cfg.LLM.APIKey != "" {
		c, err := llm.NewOpenAI(cfg.LLM)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		client = c
		logger.Info("text generation enabled", "model", cfg.LLM.Model)
	} else {
		logger.Warn("no LLM api key configured; summaries use the fallback and extraction stores nothing")
	}

	runner := sweep.NewRunner(store, logger, metrics)
	runner.PageSize = cfg.Sweep.PageSize
	runner.Workers = cfg.Sweep.Workers

	engine, err := decay.NewEngine(store, runner, cfg.DecayConfig(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	sum := summarizer.New(store, runner, client, metrics, logger)
	sum.MaxMessages = cfg.Summarizer.MaxMessages
	sum.Timeout = cfg.Summarizer.Timeout

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		metrics:    metrics,
		llm:        client,
		decay:      engine,
		summarizer: sum,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// RunDecay runs one decay pass over every user.
func (a *App) RunDecay(ctx context.Context) (decay.Report, error) {
	return a.decay.Run(ctx)
}

// RunSummarize runs one summarization pass over every user.
func (a *App) RunSummarize(ctx context.Context) (summarizer.Report, error) {
	return a.summarizer.Run(ctx)
}

// Serve runs the HTTP surface, the extraction consumer and the scheduled
// jobs until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.cfg

	verifier, err := identity.NewHS256(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	verifier.Issuer = cfg.Auth.Issuer

	blobs, blobHandler, err := a.openBlobs(ctx)
	if err != nil {
		return err
	}

	queue, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	defer queue.Close()

	consumer := extraction.NewConsumer(queue, a.store, a.llm, a.metrics, a.logger)
	consumer.Timeout = cfg.Extraction.Timeout
	consumer.MaxTries = cfg.Extraction.MaxTries

	sched := scheduler.New(a.logger)
	loc := cfg.Location()
	if err := sched.Add(decay.JobName, cfg.Decay.Schedule, loc, func(ctx context.Context) error {
		_, err := a.RunDecay(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := sched.Add(summarizer.JobName, cfg.Summarizer.Schedule, loc, func(ctx context.Context) error {
		_, err := a.RunSummarize(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	server, err := httpapi.New(cfg.HTTP.Addr, httpapi.Deps{
		Verifier:   verifier,
		Assembler:  memory.NewAssembler(memory.NewRepo(a.store, a.logger), a.logger),
		Mutators:   memory.NewMutators(a.store, a.logger),
		Threads:    threads.NewLog(a.store, a.logger),
		DataRights: dataright.New(a.store, blobs, a.logger),
		Queue:      queue,
		Blobs:      blobHandler,
		Metrics:    a.metrics,
		Logger:     a.logger,
		RateLimit:  cfg.HTTP.RateLimit,
		RateWindow: cfg.HTTP.RateWindow,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := server.Start(runCtx); err != nil {
		return err
	}
	sched.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return consumer.Run(gctx) })

	a.logger.Info("kioku is running", "addr", cfg.HTTP.Addr, "decay", cfg.Decay.Schedule, "summarize", cfg.Summarizer.Schedule)
	<-gctx.Done()

	a.logger.Info("shutting down")
	server.Stop()
	sched.Stop()
	cancel()
	return g.Wait()
}

func (a *App) openBlobs(ctx context.Context) (blob.Store, http.Handler, error) {
	switch a.cfg.Blob.Backend {
	case config.BlobMinIO:
		m, err := blob.NewMinIO(ctx, a.cfg.Blob.MinIO)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		a.logger.Info("blob store: minio", "endpoint", a.cfg.Blob.MinIO.Endpoint, "bucket", a.cfg.Blob.MinIO.Bucket)
		return m, nil, nil
	default:
		key, err := crypto.ParseKey(a.cfg.Blob.SigningKey)
		if err != nil {
			return nil, nil, fmt.Errorf("app: blob signing key: %w", err)
		}
		l, err := blob.NewLocal(a.cfg.Blob.Dir, a.cfg.HTTP.PublicURL, key, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		a.logger.Info("blob store: local", "dir", a.cfg.Blob.Dir)
		return l, l.Handler(), nil
	}
}

func (a *App) openQueue(ctx context.Context) (extraction.Queue, error) {
	if a.cfg.Queue.Backend == config.QueueRedis {
		q, err := extraction.NewRedisQueue(ctx, a.cfg.Queue.Redis, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.logger.Info("extraction queue: redis", "addr", a.cfg.Queue.Redis.Addr, "stream", a.cfg.Queue.Redis.Stream)
		return q, nil
	}
	a.logger.Info("extraction queue: in-process", "size", a.cfg.Queue.Size)
	return extraction.NewMemoryQueue(a.cfg.Queue.Size), nil
}
