// Package httpapi is Kioku's JSON request surface.
//
// Every route except GET /health and signed blob downloads requires
// "Authorization: Bearer <jwt>"; the verified subject is the only owner a
// request may act on. Mutating routes honour X-Idempotency-Key, and
// addMemoriesFromText, reinforceMemories and prepareUserContext are rate
// limited per owner.
//
// Endpoints:
//
//	GET  /health
//	POST /addMemoriesFromText      {ownerId?, text, source?} → {ok, eventId}
//	POST /reinforceMemories        {memoryIds}               → {ok, reinforced}
//	POST /setPinnedMemory          {memoryId, pinned}        → {ok}
//	POST /prepareUserContext       {ownerId?, userMessage}   → {ok, context, prompt}
//	POST /exportMemories           {ownerId?}                → {ok, url}
//	POST /resetSessionSummaries    {ownerId?}                → {ok, deleted}
//	POST /eraseLongTermMemories    {ownerId?}                → {ok, deleted}
//	POST /threads                  {text, model?, systemPromptVersion?} → {ok, thread}
//	GET  /threads/{id}/messages?limit=N                      → {ok, messages}
//	POST /threads/{id}/messages    {role, text, contextSnapshotRefs?} → {ok, message}
//	POST /threads/{id}/export      {summary}                 → {ok}
//	GET  /blobs/{path}?exp=&sig=   (local blob store only)
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/dataright"
	"github.com/bdobrica/Kioku/internal/kioku/extraction"
	"github.com/bdobrica/Kioku/internal/kioku/identity"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/threads"
)

// MaxBodyBytes caps every request body.
const MaxBodyBytes = 64 << 10

// Deps are the collaborators the handlers delegate to.
type Deps struct {
	Verifier   identity.Verifier
	Assembler  *memory.Assembler
	Mutators   *memory.Mutators
	Threads    *threads.Log
	DataRights *dataright.Service
	Queue      extraction.Queue
	// Blobs serves signed downloads for the local blob store; nil when
	// blobs live in object storage.
	Blobs   http.Handler
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	RateLimit  int
	RateWindow time.Duration
}

// Server is the HTTP server.
type Server struct {
	addr    string
	deps    Deps
	server  *http.Server
	idem    *idempotencyCache
	limiter *RateLimiter
	logger  *slog.Logger
}

// New builds the server and its routes. It does not listen until Start.
func New(addr string, deps Deps) (*Server, error) {
	if deps.Verifier == nil {
		return nil, fmt.Errorf("httpapi: verifier is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	idem, err := newIdempotencyCache(IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("httpapi: idempotency cache: %w", err)
	}
	s := &Server{
		addr:    addr,
		deps:    deps,
		idem:    idem,
		limiter: NewRateLimiter(deps.RateLimit, deps.RateWindow),
		logger:  deps.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.Blobs != nil {
		mux.Handle("GET /blobs/", deps.Blobs)
	}

	// Rate limited per owner: the routes that call the text generator or
	// write on every chat turn.
	s.route(mux, "POST /addMemoriesFromText", s.handleAddMemories, true)
	s.route(mux, "POST /reinforceMemories", s.handleReinforce, true)
	s.route(mux, "POST /prepareUserContext", s.handlePrepareContext, true)

	s.route(mux, "POST /setPinnedMemory", s.handleSetPinned, false)
	s.route(mux, "POST /exportMemories", s.handleExport, false)
	s.route(mux, "POST /resetSessionSummaries", s.handleResetSummaries, false)
	s.route(mux, "POST /eraseLongTermMemories", s.handleEraseMemories, false)
	s.route(mux, "POST /threads", s.handleCreateThread, false)
	s.route(mux, "GET /threads/{id}/messages", s.handleListMessages, false)
	s.route(mux, "POST /threads/{id}/messages", s.handleAppendMessage, false)
	s.route(mux, "POST /threads/{id}/export", s.handleExportThread, false)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.traceMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s, nil
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.addr, err)
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	s.idem.close()
}

// Handler exposes the routed handler, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// --- middleware ---

type principalKey struct{}

// principalFrom returns the verified caller stored by the auth middleware.
func principalFrom(ctx context.Context) identity.Principal {
	p, _ := ctx.Value(principalKey{}).(identity.Principal)
	return p
}

// route registers an authenticated handler. Middleware runs outermost
// first: metrics, body cap, auth, rate limit, idempotency.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc, limited bool) {
	var next http.Handler = h
	next = s.idempotent(pattern, next)
	if limited {
		next = s.rateLimited(next)
	}
	next = s.authenticated(next)
	next = http.MaxBytesHandler(next, MaxBodyBytes)
	next = s.measured(pattern, next)
	mux.Handle(pattern, next)
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.Header.Get(trace.Header)
		if id == "" {
			ctx, id = trace.Ensure(ctx, "req")
		} else {
			ctx = trace.WithTraceID(ctx, id)
		}
		w.Header().Set(trace.Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.deps.Verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(principalFrom(r.Context()).OwnerID) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotent replays the first successful response for a repeated
// X-Idempotency-Key from the same owner on the same route.
func (s *Server) idempotent(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		cacheKey := principalFrom(r.Context()).OwnerID + "\x00" + pattern + "\x00" + r.URL.Path + "\x00" + key
		if cached, ok := s.idem.get(cacheKey); ok {
			observability.WithTrace(r.Context(), s.logger).Debug("http: idempotent replay", "path", r.URL.Path, "key", key)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.status)
			w.Write(cached.body)
			return
		}
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status >= 200 && rec.status < 300 {
			s.idem.set(cacheKey, cachedResponse{status: rec.status, body: rec.body.Bytes()})
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (s *Server) measured(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		s.deps.Metrics.HTTPRequest(r.Context(), route, sw.status)
		observability.WithTrace(r.Context(), s.logger).Debug("http: request",
			"route", route,
			"status", sw.status,
			"elapsed", time.Since(start).String(),
		)
	})
}
