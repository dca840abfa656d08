package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/extraction"
	"github.com/bdobrica/Kioku/internal/kioku/identity"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/threads"
)

type ownerRequest struct {
	OwnerID string `json:"ownerId"`
}

type addMemoriesRequest struct {
	OwnerID string `json:"ownerId"`
	Text    string `json:"text"`
	Source  string `json:"source"`
}

type reinforceRequest struct {
	OwnerID   string   `json:"ownerId"`
	MemoryIDs []string `json:"memoryIds"`
}

type setPinnedRequest struct {
	OwnerID  string `json:"ownerId"`
	MemoryID string `json:"memoryId"`
	Pinned   *bool  `json:"pinned"`
}

type prepareContextRequest struct {
	OwnerID     string `json:"ownerId"`
	UserMessage string `json:"userMessage"`
}

type createThreadRequest struct {
	OwnerID             string `json:"ownerId"`
	Text                string `json:"text"`
	Model               string `json:"model"`
	SystemPromptVersion string `json:"systemPromptVersion"`
}

type appendMessageRequest struct {
	OwnerID             string                `json:"ownerId"`
	Role                threads.Role          `json:"role"`
	Text                string                `json:"text"`
	ContextSnapshotRefs *threads.SnapshotRefs `json:"contextSnapshotRefs"`
}

type exportThreadRequest struct {
	OwnerID string `json:"ownerId"`
	Summary string `json:"summary"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ok", "version": version.Version})
}

// --- memory ---

func (s *Server) handleAddMemories(w http.ResponseWriter, r *http.Request) {
	var req addMemoriesRequest
	owner, ok := s.decodeOwned(w, r, &req, func() string { return req.OwnerID })
	if !ok {
		return
	}
	eventID, err := extraction.Enqueue(r.Context(), s.deps.Queue, owner, req.Text, req.Source, s.deps.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "eventId": eventID})
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	var req reinforceRequest
	owner, ok := s.decodeOwned(w, r, &req, func() string { return req.OwnerID })
	if !ok {
		return
	}
	if len(req.MemoryIDs) == 0 {
		s.writeError(w, r, apperr.Validation("http.reinforce", "memoryIds is required"))
		return
	}
	n, err := s.deps.Mutators.Reinforce(r.Context(), owner, req.MemoryIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reinforced": n})
}

func (s *Server) handleSetPinned(w http.ResponseWriter, r *http.Request) {
	var req setPinnedRequest
	owner, ok := s.decodeOwned(w, r, &req, func() string { return req.OwnerID })
	if !ok {
		return
	}
	if req.MemoryID == "" || req.Pinned == nil {
		s.writeError(w, r, apperr.Validation("http.set_pinned", "memoryId and pinned are required"))
		return
	}
	if err := s.deps.Mutators.SetPinned(r.Context(), owner, req.MemoryID, *req.Pinned); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePrepareContext(w http.ResponseWriter, r *http.Request) {
	var req prepareContextRequest
	owner, ok := s.decodeOwned(w, r, &req, func() string { return req.OwnerID })
	if !ok {
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		s.writeError(w, r, apperr.Validation("http.prepare_context", "userMessage is required"))
		return
	}
	uc := s.deps.Assembler.Assemble(r.Context(), owner, req.UserMessage)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"context": uc,
		"prompt":  memory.RenderPrompt(uc),
	})
}

// --- data rights ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !s.decode(w, r, &req) {
		return
	}
	url, err := s.deps.DataRights.ExportMemories(r.Context(), principalFrom(r.Context()), ownerOrSelf(r, req.OwnerID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "url": url})
}

func (s *Server) handleResetSummaries(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.deps.DataRights.ResetSessionSummaries(r.Context(), principalFrom(r.Context()), ownerOrSelf(r, req.OwnerID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": n})
}

func (s *Server) handleEraseMemories(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.deps.DataRights.EraseLongTermMemories(r.Context(), principalFrom(r.Context()), ownerOrSelf(r, req.OwnerID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": n})
}

// --- threads ---

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	owner, ok := s.decodeOwned(w, r, &req, func() string { return req.OwnerID })
	if !ok {
		return
	}
	th, err := s.deps.Threads.CreateThread(r.Context(), owner, req.Text, threads.Meta{
		Model:               req.Model,
		SystemPromptVersion: req.SystemPromptVersion,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "thread": th})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	owner := principalFrom(r.Context()).OwnerID
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, r, apperr.Validation("http.list_messages", "limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	msgs, err := s.deps.Threads.ListMessages(r.Context(), owner, r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": msgs})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	owner, ok := s.decodeOwned(w, r, &req, func() string { return req.OwnerID })
	if !ok {
		return
	}
	msg, err := s.deps.Threads.AppendMessage(r.Context(), owner, r.PathValue("id"), threads.NewMessage{
		Role:                req.Role,
		Text:                req.Text,
		ContextSnapshotRefs: req.ContextSnapshotRefs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": msg})
}

func (s *Server) handleExportThread(w http.ResponseWriter, r *http.Request) {
	var req exportThreadRequest
	owner, ok := s.decodeOwned(w, r, &req, func() string { return req.OwnerID })
	if !ok {
		return
	}
	if err := s.deps.Threads.ExportThread(r.Context(), owner, r.PathValue("id"), req.Summary); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- helpers ---

// decode reads a JSON body into v. An empty body leaves v zero.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, r, apperr.Validation("http.decode", "request body exceeds %d bytes", MaxBodyBytes))
		return false
	}
	s.writeError(w, r, apperr.Validation("http.decode", "malformed request body: %v", err))
	return false
}

// decodeOwned decodes v and resolves the owner it targets against the
// verified principal.
func (s *Server) decodeOwned(w http.ResponseWriter, r *http.Request, v any, requested func() string) (string, bool) {
	if !s.decode(w, r, v) {
		return "", false
	}
	owner, err := identity.Authorize(principalFrom(r.Context()), requested())
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return owner, true
}

// ownerOrSelf leaves the permission check to the data rights service.
func ownerOrSelf(r *http.Request, requested string) string {
	if requested == "" {
		return principalFrom(r.Context()).OwnerID
	}
	return requested
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	logger := observability.WithTrace(r.Context(), s.logger)
	msg := http.StatusText(status)
	if status >= 500 {
		logger.Error("http: request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		var e *apperr.Error
		if errors.As(err, &e) && e.Err != nil {
			msg = e.Err.Error()
		}
		logger.Info("http: request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
