package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

// fakeCompletions serves /v1/chat/completions, failing the first `fail`
// requests with status code.
func fakeCompletions(t *testing.T, content string, fail int, code int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if int(n) <= fail {
			w.WriteHeader(code)
			w.Write([]byte(`{"error":{"message":"try later","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  DefaultModel,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(t *testing.T, baseURL string) *OpenAI {
	t.Helper()
	c, err := NewOpenAI(Config{APIKey: "test-key", BaseURL: baseURL + "/v1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	c.retry.InitialDelay = time.Millisecond
	return c
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	if _, err := NewOpenAI(Config{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestSummarize(t *testing.T) {
	srv, _ := fakeCompletions(t, "  The user is training for a marathon.  ", 0, 0)
	c := newTestClient(t, srv.URL)

	got, err := c.Summarize(context.Background(), "user: hi", SummarizeInstruction)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "The user is training for a marathon." {
		t.Errorf("got %q", got)
	}
}

func TestExtract_RetriesServerErrors(t *testing.T) {
	srv, calls := fakeCompletions(t, `{"items":[{"type":"fact","text":"has two cats at home"}]}`, 2, http.StatusServiceUnavailable)
	c := newTestClient(t, srv.URL)

	got, err := c.Extract(context.Background(), "I have two cats")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 1 || got[0].Text != "has two cats at home" {
		t.Errorf("got %+v", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestExtract_ClientErrorNotRetried(t *testing.T) {
	srv, calls := fakeCompletions(t, "", 5, http.StatusBadRequest)
	c := newTestClient(t, srv.URL)

	_, err := c.Extract(context.Background(), "anything")
	if !apperr.IsKind(err, apperr.KindUpstream) {
		t.Fatalf("expected Upstream, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}
