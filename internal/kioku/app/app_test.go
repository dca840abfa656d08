package app_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	dir := t.TempDir()
	c.DBPath = filepath.Join(dir, "kioku.db")
	c.Blob.Dir = filepath.Join(dir, "blobs")
	c.Blob.SigningKey = strings.Repeat("ab", 32)
	c.Auth.JWTSecret = "test-secret-0123456789abcdef"
	c.HTTP.Addr = "127.0.0.1:0"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return c
}

func newApp(t *testing.T, c *config.Config) *app.App {
	t.Helper()
	a, err := app.New(c, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestJobs_EmptyStore(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	dr, err := a.RunDecay(ctx)
	if err != nil {
		t.Fatalf("RunDecay: %v", err)
	}
	if dr.UsersSeen != 0 || dr.MemoriesDecayed != 0 {
		t.Errorf("decay report = %+v", dr)
	}
	sr, err := a.RunSummarize(ctx)
	if err != nil {
		t.Fatalf("RunSummarize: %v", err)
	}
	if sr.UsersSeen != 0 || sr.SummariesCreated != 0 {
		t.Errorf("summarize report = %+v", sr)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_RequiresCredentials(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"no jwt secret", func(c *config.Config) { c.Auth.JWTSecret = "" }, "jwt secret"},
		{"no signing key", func(c *config.Config) { c.Blob.SigningKey = "" }, "signing key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testConfig(t)
			tc.mutate(c)
			a := newApp(t, c)
			err := a.Serve(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Serve error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
