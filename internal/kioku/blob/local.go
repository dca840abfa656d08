package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/common/crypto"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

// RoutePrefix is where the HTTP surface mounts Local.Handler.
const RoutePrefix = "/blobs/"

// Local stores blobs under a directory and issues HMAC-signed, expiring
// download links that Handler verifies.
type Local struct {
	Dir     string
	BaseURL string // public origin, e.g. "http://localhost:8080"
	Key     []byte
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewLocal creates the directory if needed. key must be crypto.KeySize bytes.
func NewLocal(dir, baseURL string, key []byte, logger *slog.Logger) (*Local, error) {
	if len(key) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		Dir:     dir,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		Now:     func() time.Time { return time.Now().UTC() },
		Logger:  logger,
	}, nil
}

func (l *Local) Save(ctx context.Context, name string, data []byte, _ string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", apperr.E(apperr.KindValidation, "blob.save", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full := filepath.Join(l.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", apperr.Upstream("blob.save", err)
	}
	// Write then rename so a reader never sees a partial export.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", apperr.Upstream("blob.save", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", apperr.Upstream("blob.save", err)
	}
	return name, nil
}

func (l *Local) SignedURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	p, err := cleanName(p)
	if err != nil {
		return "", apperr.E(apperr.KindValidation, "blob.sign", err)
	}
	exp, sig, err := crypto.SignExpiring(l.Key, p, l.Now().Add(ttl))
	if err != nil {
		return "", fmt.Errorf("blob: sign %s: %w", p, err)
	}
	q := url.Values{"exp": {exp}, "sig": {sig}}
	return l.BaseURL + RoutePrefix + p + "?" + q.Encode(), nil
}

// Handler serves GET RoutePrefix{path}?exp=..&sig=.. for links issued by
// SignedURL. Invalid or expired links get 403, missing objects 404.
func (l *Local) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p, err := cleanName(strings.TrimPrefix(r.URL.Path, RoutePrefix))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if err := crypto.VerifyExpiring(l.Key, p, q.Get("exp"), q.Get("sig"), l.Now()); err != nil {
			l.Logger.Info("blob: rejected download link", "path", p, "err", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		data, err := os.ReadFile(filepath.Join(l.Dir, filepath.FromSlash(p)))
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			l.Logger.Error("blob: read failed", "path", p, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType(p))
		w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(p)+`"`)
		w.Write(data)
	})
}

func contentType(p string) string {
	if strings.HasSuffix(p, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

var _ Store = (*Local)(nil)
