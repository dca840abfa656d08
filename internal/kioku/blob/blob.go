// Package blob stores export documents and hands out time-limited download
// URLs for them.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// Store is the blob storage collaborator.
type Store interface {
	// Save writes data under name and returns the stored object path.
	Save(ctx context.Context, name string, data []byte, contentType string) (string, error)
	// SignedURL returns a URL that downloads the object at p until ttl
	// elapses.
	SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error)
}

// cleanName validates an object name: relative, slash-separated, with no
// empty, "." or ".." segments.
func cleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("blob: invalid object name %q", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("blob: invalid object name %q", name)
		}
	}
	return path.Clean(name), nil
}
