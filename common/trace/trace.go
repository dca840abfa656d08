// Package trace carries a request correlation id through context so that
// every log line of one HTTP request or job run can be grouped.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Header is the HTTP header a caller may use to supply its own id.
const Header = "X-Trace-ID"

type traceKey struct{}

// GenerateID returns a fresh id with the given prefix ("req", "job").
func GenerateID(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(b)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext returns the id stored in ctx, or "".
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries an id, otherwise a
// child with a new one.
func Ensure(ctx context.Context, prefix string) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID(prefix)
	return WithTraceID(ctx, id), id
}
