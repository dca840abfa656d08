// Package docstore is Kioku's path-addressed document store.
//
// Documents live at slash-separated paths with an even number of segments
// ("users/u1/memories/m1"); collections have an odd number ("users/u1/memories").
// Every component of the core reads and writes through the Store interface so
// that the backing database can be swapped without touching domain code. The
// bundled implementation is SQLite (see sqlite.go).
//
// Field values may be strings, bools, numbers, time.Time, string slices,
// nested maps, or the Increment sentinel. Timestamps are persisted as
// fixed-width UTC text (TimeLayout) so that range filters and ordering on
// them behave chronologically.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the on-disk representation of time.Time values. It is
// fixed-width, so lexical order equals chronological order, and it is valid
// RFC 3339, so encoding/json decodes it back into time.Time.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// DocumentID is the pseudo field name that addresses a document's own id in
// filters and orderings.
const DocumentID = "__id__"

// Document is a stored record.
type Document struct {
	Path      string
	ID        string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DataTo decodes the document's fields into v (a pointer to a struct with
// json tags).
func (d *Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", d.Path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", d.Path, err)
	}
	return nil
}

// Op is a filter comparison operator.
type Op string

const (
	Eq Op = "=="
	Ne Op = "!="
	Lt Op = "<"
	Le Op = "<="
	Gt Op = ">"
	Ge Op = ">="
	In Op = "in" // Value must be a slice
)

// Filter restricts a query to documents whose Field compares to Value.
// Documents missing the field never match.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Order sorts query results by Field.
type Order struct {
	Field string
	Dir   Direction
}

// Query describes a collection read. Results are always tie-broken by
// document id ascending so that identical store state yields identical
// results.
type Query struct {
	Filters []Filter
	OrderBy []Order
	// Limit caps the number of results; zero means unbounded.
	Limit int
	// StartAfterID resumes a scan ordered by document id (the default order
	// when OrderBy is empty).
	StartAfterID string
}

type increment struct{ delta int64 }

// Increment returns a field value that atomically adds n to the stored
// number (a missing field counts as zero).
func Increment(n int64) any { return increment{delta: n} }

// WriteKind enumerates batched write operations.
type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteMerge
	WriteUpdate
	WriteDelete
)

// Write is a single operation inside a Batch.
type Write struct {
	Kind   WriteKind
	Path   string
	Fields map[string]any
}

// SetWrite replaces (or, with merge, merges into) the document at path.
func SetWrite(path string, fields map[string]any, merge bool) Write {
	kind := WriteSet
	if merge {
		kind = WriteMerge
	}
	return Write{Kind: kind, Path: path, Fields: fields}
}

// UpdateWrite merges fields into an existing document; the batch fails with
// a NotFound error when the document does not exist.
func UpdateWrite(path string, fields map[string]any) Write {
	return Write{Kind: WriteUpdate, Path: path, Fields: fields}
}

// DeleteWrite removes the document at path. Deleting a missing document is
// not an error.
func DeleteWrite(path string) Write {
	return Write{Kind: WriteDelete, Path: path}
}

// Reader is the read half of the store, shared by Store and Tx.
type Reader interface {
	// Get returns the document at path or an apperr NotFound error.
	Get(ctx context.Context, path string) (*Document, error)
	// Query reads documents directly under collection.
	Query(ctx context.Context, collection string, q Query) ([]*Document, error)
	// QueryGroup reads documents of every collection named group that lives
	// anywhere below root (e.g. all "messages" under "users/u1").
	QueryGroup(ctx context.Context, root, group string, q Query) ([]*Document, error)
}

// Tx is a read-write view inside RunTransaction.
type Tx interface {
	Reader
	Set(ctx context.Context, path string, fields map[string]any, merge bool) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
}

// Store is the document store collaborator.
type Store interface {
	Tx
	// Batch applies writes atomically: either all of them land or none.
	Batch(ctx context.Context, writes ...Write) error
	// RunTransaction runs fn inside a serializable transaction. fn may be
	// invoked more than once when the backend reports a transient conflict,
	// so it must not have side effects outside tx. fn must not call back into
	// the Store itself.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// splitDocPath returns the parent collection path and id of a document path.
func splitDocPath(path string) (collection, id string, err error) {
	segs, err := segments(path)
	if err != nil {
		return "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%q is a collection path, want a document path", path)
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// checkCollectionPath validates a collection path and returns its group
// (last segment).
func checkCollectionPath(path string) (string, error) {
	segs, err := segments(path)
	if err != nil {
		return "", err
	}
	if len(segs)%2 != 1 {
		return "", fmt.Errorf("%q is a document path, want a collection path", path)
	}
	return segs[len(segs)-1], nil
}

func segments(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("path must not be empty")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("path %q has an empty segment", path)
		}
	}
	return segs, nil
}

// FormatTime renders t in the stored timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
