// Package schema validates stored documents against versioned JSON Schemas.
//
// Every document Kioku writes carries schemaVersion (CurrentVersion) and is
// checked before it reaches the store; documents read back are checked
// again so that corrupt or foreign records surface as validation errors
// rather than silently decoding to zero values.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

// CurrentVersion is written into the schemaVersion field of new documents.
const CurrentVersion = 1

// Kind names a document schema.
type Kind string

const (
	Memory         Kind = "memory"
	SessionSummary Kind = "session_summary"
	Checkpoint     Kind = "checkpoint"
	Goal           Kind = "goal"
	Profile        Kind = "profile"
	Preference     Kind = "keyed_value"
	Fact           Kind = "keyed_value"
	Thread         Kind = "thread"
	Message        Kind = "message"
	Receipt        Kind = "receipt"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func load() (map[Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			compileErr = fmt.Errorf("schema: read embedded schemas: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true

		urls := make(map[Kind]string, len(entries))
		for _, e := range entries {
			raw, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				compileErr = fmt.Errorf("schema: read %s: %w", e.Name(), err)
				return
			}
			url := "kioku://schemas/" + e.Name()
			if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("schema: add %s: %w", e.Name(), err)
				return
			}
			urls[Kind(e.Name()[:len(e.Name())-len(".json")])] = url
		}

		out := make(map[Kind]*jsonschema.Schema, len(urls))
		for kind, url := range urls {
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("schema: compile %s: %w", kind, err)
				return
			}
			out[kind] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks v (a struct with json tags or a field map) against the
// schema for kind. Failures are apperr validation errors.
func Validate(kind Kind, v any) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	s, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("schema: unknown kind %q", kind)
	}

	// The validator understands only the generic JSON data model.
	raw, err := json.Marshal(v)
	if err != nil {
		return apperr.Validation("schema.validate", "%s: encode: %v", kind, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperr.Validation("schema.validate", "%s: decode: %v", kind, err)
	}
	if err := s.Validate(doc); err != nil {
		return apperr.Validation("schema.validate", "%s: %v", kind, err)
	}
	return nil
}
