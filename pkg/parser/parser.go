// Package parser defines the content-parser registry the kernel invokes
// for read(parsed=true) and the auto-parse background path (spec.md §1,
// §4.8): NexusFS's core never parses content itself, it dispatches to a
// registered Parser by mime type and caches the result. Mirrors the
// cas registry pattern (pkg/cas.Register, reva's auth manager
// registry) applied to a different collaborator kind.
package parser

import (
	"context"
	"strings"
)

// Result is what a Parser hands back to the kernel: extracted text plus
// whatever structured fields the format yields (e.g. CSV headers).
type Result struct {
	Text   string
	Fields map[string]interface{}
}

// Parser turns raw bytes of a known mime type into a Result.
type Parser interface {
	Parse(ctx context.Context, content []byte) (Result, error)
}

// NewFunc is the constructor every parser driver registers under its mime
// type(s) at init() time.
type NewFunc func() Parser

var registry = map[string]NewFunc{}

// Register associates mimeType with a parser constructor. Not safe for
// concurrent use; call from package init().
func Register(mimeType string, f NewFunc) {
	registry[mimeType] = f
}

// Registry looks up parsers by mime type, falling back to a default when
// the exact type isn't registered but a family prefix ("text/") is.
type Registry struct {
	byMime map[string]Parser
}

// NewRegistry builds a Registry from every driver registered via Register.
func NewRegistry() *Registry {
	r := &Registry{byMime: map[string]Parser{}}
	for mime, f := range registry {
		r.byMime[mime] = f()
	}
	return r
}

// Get resolves a Parser for mimeType, trying an exact match then the
// type's family prefix ("text/csv" -> "text/").
func (r *Registry) Get(mimeType string) (Parser, bool) {
	if p, ok := r.byMime[mimeType]; ok {
		return p, true
	}
	if idx := strings.Index(mimeType, "/"); idx > 0 {
		if p, ok := r.byMime[mimeType[:idx]+"/"]; ok {
			return p, true
		}
	}
	return nil, false
}
