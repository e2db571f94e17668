// Package plaintext is the fallback parser: it registers under the "text/"
// family prefix and returns the content decoded as UTF-8 text verbatim.
package plaintext

import (
	"context"

	"github.com/nexusfs/core/pkg/parser"
)

func init() {
	parser.Register("text/", New)
}

// Parser returns raw bytes decoded as text, unchanged.
type Parser struct{}

// New constructs a plaintext.Parser.
func New() parser.Parser { return Parser{} }

// Parse returns content as text with no structured fields.
func (Parser) Parse(ctx context.Context, content []byte) (parser.Result, error) {
	return parser.Result{Text: string(content)}, nil
}
