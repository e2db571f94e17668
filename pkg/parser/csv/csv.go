// Package csv is the text/csv parser, and also hosts the column
// projection/masking transform the kernel's dynamic-viewer filter applies
// before returning CSV bytes to a subject with a column-level permission
// (spec.md §4.8). No third-party CSV library appeared anywhere in the
// retrieval pack for this format, so this is built directly on the
// standard library's encoding/csv, the way the teacher's own storage
// drivers reach for raw os/io primitives when nothing in its stack covers
// a concern (see DESIGN.md).
package csv

import (
	"bytes"
	"context"
	"encoding/csv"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/parser"
)

func init() {
	parser.Register("text/csv", New)
}

// Parser extracts headers and a row count from CSV content.
type Parser struct{}

// New constructs a csv.Parser.
func New() parser.Parser { return Parser{} }

// Parse reads the header row and counts data rows, returning the whole
// content as text (callers that only need full-text search get it for
// free; structured consumers use Fields).
func (Parser) Parse(ctx context.Context, content []byte) (parser.Result, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return parser.Result{}, errtypes.ValidationError("csv: empty or malformed content")
	}

	rows := 0
	for {
		if _, err := r.Read(); err != nil {
			break
		}
		rows++
	}

	return parser.Result{
		Text: string(content),
		Fields: map[string]interface{}{
			"headers":   header,
			"row_count": rows,
		},
	}, nil
}

// ColumnPolicy is a subject's column-level permission on a CSV file, as
// returned by rebac.Manager.GetDynamicViewerConfig: Allow, when non-empty,
// is an allow-list (every other column is dropped); Mask replaces a
// column's values with a fixed placeholder instead of dropping it.
type ColumnPolicy struct {
	Allow []string
	Mask  map[string]string
}

// FilterColumns projects/masks content's columns per policy. Errors are
// treated as fail-open by the kernel (spec.md §4.8): on error, callers
// should log and return the original bytes rather than deny the read that
// was already authorized.
func FilterColumns(content []byte, policy ColumnPolicy) ([]byte, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil || len(records) == 0 {
		return nil, errtypes.ValidationError("csv: malformed content")
	}
	header := records[0]

	keep := make([]int, 0, len(header))
	allow := map[string]bool{}
	for _, c := range policy.Allow {
		allow[c] = true
	}
	for i, col := range header {
		if len(policy.Allow) == 0 || allow[col] {
			keep = append(keep, i)
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for rowIdx, rec := range records {
		isHeader := rowIdx == 0
		out := make([]string, 0, len(keep))
		for _, idx := range keep {
			if idx >= len(rec) {
				out = append(out, "")
				continue
			}
			col := header[idx]
			if mask, ok := policy.Mask[col]; ok && !isHeader {
				out = append(out, mask)
				continue
			}
			out = append(out, rec[idx])
		}
		if err := w.Write(out); err != nil {
			return nil, errtypes.ValidationError("csv: writing filtered output")
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
