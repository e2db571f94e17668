package kernel

import (
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/nxctx"
)

// EditOp is one requested string replacement, normalized from the caller's
// input (spec.md §4.8 "edit"): OldStr must match exactly once unless
// AllowMultiple is set, with HintLine narrowing the search when given.
type EditOp struct {
	OldStr        string
	NewStr        string
	HintLine      int // 1-based, 0 means unset
	AllowMultiple bool
}

// EditOptions configures Edit.
type EditOptions struct {
	IfMatch         string
	FuzzyThreshold  float64 // Levenshtein ratio, default 0.8
	Preview         bool
}

// MatchResult reports how one EditOp was resolved.
type MatchResult struct {
	Tier       string // "exact", "whitespace_normalized", "fuzzy"
	Occurrences int
	Applied    bool
}

// EditResult is what Edit hands back.
type EditResult struct {
	Success      bool
	Diff         string
	Matches      []MatchResult
	AppliedCount int
	ETag         string
	Version      int64
	Size         int64
	ModifiedAt   interface{}
}

// Edit applies a sequence of string replacements to path's current content
// via the three-tier match engine (spec.md §4.8): exact, then
// whitespace-normalized, then fuzzy (Levenshtein ratio >= threshold).
// Non-matches are collected and returned as a ValidationError rather than
// applying a partial edit.
func (k *Kernel) Edit(opctx nxctx.OpCtx, path string, edits []EditOp, opts EditOptions) (*EditResult, error) {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.8
	}

	current, err := k.Read(opctx, path, ReadOptions{ReturnMetadata: true})
	if err != nil {
		return nil, err
	}
	if opts.IfMatch != "" && current.Metadata.ETag != opts.IfMatch {
		return nil, errtypes.Conflict{Path: path, Expected: opts.IfMatch, Current: current.Metadata.ETag}
	}
	if !utf8.Valid(current.Content) {
		return nil, errtypes.ValidationError(path + ": content is not valid UTF-8")
	}

	text := string(current.Content)
	results := make([]MatchResult, len(edits))
	var failures []string

	for i, e := range edits {
		newText, mr, err := applyEdit(text, e, opts.FuzzyThreshold)
		if err != nil {
			failures = append(failures, e.OldStr+": "+err.Error())
			results[i] = mr
			continue
		}
		text = newText
		mr.Applied = true
		results[i] = mr
	}

	if len(failures) > 0 {
		return nil, errtypes.ValidationError("edit: no match for " + strings.Join(failures, "; "))
	}

	diff := unifiedDiff(string(current.Content), text, path)
	applied := 0
	for _, r := range results {
		if r.Applied {
			applied++
		}
	}

	if opts.Preview {
		return &EditResult{Success: true, Diff: diff, Matches: results, AppliedCount: applied}, nil
	}

	written, err := k.Write(opctx, path, []byte(text), WriteOptions{IfMatch: current.Metadata.ETag})
	if err != nil {
		return nil, err
	}
	return &EditResult{
		Success:      true,
		Diff:         diff,
		Matches:      results,
		AppliedCount: applied,
		ETag:         written.ETag,
		Version:      written.Version,
		Size:         written.Size,
		ModifiedAt:   written.ModifiedAt,
	}, nil
}

// applyEdit tries the three match tiers in order, replacing the resolved
// match with e.NewStr. It rejects an exact or whitespace-normalized match
// occurring more than once unless e.AllowMultiple is set; a fuzzy match
// always applies to its single best-scoring occurrence.
func applyEdit(text string, e EditOp, fuzzyThreshold float64) (string, MatchResult, error) {
	if n := strings.Count(text, e.OldStr); n > 0 {
		if n > 1 && !e.AllowMultiple {
			return "", MatchResult{Tier: "exact", Occurrences: n}, errtypes.ValidationError("ambiguous: matched in multiple places, set allow_multiple")
		}
		if e.AllowMultiple {
			return strings.ReplaceAll(text, e.OldStr, e.NewStr), MatchResult{Tier: "exact", Occurrences: n}, nil
		}
		return strings.Replace(text, e.OldStr, e.NewStr, 1), MatchResult{Tier: "exact", Occurrences: n}, nil
	}

	normText := normalizeWhitespace(text)
	normOld := normalizeWhitespace(e.OldStr)
	if normOld != "" {
		if n := strings.Count(normText, normOld); n > 0 {
			if n > 1 && !e.AllowMultiple {
				return "", MatchResult{Tier: "whitespace_normalized", Occurrences: n}, errtypes.ValidationError("ambiguous: matched in multiple places, set allow_multiple")
			}
			if start, end, ok := locateNormalized(text, normOld); ok {
				return text[:start] + e.NewStr + text[end:], MatchResult{Tier: "whitespace_normalized", Occurrences: 1}, nil
			}
		}
	}

	start, end, ratio, ok := bestFuzzyMatch(text, e.OldStr, e.HintLine)
	if ok && ratio >= fuzzyThreshold {
		return text[:start] + e.NewStr + text[end:], MatchResult{Tier: "fuzzy", Occurrences: 1}, nil
	}

	return "", MatchResult{Tier: "none", Occurrences: 0}, errtypes.ValidationError("no match found in any tier")
}

// normalizeWhitespace collapses runs of whitespace to a single space and
// trims the result, the second-tier match strategy.
func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// locateNormalized finds the byte span in the original text that, once
// whitespace-normalized, equals normOld. It scans line-by-line windows
// since edits typically span a small, contiguous block.
func locateNormalized(text, normOld string) (start, end int, ok bool) {
	lines := strings.SplitAfter(text, "\n")
	offset := 0
	for i := range lines {
		acc := ""
		accStart := offset
		accEnd := offset
		for j := i; j < len(lines); j++ {
			acc += lines[j]
			accEnd += len(lines[j])
			if normalizeWhitespace(acc) == normOld {
				return accStart, accEnd, true
			}
			if len(acc) > len(normOld)*4+256 {
				break // normalized text can only shrink; bound the window
			}
		}
		offset += len(lines[i])
	}
	return 0, 0, false
}

// bestFuzzyMatch scores every run of whole consecutive lines in text
// (restricted to lines near hintLine when given), growing each run until it
// reaches len(old)*3+256 bytes, and returns the span with the highest
// Levenshtein similarity ratio.
func bestFuzzyMatch(text, old string, hintLine int) (start, end int, ratio float64, ok bool) {
	if old == "" {
		return 0, 0, 0, false
	}
	lines := strings.SplitAfter(text, "\n")
	lo, hi := 0, len(lines)
	if hintLine > 0 {
		lo = max(0, hintLine-10)
		hi = min(len(lines), hintLine+10)
	}

	offset := 0
	for i := 0; i < lo; i++ {
		offset += len(lines[i])
	}

	bestRatio := 0.0
	bestStart, bestEnd := 0, 0
	found := false

	pos := offset
	for i := lo; i < hi; i++ {
		acc := ""
		accStart := pos
		for j := i; j < hi && len(acc) < len(old)*3+256; j++ {
			acc += lines[j]
			r := levenshteinRatio(acc, old)
			if r > bestRatio {
				bestRatio = r
				bestStart = accStart
				bestEnd = accStart + len(acc)
				found = true
			}
		}
		pos += len(lines[i])
	}
	return bestStart, bestEnd, bestRatio, found
}

// levenshteinRatio returns 1 - (edit_distance / max(len(a), len(b))), the
// similarity ratio fuzzy matching thresholds against. No Levenshtein
// library appeared anywhere in the retrieval pack, so this is a direct
// stdlib implementation (documented in DESIGN.md).
func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 && lb == 0 {
		return 1
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	dist := prev[lb]
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// unifiedDiff renders a unified diff between before and after, using
// go-difflib (already part of the dependency graph via testify's assert
// package) rather than hand-rolling one.
func unifiedDiff(before, after, path string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return out
}
