// Package urlrewrite rewrites absolute links to known local tenant hosts
// into root-relative markdown links, per spec.md §4.2. It uses goldmark to
// parse the message body so that the code-span and indented-code-block
// exclusions (rules 1 and 2) are resolved by goldmark's own block/inline
// parser instead of a hand-rolled backtick/indentation counter — goldmark's
// parser is the same one a renderer downstream of this package would use,
// so "is this URL inside a code span" is defined identically in both
// places.
package urlrewrite

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// urlPattern matches absolute http(s) URLs, capturing the host and the
// optional path+query+fragment remainder.
var urlPattern = regexp.MustCompile(`https?://([a-zA-Z0-9.-]+)(?::\d+)?(/[^\s()\[\]` + "`" + `]*)?`)

// HostMatcher reports whether a hostname is a known local tenant host whose
// links should be rewritten root-relative. Unknown hosts are left intact.
type HostMatcher func(host string) bool

// Rewrite applies the URL rewriting contract to body and returns the
// rewritten text. Rewriting is idempotent: rewriting an already-rewritten
// body is a no-op because root-relative paths no longer match urlPattern.
func Rewrite(body string, isKnownHost HostMatcher) string {
	if body == "" || isKnownHost == nil {
		return body
	}

	excluded := codeRanges(body)
	matches := urlPattern.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body
	}

	var out strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		hostStart, hostEnd := m[2], m[3]
		host := body[hostStart:hostEnd]

		if !isKnownHost(host) || inExcludedRange(excluded, start, end) {
			continue
		}

		pathStart, pathEnd := m[4], m[5]
		path := "/"
		if pathStart >= 0 {
			path = body[pathStart:pathEnd]
		}

		out.WriteString(body[last:start])
		out.WriteString(rewriteOne(body, start, end, path))
		last = end
	}
	out.WriteString(body[last:])
	return out.String()
}

// rewriteOne applies rules 3-5 based on the characters immediately
// surrounding the matched URL.
func rewriteOne(body string, start, end int, path string) string {
	before := charBefore(body, start)
	after := charAfter(body, end)

	switch {
	case before == '[' && after == ']':
		// Title position: [http://host/x] -> [/x]
		return path
	case before == '(' && after == ')':
		// Target position: (http://host/x) -> (/x)
		return path
	default:
		return fmt.Sprintf("[%s](%s)", path, path)
	}
}

func charBefore(s string, idx int) byte {
	if idx == 0 {
		return 0
	}
	return s[idx-1]
}

func charAfter(s string, idx int) byte {
	if idx >= len(s) {
		return 0
	}
	return s[idx]
}

type byteRange struct{ start, end int }

func inExcludedRange(ranges []byteRange, start, end int) bool {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].end > start })
	if i < len(ranges) && ranges[i].start <= start && end <= ranges[i].end {
		return true
	}
	return false
}

// codeRanges parses body with goldmark and returns the sorted, merged byte
// ranges covered by inline code spans, fenced code blocks, and indented code
// blocks — the regions rule 1 and rule 2 exempt from rewriting.
func codeRanges(body string) []byteRange {
	source := []byte(body)
	reader := text.NewReader(source)
	doc := goldmark.DefaultParser().Parse(reader)

	var ranges []byteRange
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.CodeSpan:
			ranges = append(ranges, spanOf(node, source)...)
		case *ast.CodeBlock:
			ranges = append(ranges, linesOf(node.Lines())...)
		case *ast.FencedCodeBlock:
			ranges = append(ranges, linesOf(node.Lines())...)
		}
		return ast.WalkContinue, nil
	})

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	return mergeRanges(ranges)
}

func spanOf(n ast.Node, source []byte) []byteRange {
	var out []byteRange
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if txt, ok := c.(*ast.Text); ok {
			seg := txt.Segment
			out = append(out, byteRange{seg.Start, seg.Stop})
		}
	}
	return out
}

func linesOf(lines *text.Segments) []byteRange {
	var out []byteRange
	if lines == nil {
		return out
	}
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		out = append(out, byteRange{seg.Start, seg.Stop})
	}
	return out
}

func mergeRanges(ranges []byteRange) []byteRange {
	if len(ranges) == 0 {
		return ranges
	}
	merged := []byteRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
