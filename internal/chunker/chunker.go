// Package chunker builds a two-level parent/child chunk tree from extracted
// document text. Parents are coarse spans cut at structural cues and carry
// the context handed to the language model; children are small overlapping
// slices of a parent used for similarity matching.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hieradoc/hieradoc/internal/language"
)

// chunkNamespace seeds UUIDv5 chunk identifiers. Re-chunking the same
// document version therefore yields the same identifiers, which is what
// makes re-indexing an upsert instead of a duplication.
var chunkNamespace = uuid.MustParse("3f2a9c44-5b1e-4c6d-8a7f-d019e4b6c2aa")

// Page is one extracted page of a document. Empty pages contribute no chunks.
type Page struct {
	Number int
	Text   string
}

// Document is the chunker's input: the extracted, cleaned text of one upload.
type Document struct {
	ID        string
	SessionID string
	Language  string
	Pages     []Page
}

// Text returns the concatenated page texts, the unit the parent chunks
// partition.
func (d Document) Text() string {
	var b strings.Builder
	for _, p := range d.Pages {
		b.WriteString(p.Text)
	}
	return b.String()
}

// ParentChunk is a coarse text unit. Parent bodies partition the document
// text: concatenating them in ordinal order reconstructs it exactly.
type ParentChunk struct {
	ID        string
	DocID     string
	Ordinal   int
	Text      string
	PageStart int
	PageEnd   int
	// Truncated marks a parent that had to be hard-cut at the maximum size
	// because no sentence boundary existed in range.
	Truncated bool
}

// ChildChunk is a fine-grained retrieval unit. Its text is a contiguous
// substring of its parent's body, overlapping adjacent siblings by the
// configured window.
type ChildChunk struct {
	ID            string
	ParentID      string
	DocID         string
	Ordinal       int
	ParentOrdinal int
	Text          string
}

// Tree is the full chunk tree for one document.
type Tree struct {
	Parents  []ParentChunk
	Children []ChildChunk
	// Degraded flags reduced chunk quality (hard truncations or a
	// structural-split fallback). It never aborts processing.
	Degraded bool
}

// Chunker splits document text into the parent/child tree.
type Chunker struct {
	maxParentSize int
	minChunkSize  int
	childSize     int
	childOverlap  int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxParentSize bounds parent chunk bodies in bytes.
func WithMaxParentSize(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxParentSize = n
		}
	}
}

// WithMinChunkSize sets the floor below which a parent is merged into its
// neighbor rather than kept as a fragment.
func WithMinChunkSize(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.minChunkSize = n
		}
	}
}

// WithChildSize sets the child chunk target size in bytes.
func WithChildSize(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.childSize = n
		}
	}
}

// WithChildOverlap sets the overlap window between adjacent children.
func WithChildOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.childOverlap = n
		}
	}
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxParentSize: 2000,
		minChunkSize:  500,
		childSize:     400,
		childOverlap:  80,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Overlap must leave room for forward progress.
	if c.childOverlap >= c.childSize {
		c.childOverlap = c.childSize / 4
	}
	return c
}

// Build constructs the chunk tree for a document. It never fails on
// malformed input: pathological text degrades to whole-page parents with the
// Degraded flag set.
func (c *Chunker) Build(doc Document) *Tree {
	params := language.ParamsFor(doc.Language)
	tree := &Tree{}

	for _, page := range doc.Pages {
		if page.Text == "" {
			continue
		}
		spans := c.splitSpans(page.Text, params)
		if len(spans) == 0 {
			// Structural split produced nothing for non-empty text; fall
			// back to the whole page as one parent.
			spans = []span{{text: page.Text}}
			tree.Degraded = true
		}
		for _, sp := range spans {
			tree.Parents = append(tree.Parents, ParentChunk{
				DocID:     doc.ID,
				Text:      sp.text,
				PageStart: page.Number,
				PageEnd:   page.Number,
				Truncated: sp.truncated,
			})
			if sp.truncated {
				tree.Degraded = true
			}
		}
	}

	tree.Parents = mergeSmall(tree.Parents, c.minChunkSize)

	for i := range tree.Parents {
		p := &tree.Parents[i]
		p.Ordinal = i
		p.ID = ParentID(doc.ID, i)
		tree.Children = append(tree.Children, c.splitChildren(doc.ID, p, params)...)
	}

	return tree
}

// ParentID returns the deterministic identifier for a parent chunk.
func ParentID(docID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/parent/%d", docID, ordinal))).String()
}

// ChildID returns the deterministic identifier for a child chunk.
func ChildID(docID string, parentOrdinal, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/child/%d/%d", docID, parentOrdinal, ordinal))).String()
}

type span struct {
	text      string
	truncated bool
}

// splitSpans partitions page text into parent-sized spans. Every span is an
// exact substring and the spans cover the text with no gaps, which is what
// preserves the reconstruction property.
func (c *Chunker) splitSpans(text string, params language.Params) []span {
	if len(text) <= c.maxParentSize {
		return []span{{text: text}}
	}

	var spans []span
	start := 0
	for start < len(text) {
		remaining := len(text) - start
		if remaining <= c.maxParentSize {
			spans = append(spans, span{text: text[start:]})
			break
		}

		end := start + c.maxParentSize
		cut, truncated := findCut(text, start, end, params)
		spans = append(spans, span{text: text[start:cut], truncated: truncated})
		start = cut
	}
	return spans
}

// findCut picks a split point in (start, end]. Structural cues (paragraph
// breaks) win; otherwise the last sentence boundary; otherwise a hard cut at
// the maximum size, reported as a truncation.
func findCut(text string, start, end int, params language.Params) (int, bool) {
	window := text[start:end]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return start + idx + 2, false
	}
	if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
		return start + idx + 1, false
	}
	if idx := lastSentenceEnd(window, params); idx > 0 {
		return start + idx, false
	}

	// No boundary at all (e.g. one giant token run): hard cut, aligned to a
	// rune boundary so the slice stays valid UTF-8.
	cut := end
	for cut > start && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == start {
		cut = end
	}
	return cut, true
}

// lastSentenceEnd returns the index just past the last sentence terminator
// in s, or 0 when there is none.
func lastSentenceEnd(s string, params language.Params) int {
	last := 0
	for i, r := range s {
		if params.IsSentenceEnder(r) {
			last = i + utf8.RuneLen(r)
		}
	}
	return last
}

// mergeSmall folds parents shorter than min into a neighbor so no parent
// falls below the minimum unless it is the document's only chunk. Merging
// concatenates adjacent bodies, so the partition of the document text is
// preserved; a merged parent may exceed the maximum size by at most min.
func mergeSmall(parents []ParentChunk, min int) []ParentChunk {
	if min <= 0 || len(parents) < 2 {
		return parents
	}

	var merged []ParentChunk
	for _, p := range parents {
		if len(merged) > 0 && len(p.Text) < min {
			prev := &merged[len(merged)-1]
			prev.Text += p.Text
			prev.PageEnd = p.PageEnd
			prev.Truncated = prev.Truncated || p.Truncated
			continue
		}
		merged = append(merged, p)
	}

	// A small first parent has no predecessor: fold it into its successor.
	if len(merged) > 1 && len(merged[0].Text) < min {
		merged[1].Text = merged[0].Text + merged[1].Text
		merged[1].PageStart = merged[0].PageStart
		merged[1].Truncated = merged[0].Truncated || merged[1].Truncated
		merged = merged[1:]
	}
	return merged
}

// splitChildren slices one parent into overlapping children. Each child is
// parent.Text[start:end] with the next child starting overlap bytes before
// the previous end.
func (c *Chunker) splitChildren(docID string, p *ParentChunk, params language.Params) []ChildChunk {
	if len(p.Text) <= c.childSize {
		return []ChildChunk{{
			ID:            ChildID(docID, p.Ordinal, 0),
			ParentID:      p.ID,
			DocID:         docID,
			Ordinal:       0,
			ParentOrdinal: p.Ordinal,
			Text:          p.Text,
		}}
	}

	var children []ChildChunk
	start := 0
	ordinal := 0
	for start < len(p.Text) {
		end := start + c.childSize
		if end >= len(p.Text) {
			end = len(p.Text)
		} else {
			if idx := lastSentenceEnd(p.Text[start:end], params); idx > 0 {
				end = start + idx
			} else if idx := strings.LastIndexByte(p.Text[start:end], ' '); idx > 0 {
				end = start + idx
			}
			for end > start && !utf8.RuneStart(p.Text[end]) {
				end--
			}
			if end == start {
				end = start + c.childSize
			}
		}

		children = append(children, ChildChunk{
			ID:            ChildID(docID, p.Ordinal, ordinal),
			ParentID:      p.ID,
			DocID:         docID,
			Ordinal:       ordinal,
			ParentOrdinal: p.Ordinal,
			Text:          p.Text[start:end],
		})
		ordinal++

		if end == len(p.Text) {
			break
		}

		next := end - c.childOverlap
		for next > 0 && !utf8.RuneStart(p.Text[next]) {
			next--
		}
		if next <= start {
			next = end
		}
		start = next
	}
	return children
}
