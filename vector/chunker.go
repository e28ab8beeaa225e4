// Package vector implements chunking, embedding, and cosine-similarity
// search over document chunks. Chunk production is deterministic: the
// same sections and text always yield the same chunk set, which keeps
// reprocessing idempotent.
package vector

import (
	"sort"
	"strings"
)

// Chunking defaults.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// Piece is one chunk of text before embedding.
type Piece struct {
	Index   int
	Text    string
	Section string // empty when the text was not segmented
}

// sectionOrder fixes the traversal order of the canonical sections so
// chunk indices are deterministic; remaining sections follow
// alphabetically.
var sectionOrder = []string{
	"abstract", "introduction", "methodology", "results", "conclusion", "references",
}

// orderedSections returns section names in deterministic order.
func orderedSections(sections map[string]string) []string {
	seen := make(map[string]bool, len(sections))
	var names []string
	for _, name := range sectionOrder {
		if _, ok := sections[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range sections {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// ChunkDocument splits a document into fixed-size character chunks with
// overlap. A chunk never crosses a section boundary; residual text
// shorter than the overlap at a section end becomes a short final
// chunk. When no sections are available the full text is chunked as a
// single unnamed span. Indices are contiguous from 0.
func ChunkDocument(sections map[string]string, fullText string, size, overlap int) []Piece {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}

	var pieces []Piece
	next := 0

	emit := func(text, section string) {
		for _, chunk := range splitText(text, size, overlap) {
			pieces = append(pieces, Piece{Index: next, Text: chunk, Section: section})
			next++
		}
	}

	if len(sections) == 0 {
		emit(fullText, "")
		return pieces
	}

	for _, name := range orderedSections(sections) {
		emit(sections[name], name)
	}
	return pieces
}

// splitText produces the overlapping windows for one span.
func splitText(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
