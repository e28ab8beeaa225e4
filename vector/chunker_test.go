package vector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkDocument_ContiguousIndices(t *testing.T) {
	sections := map[string]string{
		"introduction": strings.Repeat("a", 1200),
		"results":      strings.Repeat("b", 700),
		"abstract":     strings.Repeat("c", 300),
	}

	pieces := ChunkDocument(sections, "", 500, 50)
	require.NotEmpty(t, pieces)

	for i, p := range pieces {
		assert.Equal(t, i, p.Index, "indices must be contiguous from 0")
	}
}

func TestChunkDocument_DeterministicOrder(t *testing.T) {
	sections := map[string]string{
		"zeta":         "zz",
		"abstract":     strings.Repeat("a", 80),
		"results":      strings.Repeat("r", 80),
		"introduction": strings.Repeat("i", 80),
	}

	first := ChunkDocument(sections, "", 500, 50)
	for i := 0; i < 20; i++ {
		again := ChunkDocument(sections, "", 500, 50)
		require.Equal(t, first, again, "chunking must be deterministic across runs")
	}

	// Canonical sections come first, unknown ones follow.
	assert.Equal(t, "abstract", first[0].Section)
	assert.Equal(t, "introduction", first[1].Section)
	assert.Equal(t, "results", first[2].Section)
	assert.Equal(t, "zeta", first[3].Section)
}

func TestChunkDocument_NoCrossSectionChunks(t *testing.T) {
	sections := map[string]string{
		"introduction": strings.Repeat("i", 520),
		"results":      strings.Repeat("r", 520),
	}

	pieces := ChunkDocument(sections, "", 500, 50)
	for _, p := range pieces {
		require.NotEmpty(t, p.Section)
		for _, r := range p.Text {
			assert.Equal(t, rune(p.Section[0]), r, "chunk text must come from a single section")
		}
	}
}

func TestChunkDocument_OverlapWindows(t *testing.T) {
	text := strings.Repeat("x", 1000)
	pieces := ChunkDocument(nil, text, 500, 50)

	// Windows advance by size-overlap: 0..500, 450..950, 900..1000.
	require.Len(t, pieces, 3)
	assert.Len(t, pieces[0].Text, 500)
	assert.Len(t, pieces[1].Text, 500)
	assert.Len(t, pieces[2].Text, 100)
	assert.Empty(t, pieces[0].Section)
}

func TestChunkDocument_ShortResidualEmitted(t *testing.T) {
	// 530 chars: second window is 80 chars, longer than nothing but
	// shorter than the overlap would suggest; it is still emitted.
	text := strings.Repeat("y", 530)
	pieces := ChunkDocument(nil, text, 500, 50)
	require.Len(t, pieces, 2)
	assert.Len(t, pieces[1].Text, 80)
}

func TestChunkDocument_Empty(t *testing.T) {
	assert.Empty(t, ChunkDocument(nil, "", 500, 50))
	assert.Empty(t, ChunkDocument(map[string]string{"introduction": "   "}, "", 500, 50))
}

func TestChunkDocument_DefaultsApplied(t *testing.T) {
	text := strings.Repeat("z", 600)
	pieces := ChunkDocument(nil, text, 0, -1)
	require.NotEmpty(t, pieces)
	assert.Len(t, pieces[0].Text, DefaultChunkSize)
}

func TestChunkDocument_Idempotent(t *testing.T) {
	sections := map[string]string{
		"abstract": strings.Repeat("q", 900),
		"methods":  strings.Repeat("m", 1100),
	}
	a := ChunkDocument(sections, "", 500, 50)
	b := ChunkDocument(sections, "", 500, 50)
	assert.Equal(t, len(a), len(b))
	assert.Equal(t, a, b)
}
