package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadingName(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
		ok       bool
	}{
		{"Plain", "Introduction", SectionIntroduction, true},
		{"CaseInsensitive", "INTRODUCTION", SectionIntroduction, true},
		{"ArabicNumbered", "1. Introduction", SectionIntroduction, true},
		{"NestedNumber", "2.3 Results", SectionResults, true},
		{"RomanNumbered", "IV. Results", SectionResults, true},
		{"TrailingColon", "Methods:", SectionMethodology, true},
		{"Alias", "Materials and Methods", SectionMethodology, true},
		{"Bibliography", "Bibliography", SectionReferences, true},
		{"AllCapsUnknown", "RELATED WORK", "related work", true},
		{"SentenceNotHeading", "We describe the methodology in detail.", "", false},
		{"TooLong", strings.Repeat("x", 80), "", false},
		{"MixedCaseUnknown", "Some random line", "", false},
		{"Empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, ok := headingName(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, name)
			}
		})
	}
}

func paperText() string {
	return `A Study of Things

Jane Doe, John Smith

Abstract
` + strings.Repeat("word ", 80) + `

1. Introduction
This paper studies things in depth over several paragraphs.

2. Methods
We used the standard apparatus.

3. Results
Things happened as predicted.

4. Conclusions
Things are as they are.

References
[1] Prior work.`
}

func TestDetectSections(t *testing.T) {
	sections := DetectSections(paperText())

	require.Contains(t, sections, SectionAbstract)
	require.Contains(t, sections, SectionIntroduction)
	require.Contains(t, sections, SectionMethodology)
	require.Contains(t, sections, SectionResults)
	require.Contains(t, sections, SectionConclusion)
	require.Contains(t, sections, SectionReferences)

	assert.Contains(t, sections[SectionIntroduction], "studies things")
	assert.Contains(t, sections[SectionMethodology], "standard apparatus")
	assert.Contains(t, sections[SectionReferences], "Prior work")
}

func TestDetectSections_AbstractFromSummaryHeader(t *testing.T) {
	text := `Title Line

Summary
` + strings.Repeat("word ", 60) + `

1. Introduction
Body text.`

	sections := DetectSections(text)
	require.Contains(t, sections, SectionAbstract)
	assert.GreaterOrEqual(t, len(strings.Fields(sections[SectionAbstract])), minAbstractWords)
}

func TestDetectSections_PositionalAbstract(t *testing.T) {
	// No abstract or summary header; the block between the front matter
	// and the introduction heading is recovered positionally.
	text := `A Title

` + strings.Repeat("word ", 70) + `

Introduction
Body text here.`

	sections := DetectSections(text)
	require.Contains(t, sections, SectionAbstract)
	assert.Contains(t, sections[SectionAbstract], "word")
}

func TestDetectSections_AbstractLengthWindow(t *testing.T) {
	// Too short to qualify as an abstract.
	short := `Title

Abstract
too short

Introduction
Body.`
	sections := DetectSections(short)
	assert.NotContains(t, sections, SectionAbstract)

	// Far too long.
	long := `Title

Abstract
` + strings.Repeat("word ", 2500) + `

Introduction
Body.`
	sections = DetectSections(long)
	assert.NotContains(t, sections, SectionAbstract)
}

func TestDetectSections_RepeatedHeadingAppends(t *testing.T) {
	text := `Results
First part.

Results
Second part.`

	sections := DetectSections(text)
	assert.Contains(t, sections[SectionResults], "First part.")
	assert.Contains(t, sections[SectionResults], "Second part.")
}
