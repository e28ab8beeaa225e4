package ingest

import (
	"regexp"
	"strings"
)

// Canonical section names. Aliases seen in the wild collapse onto
// these; unknown headings keep their own lowercased name.
const (
	SectionAbstract     = "abstract"
	SectionIntroduction = "introduction"
	SectionMethodology  = "methodology"
	SectionResults      = "results"
	SectionConclusion   = "conclusion"
	SectionReferences   = "references"
)

var sectionAliases = map[string]string{
	"abstract":              SectionAbstract,
	"introduction":          SectionIntroduction,
	"background":            SectionIntroduction,
	"methodology":           SectionMethodology,
	"methods":               SectionMethodology,
	"method":                SectionMethodology,
	"materials and methods": SectionMethodology,
	"experimental setup":    SectionMethodology,
	"results":               SectionResults,
	"results and discussion": SectionResults,
	"findings":              SectionResults,
	"conclusion":            SectionConclusion,
	"conclusions":           SectionConclusion,
	"concluding remarks":    SectionConclusion,
	"references":            SectionReferences,
	"bibliography":          SectionReferences,
	"works cited":           SectionReferences,
}

// headingNumber strips Arabic (1., 2.3) and Roman (IV., xii) numbering
// prefixes from a candidate heading line.
var headingNumber = regexp.MustCompile(`^(?:\d+(?:\.\d+)*\.?|[IVXLCivxlc]+\.)\s+`)

const maxHeadingLen = 60

// headingName classifies one line as a section heading. It returns the
// normalized name and whether the line qualifies. A heading is a short
// standalone line, optionally numbered, that either matches a known
// section alias or is written in ALL CAPS.
func headingName(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > maxHeadingLen {
		return "", false
	}
	// Headings don't end like sentences.
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, ",") {
		return "", false
	}

	candidate := headingNumber.ReplaceAllString(trimmed, "")
	candidate = strings.TrimSpace(strings.TrimRight(candidate, ":"))
	if candidate == "" {
		return "", false
	}

	lower := strings.ToLower(candidate)
	if canonical, ok := sectionAliases[lower]; ok {
		return canonical, true
	}

	// ALL-CAPS short lines are headings even when the name is unknown.
	if candidate == strings.ToUpper(candidate) &&
		strings.ToLower(candidate) != candidate &&
		len(strings.Fields(candidate)) <= 5 {
		return lower, true
	}

	return "", false
}

// DetectSections segments full text into named sections by scanning for
// heading lines. Text before the first heading is not part of any
// section. Repeated headings append to the same section.
func DetectSections(fullText string) map[string]string {
	sections := make(map[string]string)
	lines := strings.Split(fullText, "\n")

	current := ""
	var body []string

	flush := func() {
		if current == "" {
			return
		}
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text == "" {
			return
		}
		if existing, ok := sections[current]; ok {
			sections[current] = existing + "\n" + text
		} else {
			sections[current] = text
		}
	}

	for _, line := range lines {
		if name, ok := headingName(line); ok {
			flush()
			current = name
			body = body[:0]
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()

	// The abstract must pass the length-validity window no matter which
	// strategy produced it.
	if abstract, ok := sections[SectionAbstract]; ok && !validAbstract(abstract) {
		delete(sections, SectionAbstract)
	}
	if _, ok := sections[SectionAbstract]; !ok {
		if abstract := fallbackAbstract(fullText, sections); abstract != "" {
			sections[SectionAbstract] = abstract
		}
	}

	return sections
}

const (
	minAbstractWords = 50
	maxAbstractWords = 2000
)

// validAbstract checks the length-validity window.
func validAbstract(text string) bool {
	n := len(strings.Fields(text))
	return n >= minAbstractWords && n <= maxAbstractWords
}

var summaryHeading = regexp.MustCompile(`(?im)^\s*(?:\d+\.?\s+)?summary\s*:?\s*$`)
var abstractHeading = regexp.MustCompile(`(?im)^\s*(?:\d+\.?\s+)?abstract\s*:?\s*$`)

// fallbackAbstract recovers the abstract when no heading matched.
// Strategy order: explicit abstract header anywhere in the raw text, a
// summary header, then the positional span between the front matter and
// the introduction. Each candidate must pass the word-count window.
func fallbackAbstract(fullText string, sections map[string]string) string {
	for _, re := range []*regexp.Regexp{abstractHeading, summaryHeading} {
		if loc := re.FindStringIndex(fullText); loc != nil {
			candidate := spanUntilNextHeading(fullText[loc[1]:])
			if validAbstract(candidate) {
				return candidate
			}
		}
	}

	// Positional: everything between the title/author block and the
	// introduction heading.
	intro := regexp.MustCompile(`(?im)^\s*(?:\d+\.?\s+|[IVXivx]+\.\s+)?introduction\s*:?\s*$`)
	if loc := intro.FindStringIndex(fullText); loc != nil {
		head := fullText[:loc[0]]
		paras := strings.Split(head, "\n\n")
		// Skip the first block (title and authors), join the rest.
		if len(paras) > 1 {
			candidate := strings.TrimSpace(strings.Join(paras[1:], "\n\n"))
			if validAbstract(candidate) {
				return candidate
			}
		}
	}

	return ""
}

// spanUntilNextHeading returns the text up to the next heading line.
func spanUntilNextHeading(text string) string {
	lines := strings.Split(text, "\n")
	var body []string
	for _, line := range lines {
		if _, ok := headingName(line); ok {
			break
		}
		body = append(body, line)
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}
