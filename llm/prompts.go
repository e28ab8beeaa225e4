package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Analysis types accepted by Analyze.
const (
	AnalysisSummary          = "summary"
	AnalysisLiteratureReview = "literature_review"
	AnalysisKeyFindings      = "key_findings"
	AnalysisMethodology      = "methodology"
	AnalysisResultsAnalysis  = "results_analysis"
	AnalysisLimitations      = "limitations"
	AnalysisFutureWork       = "future_work"
	AnalysisCustom           = "custom"
)

var (
	ErrUnknownAnalysisType  = errors.New("unknown analysis type")
	ErrCustomPromptRequired = errors.New("custom analysis requires custom_prompt")
)

const analystSystemPrompt = "You are a research assistant analyzing academic papers. " +
	"Base your answers strictly on the provided paper content and retrieved excerpts. " +
	"When the content does not support an answer, say so."

// analysisInstructions maps each analysis type to the task given to the
// model alongside the paper text.
var analysisInstructions = map[string]string{
	AnalysisSummary: "Write a concise summary of this paper. Cover the research question, " +
		"the approach, and the main conclusions in at most three paragraphs.",
	AnalysisLiteratureReview: "Describe how this paper relates to prior work. Summarize the " +
		"research context it builds on, what gap it addresses, and which cited works are most central.",
	AnalysisKeyFindings: "List the key findings of this paper as bullet points. For each finding, " +
		"note the supporting evidence reported by the authors.",
	AnalysisMethodology: "Describe the methodology of this paper: study design, data or materials, " +
		"procedures, and analysis techniques. Note any unusual methodological choices.",
	AnalysisResultsAnalysis: "Analyze the results reported in this paper. What do the quantitative " +
		"outcomes show, how strong is the evidence, and do the conclusions follow from the data?",
	AnalysisLimitations: "Identify the limitations of this paper, both those acknowledged by the " +
		"authors and any apparent unacknowledged ones.",
	AnalysisFutureWork: "Summarize the future work suggested by this paper and propose follow-up " +
		"research directions that the findings naturally motivate.",
}

// ValidAnalysisType reports whether t is an accepted analysis type.
func ValidAnalysisType(t string) bool {
	if t == AnalysisCustom {
		return true
	}
	_, ok := analysisInstructions[t]
	return ok
}

// buildAnalysisMessages assembles the completion conversation for one
// document analysis. context carries retrieved excerpts and may be empty.
func buildAnalysisMessages(analysisType, customPrompt, title, text, context string) ([]Message, error) {
	instruction, ok := analysisInstructions[analysisType]
	if !ok {
		if analysisType != AnalysisCustom {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAnalysisType, analysisType)
		}
		if strings.TrimSpace(customPrompt) == "" {
			return nil, ErrCustomPromptRequired
		}
		instruction = customPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Paper: %s\n\n", title)
	if context != "" {
		b.WriteString("Most relevant excerpts:\n")
		b.WriteString(context)
		b.WriteString("\n\n")
	}
	b.WriteString("Paper content:\n")
	b.WriteString(text)
	b.WriteString("\n\nTask: ")
	b.WriteString(instruction)

	return []Message{
		{Role: RoleSystem, Content: analystSystemPrompt},
		{Role: RoleUser, Content: b.String()},
	}, nil
}

// buildQuestionMessages assembles the conversation for free-form Q&A over
// zero or more documents.
func buildQuestionMessages(question, context string, docs []docExcerpt) []Message {
	var b strings.Builder
	if len(docs) > 0 {
		b.WriteString("You are answering a question about the following papers.\n\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "--- %s ---\n%s\n\n", d.Title, d.Text)
		}
	}
	if context != "" {
		b.WriteString("Most relevant excerpts:\n")
		b.WriteString(context)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)

	return []Message{
		{Role: RoleSystem, Content: analystSystemPrompt},
		{Role: RoleUser, Content: b.String()},
	}
}

// buildCompareMessages assembles the conversation for a cross-document
// comparison over the given aspects.
func buildCompareMessages(docs []docExcerpt, aspects []string) []Message {
	var b strings.Builder
	b.WriteString("Compare the following papers")
	if len(aspects) > 0 {
		fmt.Fprintf(&b, " with respect to: %s", strings.Join(aspects, ", "))
	}
	b.WriteString(".\n\n")
	for _, d := range docs {
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", d.Title, d.Text)
	}
	b.WriteString("Structure the comparison per aspect, note agreements and " +
		"disagreements, and end with a short overall assessment.")

	return []Message{
		{Role: RoleSystem, Content: analystSystemPrompt},
		{Role: RoleUser, Content: b.String()},
	}
}

// docExcerpt is a document's text as handed to prompt builders, truncated
// upstream to fit the model context window.
type docExcerpt struct {
	ID    uint
	Title string
	Text  string
}
