package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/vector"
)

// Comparison bounds: a pairwise reading needs at least two papers, and
// model context limits make more than five unreadable.
const (
	minCompareDocuments = 2
	maxCompareDocuments = 5
)

// maxDocumentChars truncates a single document's text inside prompts.
const maxDocumentChars = 24000

var ErrBadComparisonSet = errors.New("comparison requires between 2 and 5 document ids")

// ErrDocumentNotFound is returned (or wrapped) by DocumentSource
// implementations when the id is unknown.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentSource fetches document text for prompting. The gateway backs it
// with the document service; tests use a fake.
type DocumentSource interface {
	DocumentText(ctx context.Context, id uint) (title, text string, err error)
}

// Retriever runs semantic retrieval for RAG grounding. *vector.Client
// satisfies it.
type Retriever interface {
	Search(ctx context.Context, req vector.SearchRequest) (*vector.SearchResponse, error)
}

// Source identifies a retrieved excerpt that grounded an answer.
type Source struct {
	DocumentID    uint    `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	Section       string  `json:"section,omitempty"`
	Similarity    float64 `json:"similarity"`
}

// AnalyzeRequest runs one analysis type over one document.
type AnalyzeRequest struct {
	DocumentID   uint   `json:"document_id"`
	AnalysisType string `json:"analysis_type"`
	UseRAG       bool   `json:"use_rag"`
	LLMProvider  string `json:"llm_provider,omitempty"`
	Model        string `json:"model,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

// AnalyzeResponse is the analysis result with model accounting.
type AnalyzeResponse struct {
	DocumentID       uint     `json:"document_id"`
	AnalysisType     string   `json:"analysis_type"`
	Result           string   `json:"result"`
	ModelUsed        string   `json:"model_used"`
	ProviderUsed     string   `json:"provider_used"`
	TokensUsed       *int     `json:"tokens_used,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	Sources          []Source `json:"sources,omitempty"`
}

// QuestionRequest answers a free-form question, optionally scoped to
// specific documents.
type QuestionRequest struct {
	Question    string `json:"question"`
	DocumentIDs []uint `json:"document_ids,omitempty"`
	UseRAG      bool   `json:"use_rag"`
	MaxTokens   *int   `json:"max_tokens,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
}

// QuestionResponse carries the answer plus grounding sources.
type QuestionResponse struct {
	Question         string   `json:"question"`
	Answer           string   `json:"answer"`
	ModelUsed        string   `json:"model_used"`
	ProviderUsed     string   `json:"provider_used"`
	TokensUsed       *int     `json:"tokens_used,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	Sources          []Source `json:"sources,omitempty"`
}

// CompareRequest compares 2-5 documents over optional aspects.
type CompareRequest struct {
	DocumentIDs       []uint   `json:"document_ids"`
	ComparisonAspects []string `json:"comparison_aspects,omitempty"`
}

// CompareResponse is the comparison text.
type CompareResponse struct {
	Comparison        string `json:"comparison"`
	DocumentsCompared []uint `json:"documents_compared"`
	Model             string `json:"model"`
	ProviderUsed      string `json:"provider_used"`
	ProcessingTimeMS  int64  `json:"processing_time_ms"`
}

// ChatRequest continues a conversation, optionally grounded in a document.
type ChatRequest struct {
	Messages        []Message `json:"messages"`
	DocumentContext *uint     `json:"document_context,omitempty"`
	UseRAG          bool      `json:"use_rag"`
	LLMProvider     string    `json:"llm_provider,omitempty"`
}

// ChatResponse is the assistant's reply.
type ChatResponse struct {
	Response         string   `json:"response"`
	ModelUsed        string   `json:"model_used"`
	ProviderUsed     string   `json:"provider_used"`
	TokensUsed       *int     `json:"tokens_used,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	Sources          []Source `json:"sources,omitempty"`
}

var ErrEmptyQuestion = errors.New("question must not be empty")

var ErrNoMessages = errors.New("messages must not be empty")

// Service implements the analysis operations on top of the provider
// registry, the document source, and semantic retrieval.
type Service struct {
	cfg       config.LLMConfig
	registry  *Registry
	docs      DocumentSource
	retriever Retriever
}

// NewService wires the service. retriever may be nil; RAG is then skipped.
func NewService(cfg config.LLMConfig, registry *Registry, docs DocumentSource, retriever Retriever) *Service {
	return &Service{cfg: cfg, registry: registry, docs: docs, retriever: retriever}
}

// NewRegistryFromConfig builds the provider registry from configured
// credentials. Providers without a key are left out and answer 503.
func NewRegistryFromConfig(cfg config.LLMConfig) *Registry {
	r := NewRegistry(cfg.DefaultProvider)
	r.Add(NewOpenAIProviderFromAPIKey(cfg.OpenAIAPIKey, cfg.DefaultModel))
	r.Add(NewAnthropicProviderFromAPIKey(cfg.AnthropicAPIKey, cfg.DefaultModel))
	return r
}

// Providers lists the configured provider names for health reporting.
func (s *Service) Providers() []string { return s.registry.Available() }

// Analyze runs one analysis type over one document.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	start := time.Now()

	if !ValidAnalysisType(req.AnalysisType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAnalysisType, req.AnalysisType)
	}
	provider, err := s.registry.Resolve(req.LLMProvider)
	if err != nil {
		return nil, err
	}

	title, text, err := s.docs.DocumentText(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	var sources []Source
	var ragContext string
	if req.UseRAG {
		query := req.AnalysisType
		if req.AnalysisType == AnalysisCustom {
			query = req.CustomPrompt
		}
		ragContext, sources = s.retrieve(ctx, query, &req.DocumentID)
	}

	messages, err := buildAnalysisMessages(req.AnalysisType, req.CustomPrompt, title, truncate(text), ragContext)
	if err != nil {
		return nil, err
	}

	completion, err := provider.Complete(ctx, Request{
		Messages:    messages,
		Model:       req.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	return &AnalyzeResponse{
		DocumentID:       req.DocumentID,
		AnalysisType:     req.AnalysisType,
		Result:           completion.Text,
		ModelUsed:        completion.Model,
		ProviderUsed:     provider.Name(),
		TokensUsed:       tokensUsed(completion),
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		Sources:          sources,
	}, nil
}

// Question answers a free-form question, optionally scoped to documents.
func (s *Service) Question(ctx context.Context, req QuestionRequest) (*QuestionResponse, error) {
	start := time.Now()

	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	provider, err := s.registry.Resolve(req.LLMProvider)
	if err != nil {
		return nil, err
	}

	docs, err := s.loadDocuments(ctx, req.DocumentIDs)
	if err != nil {
		return nil, err
	}

	var sources []Source
	var ragContext string
	if req.UseRAG {
		var scope *uint
		if len(req.DocumentIDs) == 1 {
			scope = &req.DocumentIDs[0]
		}
		ragContext, sources = s.retrieve(ctx, req.Question, scope)
	}

	maxTokens := s.cfg.MaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	completion, err := provider.Complete(ctx, Request{
		Messages:    buildQuestionMessages(req.Question, ragContext, docs),
		MaxTokens:   maxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	return &QuestionResponse{
		Question:         req.Question,
		Answer:           completion.Text,
		ModelUsed:        completion.Model,
		ProviderUsed:     provider.Name(),
		TokensUsed:       tokensUsed(completion),
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		Sources:          sources,
	}, nil
}

// Compare contrasts 2-5 documents over the requested aspects.
func (s *Service) Compare(ctx context.Context, req CompareRequest) (*CompareResponse, error) {
	start := time.Now()

	if len(req.DocumentIDs) < minCompareDocuments || len(req.DocumentIDs) > maxCompareDocuments {
		return nil, ErrBadComparisonSet
	}
	provider, err := s.registry.Resolve("")
	if err != nil {
		return nil, err
	}

	docs, err := s.loadDocuments(ctx, req.DocumentIDs)
	if err != nil {
		return nil, err
	}

	completion, err := provider.Complete(ctx, Request{
		Messages:    buildCompareMessages(docs, req.ComparisonAspects),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	return &CompareResponse{
		Comparison:        completion.Text,
		DocumentsCompared: req.DocumentIDs,
		Model:             completion.Model,
		ProviderUsed:      provider.Name(),
		ProcessingTimeMS:  time.Since(start).Milliseconds(),
	}, nil
}

// Chat continues a conversation, optionally grounded in one document.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	provider, err := s.registry.Resolve(req.LLMProvider)
	if err != nil {
		return nil, err
	}

	messages := []Message{{Role: RoleSystem, Content: analystSystemPrompt}}

	var sources []Source
	if req.DocumentContext != nil {
		title, text, err := s.docs.DocumentText(ctx, *req.DocumentContext)
		if err != nil {
			return nil, err
		}
		messages = append(messages, Message{
			Role:    RoleSystem,
			Content: fmt.Sprintf("The conversation is about this paper.\n\nPaper: %s\n\n%s", title, truncate(text)),
		})
	}
	if req.UseRAG {
		if last := lastUserMessage(req.Messages); last != "" {
			ragContext, ragSources := s.retrieve(ctx, last, req.DocumentContext)
			if ragContext != "" {
				messages = append(messages, Message{
					Role:    RoleSystem,
					Content: "Relevant excerpts from the indexed papers:\n" + ragContext,
				})
				sources = ragSources
			}
		}
	}
	messages = append(messages, req.Messages...)

	completion, err := provider.Complete(ctx, Request{
		Messages:    messages,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		Response:         completion.Text,
		ModelUsed:        completion.Model,
		ProviderUsed:     provider.Name(),
		TokensUsed:       tokensUsed(completion),
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		Sources:          sources,
	}, nil
}

// retrieve runs top-k semantic retrieval and formats the hits as prompt
// context. Retrieval failures degrade to an ungrounded answer.
func (s *Service) retrieve(ctx context.Context, query string, documentID *uint) (string, []Source) {
	if s.retriever == nil || !s.cfg.EnableVectorRAG || strings.TrimSpace(query) == "" {
		return "", nil
	}

	topK := s.cfg.RAGTopK
	if topK <= 0 {
		topK = 5
	}
	resp, err := s.retriever.Search(ctx, vector.SearchRequest{
		Query:      query,
		MaxResults: &topK,
		DocumentID: documentID,
	})
	if err != nil {
		common.Logger.WithError(err).Warn("RAG retrieval failed, answering without context")
		return "", nil
	}

	var b strings.Builder
	sources := make([]Source, 0, len(resp.Chunks))
	for i, hit := range resp.Chunks {
		section := ""
		if hit.Section != nil {
			section = *hit.Section
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, hit.DocumentTitle)
		if section != "" {
			fmt.Fprintf(&b, " (%s)", section)
		}
		fmt.Fprintf(&b, ": %s\n", hit.Text)
		sources = append(sources, Source{
			DocumentID:    hit.DocumentID,
			DocumentTitle: hit.DocumentTitle,
			Section:       section,
			Similarity:    hit.Similarity,
		})
	}
	return b.String(), sources
}

func (s *Service) loadDocuments(ctx context.Context, ids []uint) ([]docExcerpt, error) {
	docs := make([]docExcerpt, 0, len(ids))
	for _, id := range ids {
		title, text, err := s.docs.DocumentText(ctx, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, docExcerpt{ID: id, Title: title, Text: truncate(text)})
	}
	return docs, nil
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func tokensUsed(c *Completion) *int {
	if c.TotalTokens == 0 {
		return nil
	}
	total := c.TotalTokens
	return &total
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxDocumentChars {
		return text
	}
	return string(runes[:maxDocumentChars])
}
