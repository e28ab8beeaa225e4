package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ProviderOpenAI is the registry name of the OpenAI provider.
const ProviderOpenAI = "openai"

const defaultOpenAIModel = "gpt-4o-mini"

// ChatCompleter captures the subset of the OpenAI SDK used here. It is
// satisfied by the SDK's chat completion service so tests can substitute a
// mock.
type ChatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIProvider completes via the OpenAI Chat Completions API.
type OpenAIProvider struct {
	chat         ChatCompleter
	defaultModel string
}

// NewOpenAIProvider wraps an existing chat service.
func NewOpenAIProvider(chat ChatCompleter, defaultModel string) (*OpenAIProvider, error) {
	if chat == nil {
		return nil, errors.New("openai chat service is required")
	}
	if defaultModel == "" {
		defaultModel = defaultOpenAIModel
	}
	return &OpenAIProvider{chat: chat, defaultModel: defaultModel}, nil
}

// NewOpenAIProviderFromAPIKey builds a provider with the SDK's default HTTP
// client. Returns nil when the key is empty so the registry simply skips it.
func NewOpenAIProviderFromAPIKey(apiKey, defaultModel string) *OpenAIProvider {
	if apiKey == "" {
		return nil
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	p, _ := NewOpenAIProvider(&client.Chat.Completions, defaultModel)
	return p
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty completion")
	}

	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}, nil
}
