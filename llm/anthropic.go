package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ProviderAnthropic is the registry name of the Anthropic provider.
const ProviderAnthropic = "anthropic"

const defaultAnthropicModel = "claude-3-5-sonnet-latest"

// anthropicMaxTokens is used when a request does not cap the completion;
// the Messages API requires an explicit value.
const anthropicMaxTokens = 2048

// MessagesClient captures the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider completes via the Anthropic Messages API.
type AnthropicProvider struct {
	msg          MessagesClient
	defaultModel string
}

// NewAnthropicProvider wraps an existing messages service.
func NewAnthropicProvider(msg MessagesClient, defaultModel string) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages service is required")
	}
	if defaultModel == "" {
		defaultModel = defaultAnthropicModel
	}
	return &AnthropicProvider{msg: msg, defaultModel: defaultModel}, nil
}

// NewAnthropicProviderFromAPIKey builds a provider with the SDK's default
// HTTP client. Returns nil when the key is empty so the registry skips it.
func NewAnthropicProviderFromAPIKey(apiKey, defaultModel string) *AnthropicProvider {
	if apiKey == "" {
		return nil
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	p, _ := NewAnthropicProvider(&client.Messages, defaultModel)
	return p
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Complete implements Provider. System messages become the Messages API
// system prompt; the rest alternate as user/assistant turns.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one non-system message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &Completion{
		Text:         text.String(),
		Model:        string(msg.Model),
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
	}, nil
}
