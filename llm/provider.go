// Package llm runs completion-backed analysis over ingested documents. It
// wraps the OpenAI and Anthropic APIs behind a single provider contract and
// layers the paper-analysis operations (analyze, question, compare, chat) on
// top, optionally grounded by semantic retrieval.
package llm

import (
	"context"
	"errors"
	"sort"
)

// Provider errors surfaced to HTTP handlers.
var (
	// ErrProviderUnavailable means the requested provider has no credential
	// configured. Handlers map it to 503.
	ErrProviderUnavailable = errors.New("llm provider unavailable")

	ErrUnknownProvider = errors.New("unknown llm provider")
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completion is the provider's answer plus token accounting.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Provider turns a message list into a completion.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Registry holds the configured providers and picks one per request.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry with the given default provider name.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// Add registers a provider. Nil providers are ignored so callers can pass
// the result of a conditional constructor directly.
func (r *Registry) Add(p Provider) {
	if p == nil {
		return
	}
	r.providers[p.Name()] = p
}

// Resolve returns the provider for name, or the default provider when name
// is empty. A known-but-unconfigured provider yields ErrProviderUnavailable
// so the caller can answer 503 rather than 400.
func (r *Registry) Resolve(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	switch name {
	case ProviderOpenAI, ProviderAnthropic:
		return nil, ErrProviderUnavailable
	default:
		return nil, ErrUnknownProvider
	}
}

// Available lists the configured provider names, sorted for stable health
// output.
func (r *Registry) Available() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
