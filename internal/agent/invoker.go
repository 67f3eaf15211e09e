package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KafClaw/clawgate/internal/provider"
)

// ErrUpstream wraps every failure of the external agent call.
var ErrUpstream = errors.New("upstream agent error")

// Invoker calls the external agent and returns its classified reply.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, memory any, schema json.RawMessage) (StructuredResponse, error)
}

// ProviderInvoker is an Invoker backed by an LLM provider.
type ProviderInvoker struct {
	Provider     provider.LLMProvider
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt func() string
}

// Invoke sends prompt with the memory context to the model.
func (p *ProviderInvoker) Invoke(ctx context.Context, prompt string, memory any, schema json.RawMessage) (StructuredResponse, error) {
	if p.Provider == nil {
		return StructuredResponse{}, fmt.Errorf("%w: no provider configured", ErrUpstream)
	}
	content := prompt
	if memory != nil {
		data, err := json.MarshalIndent(memory, "", "  ")
		if err != nil {
			return StructuredResponse{}, fmt.Errorf("encode context: %w", err)
		}
		content = fmt.Sprintf("Context: %s\n\nQuery: %s", data, prompt)
	}
	if schema == nil {
		schema = ResponseSchema
	}

	var msgs []provider.Message
	if p.SystemPrompt != nil {
		if sys := p.SystemPrompt(); sys != "" {
			msgs = append(msgs, provider.Message{Role: "system", Content: sys})
		}
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: content})

	resp, err := p.Provider.Chat(ctx, &provider.ChatRequest{
		Messages:    msgs,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		ResponseFormat: &provider.ResponseFormat{
			Name:   "agent_response",
			Schema: schema,
			Strict: true,
		},
	})
	if err != nil {
		return StructuredResponse{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	out, err := Decode([]byte(provider.ExtractJSON(resp.Content)))
	if err != nil {
		return StructuredResponse{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return out, nil
}
