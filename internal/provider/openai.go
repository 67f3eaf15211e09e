package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Mode selects how structured output is requested.
type Mode string

const (
	// ModeOpenAI uses response_format json_schema.
	ModeOpenAI Mode = "openai"
	// ModeOllama embeds the schema in the prompt and extracts JSON from the
	// reply, for servers without structured output support.
	ModeOllama Mode = "ollama"
)

// OpenAIProvider implements LLMProvider using the OpenAI-compatible API.
type OpenAIProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	mode         Mode
	httpClient   *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(apiKey, apiBase, defaultModel string, mode Mode, timeout time.Duration) *OpenAIProvider {
	if mode == "" {
		mode = ModeOpenAI
	}
	if apiBase == "" {
		if mode == ModeOllama {
			apiBase = "http://localhost:11434/v1"
		} else {
			apiBase = "https://api.openai.com/v1"
		}
	}
	if defaultModel == "" {
		if mode == ModeOllama {
			defaultModel = "llama3.1:8b"
		} else {
			defaultModel = "gpt-4o-mini"
		}
	}
	if apiKey == "" && mode == ModeOllama {
		apiKey = "ollama"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		apiKey:       apiKey,
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		defaultModel: defaultModel,
		mode:         mode,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// DefaultModel returns the configured default model.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat sends a completion request to the OpenAI-compatible API.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := append([]Message(nil), req.Messages...)
	body := map[string]any{
		"model": model,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	if rf := req.ResponseFormat; rf != nil {
		switch p.mode {
		case ModeOllama:
			if n := len(messages); n > 0 {
				messages[n-1].Content += "\n\nRespond with ONLY valid JSON matching this schema:\n" + string(rf.Schema)
			}
		default:
			name := rf.Name
			if name == "" {
				name = "agent_response"
			}
			body["response_format"] = map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   name,
					"strict": rf.Strict,
					"schema": rf.Schema,
				},
			}
		}
	}
	body["messages"] = messages

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncateBody(respBody))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	out, err := p.parseResponse(&apiResp)
	if err != nil {
		return nil, err
	}
	if req.ResponseFormat != nil && p.mode == ModeOllama {
		out.Content = ExtractJSON(out.Content)
	}
	return out, nil
}

// parseResponse converts the API response to our ChatResponse type.
func (p *OpenAIProvider) parseResponse(resp *openAIResponse) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := resp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// OpenAI API response types
type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
