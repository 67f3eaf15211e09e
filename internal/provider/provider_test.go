package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "", ModeOpenAI, 0)
	if p.DefaultModel() != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", p.DefaultModel())
	}

	p = NewOpenAIProvider("", "", "", ModeOllama, 0)
	if p.DefaultModel() != "llama3.1:8b" {
		t.Errorf("expected ollama default model, got %s", p.DefaultModel())
	}
	if p.apiKey != "ollama" {
		t.Errorf("expected placeholder api key for ollama, got %q", p.apiKey)
	}
}

func TestOpenAIProvider_JSONSchemaRequest(t *testing.T) {
	var sent map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &sent)
		resp := openAIResponse{
			Choices: []openAIChoice{{
				Message:      openAIMessage{Role: "assistant", Content: `{"choice":"response"}`},
				FinishReason: "stop",
			}},
			Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model", ModeOpenAI, time.Second)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:       []Message{{Role: "user", Content: "Hello"}},
		ResponseFormat: &ResponseFormat{Schema: json.RawMessage(`{"type":"object"}`), Strict: true},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != `{"choice":"response"}` {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected usage to be parsed, got %+v", resp.Usage)
	}
	rf, ok := sent["response_format"].(map[string]any)
	if !ok {
		t.Fatalf("expected response_format in request, got %v", sent)
	}
	if rf["type"] != "json_schema" {
		t.Errorf("expected json_schema type, got %v", rf["type"])
	}
	js := rf["json_schema"].(map[string]any)
	if js["name"] != "agent_response" || js["strict"] != true {
		t.Errorf("unexpected json_schema block %v", js)
	}
}

func TestOpenAIProvider_OllamaModeExtractsFencedJSON(t *testing.T) {
	var sent map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &sent)
		json.NewEncoder(w).Encode(openAIResponse{Choices: []openAIChoice{{
			Message: openAIMessage{Content: "Sure!\n```json\n{\"choice\":\"code\"}\n```\nbye"},
		}}})
	}))
	defer server.Close()

	p := NewOpenAIProvider("", server.URL, "", ModeOllama, time.Second)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:       []Message{{Role: "user", Content: "write code"}},
		ResponseFormat: &ResponseFormat{Schema: json.RawMessage(`{"type":"object"}`)},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != `{"choice":"code"}` {
		t.Errorf("expected extracted JSON, got %q", resp.Content)
	}
	if _, ok := sent["response_format"]; ok {
		t.Error("ollama mode must not send response_format")
	}
	msgs := sent["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)["content"].(string)
	if !strings.Contains(last, "Respond with ONLY valid JSON") {
		t.Errorf("expected schema instruction in prompt, got %q", last)
	}
}

func TestOpenAIProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m", ModeOpenAI, time.Second)
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m", ModeOpenAI, time.Second)
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"  {\"a\":1}\n", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"text ```\n[1,2]\n``` more", "[1,2]"},
	}
	for _, tt := range tests {
		if got := ExtractJSON(tt.in); got != tt.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
