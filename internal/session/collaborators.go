package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/clawgate/internal/provider"
)

// Summarizer compresses a batch of evicted interactions into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, batch []Interaction) (string, error)
}

// Evolver derives a new personality from the current one and recent context.
type Evolver interface {
	Evolve(ctx context.Context, current *Personality, interactions []Interaction, summaries []Summary) (*Personality, error)
}

const (
	truncLineChars  = 200
	truncTotalChars = 1000
)

// TruncatingSummarizer is a deterministic summarizer: it keeps the first
// characters of each turn.
type TruncatingSummarizer struct{}

func (TruncatingSummarizer) Summarize(_ context.Context, batch []Interaction) (string, error) {
	var b strings.Builder
	for _, it := range batch {
		fmt.Fprintf(&b, "%s: %s\n", it.Role, clip(strings.TrimSpace(it.Text), truncLineChars))
	}
	return clip(strings.TrimSpace(b.String()), truncTotalChars), nil
}

// StaticEvolver keeps traits unchanged and only stamps the evolution.
type StaticEvolver struct{}

func (StaticEvolver) Evolve(_ context.Context, current *Personality, interactions []Interaction, _ []Summary) (*Personality, error) {
	next := current.clone()
	if next == nil {
		next = &Personality{Traits: map[string]string{}}
	}
	next.EvolvedAt = time.Now().UTC()
	next.InteractionCount = len(interactions)
	return next, nil
}

// LLMSummarizer compresses batches with a model call.
type LLMSummarizer struct {
	Provider  provider.LLMProvider
	Model     string
	MaxTokens int
}

func (s *LLMSummarizer) Summarize(ctx context.Context, batch []Interaction) (string, error) {
	var transcript strings.Builder
	for _, it := range batch {
		fmt.Fprintf(&transcript, "[%s] #%d %s: %s\n", it.Timestamp.Format("2006-01-02 15:04"), it.ID, it.Role, it.Text)
	}
	model := s.Model
	if model == "" {
		model = s.Provider.DefaultModel()
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 800
	}
	resp, err := s.Provider.Chat(ctx, &provider.ChatRequest{
		Model: model,
		Messages: []provider.Message{
			{Role: "system", Content: summarizerPrompt},
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarizer LLM call: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return text, nil
}

// LLMEvolver asks the model for an updated trait map.
type LLMEvolver struct {
	Provider provider.LLMProvider
	Model    string
}

func (e *LLMEvolver) Evolve(ctx context.Context, current *Personality, interactions []Interaction, summaries []Summary) (*Personality, error) {
	payload := map[string]any{
		"currentTraits": map[string]string{},
		"summaries":     summaries,
		"interactions":  interactions,
	}
	if current != nil {
		payload["currentTraits"] = current.Traits
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	model := e.Model
	if model == "" {
		model = e.Provider.DefaultModel()
	}
	resp, err := e.Provider.Chat(ctx, &provider.ChatRequest{
		Model: model,
		Messages: []provider.Message{
			{Role: "system", Content: evolverPrompt},
			{Role: "user", Content: string(body)},
		},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("evolver LLM call: %w", err)
	}
	var traits map[string]string
	if err := json.Unmarshal([]byte(provider.ExtractJSON(resp.Content)), &traits); err != nil {
		return nil, fmt.Errorf("evolver returned invalid traits: %w", err)
	}
	return &Personality{Traits: traits, EvolvedAt: time.Now().UTC()}, nil
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sortedTraitKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const summarizerPrompt = `You are a memory compression agent. Compress the conversation turns below into a short factual summary that a later assistant can rely on.

Rules:
1. Preserve names, dates, numbers, decisions and user preferences
2. Preserve any shell commands that were run and whether they succeeded
3. Remove greetings, filler and repeated content
4. Use third person ("The user asked...")
5. Output plain text, at most 8 sentences`

const evolverPrompt = `You maintain the personality of a terminal assistant. Given its current traits and recent conversation, return an updated trait map as a single JSON object of string keys to short string values (for example {"tone":"concise","expertise":"git"}). Keep traits that still apply. Output only JSON.`
