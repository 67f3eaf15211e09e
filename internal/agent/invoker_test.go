package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/clawgate/internal/provider"
)

type fakeProvider struct {
	reply string
	err   error
	last  *provider.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{Content: f.reply}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func TestProviderInvokerBuildsRequest(t *testing.T) {
	fp := &fakeProvider{reply: "```json\n{\"choice\":\"response\",\"response\":\"hello\"}\n```"}
	pb := &PromptBuilder{AllowedCommands: []string{"ls", "cat"}, Now: func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }}
	inv := &ProviderInvoker{Provider: fp, Model: "m1", SystemPrompt: pb.SystemPrompt}

	got, err := inv.Invoke(context.Background(), "hi there", map[string]int{"turns": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, ChoiceResponse, got.Choice)
	assert.Equal(t, "hello", got.Reply.Response)

	require.Len(t, fp.last.Messages, 2)
	assert.Equal(t, "system", fp.last.Messages[0].Role)
	assert.Contains(t, fp.last.Messages[0].Content, "ls, cat")
	assert.Contains(t, fp.last.Messages[0].Content, "2024-05-01 09:00")
	user := fp.last.Messages[1].Content
	assert.True(t, strings.HasPrefix(user, "Context: {"))
	assert.True(t, strings.HasSuffix(user, "\n\nQuery: hi there"))
	assert.Equal(t, "m1", fp.last.Model)
	require.NotNil(t, fp.last.ResponseFormat)
	assert.Equal(t, "agent_response", fp.last.ResponseFormat.Name)
	assert.True(t, fp.last.ResponseFormat.Strict)
	assert.JSONEq(t, string(ResponseSchema), string(fp.last.ResponseFormat.Schema))
}

func TestProviderInvokerWithoutContext(t *testing.T) {
	fp := &fakeProvider{reply: `{"choice":"response","response":"ok"}`}
	inv := &ProviderInvoker{Provider: fp}
	_, err := inv.Invoke(context.Background(), "plain", nil, nil)
	require.NoError(t, err)
	require.Len(t, fp.last.Messages, 1)
	assert.Equal(t, "plain", fp.last.Messages[0].Content)
}

func TestProviderInvokerErrorsAreUpstream(t *testing.T) {
	tests := []struct {
		name string
		fp   *fakeProvider
	}{
		{"transport", &fakeProvider{err: errors.New("API error (status 500)")}},
		{"bad json", &fakeProvider{reply: "I cannot do that"}},
		{"bad choice", &fakeProvider{reply: `{"choice":"other"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&ProviderInvoker{Provider: tt.fp}).Invoke(context.Background(), "x", nil, nil)
			require.ErrorIs(t, err, ErrUpstream)
		})
	}
	_, err := (&ProviderInvoker{}).Invoke(context.Background(), "x", nil, nil)
	require.ErrorIs(t, err, ErrUpstream)
}

func TestFormatMessage(t *testing.T) {
	msg, err := FormatMessage("check disk", nil)
	require.NoError(t, err)
	assert.Equal(t, "check disk", msg)

	msg, err = FormatMessage("check disk", map[string]any{"host": "db1"})
	require.NoError(t, err)
	assert.Equal(t, "check disk\n\n[Additional Context]\n{\n  \"host\": \"db1\"\n}", msg)
}
