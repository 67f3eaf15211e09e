package agent

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// PromptBuilder assembles the system prompt and the per-turn user message.
type PromptBuilder struct {
	Name            string
	AllowedCommands []string
	WorkDir         string
	Now             func() time.Time
}

// SystemPrompt describes the agent, its runtime and the command vocabulary.
func (b *PromptBuilder) SystemPrompt() string {
	name := b.Name
	if name == "" {
		name = "clawgate"
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	t := now()
	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	var cmds string
	if len(b.AllowedCommands) > 0 {
		cmds = strings.Join(b.AllowedCommands, ", ")
	} else {
		cmds = "(none)"
	}

	return fmt.Sprintf(`# %s

You are a helpful assistant with persistent memory. You have access to summaries
of past conversations and can reference important facts and decisions.

Every reply is a JSON object with a "choice" field:
- "response": answer in "response"; list open questions in "questions" and
  anything you still need in "missingContext".
- "code": put the snippet in "code", its language in "language" and a short
  "explanation".
- "terminalCommand": put one shell command in "terminalCommand" and explain it
  in "reasoning". Set "requiresApproval" when the command changes or deletes
  anything.

## Commands
Only these programs may start a terminal command: %s

## Current Time
%s

## Runtime
%s
Working directory: %s
`, name, cmds, t.Format("2006-01-02 15:04 (Monday)"), runtimeInfo, b.WorkDir)
}

// additionalContextHeader separates caller-supplied context from the message.
const additionalContextHeader = "\n\n[Additional Context]\n"

// FormatMessage appends caller-supplied context to a user message.
func FormatMessage(message string, extra map[string]any) (string, error) {
	if len(extra) == 0 {
		return message, nil
	}
	data, err := json.MarshalIndent(extra, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode additional context: %w", err)
	}
	return message + additionalContextHeader + string(data), nil
}
