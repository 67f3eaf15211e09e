// Package remote is a client for a clawgate gateway. It lets an agent on one
// machine drive gated command execution on another.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/agent"
	"github.com/KafClaw/clawgate/internal/shell"
)

const defaultTimeout = 60 * time.Second

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	Status   int
	Category string
	Message  string
}

func (e *APIError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Category, e.Message)
}

// ExecuteResult is the reply to Execute. When PendingApproval is set the
// command did not run; resend it with approve set.
type ExecuteResult struct {
	Success                bool          `json:"success"`
	SessionID              string        `json:"sessionId"`
	Result                 *shell.Result `json:"result,omitempty"`
	PendingApproval        bool          `json:"pendingApproval,omitempty"`
	Command                string        `json:"command,omitempty"`
	RequiresApprovalReason string        `json:"requiresApprovalReason,omitempty"`
	ApprovalInstructions   string        `json:"approvalInstructions,omitempty"`
	Approved               bool          `json:"approved,omitempty"`
}

// Stdout is the command output, or "" when nothing ran.
func (r *ExecuteResult) Stdout() string {
	if r == nil || r.Result == nil {
		return ""
	}
	return r.Result.Stdout
}

// Proposal is the gateway's assessment of a command the agent proposed.
type Proposal struct {
	Command          string `json:"command"`
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requiresApproval"`
	Reason           string `json:"reason"`
	Tier             int    `json:"tier"`
}

// ChatResult is the reply to Chat.
type ChatResult struct {
	Success   bool                     `json:"success"`
	SessionID string                   `json:"sessionId"`
	Response  agent.StructuredResponse `json:"response"`
	Proposal  *Proposal                `json:"proposal,omitempty"`
}

// ChatExecuteResult is the reply to ChatExecute.
type ChatExecuteResult struct {
	Success                bool                     `json:"success"`
	SessionID              string                   `json:"sessionId"`
	Response               agent.StructuredResponse `json:"response"`
	ExecutionResult        *shell.Result            `json:"executionResult,omitempty"`
	PendingApproval        bool                     `json:"pendingApproval,omitempty"`
	Command                string                   `json:"command,omitempty"`
	RequiresApprovalReason string                   `json:"requiresApprovalReason,omitempty"`
	Approved               bool                     `json:"approved,omitempty"`
}

// Health is the reply to Health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// LogEntry is one command this client sent.
type LogEntry struct {
	Command   string         `json:"command"`
	Timestamp time.Time      `json:"timestamp"`
	Result    *ExecuteResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Client talks to one gateway under one session.
type Client struct {
	baseURL   string
	token     string
	sessionID string
	http      *http.Client
	log       *zap.Logger

	mu    sync.Mutex
	queue []string
	execs []LogEntry
}

// Option configures a Client.
type Option func(*Client)

// WithSessionID pins the session; the default is a fresh agent-<uuid>.
func WithSessionID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a client for the gateway at baseURL. token may be empty when
// the gateway runs with auth disabled.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		sessionID: "agent-" + uuid.NewString(),
		http:      &http.Client{Timeout: defaultTimeout},
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionID is the session every call runs under.
func (c *Client) SessionID() string { return c.sessionID }

// Execute runs command on the gateway. The call is logged locally whatever
// the outcome.
func (c *Client) Execute(ctx context.Context, command string, approve bool) (*ExecuteResult, error) {
	var out ExecuteResult
	err := c.do(ctx, http.MethodPost, "/terminal/execute", map[string]any{
		"sessionId": c.sessionID,
		"command":   command,
		"approval":  approve,
	}, &out)

	entry := LogEntry{Command: command, Timestamp: time.Now().UTC()}
	if err != nil {
		entry.Error = err.Error()
		c.log.Warn("remote command failed", zap.String("command", command), zap.Error(err))
	} else {
		entry.Result = &out
	}
	c.mu.Lock()
	c.execs = append(c.execs, entry)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat asks the gateway's agent for a reply. Commands it proposes are
// assessed but not run.
func (c *Client) Chat(ctx context.Context, message string) (*ChatResult, error) {
	var out ChatResult
	if err := c.do(ctx, http.MethodPost, "/terminal/chat/"+url.PathEscape(c.sessionID), map[string]any{"message": message}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatExecute asks the agent and runs the command it proposes.
func (c *Client) ChatExecute(ctx context.Context, message string, approve bool) (*ChatExecuteResult, error) {
	var out ChatExecuteResult
	path := "/terminal/chat/" + url.PathEscape(c.sessionID) + "/execute"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"message": message, "approval": approve}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns up to limit of the session's most recent commands.
func (c *Client) History(ctx context.Context, limit int) ([]shell.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out struct {
		History []shell.Record `json:"history"`
	}
	path := "/terminal/history/" + url.PathEscape(c.sessionID) + "?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Stats returns the session's execution counters.
func (c *Client) Stats(ctx context.Context) (shell.Stats, error) {
	var out struct {
		Stats shell.Stats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "/terminal/stats/"+url.PathEscape(c.sessionID), nil, &out)
	return out.Stats, err
}

// Health checks that the gateway is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// ExecutionLog returns a copy of every Execute call made so far.
func (c *Client) ExecutionLog() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.execs...)
}

// ClearExecutionLog forgets the local log. The gateway's history is kept.
func (c *Client) ClearExecutionLog() {
	c.mu.Lock()
	c.execs = nil
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Category, apiErr.Message = eb.Error, eb.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
