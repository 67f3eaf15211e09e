package remote

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/KafClaw/clawgate/internal/gateway"
	"github.com/KafClaw/clawgate/internal/policy"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/shell"
)

type scriptedAgent struct{ reply string }

func (s *scriptedAgent) Invoke(context.Context, string, any, json.RawMessage) (agent.StructuredResponse, error) {
	return agent.Decode([]byte(s.reply))
}

type fixture struct {
	url   string
	token string
	agent *scriptedAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fs, err := session.NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	reg := session.NewRegistry(fs, session.NewMemory(nil, nil, nil), session.DefaultOptions(), nil)
	t.Cleanup(func() { _ = reg.Close() })

	mgr := access.NewManager("remote-secret", time.Hour, nil, nil)
	gate := shell.NewGate(shell.Config{
		MinInterval: time.Nanosecond,
		Exec:        shell.ExecOptions{WorkDir: dir, Timeout: 5 * time.Second},
	}, nil, nil)
	wf := approval.NewWorkflow(gate, policy.NewEngine(gate.Classifier()), nil, nil, nil)
	sa := &scriptedAgent{reply: `{"choice":"response","response":"hello"}`}

	srv := httptest.NewServer(gateway.New(gateway.Deps{
		Access:       mgr,
		Orchestrator: agent.New(reg, sa, wf, nil, nil),
		Workflow:     wf,
		Gate:         gate,
		Sessions:     reg,
		Version:      "test",
	}))
	t.Cleanup(srv.Close)

	cred, err := mgr.IssueCredential(context.Background(), "agent-runner", access.RoleTeam, time.Hour)
	require.NoError(t, err)
	return &fixture{url: srv.URL, token: cred.Token, agent: sa}
}

func (f *fixture) client(opts ...Option) *Client {
	return New(f.url+"/", f.token, opts...)
}

func TestExecuteHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	c := f.client(WithSessionID("ops-1"))
	ctx := context.Background()

	res, err := c.Execute(ctx, "echo hi", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi\n", res.Stdout())
	assert.Equal(t, "ops-1", res.SessionID)

	hist, err := c.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "echo hi", hist[0].Command)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Successful)

	log := c.ExecutionLog()
	require.Len(t, log, 1)
	assert.Equal(t, "echo hi", log[0].Command)
	c.ClearExecutionLog()
	assert.Empty(t, c.ExecutionLog())
}

func TestDefaultSessionIDIsUnique(t *testing.T) {
	a, b := New("http://x", ""), New("http://x", "")
	assert.NotEqual(t, a.SessionID(), b.SessionID())
	assert.Contains(t, a.SessionID(), "agent-")
}

func TestExecuteApprovalRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	ctx := context.Background()

	res, err := c.Execute(ctx, "rm -f nothing-here", false)
	require.NoError(t, err)
	assert.True(t, res.PendingApproval)
	assert.Equal(t, "rm -f nothing-here", res.Command)
	assert.Nil(t, res.Result)

	res, err = c.Execute(ctx, "rm -f nothing-here", true)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.Success)
}

func TestAPIErrorCarriesCategory(t *testing.T) {
	f := newFixture(t)
	c := f.client()

	_, err := c.Execute(context.Background(), "sudo ls", true)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, gateway.CategoryCommandNotAllowed, apiErr.Category)

	log := c.ExecutionLog()
	require.Len(t, log, 1)
	assert.NotEmpty(t, log[0].Error)

	_, err = New(f.url, "not-a-token").Health(context.Background())
	require.NoError(t, err, "health needs no credential")
	_, err = New(f.url, "not-a-token").Stats(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestExecuteBatchContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	ctx := context.Background()

	results := c.Queue("sudo ls").Queue("echo after").ExecuteBatch(ctx, false)
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].Error)
	require.NotNil(t, results[1].Result)
	assert.Equal(t, "after\n", results[1].Result.Stdout())

	assert.Empty(t, c.ExecuteBatch(ctx, false), "queue is emptied")
}

func TestExecuteSequenceSubstitutesAndStops(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	ctx := context.Background()

	results := c.ExecuteSequence(ctx, []Step{
		{Name: "dir", Command: "echo /srv/app"},
		{Name: "list", Command: "echo listing $dir", DependsOn: "dir"},
		{Name: "missing", Command: "ls /definitely/not/here"},
		{Name: "never", Command: "echo unreachable"},
	}, false)

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Equal(t, "echo listing /srv/app", results[1].Command)
	assert.Equal(t, "listing /srv/app\n", results[1].Output)
	assert.False(t, results[2].Success)
	assert.NotEmpty(t, results[2].Error)
}

func TestExecuteSequenceStopsAtApproval(t *testing.T) {
	f := newFixture(t)
	c := f.client()

	results := c.ExecuteSequence(context.Background(), []Step{
		{Name: "kill", Command: "kill 999999"},
		{Name: "next", Command: "echo next"},
	}, false)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, ErrPendingApproval.Error())
}

func TestChatProposesAndChatExecuteRuns(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	ctx := context.Background()
	f.agent.reply = `{"choice":"terminalCommand","terminalCommand":"echo proposed","reasoning":"demo"}`

	chat, err := c.Chat(ctx, "what would you run?")
	require.NoError(t, err)
	assert.Equal(t, agent.ChoiceTerminalCommand, chat.Response.Choice)
	require.NotNil(t, chat.Proposal)
	assert.Equal(t, "echo proposed", chat.Proposal.Command)
	assert.False(t, chat.Proposal.RequiresApproval)
	hist, err := c.History(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, hist, "chat must not execute")

	run, err := c.ChatExecute(ctx, "run it", false)
	require.NoError(t, err)
	require.NotNil(t, run.ExecutionResult)
	assert.Equal(t, "proposed\n", run.ExecutionResult.Stdout)
}
