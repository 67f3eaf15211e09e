package approval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/clawgate/internal/audit"
	"github.com/KafClaw/clawgate/internal/notify"
	"github.com/KafClaw/clawgate/internal/policy"
	"github.com/KafClaw/clawgate/internal/shell"
)

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memSink) Record(_ context.Context, e audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memSink) ofType(t audit.EventType) []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func newWorkflow(t *testing.T) (*Workflow, *shell.Gate, *memSink, *recordingNotifier) {
	t.Helper()
	sink := &memSink{}
	n := &recordingNotifier{}
	gate := shell.NewGate(shell.Config{Exec: shell.ExecOptions{WorkDir: t.TempDir(), Timeout: 5 * time.Second}}, sink, nil)
	wf := NewWorkflow(gate, policy.NewEngine(gate.Classifier()), sink, n, nil)
	return wf, gate, sink, n
}

func TestDangerousWithoutApprovalIsPending(t *testing.T) {
	wf, gate, sink, n := newWorkflow(t)
	target := filepath.Join(t.TempDir(), "x")

	out, err := wf.Submit(context.Background(), Submission{
		SessionID: "s1", UserID: "u1", Command: "rm -rf " + target, Reasoning: "cleanup",
	})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, out.State)
	assert.Nil(t, out.Result)
	require.NotNil(t, out.PendingApproval)
	assert.Equal(t, `This command requires approval: "rm -rf `+target+`"`, out.PendingApproval.Reason)
	assert.Equal(t, Instructions, out.PendingApproval.Instructions)
	assert.Equal(t, "cleanup", out.PendingApproval.Reasoning)

	assert.Empty(t, gate.History("s1", 0), "pending approval must not create a record")
	assert.Empty(t, sink.ofType(audit.EventTerminalCommand))
	approvals := sink.ofType(audit.EventApproval)
	require.Len(t, approvals, 1)
	require.NotNil(t, approvals[0].Approved)
	assert.False(t, *approvals[0].Approved)
	assert.Equal(t, "pending", approvals[0].Status)

	require.Len(t, n.events, 1)
	assert.Equal(t, notify.KindPendingApproval, n.events[0].Kind)
}

func TestDangerousWithApprovalRunsOnce(t *testing.T) {
	wf, gate, sink, _ := newWorkflow(t)
	target := filepath.Join(t.TempDir(), "x")

	out, err := wf.Submit(context.Background(), Submission{
		SessionID: "s1", UserID: "u1", Command: "rm -rf " + target, Approved: true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Nil(t, out.PendingApproval)
	assert.True(t, out.Result.Success)

	assert.Len(t, gate.History("s1", 0), 1)

	sink.mu.Lock()
	types := make([]audit.EventType, 0, len(sink.entries))
	for _, e := range sink.entries {
		types = append(types, e.Type)
	}
	sink.mu.Unlock()
	assert.Equal(t, []audit.EventType{audit.EventApproval, audit.EventTerminalCommand}, types,
		"approval must be audited before execution")
}

func TestDisallowedRejectedEvenWhenApproved(t *testing.T) {
	wf, gate, sink, n := newWorkflow(t)

	out, err := wf.Submit(context.Background(), Submission{
		SessionID: "s1", Command: "sudo reboot", Approved: true, AgentHint: true,
	})
	require.ErrorIs(t, err, shell.ErrCommandNotAllowed)
	assert.Nil(t, out.PendingApproval)
	assert.Empty(t, sink.ofType(audit.EventApproval))
	assert.Empty(t, n.events)
	hist := gate.History("s1", 0)
	require.Len(t, hist, 1)
	assert.Equal(t, shell.StatusFailed, hist[0].Status)
}

func TestSafeCommandRunsDirectly(t *testing.T) {
	wf, _, sink, _ := newWorkflow(t)

	out, err := wf.Submit(context.Background(), Submission{SessionID: "s1", Command: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, StateDirect, out.State)
	require.NotNil(t, out.Result)
	assert.Equal(t, "hi\n", out.Result.Stdout)
	assert.Empty(t, sink.ofType(audit.EventApproval))
}

func TestAgentHintForcesApproval(t *testing.T) {
	wf, _, _, _ := newWorkflow(t)

	out, err := wf.Submit(context.Background(), Submission{SessionID: "s1", Command: "git status", AgentHint: true})
	require.NoError(t, err)
	require.NotNil(t, out.PendingApproval)
	assert.Equal(t, "agent_requested_approval", out.Decision.Reason)
}

func TestRateLimitSurfacesWithResult(t *testing.T) {
	wf, _, _, _ := newWorkflow(t)
	ctx := context.Background()

	_, err := wf.Submit(ctx, Submission{SessionID: "s1", Command: "echo 1"})
	require.NoError(t, err)
	out, err := wf.Submit(ctx, Submission{SessionID: "s1", Command: "echo 2"})
	require.ErrorIs(t, err, shell.ErrRateLimited)
	require.NotNil(t, out.Result)
	assert.False(t, out.Result.Success)
}

func TestAssessHasNoSideEffects(t *testing.T) {
	wf, gate, sink, n := newWorkflow(t)

	d := wf.Assess("kill 1", false)
	assert.True(t, d.Allow)
	assert.True(t, d.RequiresApproval)

	d = wf.Assess("echo hi", false)
	assert.True(t, d.Allow)
	assert.False(t, d.RequiresApproval)

	assert.False(t, wf.Assess("sudo ls", false).Allow)

	assert.Empty(t, gate.History("", 0))
	assert.Empty(t, sink.ofType(audit.EventApproval))
	assert.Empty(t, n.events)
}
