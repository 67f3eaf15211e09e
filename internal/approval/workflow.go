// Package approval implements the stateless two-phase approval protocol for
// commands proposed by the agent. Nothing is stored between the two phases:
// the client re-submits the same command with approval set.
package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/audit"
	"github.com/KafClaw/clawgate/internal/notify"
	"github.com/KafClaw/clawgate/internal/policy"
	"github.com/KafClaw/clawgate/internal/shell"
)

// Instructions tells the client how to complete the second phase.
const Instructions = "Please review the command and send this request again with approval: true"

// State of a submission.
type State string

const (
	StateDirect           State = "DIRECT"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
)

// Runner executes a command through the safety gate.
type Runner interface {
	Run(ctx context.Context, req shell.Request) (shell.Result, error)
}

// Submission is one attempt to run a command.
type Submission struct {
	SessionID string
	UserID    string
	Command   string
	Reasoning string
	AgentHint bool
	Approved  bool
	// Env is handed to the subprocess only. Secrets belong here, never in
	// Command.
	Env []string
}

// Pending is returned instead of a result when approval is required.
type Pending struct {
	Command      string `json:"command"`
	Reason       string `json:"reason"`
	Instructions string `json:"instructions"`
	Reasoning    string `json:"reasoning,omitempty"`
}

// Outcome carries exactly one of Result or PendingApproval.
type Outcome struct {
	State           State
	Decision        policy.Decision
	Result          *shell.Result
	PendingApproval *Pending
}

// Workflow routes submissions through policy and the gate.
type Workflow struct {
	gate     Runner
	policy   *policy.Engine
	audit    audit.Sink
	notifier notify.Notifier
	log      *zap.Logger
}

// NewWorkflow creates a workflow. sink, notifier and log may be nil.
func NewWorkflow(gate Runner, eng *policy.Engine, sink audit.Sink, notifier notify.Notifier, log *zap.Logger) *Workflow {
	if sink == nil {
		sink = audit.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	if eng == nil {
		eng = policy.NewEngine(nil)
	}
	return &Workflow{gate: gate, policy: eng, audit: sink, notifier: notifier, log: log}
}

// Assess reports what Submit would decide for command without running or
// recording anything.
func (w *Workflow) Assess(command string, agentHint bool) policy.Decision {
	return w.policy.Evaluate(command, agentHint)
}

// Submit evaluates sub and either runs it or returns a pending approval.
// A command outside the allow-list goes straight to the gate, which rejects
// it with shell.ErrCommandNotAllowed whatever the approval flag says.
func (w *Workflow) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	d := w.policy.Evaluate(sub.Command, sub.AgentHint)
	out := Outcome{State: StateDirect, Decision: d}

	req := shell.Request{
		SessionID: sub.SessionID,
		UserID:    sub.UserID,
		Command:   sub.Command,
		Approved:  sub.Approved,
		Env:       sub.Env,
	}

	if d.Allow && d.RequiresApproval {
		out.State = StateAwaitingApproval
		if !sub.Approved {
			reason := fmt.Sprintf("This command requires approval: %q", sub.Command)
			w.audit.Record(ctx, audit.Approval(sub.UserID, sub.SessionID, sub.Command, false, "pending", d.Reason))
			w.notifyPending(ctx, sub, d)
			out.PendingApproval = &Pending{
				Command:      sub.Command,
				Reason:       reason,
				Instructions: Instructions,
				Reasoning:    sub.Reasoning,
			}
			return out, nil
		}
		w.audit.Record(ctx, audit.Approval(sub.UserID, sub.SessionID, sub.Command, true, "approved", d.Reason))
		req.RequiresApproval = true
	}

	res, err := w.gate.Run(ctx, req)
	out.Result = &res
	if err != nil {
		return out, err
	}
	return out, nil
}

func (w *Workflow) notifyPending(ctx context.Context, sub Submission, d policy.Decision) {
	if w.notifier == nil {
		return
	}
	ev := notify.Event{
		Kind:  notify.KindPendingApproval,
		Title: "Command awaiting approval",
		Text:  sub.Command,
		Fields: map[string]string{
			"session": sub.SessionID,
			"user":    sub.UserID,
			"reason":  d.Reason,
		},
		Time: time.Now().UTC(),
	}
	if err := w.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		w.log.Warn("pending approval notification failed", zap.Error(err))
	}
}
