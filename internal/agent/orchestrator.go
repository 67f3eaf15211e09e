// Package agent runs conversational turns: it feeds session memory to the
// external agent, classifies the reply and routes proposed commands through
// the approval workflow.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/approval"
	"github.com/KafClaw/clawgate/internal/audit"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/shell"
)

// Turn is one inbound chat message.
type Turn struct {
	SessionID string
	UserID    string
	Message   string
	Context   map[string]any
	Approved  bool
}

// ChatReply is the result of Chat.
type ChatReply struct {
	SessionID string             `json:"sessionId"`
	Response  StructuredResponse `json:"response"`
}

// ExecuteReply is the result of ChatExecute. At most one of ExecutionResult
// and PendingApproval is set.
type ExecuteReply struct {
	SessionID       string             `json:"sessionId"`
	Response        StructuredResponse `json:"response"`
	ExecutionResult *shell.Result      `json:"executionResult"`
	PendingApproval *approval.Pending  `json:"pendingApproval,omitempty"`
	Approved        bool               `json:"approved,omitempty"`
}

// Orchestrator ties memory, the agent and the approval workflow together.
type Orchestrator struct {
	sessions *session.Registry
	invoker  Invoker
	workflow *approval.Workflow
	audit    audit.Sink
	log      *zap.Logger
}

// New creates an orchestrator. workflow may be nil when only Chat is used.
func New(sessions *session.Registry, invoker Invoker, workflow *approval.Workflow, sink audit.Sink, log *zap.Logger) *Orchestrator {
	if sink == nil {
		sink = audit.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{sessions: sessions, invoker: invoker, workflow: workflow, audit: sink, log: log}
}

// Chat runs one conversational turn. The session is only persisted when the
// agent call succeeds.
func (o *Orchestrator) Chat(ctx context.Context, turn Turn) (ChatReply, error) {
	msg, err := FormatMessage(turn.Message, turn.Context)
	if err != nil {
		return ChatReply{}, err
	}
	var resp StructuredResponse
	err = o.sessions.Do(ctx, turn.SessionID, func(t *session.Turn) error {
		r, err := o.converse(ctx, t, msg)
		if err != nil {
			return err
		}
		resp = r
		return appendAssistant(ctx, t, r, "")
	})
	if err != nil {
		o.log.Warn("chat turn failed", zap.String("session", turn.SessionID), zap.Error(err))
		return ChatReply{}, err
	}
	o.audit.Record(ctx, audit.ChatMessage(turn.UserID, turn.SessionID, turn.Message, resp.Text()))
	return ChatReply{SessionID: turn.SessionID, Response: resp}, nil
}

// ChatExecute runs a turn and, if the agent proposes a terminal command,
// submits it for execution. Gate rejections are reported in the result and
// do not fail the turn.
func (o *Orchestrator) ChatExecute(ctx context.Context, turn Turn) (ExecuteReply, error) {
	if o.workflow == nil {
		return ExecuteReply{}, errors.New("command execution is not configured")
	}
	msg, err := FormatMessage(turn.Message, turn.Context)
	if err != nil {
		return ExecuteReply{}, err
	}
	reply := ExecuteReply{SessionID: turn.SessionID}
	err = o.sessions.Do(ctx, turn.SessionID, func(t *session.Turn) error {
		r, err := o.converse(ctx, t, msg)
		if err != nil {
			return err
		}
		reply.Response = r

		var outcome string
		switch r.Choice {
		case ChoiceResponse, ChoiceCode:
		case ChoiceTerminalCommand:
			out, err := o.workflow.Submit(ctx, approval.Submission{
				SessionID: turn.SessionID,
				UserID:    turn.UserID,
				Command:   r.TerminalCommand.Command,
				Reasoning: r.TerminalCommand.Reasoning,
				AgentHint: r.TerminalCommand.RequiresApproval,
				Approved:  turn.Approved,
			})
			if err != nil && !errors.Is(err, shell.ErrCommandNotAllowed) && !errors.Is(err, shell.ErrRateLimited) {
				return err
			}
			reply.ExecutionResult = out.Result
			reply.PendingApproval = out.PendingApproval
			reply.Approved = out.State == approval.StateAwaitingApproval && out.Result != nil
			outcome = describeOutcome(out)
		default:
			return fmt.Errorf("%w: unknown choice %q", ErrInvalidResponse, r.Choice)
		}
		return appendAssistant(ctx, t, r, outcome)
	})
	if err != nil {
		o.log.Warn("chat execute turn failed", zap.String("session", turn.SessionID), zap.Error(err))
		return ExecuteReply{}, err
	}
	o.audit.Record(ctx, audit.ChatMessage(turn.UserID, turn.SessionID, turn.Message, reply.Response.Text()))
	return reply, nil
}

// converse builds the context from memory as it stood before this message,
// records the user turn and calls the agent.
func (o *Orchestrator) converse(ctx context.Context, t *session.Turn, msg string) (StructuredResponse, error) {
	mc := t.Context()
	if err := t.Append(ctx, session.RoleUser, msg); err != nil {
		return StructuredResponse{}, err
	}
	r, err := o.invoker.Invoke(ctx, msg, mc, ResponseSchema)
	if err != nil {
		if !errors.Is(err, ErrUpstream) {
			err = fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return StructuredResponse{}, err
	}
	if err := r.Validate(); err != nil {
		return StructuredResponse{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return r, nil
}

func appendAssistant(ctx context.Context, t *session.Turn, r StructuredResponse, outcome string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	text := string(data)
	if outcome != "" {
		text += "\n" + outcome
	}
	return t.Append(ctx, session.RoleAssistant, text)
}

func describeOutcome(out approval.Outcome) string {
	switch {
	case out.PendingApproval != nil:
		return "[execution] awaiting approval"
	case out.Result == nil:
		return ""
	case out.Result.Success:
		return fmt.Sprintf("[execution] success (exit %d)", out.Result.ExitCode)
	case out.Result.TimedOut:
		return "[execution] timed out"
	default:
		return fmt.Sprintf("[execution] failed (exit %d): %s", out.Result.ExitCode, out.Result.Error)
	}
}
