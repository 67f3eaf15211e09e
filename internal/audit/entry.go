// Package audit implements the append-only JSONL audit log. Every terminal
// execution, chat turn, authorization decision and approval decision lands
// here as one hash-chained line.
package audit

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// EventType tags an audit entry.
type EventType string

const (
	EventTerminalCommand EventType = "terminal_command"
	EventChatMessage     EventType = "chat_message"
	EventAuth            EventType = "auth"
	EventApproval        EventType = "approval"
)

const (
	maxCommandLength = 500
	previewLength    = 100
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`

	// terminal_command / approval
	Command          string `json:"command,omitempty"`
	Success          *bool  `json:"success,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	StdoutLength     int    `json:"stdoutLength,omitempty"`
	StderrLength     int    `json:"stderrLength,omitempty"`
	RequiresApproval bool   `json:"requiresApproval,omitempty"`
	Approved         *bool  `json:"approved,omitempty"`
	HasWarning       bool   `json:"hasWarning,omitempty"`
	TimedOut         bool   `json:"timedOut,omitempty"`
	ExecutionTimeMs  int64  `json:"executionTime,omitempty"`

	// chat_message
	MessageLength   int    `json:"messageLength,omitempty"`
	ResponseLength  int    `json:"responseLength,omitempty"`
	MessagePreview  string `json:"messagePreview,omitempty"`
	ResponsePreview string `json:"responsePreview,omitempty"`

	// auth / approval
	Action string `json:"action,omitempty"`
	Role   string `json:"role,omitempty"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	PrevHash string `json:"prevHash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// Sink receives audit entries. Record never fails from the caller's point of
// view: write errors are routed to the operational channel.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) {}

// CommandEvent describes one terminal execution attempt.
type CommandEvent struct {
	UserID           string
	SessionID        string
	Command          string
	Success          bool
	ExitCode         int
	StdoutLength     int
	StderrLength     int
	RequiresApproval bool
	Approved         bool
	HasWarning       bool
	TimedOut         bool
	ExecutionTime    time.Duration
}

// TerminalCommand builds a terminal_command entry. Output is recorded by
// length only.
func TerminalCommand(ev CommandEvent) Entry {
	return Entry{
		Type:             EventTerminalCommand,
		UserID:           ev.UserID,
		SessionID:        ev.SessionID,
		Command:          truncate(ev.Command, maxCommandLength),
		Success:          boolPtr(ev.Success),
		ExitCode:         intPtr(ev.ExitCode),
		StdoutLength:     ev.StdoutLength,
		StderrLength:     ev.StderrLength,
		RequiresApproval: ev.RequiresApproval,
		Approved:         boolPtr(ev.Approved),
		HasWarning:       ev.HasWarning,
		TimedOut:         ev.TimedOut,
		ExecutionTimeMs:  ev.ExecutionTime.Milliseconds(),
	}
}

// ChatMessage builds a chat_message entry.
func ChatMessage(userID, sessionID, message, response string) Entry {
	return Entry{
		Type:            EventChatMessage,
		UserID:          userID,
		SessionID:       sessionID,
		MessageLength:   len(message),
		ResponseLength:  len(response),
		MessagePreview:  truncate(message, previewLength),
		ResponsePreview: truncate(response, previewLength),
	}
}

// Auth builds an auth entry for an authorization or issuance decision.
func Auth(userID, role, action string, success bool, reason string) Entry {
	return Entry{
		Type:    EventAuth,
		UserID:  userID,
		Role:    role,
		Action:  action,
		Success: boolPtr(success),
		Reason:  reason,
	}
}

// Approval builds an approval entry. Status is "pending" when execution was
// deferred and "approved" when the caller confirmed.
func Approval(userID, sessionID, command string, approved bool, status, reason string) Entry {
	return Entry{
		Type:             EventApproval,
		UserID:           userID,
		SessionID:        sessionID,
		Command:          truncate(command, maxCommandLength),
		RequiresApproval: true,
		Approved:         boolPtr(approved),
		Status:           status,
		Reason:           reason,
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// normalize replaces invalid UTF-8 in every free-text field. JSON encoding
// would otherwise rewrite those bytes and the stored hash could not be
// recomputed from the stored line.
func (e *Entry) normalize() {
	for _, f := range []*string{
		&e.UserID, &e.SessionID, &e.Command, &e.MessagePreview,
		&e.ResponsePreview, &e.Action, &e.Role, &e.Status, &e.Reason,
	} {
		*f = strings.ToValidUTF8(*f, "\uFFFD")
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
