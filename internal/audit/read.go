package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"time"
)

const defaultReadLimit = 100

// Filter selects entries on read. Zero fields match everything.
type Filter struct {
	Type      EventType
	UserID    string
	SessionID string
	Start     time.Time
	End       time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Read returns entries matching f, most recent first, at most limit of them.
func (l *Logger) Read(ctx context.Context, f Filter, limit int) []Entry {
	return ReadFile(ctx, l.path, f, limit)
}

// ReadFile reads the log at path. A missing or unreadable file yields an empty
// result and corrupt lines are skipped.
func ReadFile(ctx context.Context, path string, f Filter, limit int) []Entry {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	fh, err := os.Open(path)
	if err != nil {
		return []Entry{}
	}
	defer fh.Close()

	var matched []Entry
	sc := newScanner(fh)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Type == "" {
			continue
		}
		if f.matches(e) {
			matched = append(matched, e)
		}
	}

	out := make([]Entry, 0, min(limit, len(matched)))
	for i := len(matched) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, matched[i])
	}
	return out
}

// UserStats aggregates a user's activity since a point in time.
type UserStats struct {
	UserID             string `json:"userId"`
	TotalCommands      int    `json:"totalCommands"`
	SuccessfulCommands int    `json:"successfulCommands"`
	FailedCommands     int    `json:"failedCommands"`
	ChatMessages       int    `json:"chatMessages"`
	ApprovalRequests   int    `json:"approvalRequests"`
}

// Stats computes UserStats for userID over entries newer than since.
func (l *Logger) Stats(ctx context.Context, userID string, since time.Time) UserStats {
	return StatsFile(ctx, l.path, userID, since)
}

// StatsFile computes UserStats from the log at path.
func StatsFile(ctx context.Context, path, userID string, since time.Time) UserStats {
	st := UserStats{UserID: userID}
	fh, err := os.Open(path)
	if err != nil {
		return st
	}
	defer fh.Close()

	f := Filter{UserID: userID, Start: since}
	sc := newScanner(fh)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		var e Entry
		if err := json.Unmarshal(bytes.TrimSpace(sc.Bytes()), &e); err != nil || !f.matches(e) {
			continue
		}
		switch e.Type {
		case EventTerminalCommand:
			st.TotalCommands++
			if e.Success != nil && *e.Success {
				st.SuccessfulCommands++
			} else {
				st.FailedCommands++
			}
		case EventChatMessage:
			st.ChatMessages++
		case EventApproval:
			st.ApprovalRequests++
		}
	}
	return st
}
