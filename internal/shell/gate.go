package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/audit"
)

// Status of a history record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

const dangerousWarning = "This is a dangerous command that modifies the filesystem"

// Record is one entry in a session's execution history.
type Record struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId"`
	Command    string    `json:"command"`
	Status     Status    `json:"status"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exitCode"`
	Warning    string    `json:"warning,omitempty"`
	Error      string    `json:"error,omitempty"`
	TimedOut   bool      `json:"timedOut,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// Stats summarizes a session's history.
type Stats struct {
	Total      int `json:"totalCommands"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Dangerous  int `json:"dangerous"`
}

// Request is one execution attempt.
type Request struct {
	SessionID        string
	UserID           string
	Command          string
	RequiresApproval bool
	Approved         bool
	// Env is passed to the subprocess and never recorded.
	Env []string
}

// Config tunes a Gate.
type Config struct {
	Allowed       []string
	Dangerous     []string
	MinInterval   time.Duration
	Exec          ExecOptions
	MaxConcurrent int
	MaxHistory    int
	Now           func() time.Time
}

// Gate runs commands through classification, rate limiting and execution,
// recording every attempt in history and the audit log.
type Gate struct {
	classifier *Classifier
	limiter    *RateLimiter
	sem        *Semaphore
	exec       ExecOptions
	maxHistory int
	audit      audit.Sink
	log        *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu      sync.Mutex
	seq     int64
	history []*Record
}

// NewGate builds a gate.
func NewGate(cfg Config, sink audit.Sink, log *zap.Logger) *Gate {
	if sink == nil {
		sink = audit.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}
	return &Gate{
		classifier: NewClassifier(cfg.Allowed, cfg.Dangerous),
		limiter:    NewRateLimiter(cfg.MinInterval, cfg.Now),
		sem:        NewSemaphore(cfg.MaxConcurrent),
		exec:       cfg.Exec.withDefaults(),
		maxHistory: cfg.MaxHistory,
		audit:      sink,
		log:        log,
		now:        cfg.Now,
		sessions:   make(map[string]*sessionState),
	}
}

// Classifier exposes the gate's allow and danger sets.
func (g *Gate) Classifier() *Classifier { return g.classifier }

// Classify is shorthand for g.Classifier().Classify.
func (g *Gate) Classify(command string) Classification {
	return g.classifier.Classify(command)
}

// CheckRate reports whether sessionID may execute now, consuming the slot
// if so.
func (g *Gate) CheckRate(sessionID string) bool {
	return g.limiter.Allow(sessionID)
}

// RateDelay is how long sessionID must wait before its next command is
// accepted.
func (g *Gate) RateDelay(sessionID string) time.Duration {
	return g.limiter.Delay(sessionID)
}

// Run executes req.Command if it is allow-listed and the session is not rate
// limited. The subprocess is detached from ctx cancellation: it runs to
// completion or timeout and its result is always recorded.
func (g *Gate) Run(ctx context.Context, req Request) (Result, error) {
	command := strings.TrimSpace(req.Command)
	st := g.session(req.SessionID)
	class := g.classifier.Classify(command)

	st.mu.Lock()
	if !class.Allowed {
		res := Result{ExitCode: 1, Error: fmt.Sprintf("command not allowed. Allowed commands: %s", strings.Join(g.classifier.Allowed(), ", "))}
		rec := g.appendLocked(st, req.SessionID, command, false)
		g.finishLocked(st, rec, &res)
		st.mu.Unlock()
		g.record(ctx, req, class, res)
		return res, fmt.Errorf("%w: %q", ErrCommandNotAllowed, LeadingToken(command))
	}
	if !g.limiter.Allow(req.SessionID) {
		res := Result{ExitCode: 1, Error: "rate limit exceeded. Wait at least 1 second between commands."}
		rec := g.appendLocked(st, req.SessionID, command, false)
		g.finishLocked(st, rec, &res)
		st.mu.Unlock()
		g.record(ctx, req, class, res)
		return res, ErrRateLimited
	}
	rec := g.appendLocked(st, req.SessionID, command, class.Dangerous)
	st.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	if err := g.sem.Acquire(detached); err != nil {
		return Result{}, err
	}
	g.log.Info("executing command", zap.String("session", req.SessionID), zap.String("command", truncate(command, 200)))
	opts := g.exec
	opts.Env = req.Env
	res := Execute(detached, command, opts)
	g.sem.Release()

	st.mu.Lock()
	g.finishLocked(st, rec, &res)
	st.mu.Unlock()

	g.record(detached, req, class, res)
	return res, nil
}

// History returns up to limit of the most recent records, oldest first.
func (g *Gate) History(sessionID string, limit int) []Record {
	st := g.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	start := 0
	if limit > 0 && len(st.history) > limit {
		start = len(st.history) - limit
	}
	out := make([]Record, 0, len(st.history)-start)
	for _, r := range st.history[start:] {
		out = append(out, *r)
	}
	return out
}

// Stats counts the session's records by outcome.
func (g *Gate) Stats(sessionID string) Stats {
	st := g.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	var s Stats
	for _, r := range st.history {
		s.Total++
		switch r.Status {
		case StatusSuccess:
			s.Successful++
		case StatusFailed:
			s.Failed++
		}
		if r.Warning != "" {
			s.Dangerous++
		}
	}
	return s
}

// ClearHistory drops the session's records and rate-limit state.
func (g *Gate) ClearHistory(sessionID string) {
	st := g.session(sessionID)
	st.mu.Lock()
	st.history = nil
	st.mu.Unlock()
	g.limiter.Forget(sessionID)
}

func (g *Gate) session(id string) *sessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.sessions[id]
	if !ok {
		st = &sessionState{}
		g.sessions[id] = st
	}
	return st
}

func (g *Gate) appendLocked(st *sessionState, sessionID, command string, dangerous bool) *Record {
	st.seq++
	rec := &Record{
		ID:        st.seq,
		Timestamp: g.now().UTC(),
		SessionID: sessionID,
		Command:   command,
		Status:    StatusPending,
	}
	if dangerous {
		rec.Warning = dangerousWarning
	}
	st.history = append(st.history, rec)
	if over := len(st.history) - g.maxHistory; over > 0 {
		st.history = append([]*Record(nil), st.history[over:]...)
	}
	return rec
}

func (g *Gate) finishLocked(_ *sessionState, rec *Record, res *Result) {
	rec.Stdout = res.Stdout
	rec.Stderr = res.Stderr
	rec.ExitCode = res.ExitCode
	rec.Error = res.Error
	rec.TimedOut = res.TimedOut
	rec.DurationMs = res.DurationMs
	if res.Success {
		rec.Status = StatusSuccess
	} else {
		rec.Status = StatusFailed
	}
	res.Warning = rec.Warning
	res.Execution = &ExecutionRef{ID: rec.ID, Timestamp: rec.Timestamp}
}

func (g *Gate) record(ctx context.Context, req Request, class Classification, res Result) {
	g.audit.Record(ctx, audit.TerminalCommand(audit.CommandEvent{
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		Command:          req.Command,
		Success:          res.Success,
		ExitCode:         res.ExitCode,
		StdoutLength:     len(res.Stdout),
		StderrLength:     len(res.Stderr),
		RequiresApproval: req.RequiresApproval || class.Dangerous,
		Approved:         req.Approved,
		HasWarning:       res.Warning != "",
		TimedOut:         res.TimedOut,
		ExecutionTime:    res.Duration,
	}))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
