package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 5000
	waitDelay             = 500 * time.Millisecond
)

// ExecOptions bounds one subprocess.
type ExecOptions struct {
	WorkDir        string
	Timeout        time.Duration
	MaxOutputBytes int
	// Env is appended to the gateway's own environment.
	Env []string
}

func (o ExecOptions) withDefaults() ExecOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return o
}

// Result is the outcome of one execution attempt. Timeouts and non-zero
// exits are reported here, not as Go errors.
type Result struct {
	Success         bool          `json:"success"`
	ExitCode        int           `json:"exitCode"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool          `json:"stderrTruncated,omitempty"`
	TimedOut        bool          `json:"timedOut,omitempty"`
	Error           string        `json:"error,omitempty"`
	Warning         string        `json:"warning,omitempty"`
	Duration        time.Duration `json:"-"`
	DurationMs      int64         `json:"durationMs"`
	Execution       *ExecutionRef `json:"execution,omitempty"`
	// Err carries ErrTimeout for callers that branch on it.
	Err error `json:"-"`
}

// ExecutionRef points at the history record for a result.
type ExecutionRef struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Execute runs command through sh -c. stdout and stderr are each capped at
// MaxOutputBytes; whatever was captured is kept on failure and timeout.
func Execute(ctx context.Context, command string, opts ExecOptions) Result {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	// children holding the pipes open must not stall Wait past the kill
	cmd.WaitDelay = waitDelay

	stdout := &cappedBuffer{max: opts.MaxOutputBytes}
	stderr := &cappedBuffer{max: opts.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        elapsed,
		DurationMs:      elapsed.Milliseconds(),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = ErrTimeout
		res.Error = fmt.Sprintf("command timed out after %v", opts.Timeout)
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Error = fmt.Sprintf("error executing command: %v", err)
		}
		return res
	}
	res.Success = true
	return res
}

// cappedBuffer keeps the first max bytes written and discards the rest
// while still accepting writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	max   int
	buf   []byte
	total int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.total += len(p)
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

// String returns the kept bytes. When the cap cut through a multibyte
// character the partial tail is dropped.
func (b *cappedBuffer) String() string {
	if !b.Truncated() {
		return string(b.buf)
	}
	return string(trimPartialRune(b.buf))
}

func trimPartialRune(p []byte) []byte {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if !utf8.FullRune(p[i:]) {
			return p[:i]
		}
		break
	}
	return p
}
func (b *cappedBuffer) Truncated() bool { return b.total > len(b.buf) }
