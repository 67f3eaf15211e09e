package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/notify"
)

// Mirror receives a copy of every line successfully appended to the log.
type Mirror interface {
	Publish(ctx context.Context, e Entry, line []byte) error
	Close() error
}

// Options configures a Logger.
type Options struct {
	Logger   *zap.Logger
	Notifier notify.Notifier
	Mirror   Mirror
	Now      func() time.Time
}

// Logger appends hash-chained entries to a JSONL file.
type Logger struct {
	mu       sync.Mutex
	path     string
	lastHash string
	// set when the file does not end in a newline (crash mid-write)
	needsNewline bool

	log      *zap.Logger
	notifier notify.Notifier
	mirror   Mirror
	now      func() time.Time
}

// New opens (or creates) the audit log at path and recovers the tail of the
// hash chain.
func New(path string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	l := &Logger{
		path:     path,
		log:      opts.Logger,
		notifier: opts.Notifier,
		mirror:   opts.Mirror,
		now:      opts.Now,
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	last, partial, err := readTail(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read tail: %w", err)
	}
	l.lastHash = last
	l.needsNewline = partial
	return l, nil
}

// Path returns the file backing the log.
func (l *Logger) Path() string { return l.path }

// Record appends e and reports failures to the operational channel. It never
// returns an error so the audited action always proceeds.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if err := l.Append(ctx, e); err != nil {
		l.log.Error("audit write failed",
			zap.String("type", string(e.Type)),
			zap.String("session", e.SessionID),
			zap.Error(err),
		)
		if l.notifier != nil {
			_ = l.notifier.Notify(context.WithoutCancel(ctx), notify.Event{
				Kind:  notify.KindAuditFailure,
				Title: "audit log write failed",
				Text:  err.Error(),
				Fields: map[string]string{
					"type":    string(e.Type),
					"session": e.SessionID,
					"user":    e.UserID,
				},
				Time: l.now(),
			})
		}
	}
}

// Append writes e as one line, filling in id, timestamp and chain hashes.
func (l *Logger) Append(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	e.normalize()
	e.PrevHash = l.lastHash
	e.Hash = computeHash(e)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	buf := make([]byte, 0, len(line)+2)
	if l.needsNewline {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	l.lastHash = e.Hash
	l.needsNewline = false

	if l.mirror != nil {
		if err := l.mirror.Publish(ctx, e, line); err != nil {
			l.log.Warn("audit mirror publish failed", zap.String("id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// Close releases the mirror, if any.
func (l *Logger) Close() error {
	if l.mirror != nil {
		return l.mirror.Close()
	}
	return nil
}

func computeHash(e Entry) string {
	e.Hash = ""
	data, _ := json.Marshal(e)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readTail returns the hash of the last parseable line and whether the file
// ends without a trailing newline.
func readTail(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	var last string
	sc := newScanner(f)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		last = e.Hash
	}
	if err := sc.Err(); err != nil {
		return "", false, err
	}

	partial := false
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		b := make([]byte, 1)
		if _, err := f.ReadAt(b, st.Size()-1); err == nil && b[0] != '\n' {
			partial = true
		}
	}
	return last, partial, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return sc
}

// ChainError reports the first line at which the hash chain breaks.
type ChainError struct {
	Line   int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at line %d: %s", e.Line, e.Reason)
}

// VerifyReport summarizes a chain walk.
type VerifyReport struct {
	Verified int
	Skipped  int
}

// Verify walks the log and checks every hash and back-link. Unparseable lines
// (a crash mid-write) are skipped, matching what Append does when it recovers
// the chain tail.
func Verify(path string) (VerifyReport, error) {
	var rep VerifyReport
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rep, nil
		}
		return rep, err
	}
	defer f.Close()

	var (
		prev string
		n    int
	)
	sc := newScanner(f)
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			rep.Skipped++
			continue
		}
		if e.PrevHash != prev {
			return rep, &ChainError{Line: n, Reason: "prevHash mismatch"}
		}
		if computeHash(e) != e.Hash {
			return rep, &ChainError{Line: n, Reason: "hash mismatch"}
		}
		prev = e.Hash
		rep.Verified++
	}
	return rep, sc.Err()
}
