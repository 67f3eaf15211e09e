// Package sshsetup provisions key-based SSH access to a remote host. Every
// step (key generation, key installation, connection check) is an ordinary
// command submitted through the approval workflow, so the allow-list, rate
// limit, approval protocol and audit trail all apply.
package sshsetup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/approval"
	"github.com/KafClaw/clawgate/internal/shell"
)

var (
	ErrInvalidTarget = errors.New("invalid ssh target")
	ErrStepFailed    = errors.New("ssh setup step failed")
)

// DefaultSessionID is used for the rate limit and history when the caller
// names no session.
const DefaultSessionID = "ssh-setup"

// passwordVar carries the password to the askpass helper.
const passwordVar = "CLAWGATE_SSH_PASSWORD"

const askpassScript = "#!/bin/sh\nprintf '%s\\n' \"$" + passwordVar + "\"\n"

var (
	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]{0,252}$`)
	userPattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,31}$`)
)

// Submitter runs one command through policy and the gate.
type Submitter interface {
	Submit(ctx context.Context, sub approval.Submission) (approval.Outcome, error)
}

// Pacer reports how long a session must wait before its next command.
type Pacer interface {
	RateDelay(sessionID string) time.Duration
}

// Request describes the target and the caller.
type Request struct {
	SessionID string
	UserID    string
	Host      string
	User      string
	Port      int
	// Password is used once to install the key. It is passed through the
	// subprocess environment and never appears in a command line.
	Password string
	Approved bool
}

// Step is one planned command and, once run, its result.
type Step struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Skipped bool          `json:"skipped,omitempty"`
	Result  *shell.Result `json:"result,omitempty"`

	password bool
}

// Outcome reports the plan and how far it got. PendingApproval is set when
// a step needs approval; nothing after it has run.
type Outcome struct {
	Target          string            `json:"target"`
	Steps           []Step            `json:"steps"`
	PublicKey       string            `json:"publicKey,omitempty"`
	ConnectionTest  string            `json:"connectionTest,omitempty"`
	PendingApproval *approval.Pending `json:"-"`
}

// Service runs ssh setup plans.
type Service struct {
	submitter Submitter
	pacer     Pacer
	keyPath   string
	log       *zap.Logger
}

// New creates a service using the private key at keyPath, generating it on
// first use. pacer and log may be nil.
func New(sub Submitter, pacer Pacer, keyPath string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{submitter: sub, pacer: pacer, keyPath: keyPath, log: log}
}

// KeyPath is the private key the service installs.
func (s *Service) KeyPath() string { return s.keyPath }

func (r *Request) normalize() error {
	r.Host = strings.TrimSpace(r.Host)
	r.User = strings.TrimSpace(r.User)
	if r.SessionID == "" {
		r.SessionID = DefaultSessionID
	}
	if r.Port == 0 {
		r.Port = 22
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, r.Port)
	}
	if !userPattern.MatchString(r.User) {
		return fmt.Errorf("%w: user %q", ErrInvalidTarget, r.User)
	}
	if net.ParseIP(r.Host) == nil && !hostnamePattern.MatchString(r.Host) {
		return fmt.Errorf("%w: host %q", ErrInvalidTarget, r.Host)
	}
	return nil
}

func (r Request) target() string { return r.User + "@" + r.Host }

func (s *Service) plan(req Request) []Step {
	key := quote(s.keyPath)
	port := strconv.Itoa(req.Port)
	_, err := os.Stat(s.keyPath)
	return []Step{
		{
			Name:    "keygen",
			Command: "ssh-keygen -q -t ed25519 -N '' -C clawgate -f " + key,
			Skipped: err == nil,
		},
		{
			Name:     "copy-id",
			Command:  "ssh-copy-id -i " + quote(s.keyPath+".pub") + " -p " + port + " -o StrictHostKeyChecking=accept-new " + quote(req.target()),
			password: req.Password != "",
		},
		{
			Name:    "verify",
			Command: "ssh -i " + key + " -p " + port + " -o BatchMode=yes -o ConnectTimeout=5 -o StrictHostKeyChecking=accept-new " + quote(req.target()) + " whoami",
		},
	}
}

// Setup generates the key if missing, installs it on the target and checks
// that key authentication works. A step that needs approval stops the plan
// with PendingApproval set; re-sending the request with Approved runs it.
func (s *Service) Setup(ctx context.Context, req Request) (Outcome, error) {
	if err := req.normalize(); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Target: req.target(), Steps: s.plan(req)}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0o700); err != nil {
		return out, fmt.Errorf("key directory: %w", err)
	}

	for i := range out.Steps {
		st := &out.Steps[i]
		if st.Skipped {
			continue
		}
		if err := s.pace(ctx, req.SessionID); err != nil {
			return out, err
		}
		res, err := s.run(ctx, req, st)
		if res.PendingApproval != nil {
			out.PendingApproval = res.PendingApproval
			return out, nil
		}
		st.Result = res.Result
		if err != nil {
			return out, err
		}
		if res.Result == nil || !res.Result.Success {
			return out, fmt.Errorf("%w: %s: %s", ErrStepFailed, st.Name, failure(res.Result))
		}
		s.log.Info("ssh setup step done", zap.String("target", out.Target), zap.String("step", st.Name))
	}

	pub, err := os.ReadFile(s.keyPath + ".pub")
	if err != nil {
		return out, fmt.Errorf("read public key: %w", err)
	}
	out.PublicKey = strings.TrimSpace(string(pub))
	if r := out.Steps[len(out.Steps)-1].Result; r != nil {
		out.ConnectionTest = strings.TrimSpace(r.Stdout)
	}
	return out, nil
}

func (s *Service) run(ctx context.Context, req Request, st *Step) (approval.Outcome, error) {
	sub := approval.Submission{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Command:   st.Command,
		Reasoning: "ssh setup " + st.Name + " for " + req.target(),
		Approved:  req.Approved,
	}
	if st.password {
		helper, err := writeAskpass()
		if err != nil {
			return approval.Outcome{}, err
		}
		defer os.Remove(helper)
		sub.Env = []string{
			"SSH_ASKPASS=" + helper,
			"SSH_ASKPASS_REQUIRE=force",
			passwordVar + "=" + req.Password,
		}
	}
	return s.submitter.Submit(ctx, sub)
}

func (s *Service) pace(ctx context.Context, sessionID string) error {
	if s.pacer == nil {
		return nil
	}
	d := s.pacer.RateDelay(sessionID)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// writeAskpass creates a helper that prints the password from its
// environment. The password itself is never written to disk.
func writeAskpass() (string, error) {
	f, err := os.CreateTemp("", "clawgate-askpass-*")
	if err != nil {
		return "", fmt.Errorf("askpass helper: %w", err)
	}
	name := f.Name()
	_, werr := f.WriteString(askpassScript)
	cerr := f.Close()
	if err := errors.Join(werr, cerr, os.Chmod(name, 0o700)); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("askpass helper: %w", err)
	}
	return name, nil
}

func failure(r *shell.Result) string {
	if r == nil {
		return "no result"
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		return msg
	}
	return r.Error
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
