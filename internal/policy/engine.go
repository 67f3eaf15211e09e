// Package policy decides whether an allow-listed command may run directly or
// must wait for explicit approval.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/KafClaw/clawgate/internal/shell"
)

// Risk tiers.
const (
	TierReadOnly = 0
	TierWrite    = 1
	TierHighRisk = 2
)

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow            bool
	RequiresApproval bool
	Reason           string
	Tier             int
}

// HighRiskPrefix matches commands that always need approval.
var HighRiskPrefix = regexp.MustCompile(`^(rm|kill|apt|systemctl|ufw|passwd|reboot|shutdown)`)

var sudoWord = regexp.MustCompile(`\bsudo\b`)

// DenyPatterns flag destructive shapes anywhere in the command line.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`, // rm with root or home
	`\brm\s+-rf\b`,
	`\brm\s+-r[fF]?\s+\*`,
	`\bgit\s+rm\b`,
	`\bfind\b.*\s-delete\b`,
	`\bdd\b.*\bof=/dev/`,
	`\bmkfs\b`,
	`>\s*/dev/(sd|nvme|hd)`,
	`\bchmod\s+-R\s+777\b`,
	`\bchown\s+-R\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`, // fork bomb
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

// ReadOnlyCommands are tier 0 when nothing else raises the tier.
var ReadOnlyCommands = []string{
	"ls", "pwd", "cd", "cat", "grep", "find", "du", "df", "echo",
	"ps", "head", "tail", "wc", "sort", "uniq", "date", "whoami",
}

// Engine evaluates candidate commands.
type Engine struct {
	// MaxAutoTier is the highest tier that runs without approval.
	MaxAutoTier int

	classifier *shell.Classifier
	deny       []*regexp.Regexp
	readOnly   map[string]bool
}

// NewEngine builds an engine over the gate's classifier.
func NewEngine(classifier *shell.Classifier) *Engine {
	if classifier == nil {
		classifier = shell.NewClassifier(nil, nil)
	}
	deny := make([]*regexp.Regexp, 0, len(DenyPatterns))
	for _, p := range DenyPatterns {
		deny = append(deny, regexp.MustCompile(p))
	}
	ro := make(map[string]bool, len(ReadOnlyCommands))
	for _, c := range ReadOnlyCommands {
		ro[c] = true
	}
	return &Engine{MaxAutoTier: TierWrite, classifier: classifier, deny: deny, readOnly: ro}
}

// Evaluate classifies command. hint is the agent's own approval request.
// The allow-list is checked before anything else.
func (e *Engine) Evaluate(command string, hint bool) Decision {
	command = strings.TrimSpace(command)
	class := e.classifier.Classify(command)
	if !class.Allowed {
		return Decision{Reason: "command_not_allowed", Tier: TierHighRisk}
	}

	d := Decision{Allow: true, Tier: e.tier(command, class)}
	switch {
	case class.Dangerous:
		d.Reason = "dangerous_command"
	case sudoWord.MatchString(command):
		d.Reason = "sudo"
	case HighRiskPrefix.MatchString(command):
		d.Reason = "high_risk_prefix"
	case e.denied(command):
		d.Reason = "deny_pattern"
	}
	if d.Reason != "" {
		d.Tier = TierHighRisk
		d.RequiresApproval = true
		return d
	}

	if tok, ok := e.foreignSegment(command); ok {
		d.Tier = TierHighRisk
		d.RequiresApproval = true
		d.Reason = fmt.Sprintf("compound_segment_not_allowed: %s", tok)
		return d
	}
	if hint {
		d.RequiresApproval = true
		d.Reason = "agent_requested_approval"
		return d
	}
	if d.Tier > e.MaxAutoTier {
		d.RequiresApproval = true
		d.Reason = fmt.Sprintf("tier_%d_requires_approval", d.Tier)
		return d
	}
	d.Reason = fmt.Sprintf("tier_%d_auto_approved", d.Tier)
	return d
}

func (e *Engine) tier(command string, class shell.Classification) int {
	if class.Dangerous {
		return TierHighRisk
	}
	tier := TierReadOnly
	for _, seg := range Segments(command) {
		tok := shell.LeadingToken(seg)
		if e.classifier.Classify(seg).Dangerous {
			return TierHighRisk
		}
		if !e.readOnly[tok] {
			tier = TierWrite
		}
	}
	if strings.Contains(command, ">") {
		tier = TierWrite
	}
	return tier
}

func (e *Engine) denied(command string) bool {
	for _, re := range e.deny {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// foreignSegment returns the first chained segment whose leading token is
// not allow-listed.
func (e *Engine) foreignSegment(command string) (string, bool) {
	for _, seg := range Segments(command)[1:] {
		tok := shell.LeadingToken(seg)
		if tok != "" && !e.classifier.IsAllowed(tok) {
			return tok, true
		}
	}
	return "", false
}

var separators = regexp.MustCompile("&&|\\|\\||;|\\||`|\\$\\(|\\)|\n")

// Segments splits a command line at shell chaining and substitution
// operators. The first segment is always the command itself.
func Segments(command string) []string {
	parts := separators.Split(command, -1)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" && i > 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}
