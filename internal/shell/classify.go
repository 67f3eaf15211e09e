// Package shell is the command safety gate: it classifies candidate shell
// commands, enforces a per-session execution interval, runs allowed commands
// with bounded time and output, and keeps a per-session execution history.
package shell

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("command timed out")
)

// AllowedCommands is the default-deny vocabulary: a command runs only if its
// leading token is listed here.
var AllowedCommands = []string{
	"ls", "pwd", "cd", "cat", "grep", "find", "du", "df",
	"echo", "mkdir", "touch", "rm", "cp", "mv", "chmod",
	"git", "npm", "node", "ps", "kill", "curl",
	"tar", "zip", "unzip", "gzip", "gunzip", "head", "tail",
	"wc", "sort", "uniq", "awk", "sed", "date", "whoami",
	"ssh", "scp", "ssh-keygen", "ssh-copy-id",
}

// DangerousCommands need explicit approval. Membership here does not make a
// command allowed.
var DangerousCommands = []string{
	"rm", "rmdir", "kill", "killall", "pkill", "chmod", "chown", "sudo",
	"ssh", "scp", "ssh-keygen", "ssh-copy-id",
}

// Classification is the gate's verdict on a command.
type Classification struct {
	Allowed   bool `json:"allowed"`
	Dangerous bool `json:"dangerous"`
}

// Classifier holds the allow and danger sets.
type Classifier struct {
	allowed   map[string]struct{}
	dangerous map[string]struct{}
}

// NewClassifier builds a classifier. Nil slices select the defaults.
func NewClassifier(allowed, dangerous []string) *Classifier {
	if allowed == nil {
		allowed = AllowedCommands
	}
	if dangerous == nil {
		dangerous = DangerousCommands
	}
	return &Classifier{allowed: toSet(allowed), dangerous: toSet(dangerous)}
}

// Classify looks only at the leading whitespace-separated token.
func (c *Classifier) Classify(command string) Classification {
	tok := LeadingToken(command)
	if tok == "" {
		return Classification{}
	}
	_, allowed := c.allowed[tok]
	_, dangerous := c.dangerous[tok]
	return Classification{Allowed: allowed, Dangerous: dangerous}
}

// IsAllowed reports allow-list membership of a bare command name.
func (c *Classifier) IsAllowed(name string) bool {
	_, ok := c.allowed[name]
	return ok
}

// Allowed returns the sorted allow-list.
func (c *Classifier) Allowed() []string {
	out := make([]string, 0, len(c.allowed))
	for k := range c.allowed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LeadingToken returns the first whitespace-separated token of command.
func LeadingToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out[it] = struct{}{}
		}
	}
	return out
}
