// Package config provides configuration types and loading for clawgate.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Gateway GatewayConfig `json:"gateway"`
	Memory  MemoryConfig  `json:"memory"`
	Exec    ExecConfig    `json:"exec"`
	Auth    AuthConfig    `json:"auth"`
	Audit   AuditConfig   `json:"audit"`
	Model   ModelConfig   `json:"model"`
	Notify  NotifyConfig  `json:"notify"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem locations. Relative paths elsewhere in the
// config resolve against Workspace.
type PathsConfig struct {
	Workspace string `json:"workspace" envconfig:"CLAWGATE_PATHS_WORKSPACE"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP surface
// ---------------------------------------------------------------------------

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host            string `json:"host" envconfig:"CLAWGATE_GATEWAY_HOST"`
	Port            int    `json:"port" envconfig:"CLAWGATE_GATEWAY_PORT"`
	ShutdownSeconds int    `json:"shutdownSeconds" envconfig:"CLAWGATE_GATEWAY_SHUTDOWN_SECONDS"`
}

// Addr is host:port.
func (g GatewayConfig) Addr() string { return fmt.Sprintf("%s:%d", g.Host, g.Port) }

// ---------------------------------------------------------------------------
// Memory – session store
// ---------------------------------------------------------------------------

// MemoryConfig configures the session memory store.
type MemoryConfig struct {
	// Store is "file" or "sqlite".
	Store                string `json:"store" envconfig:"CLAWGATE_MEMORY_STORE"`
	SessionsDir          string `json:"sessionsDir" envconfig:"CLAWGATE_MEMORY_SESSIONS_DIR"`
	SQLitePath           string `json:"sqlitePath" envconfig:"CLAWGATE_MEMORY_SQLITE_PATH"`
	InteractionWindow    int    `json:"interactionWindow" envconfig:"CLAWGATE_MEMORY_INTERACTION_WINDOW"`
	SummaryWindow        int    `json:"summaryWindow" envconfig:"CLAWGATE_MEMORY_SUMMARY_WINDOW"`
	Overflow             string `json:"overflow" envconfig:"CLAWGATE_MEMORY_OVERFLOW"`
	EvolveEvery          int    `json:"evolveEvery" envconfig:"CLAWGATE_MEMORY_EVOLVE_EVERY"`
	MaxSummaryChars      int    `json:"maxSummaryChars" envconfig:"CLAWGATE_MEMORY_MAX_SUMMARY_CHARS"`
	Summarizer           string `json:"summarizer" envconfig:"CLAWGATE_MEMORY_SUMMARIZER"`
	PersonalityEvolution bool   `json:"personalityEvolution" envconfig:"CLAWGATE_MEMORY_PERSONALITY_EVOLUTION"`
}

// ---------------------------------------------------------------------------
// Exec – command safety gate
// ---------------------------------------------------------------------------

// ExecConfig configures command execution. Empty lists select the built-in
// allow and danger sets.
type ExecConfig struct {
	WorkDir        string   `json:"workDir" envconfig:"CLAWGATE_EXEC_WORK_DIR"`
	TimeoutSeconds int      `json:"timeoutSeconds" envconfig:"CLAWGATE_EXEC_TIMEOUT_SECONDS"`
	MaxOutputBytes int      `json:"maxOutputBytes" envconfig:"CLAWGATE_EXEC_MAX_OUTPUT_BYTES"`
	MinIntervalMs  int      `json:"minIntervalMs" envconfig:"CLAWGATE_EXEC_MIN_INTERVAL_MS"`
	MaxConcurrent  int      `json:"maxConcurrent" envconfig:"CLAWGATE_EXEC_MAX_CONCURRENT"`
	MaxHistory     int      `json:"maxHistory" envconfig:"CLAWGATE_EXEC_MAX_HISTORY"`
	MaxAutoTier    int      `json:"maxAutoTier" envconfig:"CLAWGATE_EXEC_MAX_AUTO_TIER"`
	Allowed        []string `json:"allowed,omitempty" envconfig:"CLAWGATE_EXEC_ALLOWED"`
	Dangerous      []string `json:"dangerous,omitempty" envconfig:"CLAWGATE_EXEC_DANGEROUS"`
	// SSHKeyPath is the private key used by ssh setup. Relative paths are
	// resolved against the workspace.
	SSHKeyPath string `json:"sshKeyPath" envconfig:"CLAWGATE_EXEC_SSH_KEY_PATH"`
}

// Timeout is TimeoutSeconds as a duration.
func (e ExecConfig) Timeout() time.Duration { return time.Duration(e.TimeoutSeconds) * time.Second }

// MinInterval is MinIntervalMs as a duration.
func (e ExecConfig) MinInterval() time.Duration {
	return time.Duration(e.MinIntervalMs) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Auth – credentials
// ---------------------------------------------------------------------------

// AuthConfig configures credential issuance and verification. With Enabled
// false no credential is checked and every caller acts as DefaultRole.
type AuthConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"CLAWGATE_AUTH_ENABLED"`
	DefaultRole   string `json:"defaultRole" envconfig:"CLAWGATE_AUTH_DEFAULT_ROLE"`
	JWTSecret     string `json:"jwtSecret,omitempty" envconfig:"CLAWGATE_AUTH_JWT_SECRET"`
	TokenTTLHours int    `json:"tokenTtlHours" envconfig:"CLAWGATE_AUTH_TOKEN_TTL_HOURS"`
}

// TokenTTL is TokenTTLHours as a duration.
func (a AuthConfig) TokenTTL() time.Duration { return time.Duration(a.TokenTTLHours) * time.Hour }

// ---------------------------------------------------------------------------
// Audit – append-only log
// ---------------------------------------------------------------------------

// AuditConfig configures the audit log and its optional Kafka mirror.
type AuditConfig struct {
	Path         string `json:"path" envconfig:"CLAWGATE_AUDIT_PATH"`
	KafkaBrokers string `json:"kafkaBrokers,omitempty" envconfig:"CLAWGATE_AUDIT_KAFKA_BROKERS"`
	KafkaTopic   string `json:"kafkaTopic,omitempty" envconfig:"CLAWGATE_AUDIT_KAFKA_TOPIC"`
}

// ---------------------------------------------------------------------------
// Model – external agent
// ---------------------------------------------------------------------------

// ModelConfig configures the OpenAI-compatible agent backend.
type ModelConfig struct {
	// Provider is "openai" or "ollama".
	Provider       string  `json:"provider" envconfig:"CLAWGATE_MODEL_PROVIDER"`
	Name           string  `json:"name" envconfig:"CLAWGATE_MODEL_NAME"`
	APIKey         string  `json:"apiKey,omitempty" envconfig:"CLAWGATE_MODEL_API_KEY"`
	APIBase        string  `json:"apiBase,omitempty" envconfig:"CLAWGATE_MODEL_API_BASE"`
	MaxTokens      int     `json:"maxTokens" envconfig:"CLAWGATE_MODEL_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" envconfig:"CLAWGATE_MODEL_TEMPERATURE"`
	TimeoutSeconds int     `json:"timeoutSeconds" envconfig:"CLAWGATE_MODEL_TIMEOUT_SECONDS"`
}

// ---------------------------------------------------------------------------
// Notify – operational channel
// ---------------------------------------------------------------------------

// NotifyConfig configures where audit failures and pending approvals are
// reported besides the process log.
type NotifyConfig struct {
	SlackWebhookURL string `json:"slackWebhookUrl,omitempty" envconfig:"CLAWGATE_NOTIFY_SLACK_WEBHOOK_URL"`
	SlackBotToken   string `json:"slackBotToken,omitempty" envconfig:"CLAWGATE_NOTIFY_SLACK_BOT_TOKEN"`
	SlackChannel    string `json:"slackChannel,omitempty" envconfig:"CLAWGATE_NOTIFY_SLACK_CHANNEL"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{Workspace: "~/.clawgate"},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            3002,
			ShutdownSeconds: 10,
		},
		Memory: MemoryConfig{
			Store:                "file",
			SessionsDir:          "sessions",
			SQLitePath:           "sessions.db",
			InteractionWindow:    21,
			SummaryWindow:        3,
			Overflow:             "merge",
			EvolveEvery:          10,
			MaxSummaryChars:      4000,
			Summarizer:           "truncate",
			PersonalityEvolution: true,
		},
		Exec: ExecConfig{
			TimeoutSeconds: 30,
			MaxOutputBytes: 5000,
			MinIntervalMs:  1000,
			MaxConcurrent:  4,
			MaxHistory:     500,
			MaxAutoTier:    1,
			SSHKeyPath:     "~/.ssh/id_ed25519",
		},
		Auth: AuthConfig{
			Enabled:       true,
			DefaultRole:   "team",
			TokenTTLHours: 24,
		},
		Audit: AuditConfig{
			Path:       "auditlogs/auditlog.jsonl",
			KafkaTopic: "clawgate.audit",
		},
		Model: ModelConfig{
			Provider:       "openai",
			MaxTokens:      2048,
			Temperature:    1.0,
			TimeoutSeconds: 120,
		},
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Memory.InteractionWindow <= 0 {
		errs = append(errs, errors.New("memory.interactionWindow must be positive"))
	}
	if c.Memory.SummaryWindow <= 0 {
		errs = append(errs, errors.New("memory.summaryWindow must be positive"))
	}
	switch c.Memory.Overflow {
	case "merge", "drop":
	default:
		errs = append(errs, fmt.Errorf("memory.overflow %q must be merge or drop", c.Memory.Overflow))
	}
	switch c.Memory.Store {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("memory.store %q must be file or sqlite", c.Memory.Store))
	}
	switch c.Memory.Summarizer {
	case "truncate", "llm":
	default:
		errs = append(errs, fmt.Errorf("memory.summarizer %q must be truncate or llm", c.Memory.Summarizer))
	}
	if c.Exec.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("exec.timeoutSeconds must be positive"))
	}
	if c.Exec.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("exec.maxOutputBytes must be positive"))
	}
	if c.Exec.MinIntervalMs <= 0 {
		errs = append(errs, errors.New("exec.minIntervalMs must be positive"))
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required when auth is enabled (set CLAWGATE_AUTH_JWT_SECRET)"))
	}
	if !c.Auth.Enabled {
		switch c.Auth.DefaultRole {
		case "public", "team", "admin":
		default:
			errs = append(errs, fmt.Errorf("auth.defaultRole %q must be public, team or admin", c.Auth.DefaultRole))
		}
	}
	if c.Auth.TokenTTLHours <= 0 {
		errs = append(errs, errors.New("auth.tokenTtlHours must be positive"))
	}
	switch c.Model.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("model.provider %q must be openai or ollama", c.Model.Provider))
	}
	return errors.Join(errs...)
}

// WorkspaceDir returns the expanded absolute workspace directory.
func (c *Config) WorkspaceDir() string {
	return expandHome(c.Paths.Workspace)
}

// Resolve returns p expanded and, if relative, joined to the workspace.
func (c *Config) Resolve(p string) string {
	p = expandHome(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkspaceDir(), p)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := resolveHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
