package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/access"
	"github.com/KafClaw/clawgate/internal/agent"
	"github.com/KafClaw/clawgate/internal/approval"
	"github.com/KafClaw/clawgate/internal/audit"
	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/gateway"
	"github.com/KafClaw/clawgate/internal/notify"
	"github.com/KafClaw/clawgate/internal/policy"
	"github.com/KafClaw/clawgate/internal/provider"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/shell"
	"github.com/KafClaw/clawgate/internal/sshsetup"
)

// app is the wired service graph behind the gateway.
type app struct {
	cfg *config.Config
	log *zap.Logger

	audit        *audit.Logger
	sessions     *session.Registry
	access       *access.Manager
	gate         *shell.Gate
	workflow     *approval.Workflow
	orchestrator *agent.Orchestrator
	ssh          *sshsetup.Service
}

// buildApp wires every service from cfg. Close releases what it opened.
func buildApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	if err := config.EnsureDir(cfg.WorkspaceDir()); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	notifier := buildNotifier(cfg.Notify, log)
	auditLog, err := openAudit(cfg, notifier, log)
	if err != nil {
		return nil, err
	}

	llm := buildProvider(cfg.Model)
	registry, err := openRegistry(cfg, llm, log)
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}

	gate := shell.NewGate(shell.Config{
		Allowed:     cfg.Exec.Allowed,
		Dangerous:   cfg.Exec.Dangerous,
		MinInterval: cfg.Exec.MinInterval(),
		Exec: shell.ExecOptions{
			WorkDir:        cfg.Resolve(cfg.Exec.WorkDir),
			Timeout:        cfg.Exec.Timeout(),
			MaxOutputBytes: cfg.Exec.MaxOutputBytes,
		},
		MaxConcurrent: cfg.Exec.MaxConcurrent,
		MaxHistory:    cfg.Exec.MaxHistory,
	}, auditLog, log.Named("shell"))

	engine := policy.NewEngine(gate.Classifier())
	engine.MaxAutoTier = cfg.Exec.MaxAutoTier
	workflow := approval.NewWorkflow(gate, engine, auditLog, notifier, log.Named("approval"))

	prompt := &agent.PromptBuilder{
		AllowedCommands: gate.Classifier().Allowed(),
		WorkDir:         cfg.Resolve(cfg.Exec.WorkDir),
	}
	invoker := &agent.ProviderInvoker{
		Provider:     llm,
		Model:        cfg.Model.Name,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		SystemPrompt: prompt.SystemPrompt,
	}
	orch := agent.New(registry, invoker, workflow, auditLog, log.Named("agent"))

	mgr := access.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL(), auditLog, log.Named("access"))
	if !cfg.Auth.Enabled {
		role, err := access.ParseRole(cfg.Auth.DefaultRole)
		if err == nil {
			err = mgr.AllowAnonymous(access.AnonymousUser, role)
		}
		if err != nil {
			_ = registry.Close()
			_ = auditLog.Close()
			return nil, fmt.Errorf("auth.defaultRole: %w", err)
		}
	}

	return &app{
		cfg:          cfg,
		log:          log,
		audit:        auditLog,
		sessions:     registry,
		access:       mgr,
		gate:         gate,
		workflow:     workflow,
		orchestrator: orch,
		ssh:          buildSSHSetup(cfg, workflow, gate, log),
	}, nil
}

// handler builds the HTTP surface over the wired services.
func (a *app) handler() *gateway.Server {
	return gateway.New(gateway.Deps{
		Access:       a.access,
		Orchestrator: a.orchestrator,
		Workflow:     a.workflow,
		Gate:         a.gate,
		Sessions:     a.sessions,
		Audit:        a.audit,
		SSH:          a.ssh,
		Version:      version,
		Log:          a.log.Named("gateway"),
	})
}

func (a *app) Close() error {
	return errors.Join(a.sessions.Close(), a.audit.Close())
}

// buildSSHSetup returns nil when no key path is configured, which leaves
// /terminal/setup-ssh unrouted.
func buildSSHSetup(cfg *config.Config, wf *approval.Workflow, gate *shell.Gate, log *zap.Logger) *sshsetup.Service {
	if strings.TrimSpace(cfg.Exec.SSHKeyPath) == "" {
		return nil
	}
	return sshsetup.New(wf, gate, cfg.Resolve(cfg.Exec.SSHKeyPath), log.Named("ssh"))
}

func buildNotifier(cfg config.NotifyConfig, log *zap.Logger) notify.Notifier {
	ns := notify.Multi{notify.LogNotifier{Logger: log.Named("notify")}}
	if strings.TrimSpace(cfg.SlackWebhookURL) != "" || strings.TrimSpace(cfg.SlackBotToken) != "" {
		ns = append(ns, &notify.SlackNotifier{
			WebhookURL: cfg.SlackWebhookURL,
			BotToken:   cfg.SlackBotToken,
			Channel:    cfg.SlackChannel,
			Logger:     log.Named("slack"),
		})
	}
	return ns
}

func openAudit(cfg *config.Config, notifier notify.Notifier, log *zap.Logger) (*audit.Logger, error) {
	opts := audit.Options{Logger: log.Named("audit"), Notifier: notifier}
	if brokers := strings.TrimSpace(cfg.Audit.KafkaBrokers); brokers != "" {
		opts.Mirror = audit.NewKafkaMirror(brokers, cfg.Audit.KafkaTopic, log.Named("audit.kafka"))
	}
	l, err := audit.New(cfg.Resolve(cfg.Audit.Path), opts)
	if err != nil {
		if opts.Mirror != nil {
			_ = opts.Mirror.Close()
		}
		return nil, err
	}
	return l, nil
}

func buildProvider(cfg config.ModelConfig) provider.LLMProvider {
	return provider.NewOpenAIProvider(
		cfg.APIKey,
		cfg.APIBase,
		cfg.Name,
		provider.Mode(cfg.Provider),
		time.Duration(cfg.TimeoutSeconds)*time.Second,
	)
}

func openStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Memory.Store {
	case "sqlite":
		return session.NewSQLiteStore(cfg.Resolve(cfg.Memory.SQLitePath))
	default:
		return session.NewFileStore(cfg.Resolve(cfg.Memory.SessionsDir))
	}
}

func memoryOptions(cfg config.MemoryConfig) session.Options {
	opts := session.Options{
		InteractionWindow: cfg.InteractionWindow,
		SummaryWindow:     cfg.SummaryWindow,
		Overflow:          session.OverflowPolicy(cfg.Overflow),
		MaxSummaryChars:   cfg.MaxSummaryChars,
	}
	if cfg.PersonalityEvolution {
		opts.EvolveEvery = cfg.EvolveEvery
	}
	return opts
}

// openRegistry opens the configured store. llm is only used when the
// summarizer is "llm"; it may be nil otherwise.
func openRegistry(cfg *config.Config, llm provider.LLMProvider, log *zap.Logger) (*session.Registry, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var (
		summarizer session.Summarizer = session.TruncatingSummarizer{}
		evolver    session.Evolver
	)
	if cfg.Memory.Summarizer == "llm" && llm != nil {
		summarizer = &session.LLMSummarizer{Provider: llm, Model: cfg.Model.Name}
		if cfg.Memory.PersonalityEvolution {
			evolver = &session.LLMEvolver{Provider: llm, Model: cfg.Model.Name}
		}
	} else if cfg.Memory.PersonalityEvolution {
		evolver = session.StaticEvolver{}
	}

	mem := session.NewMemory(summarizer, evolver, log.Named("memory"))
	return session.NewRegistry(store, mem, memoryOptions(cfg.Memory), log.Named("session")), nil
}
