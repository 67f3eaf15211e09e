package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OverflowPolicy decides what happens when summaries exceed SummaryWindow.
type OverflowPolicy string

const (
	// OverflowMerge folds the two oldest summaries into one covering both
	// ranges. No history is lost.
	OverflowMerge OverflowPolicy = "merge"
	// OverflowDrop discards the oldest summary.
	OverflowDrop OverflowPolicy = "drop"
)

const (
	DefaultInteractionWindow = 21
	DefaultSummaryWindow     = 3
	DefaultEvolveEvery       = 10
	defaultMaxSummaryChars   = 4000
)

// Options bounds the memory of one session.
type Options struct {
	InteractionWindow int
	SummaryWindow     int
	Overflow          OverflowPolicy
	// EvolveEvery triggers personality evolution every N interactions; 0
	// disables it.
	EvolveEvery     int
	MaxSummaryChars int
}

// DefaultOptions returns the stock window sizes.
func DefaultOptions() Options {
	return Options{
		InteractionWindow: DefaultInteractionWindow,
		SummaryWindow:     DefaultSummaryWindow,
		Overflow:          OverflowMerge,
		EvolveEvery:       DefaultEvolveEvery,
		MaxSummaryChars:   defaultMaxSummaryChars,
	}
}

func (o Options) withDefaults() Options {
	if o.InteractionWindow <= 0 {
		o.InteractionWindow = DefaultInteractionWindow
	}
	if o.SummaryWindow <= 0 {
		o.SummaryWindow = DefaultSummaryWindow
	}
	if o.Overflow == "" {
		o.Overflow = OverflowMerge
	}
	if o.MaxSummaryChars <= 0 {
		o.MaxSummaryChars = defaultMaxSummaryChars
	}
	return o
}

// Context is what the agent sees of a session.
type Context struct {
	Interactions []Interaction `json:"interactions"`
	Summaries    []Summary     `json:"summaries"`
	Personality  *Personality  `json:"personality,omitempty"`
}

// Memory applies the append/evict/summarize cycle to sessions.
type Memory struct {
	summarizer Summarizer
	evolver    Evolver
	log        *zap.Logger
	now        func() time.Time
}

// NewMemory wires the summarization and evolution collaborators. A nil
// summarizer falls back to TruncatingSummarizer; a nil evolver disables
// evolution.
func NewMemory(summarizer Summarizer, evolver Evolver, log *zap.Logger) *Memory {
	if summarizer == nil {
		summarizer = TruncatingSummarizer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{summarizer: summarizer, evolver: evolver, log: log, now: time.Now}
}

// Append records one interaction. When the live window overflows, the excess
// oldest interactions are summarized as a single batch (one Summarize call)
// and the summary list is capped according to opts.Overflow.
func (m *Memory) Append(ctx context.Context, s *Session, role Role, text string, opts Options) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("invalid role %q", role)
	}
	opts = opts.withDefaults()
	now := m.now().UTC()

	if s.NextID < 1 {
		s.NextID = 1
	}
	s.Interactions = append(s.Interactions, Interaction{
		ID:        s.NextID,
		Role:      role,
		Text:      text,
		Timestamp: now,
	})
	s.NextID++
	s.UpdatedAt = now

	if excess := len(s.Interactions) - opts.InteractionWindow; excess > 0 {
		batch := append([]Interaction(nil), s.Interactions[:excess]...)
		s.Interactions = append([]Interaction(nil), s.Interactions[excess:]...)
		s.Summaries = append(s.Summaries, m.summarize(ctx, s.Key, batch, now))
		m.capSummaries(s, opts)
	}

	m.maybeEvolve(ctx, s, opts, now)
	return nil
}

func (m *Memory) summarize(ctx context.Context, key string, batch []Interaction, now time.Time) Summary {
	text, err := m.summarizer.Summarize(ctx, batch)
	if err != nil {
		m.log.Warn("summarizer failed, using truncation",
			zap.String("session", key),
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)
		text, _ = TruncatingSummarizer{}.Summarize(ctx, batch)
	}
	return Summary{
		Range:     Range{StartID: batch[0].ID, EndID: batch[len(batch)-1].ID},
		Text:      text,
		Timestamp: now,
	}
}

func (m *Memory) capSummaries(s *Session, opts Options) {
	for len(s.Summaries) > opts.SummaryWindow {
		switch opts.Overflow {
		case OverflowDrop:
			s.Summaries = append([]Summary(nil), s.Summaries[1:]...)
		default:
			merged := mergeSummaries(s.Summaries[0], s.Summaries[1], opts.MaxSummaryChars)
			rest := s.Summaries[2:]
			s.Summaries = append([]Summary{merged}, rest...)
		}
	}
}

func mergeSummaries(a, b Summary, maxChars int) Summary {
	half := maxChars / 2
	text := clip(a.Text, half) + "\n\n" + clip(b.Text, half)
	return Summary{
		Range:     Range{StartID: a.Range.StartID, EndID: b.Range.EndID},
		Text:      text,
		Timestamp: b.Timestamp,
	}
}

func (m *Memory) maybeEvolve(ctx context.Context, s *Session, opts Options, now time.Time) {
	if m.evolver == nil || opts.EvolveEvery <= 0 {
		return
	}
	if !s.PersonalityEvolutionEnabled || s.PersonalityImmutable {
		return
	}
	if s.InteractionCount()%opts.EvolveEvery != 0 {
		return
	}
	view := BuildContext(s)
	p, err := m.evolver.Evolve(ctx, s.Personality, view.Interactions, view.Summaries)
	if err != nil {
		m.log.Warn("personality evolution failed", zap.String("session", s.Key), zap.Error(err))
		return
	}
	if p == nil {
		return
	}
	if p.EvolvedAt.IsZero() {
		p.EvolvedAt = now
	}
	p.InteractionCount = s.InteractionCount()
	s.Personality = p
}

// BuildContext returns copies of the live window, the summaries and the
// personality, oldest first. It has no side effects.
func BuildContext(s *Session) Context {
	c := s.Clone()
	return Context{
		Interactions: c.Interactions,
		Summaries:    c.Summaries,
		Personality:  c.Personality,
	}
}

// Render formats a context as plain text for a prompt.
func (c Context) Render() string {
	var b strings.Builder
	if c.Personality != nil && len(c.Personality.Traits) > 0 {
		b.WriteString("Personality:\n")
		for _, k := range sortedTraitKeys(c.Personality.Traits) {
			fmt.Fprintf(&b, "- %s: %s\n", k, c.Personality.Traits[k])
		}
		b.WriteString("\n")
	}
	if len(c.Summaries) > 0 {
		b.WriteString("Summaries of earlier conversation:\n")
		for _, s := range c.Summaries {
			fmt.Fprintf(&b, "[#%d-#%d] %s\n", s.Range.StartID, s.Range.EndID, s.Text)
		}
		b.WriteString("\n")
	}
	if len(c.Interactions) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, it := range c.Interactions {
			fmt.Fprintf(&b, "%s: %s\n", it.Role, it.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
