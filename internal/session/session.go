// Package session provides the per-session memory store: a bounded window of
// recent interactions, a capped list of summaries covering everything older,
// and an optional evolving personality.
package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrStorage is returned when session state cannot be read or written.
var ErrStorage = errors.New("session storage error")

// Role identifies who produced an interaction.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Interaction is one turn in the live window. Immutable once appended.
type Interaction struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Range is an inclusive span of interaction ids.
type Range struct {
	StartID int64 `json:"startId"`
	EndID   int64 `json:"endId"`
}

// Summary replaces a contiguous range of evicted interactions.
type Summary struct {
	Range     Range     `json:"range"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Personality is the evolving trait map attached to a session.
type Personality struct {
	Traits           map[string]string `json:"traits"`
	EvolvedAt        time.Time         `json:"evolvedAt"`
	InteractionCount int               `json:"interactionCount"`
}

// Session is the persisted unit of conversational continuity.
type Session struct {
	Key                         string        `json:"key"`
	Interactions                []Interaction `json:"interactions"`
	Summaries                   []Summary     `json:"summaries"`
	NextID                      int64         `json:"nextId"`
	Personality                 *Personality  `json:"personality"`
	PersonalityEvolutionEnabled bool          `json:"personalityEvolutionEnabled"`
	PersonalityImmutable        bool          `json:"personalityImmutable"`
	CreatedAt                   time.Time     `json:"createdAt"`
	UpdatedAt                   time.Time     `json:"updatedAt"`
}

// New returns an empty session for key.
func New(key string) *Session {
	now := time.Now().UTC()
	return &Session{
		Key:                         key,
		Interactions:                []Interaction{},
		Summaries:                   []Summary{},
		NextID:                      1,
		PersonalityEvolutionEnabled: true,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
}

// Reset returns s to the empty state, keeping its key and creation time.
func (s *Session) Reset() {
	created := s.CreatedAt
	*s = *New(s.Key)
	if !created.IsZero() {
		s.CreatedAt = created
	}
}

// InteractionCount is the number of interactions ever appended.
func (s *Session) InteractionCount() int {
	if s.NextID <= 1 {
		return 0
	}
	return int(s.NextID - 1)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Interactions = append([]Interaction(nil), s.Interactions...)
	c.Summaries = append([]Summary(nil), s.Summaries...)
	if c.Interactions == nil {
		c.Interactions = []Interaction{}
	}
	if c.Summaries == nil {
		c.Summaries = []Summary{}
	}
	c.Personality = s.Personality.clone()
	return &c
}

func (p *Personality) clone() *Personality {
	if p == nil {
		return nil
	}
	c := *p
	c.Traits = make(map[string]string, len(p.Traits))
	for k, v := range p.Traits {
		c.Traits[k] = v
	}
	return &c
}

// validate checks the structural invariants of a loaded document.
func (s *Session) validate() error {
	if s.NextID < 1 {
		return fmt.Errorf("nextId %d < 1", s.NextID)
	}
	var last int64
	for _, sum := range s.Summaries {
		if sum.Range.StartID > sum.Range.EndID {
			return fmt.Errorf("summary range %d-%d inverted", sum.Range.StartID, sum.Range.EndID)
		}
		if last != 0 && sum.Range.StartID <= last {
			return fmt.Errorf("summary range %d-%d overlaps previous", sum.Range.StartID, sum.Range.EndID)
		}
		last = sum.Range.EndID
	}
	for _, it := range s.Interactions {
		if it.ID <= last {
			return fmt.Errorf("interaction id %d out of order", it.ID)
		}
		if it.ID >= s.NextID {
			return fmt.Errorf("interaction id %d >= nextId %d", it.ID, s.NextID)
		}
		last = it.ID
	}
	return nil
}
