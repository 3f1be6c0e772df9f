// Package config loads and validates the engine's configuration: process
// settings from environment variables and discussion scenarios from YAML.
package config

import (
	"fmt"
	"time"
)

// SpeakingOrder selects how the next speaker for a phase is determined.
type SpeakingOrder string

const (
	// OrderRoundRobin rotates through agents in registration order.
	OrderRoundRobin SpeakingOrder = "round-robin"
	// OrderFree lets any agent with a valid intent speak.
	OrderFree SpeakingOrder = "free"
	// OrderModerated leaves speaker selection to the moderator.
	OrderModerated SpeakingOrder = "moderated"
	// OrderPriority picks the least-spoken agent, longest idle first on ties.
	OrderPriority SpeakingOrder = "priority"
)

// IsValid checks whether the speaking order is one of the known modes.
func (o SpeakingOrder) IsValid() bool {
	switch o {
	case OrderRoundRobin, OrderFree, OrderModerated, OrderPriority:
		return true
	default:
		return false
	}
}

// Phase is one named segment of a scenario with its own turn-taking policy.
type Phase struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	SpeakingOrder  SpeakingOrder `yaml:"speaking_order"`
	AllowInterrupt bool          `yaml:"allow_interrupt"`
	MaxRounds      int           `yaml:"max_rounds"` // 0 = inherit scenario max
}

// ModeratorPolicy configures proactive moderator behaviour.
type ModeratorPolicy struct {
	// InterventionLevel 0..3: 0 never nominates, 3 additionally emits
	// guiding prompts.
	InterventionLevel int `yaml:"intervention_level"`
	// ColdThreshold is the idle-round count at which the discussion is
	// considered starved.
	ColdThreshold int `yaml:"cold_threshold"`
}

// Scenario is a validated, read-only discussion configuration.
type Scenario struct {
	ID              string          `yaml:"id"`
	Name            string          `yaml:"name"`
	Description     string          `yaml:"description"`
	Phases          []Phase         `yaml:"phases"`
	MinRounds       int             `yaml:"min_rounds"`
	MaxRounds       int             `yaml:"max_rounds"`
	MaxIdleRounds   int             `yaml:"max_idle_rounds"`
	MaxTimePerTurn  time.Duration   `yaml:"max_time_per_turn"`
	ModeratorPolicy ModeratorPolicy `yaml:"moderator_policy"`
}

// PhaseAt returns the phase for the given index, or the last phase when the
// discussion has run past the configured phase list.
func (s *Scenario) PhaseAt(index int) Phase {
	if len(s.Phases) == 0 {
		return Phase{ID: "default", Name: "Discussion", SpeakingOrder: OrderFree, AllowInterrupt: true}
	}
	if index < 0 {
		index = 0
	}
	if index >= len(s.Phases) {
		index = len(s.Phases) - 1
	}
	return s.Phases[index]
}

// Validate checks scenario invariants. Unknown speaking orders are not an
// error here, they fall back to free at rule-engine level, but structural
// problems fail fast.
func (s *Scenario) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: scenario id is required", ErrInvalidScenario)
	}
	if s.MaxRounds <= 0 {
		return fmt.Errorf("%w: max_rounds must be positive", ErrInvalidScenario)
	}
	if s.MinRounds > s.MaxRounds {
		return fmt.Errorf("%w: min_rounds %d exceeds max_rounds %d",
			ErrInvalidScenario, s.MinRounds, s.MaxRounds)
	}
	if s.ModeratorPolicy.InterventionLevel < 0 || s.ModeratorPolicy.InterventionLevel > 3 {
		return fmt.Errorf("%w: intervention_level must be 0..3, got %d",
			ErrInvalidScenario, s.ModeratorPolicy.InterventionLevel)
	}
	for i, p := range s.Phases {
		if p.ID == "" {
			return fmt.Errorf("%w: phase %d has no id", ErrInvalidScenario, i)
		}
	}
	return nil
}
