package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// defaultScenario is the built-in fallback used when a session names no
// scenario or the named one cannot be found.
func defaultScenario() *Scenario {
	return &Scenario{
		ID:          "open-discussion",
		Name:        "Open Discussion",
		Description: "Free-form multi-agent discussion with light moderation",
		Phases: []Phase{
			{ID: "opening", Name: "Opening statements", SpeakingOrder: OrderRoundRobin, AllowInterrupt: false},
			{ID: "debate", Name: "Open debate", SpeakingOrder: OrderFree, AllowInterrupt: true},
			{ID: "closing", Name: "Closing remarks", SpeakingOrder: OrderRoundRobin, AllowInterrupt: false},
		},
		MinRounds:      1,
		MaxRounds:      10,
		MaxIdleRounds:  3,
		MaxTimePerTurn: 2 * time.Minute,
		ModeratorPolicy: ModeratorPolicy{
			InterventionLevel: 1,
			ColdThreshold:     2,
		},
	}
}

// ScenarioRegistry resolves scenario IDs to validated scenarios.
type ScenarioRegistry struct {
	scenarios map[string]*Scenario
}

// LoadScenarios builds a registry from the built-in scenario plus every
// *.yaml file in dir (dir may be empty). User scenarios are layered over the
// built-in defaults, so a file only needs the fields it overrides.
func LoadScenarios(dir string) (*ScenarioRegistry, error) {
	reg := &ScenarioRegistry{scenarios: make(map[string]*Scenario)}
	builtin := defaultScenario()
	reg.scenarios[builtin.ID] = builtin

	if dir == "" {
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		sc, err := loadScenarioFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load scenario %s: %w", path, err)
		}
		if _, exists := reg.scenarios[sc.ID]; exists {
			slog.Warn("Scenario id already registered, overriding", "id", sc.ID, "path", path)
		}
		reg.scenarios[sc.ID] = sc
	}

	slog.Info("Scenarios loaded", "count", len(reg.scenarios), "dir", dir)
	return reg, nil
}

// loadScenarioFile parses one scenario YAML and layers it over the defaults.
func loadScenarioFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}

	// Fill unset fields from the built-in defaults. A scenario that declares
	// its own phases keeps them (mergo only fills empty fields).
	defaults := defaultScenario()
	defaults.ID, defaults.Name, defaults.Description = "", "", ""
	if err := mergo.Merge(&sc, *defaults); err != nil {
		return nil, fmt.Errorf("failed to apply scenario defaults: %w", err)
	}

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Get returns the scenario for id, falling back to the built-in default with
// a warning when id is unknown or empty.
func (r *ScenarioRegistry) Get(id string) *Scenario {
	if id != "" {
		if sc, ok := r.scenarios[id]; ok {
			return sc
		}
		slog.Warn("Unknown scenario id, falling back to default", "scenario_id", id)
	}
	return r.scenarios["open-discussion"]
}

// IDs lists the registered scenario ids.
func (r *ScenarioRegistry) IDs() []string {
	ids := make([]string, 0, len(r.scenarios))
	for id := range r.scenarios {
		ids = append(ids, id)
	}
	return ids
}
