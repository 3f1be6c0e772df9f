// Package moderator implements the deterministic session coordinator: the
// per-session state machine, the intent queue, turn control, and the
// proactive intervention policy.
package moderator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openagora/agora/pkg/agent"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
	"github.com/openagora/agora/pkg/rules"
)

// Sentinel moderator errors.
var (
	ErrSessionUnknown = errors.New("session unknown")
	ErrAgentUnknown   = errors.New("agent unknown")
	ErrInvalidLevel   = errors.New("invalid intervention level")
)

// Controller owns all per-session coordinator state. Agents and transports
// never touch SessionState directly; they go through controller methods and
// receive snapshots.
type Controller struct {
	log       *eventlog.Log
	engine    *rules.Engine
	nominator llm.Client // optional, backs AI nomination and guiding prompts

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// sessionEntry bundles one session's mutable coordinator state. entry.mu
// serialises all mutation; model calls never happen while it is held.
type sessionEntry struct {
	mu sync.Mutex

	state    *models.SessionState
	scenario *config.Scenario

	agents     map[string]agent.Agent
	agentOrder []string

	queue *intentQueue

	phaseIndex    int
	roundSpeeches int
	// overrideNext marks the next speech as a moderator override, exempt
	// from the consecutive-speak cap.
	overrideNext bool
}

// New creates a controller. nominator may be nil; AI nomination then falls
// back to the deterministic least-spoken rule.
func New(log *eventlog.Log, engine *rules.Engine, nominator llm.Client) *Controller {
	return &Controller{
		log:       log,
		engine:    engine,
		nominator: nominator,
		sessions:  make(map[string]*sessionEntry),
	}
}

// SetRuleEngine swaps the turn-taking engine. Intended for composition time.
func (c *Controller) SetRuleEngine(engine *rules.Engine) {
	c.engine = engine
}

// CreateSessionState registers a fresh pending session.
func (c *Controller) CreateSessionState(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[sessionID]; exists {
		return
	}
	c.sessions[sessionID] = &sessionEntry{
		state:  models.NewSessionState(sessionID),
		agents: make(map[string]agent.Agent),
		queue:  newIntentQueue(),
	}
}

// SetScenario attaches the scenario configuration to a session.
func (c *Controller) SetScenario(sessionID string, scenario *config.Scenario) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.scenario = scenario
	entry.state.PhaseID = scenario.PhaseAt(0).ID
	entry.state.InterventionLevel = scenario.ModeratorPolicy.InterventionLevel
	return nil
}

// RegisterAgent adds a participant to the session.
func (c *Controller) RegisterAgent(sessionID string, a agent.Agent) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, exists := entry.agents[a.ID()]; exists {
		return fmt.Errorf("agent %s already registered in session %s", a.ID(), sessionID)
	}
	entry.agents[a.ID()] = a
	entry.agentOrder = append(entry.agentOrder, a.ID())
	entry.state.AgentIDs = append(entry.state.AgentIDs, a.ID())
	return nil
}

// GetAgent looks up one registered agent.
func (c *Controller) GetAgent(sessionID, agentID string) (agent.Agent, error) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	a, ok := entry.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in session %s", ErrAgentUnknown, agentID, sessionID)
	}
	return a, nil
}

// Agents returns the session's participants in registration order.
func (c *Controller) Agents(sessionID string) []agent.Agent {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]agent.Agent, 0, len(entry.agentOrder))
	for _, id := range entry.agentOrder {
		out = append(out, entry.agents[id])
	}
	return out
}

// GetSessionState returns a snapshot of the session's coordinator state.
func (c *Controller) GetSessionState(sessionID string) (models.SessionState, error) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return models.SessionState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.Snapshot(), nil
}

// Scenario returns the session's scenario (nil when none is set).
func (c *Controller) Scenario(sessionID string) *config.Scenario {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.scenario
}

// CurrentPhase resolves the active phase for the session.
func (c *Controller) CurrentPhase(sessionID string) config.Phase {
	entry, err := c.entry(sessionID)
	if err != nil {
		return config.Phase{SpeakingOrder: config.OrderFree, AllowInterrupt: true}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.currentPhase()
}

func (e *sessionEntry) currentPhase() config.Phase {
	if e.scenario == nil {
		return config.Phase{ID: "default", SpeakingOrder: config.OrderFree, AllowInterrupt: true}
	}
	return e.scenario.PhaseAt(e.phaseIndex)
}

// ClearSession releases all coordinator state for a session.
func (c *Controller) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (c *Controller) entry(sessionID string) (*sessionEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionUnknown, sessionID)
	}
	return entry, nil
}

// SetInterventionLevel adjusts how aggressively the moderator steps in.
func (c *Controller) SetInterventionLevel(sessionID string, level int) error {
	if level < 0 || level > 3 {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.state.InterventionLevel = level
	return nil
}

// InterventionLevel reports the session's current level.
func (c *Controller) InterventionLevel(sessionID string) (int, error) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return 0, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.InterventionLevel, nil
}

// Health computes the discussion-health snapshot the intervention policy
// works from.
func (c *Controller) Health(sessionID string) (models.HealthMetrics, error) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return models.HealthMetrics{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.health(), nil
}

func (e *sessionEntry) health() models.HealthMetrics {
	state := e.state
	coldThreshold := 2
	if e.scenario != nil && e.scenario.ModeratorPolicy.ColdThreshold > 0 {
		coldThreshold = e.scenario.ModeratorPolicy.ColdThreshold
	}

	total := state.TotalSpeaks()
	maxID, maxCount := "", 0
	for _, id := range state.AgentIDs {
		if n := state.SpeakCounts[id]; n > maxCount {
			maxID, maxCount = id, n
		}
	}
	share := 0.0
	if total > 0 {
		share = float64(maxCount) / float64(total)
	}

	counts := make(map[string]int, len(state.SpeakCounts))
	for k, v := range state.SpeakCounts {
		counts[k] = v
	}
	return models.HealthMetrics{
		IdleRounds:      state.IdleRounds,
		SpeakCounts:     counts,
		TotalSpeaks:     total,
		MaxSpeakerID:    maxID,
		MaxSpeakerShare: share,
		Cold:            state.IdleRounds >= coldThreshold,
		Overheated:      share > 0.6 && maxCount > 2,
	}
}

// ReleaseFloor clears the current speaker after a failed turn and moves the
// round-robin rotation past it so selection does not stall on a broken agent.
func (c *Controller) ReleaseFloor(sessionID, agentID string) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.CurrentSpeakerID == agentID {
		entry.state.CurrentSpeakerID = ""
		entry.state.CurrentSpeakerStartTime = nil
	}
	entry.state.RoundRobinIndex++
	entry.overrideNext = false
}

// RecordSpeech folds a successful speech into coordinator state: counts,
// consecutive-speak tracking, round-robin index, and idle tracking.
func (c *Controller) RecordSpeech(sessionID, agentID string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	state := entry.state
	state.SpeakCounts[agentID]++
	state.LastSpokeAt[agentID] = time.Now()
	if state.LastSpeakerID == agentID {
		state.ConsecutiveSpeaks++
	} else {
		state.LastSpeakerID = agentID
		state.ConsecutiveSpeaks = 1
	}
	state.RoundRobinIndex++
	state.CurrentSpeakerID = ""
	state.CurrentSpeakerStartTime = nil
	state.IdleRounds = 0
	entry.roundSpeeches++
	entry.overrideNext = false
	return nil
}

// RecordIdlePass counts a scheduler pass that produced no speaker. The idle
// streak feeds the cold-health check that drives starvation nomination, and
// resets on the next successful speech.
func (c *Controller) RecordIdlePass(sessionID string) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.Status != models.StatusActive {
		return
	}
	entry.state.IdleRounds++
}
