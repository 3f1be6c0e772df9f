// Package session composes and manages discussion sessions: it wires
// scenario, agents, moderator state, and the scheduler loop together and
// owns each session's lifecycle from creation to deletion.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openagora/agora/pkg/agent"
	"github.com/openagora/agora/pkg/bus"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/moderator"
	"github.com/openagora/agora/pkg/scheduler"
)

// Sentinel session errors.
var (
	ErrNotFound      = errors.New("session not found")
	ErrInvalidConfig = errors.New("invalid session config")
)

// ModelConfig selects and configures a model endpoint. Nil fields fall back
// to the next level (agent -> session -> process default).
type ModelConfig struct {
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// AgentSpec describes one participant of a session to be created.
type AgentSpec struct {
	Profile agent.Profile `json:"profile" yaml:"profile"`
	// Model overrides the session's model for this agent.
	Model *ModelConfig `json:"model,omitempty" yaml:"model,omitempty"`
	// Scripted makes the agent deterministic, for demo and test sessions.
	Scripted bool `json:"scripted,omitempty" yaml:"scripted,omitempty"`
}

// Config is the request to compose a new session.
type Config struct {
	Topic      string       `json:"topic"`
	ScenarioID string       `json:"scenario_id"`
	UserID     string       `json:"user_id,omitempty"`
	Agents     []AgentSpec  `json:"agents"`
	Model      *ModelConfig `json:"model,omitempty"`

	// Scheduler overrides; zero values inherit defaults.
	MaxRounds       int   `json:"max_rounds,omitempty"`
	EnableStreaming *bool `json:"enable_streaming,omitempty"`
	UseIntentQueue  *bool `json:"use_intent_queue,omitempty"`
}

// Session is one composed discussion.
type Session struct {
	ID         string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	Topic      string    `json:"topic"`
	ScenarioID string    `json:"scenario_id"`
	CreatedAt  time.Time `json:"created_at"`

	loopCfg config.LoopConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	mailbox []*bus.AsyncSubscriber
	subIDs  []string
}

// Manager creates, runs, and releases sessions.
type Manager struct {
	settings  *config.Settings
	scenarios *config.ScenarioRegistry
	log       *eventlog.Log
	bus       *bus.Bus
	moderator *moderator.Controller

	defaultClient llm.Client

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager wires a session manager. defaultClient may be nil when every
// session brings its own model config or uses scripted agents.
func NewManager(settings *config.Settings, scenarios *config.ScenarioRegistry,
	log *eventlog.Log, b *bus.Bus, mod *moderator.Controller, defaultClient llm.Client) *Manager {
	return &Manager{
		settings:      settings,
		scenarios:     scenarios,
		log:           log,
		bus:           b,
		moderator:     mod,
		defaultClient: defaultClient,
		sessions:      make(map[string]*Session),
	}
}

// Create composes a session: loads the scenario, resolves scheduler knobs
// and model clients, registers agents with the moderator, and subscribes
// each agent to the session's event stream.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("%w: at least one agent is required", ErrInvalidConfig)
	}
	scenario := m.scenarios.Get(cfg.ScenarioID)

	loopCfg := m.resolveLoopConfig(scenario, cfg)

	s := &Session{
		ID:         uuid.New().String(),
		UserID:     cfg.UserID,
		Topic:      cfg.Topic,
		ScenarioID: scenario.ID,
		CreatedAt:  time.Now(),
		loopCfg:    loopCfg,
	}

	m.moderator.CreateSessionState(s.ID)
	if err := m.moderator.SetScenario(s.ID, scenario); err != nil {
		m.moderator.ClearSession(s.ID)
		return nil, err
	}

	for _, spec := range cfg.Agents {
		a, err := m.buildAgent(spec, cfg)
		if err != nil {
			m.release(s)
			return nil, err
		}
		a.Initialize(s.ID)
		if err := m.moderator.RegisterAgent(s.ID, a); err != nil {
			m.release(s)
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}

		// Each agent gets its own mailbox so a slow context update never
		// blocks publishers.
		mailbox := bus.NewAsyncSubscriber(a.ReceiveEvent, bus.DefaultMailboxSize)
		subID, err := m.bus.SubscribeToSession(s.ID, "", mailbox.Enqueue)
		if err != nil {
			mailbox.Stop()
			m.release(s)
			return nil, err
		}
		agentID := a.ID()
		mailbox.SetOnOverflow(func() {
			slog.Error("Agent mailbox overflowed, disconnecting its feed",
				"session_id", s.ID, "agent_id", agentID)
			m.bus.Unsubscribe(subID)
			mailbox.Stop()
		})
		s.mailbox = append(s.mailbox, mailbox)
		s.subIDs = append(s.subIDs, subID)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Info("Session created",
		"session_id", s.ID,
		"scenario_id", s.ScenarioID,
		"agent_count", len(cfg.Agents),
		"max_rounds", loopCfg.MaxRounds)
	return s, nil
}

// resolveLoopConfig layers scenario defaults and per-session overrides,
// keeping minRounds <= maxRounds.
func (m *Manager) resolveLoopConfig(scenario *config.Scenario, cfg Config) config.LoopConfig {
	loopCfg := config.DefaultLoopConfig()
	loopCfg.MaxRounds = scenario.MaxRounds
	if cfg.MaxRounds > 0 {
		loopCfg.MaxRounds = cfg.MaxRounds
	}
	if scenario.MinRounds > 0 && loopCfg.MaxRounds < scenario.MinRounds {
		loopCfg.MaxRounds = scenario.MinRounds
	}
	if cfg.EnableStreaming != nil {
		loopCfg.EnableStreaming = *cfg.EnableStreaming
	}
	if cfg.UseIntentQueue != nil {
		loopCfg.UseIntentQueue = *cfg.UseIntentQueue
	}
	return loopCfg
}

// buildAgent resolves the agent's model client and constructs it.
func (m *Manager) buildAgent(spec AgentSpec, cfg Config) (agent.Agent, error) {
	if spec.Profile.ID == "" {
		return nil, fmt.Errorf("%w: agent profile needs an id", ErrInvalidConfig)
	}
	if spec.Scripted {
		name := spec.Profile.Name
		if name == "" {
			name = spec.Profile.ID
		}
		return agent.NewScriptedAgent(spec.Profile.ID, name), nil
	}

	client := m.resolveClient(spec.Model, cfg.Model)
	if client == nil {
		return nil, fmt.Errorf("%w: no model client available for agent %s",
			ErrInvalidConfig, spec.Profile.ID)
	}
	return agent.NewModelAgent(spec.Profile, client, cfg.Topic, llm.Options{}), nil
}

// resolveClient walks the agent -> session -> process default chain.
func (m *Manager) resolveClient(agentModel, sessionModel *ModelConfig) llm.Client {
	for _, mc := range []*ModelConfig{agentModel, sessionModel} {
		if mc == nil {
			continue
		}
		maxRetries := mc.MaxRetries
		if maxRetries == 0 {
			maxRetries = m.settings.ModelMaxRetries
		}
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:    firstNonEmpty(mc.BaseURL, m.settings.ModelBaseURL),
			APIKey:     firstNonEmpty(mc.APIKey, m.settings.ModelAPIKey),
			Model:      firstNonEmpty(mc.Model, m.settings.ModelName),
			MaxRetries: maxRetries,
		})
	}
	return m.defaultClient
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s, nil
}

// ListByUser returns the user's sessions (all sessions for an empty user id).
func (m *Manager) ListByUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if userID == "" || s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Start activates the session and spawns its scheduler loop.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		slog.Warn("Ignoring start on already-running session", "session_id", sessionID)
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	if err := m.moderator.StartSession(ctx, sessionID); err != nil {
		cancel()
		return err
	}

	loop := scheduler.NewLoop(sessionID, m.moderator, m.log, m.bus, s.loopCfg)
	go func() {
		defer close(done)
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Session loop exited with error", "session_id", sessionID, "error", err)
		}
	}()
	return nil
}

// Pause suspends the session's discussion.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	return m.moderator.PauseSession(ctx, sessionID)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	return m.moderator.ResumeSession(ctx, sessionID)
}

// End completes the session; the loop observes the terminal status and
// exits on its own.
func (m *Manager) End(ctx context.Context, sessionID, reason string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if err := m.moderator.EndSession(ctx, sessionID, reason); err != nil {
		return err
	}
	s.stopLoop()
	return nil
}

// Delete tears a session down completely: stops the loop, destroys agents,
// clears the event log, and releases moderator and bus state.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.stopLoop()
	m.release(s)
	if err := m.log.Clear(ctx, sessionID); err != nil {
		slog.Warn("Failed to clear event log on delete", "session_id", sessionID, "error", err)
	}
	slog.Info("Session deleted", "session_id", sessionID)
	return nil
}

// Shutdown stops every running loop and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.stopLoop()
	}
}

// stopLoop cancels the scheduler and waits for it to finish.
func (s *Session) stopLoop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// release drops the session's bus subscriptions, mailboxes, agents, and
// moderator state.
func (m *Manager) release(s *Session) {
	s.mu.Lock()
	subIDs := s.subIDs
	mailboxes := s.mailbox
	s.subIDs = nil
	s.mailbox = nil
	s.mu.Unlock()

	for _, id := range subIDs {
		m.bus.Unsubscribe(id)
	}
	for _, mb := range mailboxes {
		mb.Stop()
	}
	for _, a := range m.moderator.Agents(s.ID) {
		a.Destroy()
	}
	m.bus.ClearSession(s.ID)
	m.moderator.ClearSession(s.ID)
}
