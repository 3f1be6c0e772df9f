// Package scheduler runs discussion sessions: one cooperative loop per
// session that selects speakers, drives model generation (streaming when
// possible), and advances rounds until a termination condition is met.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openagora/agora/pkg/agent"
	"github.com/openagora/agora/pkg/bus"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
	"github.com/openagora/agora/pkg/moderator"
)

// pausedPollInterval is how often a paused loop re-checks its status.
const pausedPollInterval = 500 * time.Millisecond

// streamAbandonCap bounds how long a cancelled loop waits for an in-flight
// model stream before abandoning it.
const streamAbandonCap = 30 * time.Second

// Loop is the per-session scheduler task.
type Loop struct {
	sessionID string
	moderator *moderator.Controller
	log       *eventlog.Log
	bus       *bus.Bus
	cfg       config.LoopConfig

	mu sync.Mutex
	// autoIntentRounds records rounds that already generated auto-intents.
	autoIntentRounds map[int]bool
	lastProgress     time.Time
}

// NewLoop creates a scheduler for one session.
func NewLoop(sessionID string, mod *moderator.Controller, log *eventlog.Log, b *bus.Bus, cfg config.LoopConfig) *Loop {
	return &Loop{
		sessionID:        sessionID,
		moderator:        mod,
		log:              log,
		bus:              b,
		cfg:              cfg,
		autoIntentRounds: make(map[int]bool),
	}
}

// Run drives the session until it terminates. Blocks; callers spawn one
// goroutine per session. Cancelling ctx stops the loop within one speak
// interval plus the in-flight model call.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.lastProgress = time.Now()
	l.mu.Unlock()

	speakersThisRound := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state, err := l.moderator.GetSessionState(l.sessionID)
		if err != nil {
			return err
		}
		if state.Status == models.StatusPaused {
			if !l.sleep(ctx, pausedPollInterval) {
				return ctx.Err()
			}
			// Pausing also pauses the no-progress clock.
			l.touchProgress()
			continue
		}
		if state.Status.Terminal() {
			return nil
		}

		if end, reason := l.moderator.ShouldEnd(l.sessionID, l.cfg.MaxRounds); end {
			return l.moderator.EndSession(ctx, l.sessionID, reason)
		}
		if l.noProgress() {
			return l.moderator.EndSession(ctx, l.sessionID, "discussion made no progress")
		}

		if agentID, timedOut := l.moderator.CheckSpeakerTimeout(l.sessionID); timedOut {
			l.recordSpeakerTimeout(ctx, agentID)
		}

		speaker, intent := l.pickSpeaker(ctx, state.CurrentRound)
		if speaker == nil {
			// A pass with nobody to speak counts toward the idle streak
			// that starvation nomination watches.
			l.moderator.RecordIdlePass(l.sessionID)
			if !l.sleep(ctx, l.cfg.SpeakInterval) {
				return ctx.Err()
			}
			continue
		}

		ok, fatal := l.runTurn(ctx, speaker, intent)
		if fatal != nil {
			abortErr := l.moderator.AbortSession(ctx, l.sessionID, fatal.Error())
			if abortErr != nil {
				slog.Error("Failed to abort session after fatal error",
					"session_id", l.sessionID, "error", abortErr)
			}
			return fatal
		}
		if ok {
			l.touchProgress()
			speakersThisRound++
			if speakersThisRound >= l.cfg.MaxSpeakersPerRound {
				cur, err := l.moderator.GetSessionState(l.sessionID)
				if err == nil && l.cfg.MaxRounds > 0 && cur.CurrentRound >= l.cfg.MaxRounds {
					return l.moderator.EndSession(ctx, l.sessionID, "Discussion completed")
				}
				if err := l.moderator.AdvanceRound(ctx, l.sessionID); err != nil {
					slog.Error("Failed to advance round", "session_id", l.sessionID, "error", err)
				}
				speakersThisRound = 0
			}
		}

		if !l.sleep(ctx, l.cfg.SpeakInterval) {
			return ctx.Err()
		}
	}
}

// pickSpeaker resolves who talks next: queued intents first (with auto-intent
// generation once per round), then the rule engine.
func (l *Loop) pickSpeaker(ctx context.Context, round int) (agent.Agent, *models.Intent) {
	if l.cfg.UseIntentQueue {
		l.ensureAutoIntents(ctx, round)
		if speaker, intent := l.moderator.ProcessNextIntent(l.sessionID); speaker != nil {
			return speaker, intent
		}
	}
	if speaker := l.moderator.SelectNextSpeaker(l.sessionID); speaker != nil {
		return speaker, nil
	}
	// Nobody eligible by rule; give the proactive policy a chance.
	if speaker := l.moderator.Intervene(ctx, l.sessionID); speaker != nil {
		return speaker, nil
	}
	return nil, nil
}

// ensureAutoIntents generates at most one batch of agent intents per round.
// Agents are polled concurrently; declines are skipped.
func (l *Loop) ensureAutoIntents(ctx context.Context, round int) {
	l.mu.Lock()
	if l.autoIntentRounds[round] || l.moderator.PendingIntentCount(l.sessionID) > 0 {
		l.mu.Unlock()
		return
	}
	l.autoIntentRounds[round] = true
	l.mu.Unlock()

	recent, err := l.log.GetRecent(ctx, l.sessionID, 20)
	if err != nil {
		slog.Warn("Failed to read recent events for auto-intents",
			"session_id", l.sessionID, "error", err)
		return
	}

	agents := l.moderator.Agents(l.sessionID)
	results := make([]*models.Intent, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		if a.State().Status != agent.StatusIdle {
			continue
		}
		wg.Add(1)
		go func(i int, a agent.Agent) {
			defer wg.Done()
			intent, err := a.GenerateIntent(ctx, recent, round)
			if err != nil {
				slog.Debug("Agent intent generation failed",
					"session_id", l.sessionID, "agent_id", a.ID(), "error", err)
				return
			}
			results[i] = intent
		}(i, a)
	}
	wg.Wait()

	// Submit in registration order so equal-urgency intents dispatch
	// deterministically.
	for _, intent := range results {
		if intent == nil {
			continue
		}
		l.moderator.SubmitAutoIntent(l.sessionID, *intent)
	}
}

// runTurn executes one speech attempt. ok reports whether a SPEECH was
// appended; fatal is non-nil only for unrecoverable failures.
func (l *Loop) runTurn(ctx context.Context, speaker agent.Agent, intent *models.Intent) (ok bool, fatal error) {
	l.publishTransient(models.TransientThinking, speaker.ID(), nil)

	var response *agent.Response
	var err error
	if l.cfg.EnableStreaming && speaker.SupportsStreaming() {
		response, err = l.streamResponse(ctx, speaker)
	} else {
		response, err = speaker.GenerateResponse(ctx)
	}
	l.publishTransient(models.TransientDone, speaker.ID(), nil)

	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		slog.Error("Agent response generation failed",
			"session_id", l.sessionID, "agent_id", speaker.ID(), "error", err)
		l.moderator.ReleaseFloor(l.sessionID, speaker.ID())
		l.recordModelFailure(ctx, speaker.ID(), err)
		return false, nil
	}

	speech := models.SpeechContent{
		AgentID:    speaker.ID(),
		AgentName:  speaker.Name(),
		Message:    response.Content,
		Tokens:     response.Tokens,
		FromIntent: intent != nil,
	}
	if _, err := l.log.Append(ctx, l.sessionID, models.EventSpeech, speaker.ID(),
		speech.ToContent(), nil); err != nil {
		if errors.Is(err, eventlog.ErrSessionTerminal) {
			// The session ended while the model was generating; the loop
			// observes the terminal status on its next pass.
			l.moderator.ReleaseFloor(l.sessionID, speaker.ID())
			return false, nil
		}
		return false, err
	}
	if err := l.moderator.RecordSpeech(l.sessionID, speaker.ID()); err != nil {
		slog.Error("Failed to record speech", "session_id", l.sessionID, "error", err)
	}
	return true, nil
}

// streamResponse consumes a chunk stream, publishing transient chunk events
// as text accumulates. On cancellation it waits up to streamAbandonCap for
// the stream to close, then abandons it.
func (l *Loop) streamResponse(ctx context.Context, speaker agent.Agent) (*agent.Response, error) {
	chunks, err := speaker.GenerateResponseStream(ctx)
	if err != nil {
		return nil, err
	}

	var accumulated string
	var tokens *models.TokenUsage
	ctxDone := ctx.Done()
	var abandon <-chan time.Time
	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				return &agent.Response{Content: accumulated, Tokens: tokens}, nil
			}
			switch chunk.Kind {
			case llm.ChunkText:
				accumulated += chunk.Text
				l.publishTransient(models.TransientChunk, speaker.ID(), map[string]any{
					"chunk":       chunk.Text,
					"accumulated": accumulated,
				})
			case llm.ChunkDone:
				t := chunk.Tokens
				tokens = &t
			case llm.ChunkError:
				return nil, chunk.Err
			}
		case <-ctxDone:
			// Keep draining; a nil ctxDone disables this case.
			ctxDone = nil
			abandon = time.After(streamAbandonCap)
		case <-abandon:
			slog.Warn("Abandoning model stream after cancellation",
				"session_id", l.sessionID, "agent_id", speaker.ID())
			return nil, errStreamAbandoned
		}
	}
}

// publishTransient broadcasts a bus-only event. Transient events carry no
// sequence contract.
func (l *Loop) publishTransient(eventType models.EventType, speaker string, fields map[string]any) {
	event := models.Event{
		ID:        uuid.New().String(),
		SessionID: l.sessionID,
		Timestamp: time.Now(),
		Type:      eventType,
		Speaker:   speaker,
		Meta:      &models.Meta{Transient: true},
	}
	if fields != nil {
		event.Content = models.Content{Fields: fields}
	}
	l.bus.Publish(event)
}

// recordSpeakerTimeout appends the SYSTEM event for an overrun turn.
func (l *Loop) recordSpeakerTimeout(ctx context.Context, agentID string) {
	slog.Info("Speaker exceeded turn time", "session_id", l.sessionID, "agent_id", agentID)
	if _, err := l.log.Append(ctx, l.sessionID, models.EventSystem, models.SpeakerModerator,
		models.SystemContent(models.ActionSpeakerTimeout, "speaker exceeded turn time", map[string]any{
			"agentId": agentID,
		}), nil); err != nil {
		slog.Warn("Failed to record speaker timeout", "session_id", l.sessionID, "error", err)
	}
}

// recordModelFailure appends a SYSTEM event describing a skipped turn.
func (l *Loop) recordModelFailure(ctx context.Context, agentID string, cause error) {
	if _, err := l.log.Append(ctx, l.sessionID, models.EventSystem, models.SpeakerModerator,
		models.SystemContent(models.ActionModelFailure, cause.Error(), map[string]any{
			"agentId": agentID,
		}), nil); err != nil {
		slog.Warn("Failed to record model failure", "session_id", l.sessionID, "error", err)
	}
}

func (l *Loop) touchProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastProgress = time.Now()
}

func (l *Loop) noProgress() bool {
	if l.cfg.NoProgressTimeout <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastProgress) > l.cfg.NoProgressTimeout
}

// sleep waits for d or until ctx is cancelled. Returns false on cancellation.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

var errStreamAbandoned = errors.New("model stream abandoned after cancellation")
