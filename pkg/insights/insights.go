// Package insights holds the model-backed collaborators that read a
// session's transcript and write their conclusions back as events: a
// discussion outline, per-agent judge scores, and rolling summaries.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
)

// ErrUnparseable means the model's reply did not contain the JSON the
// prompt asked for.
var ErrUnparseable = errors.New("model reply unparseable")

// transcript renders recent events as a plain speaker-prefixed list for
// prompt building. Transient and structured housekeeping events without a
// message are skipped.
func transcript(events []models.Event) string {
	var b strings.Builder
	for _, e := range events {
		text := eventText(e)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", e.Speaker, text)
	}
	return b.String()
}

func eventText(e models.Event) string {
	if speech, ok := e.Content.AsSpeech(); ok {
		return speech.Message
	}
	if !e.Content.Structured() {
		return e.Content.Text
	}
	return e.Content.StringField("message")
}

// extractJSON trims fences and surrounding prose around a JSON object.
func extractJSON(text string) string {
	i := strings.Index(text, "{")
	j := strings.LastIndex(text, "}")
	if i < 0 || j <= i {
		return ""
	}
	return text[i : j+1]
}

// OutlineSection is one agenda item of a generated outline.
type OutlineSection struct {
	Title  string   `json:"title"`
	Points []string `json:"points,omitempty"`
}

// OutlineGenerator asks the model to structure the discussion so far into
// an agenda outline and records it as an OUTLINE_GENERATED event.
type OutlineGenerator struct {
	log    *eventlog.Log
	client llm.Client
	opts   llm.Options
}

func NewOutlineGenerator(log *eventlog.Log, client llm.Client) *OutlineGenerator {
	return &OutlineGenerator{log: log, client: client}
}

// Generate builds an outline from the session's recent events and appends
// it to the log.
func (g *OutlineGenerator) Generate(ctx context.Context, sessionID, topic string) (models.Event, error) {
	events, err := g.log.GetRecent(ctx, sessionID, config.MaxReadLimit)
	if err != nil {
		return models.Event{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nDiscussion so far:\n%s\n", topic, transcript(events))
	b.WriteString(`Produce an outline of the discussion as JSON: ` +
		`{"sections":[{"title":"...","points":["..."]}]}. Reply with JSON only.`)

	result, err := g.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are the moderator's assistant. You structure discussions into concise outlines."},
		{Role: llm.RoleUser, Content: b.String()},
	}, g.opts)
	if err != nil {
		return models.Event{}, fmt.Errorf("outline generation: %w", err)
	}

	var reply struct {
		Sections []OutlineSection `json:"sections"`
	}
	raw := extractJSON(result.Text)
	if raw == "" || json.Unmarshal([]byte(raw), &reply) != nil || len(reply.Sections) == 0 {
		return models.Event{}, fmt.Errorf("%w: %q", ErrUnparseable, result.Text)
	}

	sections := make([]any, 0, len(reply.Sections))
	for _, s := range reply.Sections {
		points := make([]any, 0, len(s.Points))
		for _, p := range s.Points {
			points = append(points, p)
		}
		sections = append(sections, map[string]any{"title": s.Title, "points": points})
	}
	return g.log.Append(ctx, sessionID, models.EventOutlineGenerated, models.SpeakerModerator,
		models.ActionContent("outline", map[string]any{"topic": topic, "sections": sections}), nil)
}

// Latest returns the most recent outline event, or nil when none exists.
func (g *OutlineGenerator) Latest(ctx context.Context, sessionID string) (*models.Event, error) {
	events, err := g.log.GetByType(ctx, sessionID, models.EventOutlineGenerated, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// AgentScore is one judge verdict.
type AgentScore struct {
	AgentID string  `json:"agentId"`
	Score   float64 `json:"score"`
	Comment string  `json:"comment,omitempty"`
}

// JudgeSystem scores each participant's contribution and records the
// verdict as a SYSTEM judge.score event.
type JudgeSystem struct {
	log    *eventlog.Log
	client llm.Client
	opts   llm.Options
}

func NewJudgeSystem(log *eventlog.Log, client llm.Client) *JudgeSystem {
	return &JudgeSystem{log: log, client: client}
}

// Score judges the session's recent transcript and appends the result.
func (j *JudgeSystem) Score(ctx context.Context, sessionID string) ([]AgentScore, error) {
	events, err := j.log.GetRecent(ctx, sessionID, config.MaxReadLimit)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Discussion transcript:\n%s\n", transcript(events))
	b.WriteString(`Score each participant from 0 to 10 on argument quality as JSON: ` +
		`{"scores":[{"agentId":"...","score":0,"comment":"..."}]}. Reply with JSON only.`)

	result, err := j.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are an impartial judge of debate contributions."},
		{Role: llm.RoleUser, Content: b.String()},
	}, j.opts)
	if err != nil {
		return nil, fmt.Errorf("judge scoring: %w", err)
	}

	var reply struct {
		Scores []AgentScore `json:"scores"`
	}
	raw := extractJSON(result.Text)
	if raw == "" || json.Unmarshal([]byte(raw), &reply) != nil || len(reply.Scores) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnparseable, result.Text)
	}

	scores := make([]any, 0, len(reply.Scores))
	for _, s := range reply.Scores {
		scores = append(scores, map[string]any{"agentId": s.AgentID, "score": s.Score, "comment": s.Comment})
	}
	_, err = j.log.Append(ctx, sessionID, models.EventSystem, models.SpeakerModerator,
		models.SystemContent(models.ActionJudgeScore, "", map[string]any{"scores": scores}), nil)
	if err != nil {
		return nil, err
	}
	return reply.Scores, nil
}

// SummaryService condenses the discussion into SUMMARY events. Summaries
// are what the log's auto-prune retains unconditionally, so they carry the
// session's long-term memory.
type SummaryService struct {
	log    *eventlog.Log
	client llm.Client
	opts   llm.Options
}

func NewSummaryService(log *eventlog.Log, client llm.Client) *SummaryService {
	return &SummaryService{log: log, client: client}
}

// Summarize condenses the session's recent events into one SUMMARY event.
func (s *SummaryService) Summarize(ctx context.Context, sessionID string) (models.Event, error) {
	events, err := s.log.GetRecent(ctx, sessionID, config.MaxReadLimit)
	if err != nil {
		return models.Event{}, err
	}

	prompt := fmt.Sprintf("Summarize the following discussion in a short paragraph. "+
		"Keep positions attributed to their speakers.\n\n%s", transcript(events))
	result, err := s.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You write terse, faithful discussion summaries."},
		{Role: llm.RoleUser, Content: prompt},
	}, s.opts)
	if err != nil {
		return models.Event{}, fmt.Errorf("summary generation: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return models.Event{}, fmt.Errorf("%w: empty summary", ErrUnparseable)
	}
	return s.log.Append(ctx, sessionID, models.EventSummary, models.SpeakerModerator,
		models.TextContent(text), nil)
}
