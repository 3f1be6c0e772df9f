package models

import (
	"encoding/json"
	"fmt"
)

// Content is an event's payload: either a plain string or a structured object
// discriminated by an "action" field. Structured payloads keep every field
// they arrived with: fields this version does not understand survive a
// read/modify/write cycle untouched (typed head, opaque tail).
type Content struct {
	// Text holds the plain-string form. Ignored when Action or Fields is set.
	Text string
	// Action discriminates the structured form.
	Action string
	// Fields holds all structured payload fields except "action".
	Fields map[string]any
}

// TextContent builds a plain-string payload.
func TextContent(text string) Content {
	return Content{Text: text}
}

// ActionContent builds a structured payload from an action and its fields.
func ActionContent(action string, fields map[string]any) Content {
	return Content{Action: action, Fields: fields}
}

// Structured reports whether the content is the object form.
func (c Content) Structured() bool {
	return c.Action != "" || c.Fields != nil
}

// Field returns a named field of a structured payload.
func (c Content) Field(name string) (any, bool) {
	v, ok := c.Fields[name]
	return v, ok
}

// StringField returns a structured field coerced to string ("" if absent).
func (c Content) StringField(name string) string {
	if v, ok := c.Fields[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MarshalJSON encodes plain content as a JSON string and structured content
// as an object with the action discriminator inlined.
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.Structured() {
		return json.Marshal(c.Text)
	}
	obj := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		obj[k] = v
	}
	if c.Action != "" {
		obj["action"] = c.Action
	}
	return json.Marshal(obj)
}

// UnmarshalJSON accepts both the string and the object form. Unknown fields
// of the object form are preserved in Fields.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{Text: s}
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("content is neither string nor object: %w", err)
	}
	action, _ := obj["action"].(string)
	delete(obj, "action")
	*c = Content{Action: action, Fields: obj}
	return nil
}

// Structured-content actions used by the engine itself.
const (
	ActionSessionStart   = "session_start"
	ActionSessionPause   = "session_pause"
	ActionSessionResume  = "session_resume"
	ActionSessionEnd     = "session_end"
	ActionSessionAborted = "session_aborted"
	ActionSpeakerTimeout = "speaker_timeout"
	ActionModeratorWarn  = "moderator_warn"
	ActionModelFailure   = "model_failure"
	ActionJudgeScore     = "judge_score"
)

// TokenUsage reports token consumption for one model call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// SpeechContent is the typed head of a SPEECH event payload.
type SpeechContent struct {
	AgentID    string      `json:"agentId"`
	AgentName  string      `json:"agentName"`
	Message    string      `json:"message"`
	Tokens     *TokenUsage `json:"tokens,omitempty"`
	FromIntent bool        `json:"fromIntent"`
}

// ToContent converts a speech payload to generic structured content.
func (s SpeechContent) ToContent() Content {
	fields := map[string]any{
		"agentId":    s.AgentID,
		"agentName":  s.AgentName,
		"message":    s.Message,
		"fromIntent": s.FromIntent,
	}
	if s.Tokens != nil {
		fields["tokens"] = map[string]any{
			"prompt":     s.Tokens.Prompt,
			"completion": s.Tokens.Completion,
			"total":      s.Tokens.Total,
		}
	}
	return Content{Fields: fields}
}

// AsSpeech extracts the typed head of a SPEECH payload.
func (c Content) AsSpeech() (SpeechContent, bool) {
	if !c.Structured() {
		return SpeechContent{}, false
	}
	s := SpeechContent{
		AgentID:   c.StringField("agentId"),
		AgentName: c.StringField("agentName"),
		Message:   c.StringField("message"),
	}
	if v, ok := c.Fields["fromIntent"].(bool); ok {
		s.FromIntent = v
	}
	if t, ok := c.Fields["tokens"].(map[string]any); ok {
		s.Tokens = &TokenUsage{
			Prompt:     intField(t, "prompt"),
			Completion: intField(t, "completion"),
			Total:      intField(t, "total"),
		}
	}
	return s, s.AgentID != "" || s.Message != ""
}

// SystemContent builds the payload of a SYSTEM event.
func SystemContent(action, message string, extra map[string]any) Content {
	fields := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		fields[k] = v
	}
	if message != "" {
		fields["message"] = message
	}
	return Content{Action: action, Fields: fields}
}

// intField coerces a decoded JSON number to int.
func intField(m map[string]any, name string) int {
	switch v := m[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
