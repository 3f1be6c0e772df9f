package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
)

// Context is an agent's private view of the discussion. It retains a bounded
// window of events and compresses overflow into one-line memory summaries.
// Only the owning agent mutates it.
type Context struct {
	mu        sync.Mutex
	selfID    string
	events    []models.Event
	memory    []string
	maxEvents int
}

// NewContext creates a context for the given agent.
func NewContext(selfID string) *Context {
	return &Context{
		selfID:    selfID,
		maxEvents: config.MaxAgentContextEvents,
	}
}

// Receive folds one event into the context. Transient events, events spoken
// by the owning agent, and events not visible to it are ignored.
func (c *Context) Receive(event models.Event) {
	if event.Transient() {
		return
	}
	if event.Speaker == c.selfID {
		return
	}
	if !event.Meta.VisibleTo(c.selfID) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	if len(c.events) > c.maxEvents {
		c.compress()
	}
}

// compress folds the older half of the window into a memory summary.
// Caller holds the lock.
func (c *Context) compress() {
	half := len(c.events) / 2
	older := c.events[:half]

	speakers := make(map[string]bool)
	utterances := 0
	for _, e := range older {
		if e.Type == models.EventSpeech {
			speakers[e.Speaker] = true
			utterances++
		}
	}
	c.memory = append(c.memory,
		fmt.Sprintf("%d participants made %d utterances", len(speakers), utterances))

	retained := make([]models.Event, len(c.events)-half)
	copy(retained, c.events[half:])
	c.events = retained
}

// BuildMessages assembles the conversation for model consumption: a system
// message carrying accumulated memory (when any), then each retained event
// as "[speaker] text", attributed to assistant when the owning agent spoke.
func (c *Context) BuildMessages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var messages []llm.Message
	if len(c.memory) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Earlier in this discussion: " + strings.Join(c.memory, "; "),
		})
	}
	for _, e := range c.events {
		role := llm.RoleUser
		if e.Speaker == c.selfID {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{
			Role:    role,
			Content: fmt.Sprintf("[%s] %s", speakerName(e), eventText(e)),
		})
	}
	return messages
}

// Events returns a copy of the retained window.
func (c *Context) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

// MemorySize returns the number of compressed summaries held.
func (c *Context) MemorySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memory)
}

// Reset drops both the event window and the memory.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	c.memory = nil
}

// speakerName prefers the display name recorded in a speech payload.
func speakerName(e models.Event) string {
	if speech, ok := e.Content.AsSpeech(); ok && speech.AgentName != "" {
		return speech.AgentName
	}
	return e.Speaker
}

// eventText renders an event payload as prompt text.
func eventText(e models.Event) string {
	if speech, ok := e.Content.AsSpeech(); ok && speech.Message != "" {
		return speech.Message
	}
	if e.Content.Structured() {
		if msg := e.Content.StringField("message"); msg != "" {
			return msg
		}
		return e.Content.Action
	}
	return e.Content.Text
}
