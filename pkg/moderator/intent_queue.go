package moderator

import (
	"sync"

	"github.com/openagora/agora/pkg/models"
)

// intentQueue is the per-session ordered list of pending intents. All methods
// are safe for concurrent use.
//
// Ordering: an interrupt-level intent goes to the head when the current phase
// allows interruption. Everything else inserts in descending urgency order,
// with the numeric urgency hint breaking level ties and submission order
// breaking full ties.
type intentQueue struct {
	mu      sync.Mutex
	intents []models.Intent
}

func newIntentQueue() *intentQueue {
	return &intentQueue{}
}

// submit enqueues the intent and returns its 1-based queue position.
func (q *intentQueue) submit(intent models.Intent, allowInterrupt bool) int {
	intent.Normalize()

	q.mu.Lock()
	defer q.mu.Unlock()

	if intent.UrgencyLevel == models.UrgencyInterrupt && allowInterrupt {
		q.intents = append([]models.Intent{intent}, q.intents...)
		return 1
	}

	pos := len(q.intents)
	for i, existing := range q.intents {
		if outranks(intent, existing) {
			pos = i
			break
		}
	}
	q.intents = append(q.intents, models.Intent{})
	copy(q.intents[pos+1:], q.intents[pos:])
	q.intents[pos] = intent
	return pos + 1
}

// outranks reports whether a should be dispatched before b. Equal rank keeps
// submission order, so a never outranks an equal b.
func outranks(a, b models.Intent) bool {
	if a.UrgencyLevel != b.UrgencyLevel {
		return a.UrgencyLevel.HigherThan(b.UrgencyLevel)
	}
	return a.Urgency > b.Urgency
}

// pop removes and returns the head intent.
func (q *intentQueue) pop() (models.Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.intents) == 0 {
		return models.Intent{}, false
	}
	head := q.intents[0]
	q.intents = q.intents[1:]
	return head, true
}

// list returns a snapshot of the pending intents in dispatch order.
func (q *intentQueue) list() []models.Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Intent(nil), q.intents...)
}

// clearAgent drops every intent owned by the given agent.
func (q *intentQueue) clearAgent(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.intents[:0]
	for _, intent := range q.intents {
		if intent.AgentID != agentID {
			kept = append(kept, intent)
		}
	}
	q.intents = kept
}

// len returns the number of pending intents.
func (q *intentQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.intents)
}
