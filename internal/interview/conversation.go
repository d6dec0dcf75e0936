package interview

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role labels who produced a conversation turn.
type Role string

const (
	// RoleUser is the interviewee's recognized speech.
	RoleUser Role = "user"

	// RoleAssistant is the digital human's response.
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation, by either side.
type Turn struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
}

// Conversation is an append-only, concurrency-safe transcript of the
// session. Turns are never mutated after being added.
type Conversation struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

// NewConversation creates an empty transcript.
func NewConversation() *Conversation {
	return &Conversation{now: time.Now}
}

// Append records a new turn and returns it with its generated ID.
func (c *Conversation) Append(role Role, text string) Turn {
	t := Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: c.now(),
	}
	c.mu.Lock()
	c.turns = append(c.turns, t)
	c.mu.Unlock()
	return t
}

// Turns returns a snapshot of the transcript in order.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of turns recorded so far.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Last returns the most recent turn, if any.
func (c *Conversation) Last() (Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}

// LastByRole returns the most recent turn produced by the given role, if any.
func (c *Conversation) LastByRole(role Role) (Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == role {
			return c.turns[i], true
		}
	}
	return Turn{}, false
}
